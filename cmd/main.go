package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/joho/godotenv"

	"places-agent/handler"
	"places-agent/internal/assistant"
	"places-agent/internal/integrations/gis"
	"places-agent/internal/integrations/openai"
	"places-agent/internal/integrations/paramstore"
	"places-agent/internal/integrations/telegram"
	"places-agent/internal/repository"
	"places-agent/internal/session"
	"places-agent/internal/usecase"
)

func main() {
	ctx := context.Background()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Error("failed to load .env", "err", err)
		os.Exit(1)
	}

	// ---- Configuration (read only here) ----
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: envLevel("LOG_LEVEL")}))
	slog.SetDefault(logger)

	runMode := envString("RUN_MODE", "lambda")
	paramPrefix := os.Getenv("PARAM_PREFIX")
	webhookSecret := os.Getenv("TELEGRAM_WEBHOOK_SECRET")
	openaiModel := envString("OPENAI_MODEL", "gpt-4.1-mini")
	searchRadius := envInt("SEARCH_RADIUS_METERS", 5000)
	searchLimit := envInt("SEARCH_LIMIT", 5)
	historyWindow := envInt("HISTORY_WINDOW", 10)
	idleTTL := time.Duration(envInt("SESSION_IDLE_TTL_MINUTES", 0)) * time.Minute
	journalTable := os.Getenv("SEARCH_JOURNAL_TABLE")
	moderation := envBool("ENABLE_MODERATION", true)

	if runMode != "lambda" && runMode != "poll" {
		slog.Error("unsupported run mode", "RUN_MODE", runMode)
		os.Exit(1)
	}

	// ---- AWS SDK config (only when a component needs it) ----
	var cfg aws.Config
	if paramPrefix != "" || journalTable != "" {
		var err error
		cfg, err = config.LoadDefaultConfig(ctx)
		if err != nil {
			slog.Error("failed to load AWS config", "err", err)
			os.Exit(1)
		}
	}

	// ---- Clients ----
	var params paramstore.Getter = paramstore.EnvGetter{}
	if paramPrefix != "" {
		ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
		if err != nil {
			slog.Error("failed to create SSM client", "err", err)
			os.Exit(1)
		}
		params = ssmClient
	}

	openaiClient, err := openai.NewClient(params, paramPrefix)
	if err != nil {
		slog.Error("failed to create OpenAI client", "err", err)
		os.Exit(1)
	}
	gisClient, err := gis.NewClient(params, paramPrefix)
	if err != nil {
		slog.Error("failed to create 2GIS client", "err", err)
		os.Exit(1)
	}
	bot, err := telegram.NewClient(params, paramPrefix)
	if err != nil {
		slog.Error("failed to create Telegram client", "err", err)
		os.Exit(1)
	}

	assistantOpts := []assistant.Option{assistant.WithLogger(logger)}
	if paramPrefix != "" {
		assistantOpts = append(assistantOpts, assistant.WithModelParameter(params, paramPrefix))
	}
	llm, err := assistant.New(openaiClient, openaiModel, assistantOpts...)
	if err != nil {
		slog.Error("failed to create assistant", "err", err)
		os.Exit(1)
	}

	store := session.NewStore(session.WithIdleTTL(idleTTL))
	deps := usecase.Dependencies{
		Store:     store,
		Analyzer:  llm,
		Questions: llm,
		Searcher:  gisClient,
		Logger:    logger,
	}
	if moderation {
		deps.Moderator = openaiClient
	}
	if journalTable != "" {
		journal, err := repository.New(awsdynamodb.NewFromConfig(cfg), journalTable)
		if err != nil {
			slog.Error("failed to create search journal", "err", err)
			os.Exit(1)
		}
		deps.Journal = journal
	}
	if idleTTL > 0 {
		go evictIdle(store, idleTTL, logger)
	}

	// ---- Handler ----
	dialogue, err := usecase.NewDialogueService(deps, usecase.Settings{
		SearchRadius:  searchRadius,
		SearchLimit:   searchLimit,
		HistoryWindow: historyWindow,
	})
	if err != nil {
		slog.Error("failed to create dialogue service", "err", err)
		os.Exit(1)
	}

	router, err := handler.NewRouter(dialogue, bot, logger)
	if err != nil {
		slog.Error("failed to create router", "err", err)
		os.Exit(1)
	}

	if runMode == "poll" {
		poller, err := handler.NewPoller(bot, router, handler.WithPollerLogger(logger))
		if err != nil {
			slog.Error("failed to create poller", "err", err)
			os.Exit(1)
		}
		runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		slog.Info("polling for updates")
		if err := poller.Run(runCtx); err != nil {
			slog.Error("poller stopped", "err", err)
			os.Exit(1)
		}
		return
	}

	h, err := handler.NewHandler(router, handler.WithWebhookSecret(webhookSecret), handler.WithLogger(logger))
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func evictIdle(store *session.Store, ttl time.Duration, logger *slog.Logger) {
	interval := ttl / 2
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		if n := store.EvictIdle(); n > 0 {
			logger.Info("evicted idle sessions", "count", n, "remaining", store.Len())
		}
	}
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envLevel(key string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(envString(key, "info"))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
