// Package assistant turns free-text answers into preference updates and
// asks the next question, using a chat-completion model.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"places-agent/internal/domain"
)

const (
	defaultModel = "gpt-4.1-mini"

	questionTemperature = 0.8
	questionMaxTokens   = 300
	analysisTemperature = 0.3
	analysisMaxTokens   = 200
)

type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage, params domain.ChatParams) (string, error)
}

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type Assistant struct {
	llm          LLMClient
	params       ParamGetter
	paramPrefix  string
	defaultModel string
	log          *slog.Logger

	cacheMu     sync.RWMutex
	cacheLoaded bool
	model       string
}

type Option func(*Assistant)

// WithModelParameter reads the model name from <prefix>/config/openai_model,
// falling back to the default model while the parameter is unavailable.
func WithModelParameter(params ParamGetter, paramPrefix string) Option {
	return func(a *Assistant) {
		a.params = params
		a.paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Assistant) {
		if l != nil {
			a.log = l
		}
	}
}

func New(llm LLMClient, model string, opts ...Option) (*Assistant, error) {
	if llm == nil {
		return nil, errors.New("assistant: llm client must not be nil")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultModel
	}
	a := &Assistant{
		llm:          llm,
		defaultModel: model,
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// AnalyzeUtterance asks the model which preferences text expresses. Fields
// the model leaves out or returns in an unexpected shape are not provided.
func (a *Assistant) AnalyzeUtterance(ctx context.Context, text string, current domain.Preferences) (domain.PreferenceUpdate, error) {
	temp := analysisTemperature
	raw, err := a.llm.Chat(ctx, a.resolveModel(ctx), buildAnalysisMessages(text, current), domain.ChatParams{
		Temperature: &temp,
		MaxTokens:   analysisMaxTokens,
		JSONObject:  true,
	})
	if err != nil {
		return domain.PreferenceUpdate{}, fmt.Errorf("assistant: analyze utterance: %w", err)
	}
	update, err := parsePreferenceUpdate(raw)
	if err != nil {
		return domain.PreferenceUpdate{}, fmt.Errorf("assistant: analyze utterance: %w", err)
	}
	return update, nil
}

// NextQuestion asks the model for the next clarifying question.
func (a *Assistant) NextQuestion(ctx context.Context, prefs domain.Preferences, history []domain.ChatMessage) (string, error) {
	temp := questionTemperature
	raw, err := a.llm.Chat(ctx, a.resolveModel(ctx), buildQuestionMessages(prefs, history), domain.ChatParams{
		Temperature: &temp,
		MaxTokens:   questionMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("assistant: next question: %w", err)
	}
	q := strings.TrimSpace(raw)
	if q == "" {
		return "", errors.New("assistant: next question: empty response")
	}
	return q, nil
}

func (a *Assistant) resolveModel(ctx context.Context) string {
	if a.params == nil {
		return a.defaultModel
	}

	a.cacheMu.RLock()
	if a.cacheLoaded {
		model := a.model
		a.cacheMu.RUnlock()
		return model
	}
	a.cacheMu.RUnlock()

	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	if a.cacheLoaded {
		return a.model
	}

	name := a.paramPrefix + "/config/openai_model"
	model, err := a.params.GetParameter(ctx, name)
	if err != nil || strings.TrimSpace(model) == "" {
		// Not cached, so the next call retries.
		a.log.Warn("model parameter unavailable, using default", "param", name, "model", a.defaultModel, "err", err)
		return a.defaultModel
	}
	a.model = strings.TrimSpace(model)
	a.cacheLoaded = true
	return a.model
}
