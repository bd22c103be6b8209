package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"places-agent/internal/integrations/telegram"
	"places-agent/internal/usecase"
)

const (
	headerCorrelationID = "X-Correlation-Id"
	headerSecretToken   = "X-Telegram-Bot-Api-Secret-Token"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, upd telegram.Update) error
}

// Handler is the API Gateway webhook endpoint Telegram posts updates to.
type Handler struct {
	dispatcher Dispatcher
	secret     string
	log        *slog.Logger
}

type HandlerOption func(*Handler)

// WithWebhookSecret rejects requests whose secret token header does not
// match secret. An empty secret disables the check.
func WithWebhookSecret(secret string) HandlerOption {
	return func(h *Handler) { h.secret = secret }
}

func WithLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

type okResponse struct {
	OK bool `json:"ok"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewHandler(d Dispatcher, opts ...HandlerOption) (*Handler, error) {
	if d == nil {
		return nil, errors.New("handler: dispatcher must not be nil")
	}
	h := &Handler{dispatcher: d, log: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := header(req.Headers, headerCorrelationID)
	if correlationID == "" {
		correlationID = newCorrelationID()
	}
	log := h.log.With("correlation_id", correlationID)

	if h.secret != "" {
		got := header(req.Headers, headerSecretToken)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
			log.Warn("webhook secret mismatch")
			return jsonResponse(http.StatusUnauthorized, correlationID, errorResponse{Error: "UNAUTHORIZED"}), nil
		}
	}

	var upd telegram.Update
	if err := json.Unmarshal([]byte(req.Body), &upd); err != nil {
		log.Warn("invalid update body", "err", err)
		return jsonResponse(http.StatusBadRequest, correlationID, errorResponse{Error: string(usecase.ErrorInvalidInput)}), nil
	}

	if err := h.dispatcher.Dispatch(ctx, upd); err != nil {
		code := usecase.CodeOf(err)
		if code == usecase.ErrorInvalidInput {
			log.Warn("update rejected", "update_id", upd.UpdateID, "err", err)
		} else {
			log.Error("update handling failed", "update_id", upd.UpdateID, "code", code, "err", err)
		}
		// Telegram redelivers updates answered with a non-2xx status.
		return jsonResponse(http.StatusOK, correlationID, errorResponse{Error: string(code)}), nil
	}

	log.Info("update handled", "update_id", upd.UpdateID)
	return jsonResponse(http.StatusOK, correlationID, okResponse{OK: true}), nil
}

func header(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func jsonResponse(status int, correlationID string, body any) events.APIGatewayProxyResponse {
	raw, err := json.Marshal(body)
	if err != nil {
		raw = []byte(`{"error":"INTERNAL_ERROR"}`)
		status = http.StatusInternalServerError
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":      "application/json",
			headerCorrelationID: correlationID,
		},
		Body: string(raw),
	}
}

var newCorrelationID = func() string {
	return uuid.NewString()
}
