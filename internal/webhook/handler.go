package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"green-relay/internal/greenapi"
	"green-relay/internal/metrics"
)

const maxBodyBytes = 4 << 20

// EventProcessor consumes decoded webhook deliveries.
type EventProcessor interface {
	Process(ctx context.Context, hook *greenapi.Webhook) error
}

// Handler decodes provider webhook POSTs and forwards them.
type Handler struct {
	logger    *slog.Logger
	metrics   *metrics.Metrics
	processor EventProcessor
}

// NewHandler creates a new webhook handler.
func NewHandler(logger *slog.Logger, m *metrics.Metrics, processor EventProcessor) *Handler {
	return &Handler{
		logger:    logger.With("component", "webhook_http"),
		metrics:   m,
		processor: processor,
	}
}

// ServeHTTP satisfies http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.metrics.IncError("webhook_read")
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var hook greenapi.Webhook
	if err := json.Unmarshal(body, &hook); err != nil {
		h.metrics.IncError("webhook_decode")
		h.logger.Warn("invalid webhook payload", "error", err)
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if h.processor != nil {
		if err := h.processor.Process(r.Context(), &hook); err != nil {
			h.logger.Error("failed processing webhook",
				"error", err,
				"type", hook.TypeWebhook,
				"api_id", hook.InstanceData.IDInstance,
				"id_message", hook.IDMessage)
			h.metrics.IncError("webhook_process")
			http.Error(w, "failed to process", http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
