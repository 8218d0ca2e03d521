// internal/handler/cron_handler.go
package handler

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/unclebandit/broadcast-pipeline/internal/scheduler"
	"github.com/unclebandit/broadcast-pipeline/internal/webhook"
)

type BroadcastRunner interface {
	RunOnce(ctx context.Context) scheduler.Result
}

type WebhookRunner interface {
	RunOnce(ctx context.Context) webhook.Result
}

// CronHandler exposes the periodic jobs over HTTP for an external scheduler.
type CronHandler struct {
	Broadcasts BroadcastRunner
	Webhooks   WebhookRunner
	Log        *zap.Logger
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// SendBroadcastsHandler runs one scheduler pass: POST /cron/send-broadcasts.
func (h *CronHandler) SendBroadcastsHandler(w http.ResponseWriter, r *http.Request) {
	res := h.Broadcasts.RunOnce(r.Context())
	if res.Error != "" {
		h.log().Error("send-broadcasts run failed", zap.String("error", res.Error))
		respond(w, http.StatusInternalServerError, res)
		return
	}
	respond(w, http.StatusOK, res)
}

// ProcessWebhooksHandler drains one batch of webhook events: POST /cron/process-webhooks.
func (h *CronHandler) ProcessWebhooksHandler(w http.ResponseWriter, r *http.Request) {
	res := h.Webhooks.RunOnce(r.Context())
	if res.Error != "" {
		h.log().Error("process-webhooks run failed", zap.String("error", res.Error))
		respond(w, http.StatusInternalServerError, res)
		return
	}
	respond(w, http.StatusOK, res)
}

func (h *CronHandler) log() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}

// HealthHandler answers liveness and readiness probes.
type HealthHandler struct {
	DB *sql.DB
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	if h.DB != nil {
		if err := h.DB.PingContext(r.Context()); err != nil {
			respond(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	respond(w, http.StatusOK, map[string]string{"status": "ready"})
}
