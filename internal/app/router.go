package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/unclebandit/broadcast-pipeline/internal/controller"
	"github.com/unclebandit/broadcast-pipeline/internal/cronjob"
	"github.com/unclebandit/broadcast-pipeline/internal/handler"
	"github.com/unclebandit/broadcast-pipeline/internal/middleware"
)

// Router mounts every HTTP surface of the pipeline.
func (a *App) Router() http.Handler {
	bc := &controller.BroadcastController{
		BroadcastService: a.Broadcasts,
		Limiter:          a.Limiter,
		Limit:            a.Config.RateLimit.BroadcastLimit,
		Window:           a.Config.RateLimit.BroadcastWindow,
		Log:              a.Log,
	}
	wc := &controller.WebhookController{
		Receiver:    a.Receiver,
		VerifyToken: a.Config.MetaVerifyToken,
		Log:         a.Log,
	}
	cron := &handler.CronHandler{Broadcasts: a.Scheduler, Webhooks: a.Ingestor, Log: a.Log}
	health := &handler.HealthHandler{DB: a.DB}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(a.Log))
	r.Use(middleware.Metrics)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", health.Liveness)
	r.Get("/readyz", health.Readiness)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/webhooks/meta", wc.Verify)
	r.Post("/webhooks/meta", wc.Receive)

	// Runs are bounded by the scheduler's own timeout, not the request timeout.
	r.Route("/cron", func(r chi.Router) {
		r.Use(middleware.CronSecret(a.Config.CronSecret))
		r.Get("/send-broadcasts", cron.SendBroadcastsHandler)
		r.Post("/send-broadcasts", cron.SendBroadcastsHandler)
		r.Get("/process-webhooks", cron.ProcessWebhooksHandler)
		r.Post("/process-webhooks", cron.ProcessWebhooksHandler)
	})

	r.Group(func(r chi.Router) {
		r.Use(chimw.Timeout(60 * time.Second))

		r.Route("/v1", func(r chi.Router) {
			r.Use(middleware.APIKeyAuth(a.APIKeys, a.Log))
			r.Post("/broadcasts", bc.CreateBroadcast)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.UserHeader)
			r.Get("/projects/{projectID}/broadcasts", bc.ListBroadcasts)
			r.Post("/projects/{projectID}/broadcasts/csv", bc.UploadCSV)
			r.Get("/broadcasts/{id}", bc.GetBroadcastDetails)
			r.Get("/broadcasts/{id}/attempts", bc.ListAttempts)
			r.Get("/broadcasts/{id}/logs", bc.ListLogs)
			r.Post("/broadcasts/{id}/stop", bc.StopBroadcast)
			r.Post("/broadcasts/{id}/requeue", bc.RequeueBroadcast)
		})
	})

	return r
}

// Schedule registers the scheduler and webhook passes on r using the
// configured cron spec.
func (a *App) Schedule(r *cronjob.Runner) error {
	spec := a.Config.CronSchedule
	if err := r.Add("send-broadcasts", spec, func(ctx context.Context) {
		res := a.Scheduler.RunOnce(ctx)
		if res.Error != "" {
			a.Log.Warn("scheduled broadcast run failed", zap.String("error", res.Error))
		}
	}); err != nil {
		return err
	}
	return r.Add("process-webhooks", spec, func(ctx context.Context) {
		res := a.Ingestor.RunOnce(ctx)
		if res.Error != "" {
			a.Log.Warn("scheduled webhook run failed", zap.String("error", res.Error))
		}
	})
}
