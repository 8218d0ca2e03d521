// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/broadcast-pipeline/internal/app"
	"github.com/unclebandit/broadcast-pipeline/internal/config"
	"github.com/unclebandit/broadcast-pipeline/internal/cronjob"
	"github.com/unclebandit/broadcast-pipeline/internal/db"
	"github.com/unclebandit/broadcast-pipeline/internal/logger"
)

func main() {
	cfg := config.Load()
	log, err := logger.New(cfg.LogLevel, cfg.AppName)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("bootstrap failed", zap.Error(err))
	}
	defer a.Close()

	if a.DB != nil {
		if err := db.Migrate(ctx, a.DB); err != nil {
			log.Fatal("migration failed", zap.Error(err))
		}
	}

	// The in-memory broker only reaches consumers in this process.
	if a.MemQueue != nil {
		a.MemQueue.Subscribe(a.DeliveryWorker(nil).Handle)
		log.Warn("using in-memory broker; deliveries run inside the server")
	}

	var runner *cronjob.Runner
	if cfg.CronInProcess {
		runner = cronjob.New(log)
		if err := a.Schedule(runner); err != nil {
			log.Fatal("cron setup failed", zap.Error(err))
		}
		runner.Start()
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("server listening", zap.String("addr", cfg.HTTPAddr), zap.String("store", cfg.Store), zap.String("broker", cfg.Broker))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if runner != nil {
		runner.Stop(shutdownCtx)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
	if a.MemQueue != nil {
		a.MemQueue.Wait()
	}
}
