package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/unclebandit/broadcast-pipeline/internal/app"
	"github.com/unclebandit/broadcast-pipeline/internal/config"
	"github.com/unclebandit/broadcast-pipeline/internal/logger"
)

func main() {
	cfg := config.Load()
	log, err := logger.New(cfg.LogLevel, cfg.AppName+"-worker")
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("worker stopped", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	if cfg.Broker == config.BrokerMemory {
		return errors.New("the in-memory broker has no external consumers; run the server instead")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	consumer, err := a.Consumer()
	if err != nil {
		return err
	}

	log.Info("worker consuming", zap.String("broker", cfg.Broker), zap.Int("default_rate", cfg.Worker.MessagesPerSecond))
	if err := a.DeliveryWorker(nil).Start(ctx, consumer); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("worker drained")
	return nil
}
