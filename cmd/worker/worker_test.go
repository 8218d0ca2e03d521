package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unclebandit/broadcast-pipeline/internal/app"
	"github.com/unclebandit/broadcast-pipeline/internal/config"
)

func TestRunRejectsInMemoryBroker(t *testing.T) {
	err := run(config.Config{Store: config.StoreMemory, Broker: config.BrokerMemory}, zap.NewNop())
	assert.ErrorContains(t, err, "in-memory broker")
}

func TestWorkerStopsWithContext(t *testing.T) {
	a, err := app.New(context.Background(), config.Config{Store: config.StoreMemory, Broker: config.BrokerMemory}, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	consumer, err := a.Consumer()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.DeliveryWorker(nil).Start(ctx, consumer) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
}
