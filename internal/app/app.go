// Package app assembles the pipeline's components from configuration. The
// server, worker and cron binaries share it so every process wires the same
// stores, broker and services.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/unclebandit/broadcast-pipeline/internal/broadcastlog"
	"github.com/unclebandit/broadcast-pipeline/internal/clock"
	"github.com/unclebandit/broadcast-pipeline/internal/config"
	"github.com/unclebandit/broadcast-pipeline/internal/db"
	"github.com/unclebandit/broadcast-pipeline/internal/metrics"
	"github.com/unclebandit/broadcast-pipeline/internal/queue"
	"github.com/unclebandit/broadcast-pipeline/internal/ratelimit"
	"github.com/unclebandit/broadcast-pipeline/internal/repository"
	"github.com/unclebandit/broadcast-pipeline/internal/repository/memory"
	"github.com/unclebandit/broadcast-pipeline/internal/scheduler"
	"github.com/unclebandit/broadcast-pipeline/internal/service"
	"github.com/unclebandit/broadcast-pipeline/internal/webhook"
)

// App holds the wired components. Memory and MemQueue are only set for the
// in-process store and broker.
type App struct {
	Config config.Config
	Log    *zap.Logger
	Clock  clock.Clock

	DB       *sql.DB
	Repos    *repository.Repositories
	Memory   *memory.Store
	Dialer   queue.Dialer
	MemQueue *queue.InMemoryQueue
	Redis    *redis.Client
	Limiter  ratelimit.Limiter
	Audit    *broadcastlog.Writer

	Broadcasts *service.BroadcastService
	APIKeys    *service.APIKeyService
	Scheduler  *scheduler.Scheduler
	Ingestor   *webhook.Ingestor
	Receiver   *webhook.Receiver

	closers []func() error
}

// Option adjusts the App before its services are built.
type Option func(*App)

// WithClock replaces the system clock.
func WithClock(c clock.Clock) Option {
	return func(a *App) { a.Clock = c }
}

// New connects the configured store, broker and limiter and builds the
// services on top of them. Close releases whatever New opened.
func New(ctx context.Context, cfg config.Config, log *zap.Logger, opts ...Option) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	metrics.Init()

	a := &App{Config: cfg, Log: log, Clock: clock.System()}
	for _, opt := range opts {
		opt(a)
	}

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	if err := a.openBroker(); err != nil {
		_ = a.Close()
		return nil, err
	}
	if err := a.openLimiter(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	a.buildServices()
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	switch a.Config.Store {
	case config.StoreMemory:
		a.Memory = memory.New()
		a.Repos = a.Memory.Repositories
		return nil
	case config.StorePostgres, "":
		conn, err := db.Open(ctx, db.Options{
			DSN:          a.Config.DSN(),
			MaxOpenConns: a.Config.DBMaxOpen,
			MaxIdleConns: a.Config.DBMaxIdle,
		}, a.Log)
		if err != nil {
			return err
		}
		a.DB = conn
		a.closers = append(a.closers, conn.Close)
		a.Repos = repository.NewPostgres(conn)
		return nil
	default:
		return fmt.Errorf("unknown store %q", a.Config.Store)
	}
}

func (a *App) openBroker() error {
	switch a.Config.Broker {
	case config.BrokerMemory:
		a.MemQueue = queue.NewInMemoryQueue(a.Log)
		a.Dialer = a.MemQueue
	case config.BrokerKafka, "":
		a.Dialer = queue.NewKafkaDialer(a.Config.KafkaBrokers, a.Config.KafkaTopic, a.Config.KafkaClientID)
	case config.BrokerAMQP:
		a.Dialer = &queue.AMQPDialer{URL: a.Config.AMQPURL, Queue: a.Config.AMQPQueue}
	default:
		return fmt.Errorf("unknown broker %q", a.Config.Broker)
	}
	return nil
}

func (a *App) openLimiter(ctx context.Context) error {
	if a.Config.RedisAddr == "" {
		a.Limiter = ratelimit.NewMemoryLimiter(a.Clock)
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.Config.RedisAddr,
		Password: a.Config.RedisPassword,
		DB:       a.Config.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("ping redis: %w", err)
	}
	a.Redis = client
	a.closers = append(a.closers, client.Close)
	a.Limiter = ratelimit.NewRedisLimiter(client)
	a.Log.Info("rate limiter backed by redis", zap.String("addr", a.Config.RedisAddr))
	return nil
}

func (a *App) buildServices() {
	r := a.Repos
	a.Audit = broadcastlog.NewWriter(r.Logs, a.Clock, a.Log)

	a.Broadcasts = &service.BroadcastService{
		Broadcasts: r.Broadcasts,
		Contacts:   r.Contacts,
		Projects:   r.Projects,
		Templates:  r.Templates,
		Logs:       r.Logs,
		Audit:      a.Audit,
		Clock:      a.Clock,
		Log:        a.Log,
		ChunkSize:  a.Config.Creation.ContactChunkSize,
	}
	a.APIKeys = &service.APIKeyService{Keys: r.APIKeys, Clock: a.Clock, Log: a.Log}

	a.Scheduler = scheduler.New(scheduler.Params{
		Config: scheduler.Config{
			BatchSize:       a.Config.Scheduler.BatchSize,
			StuckJobTimeout: a.Config.Scheduler.StuckJobTimeout,
			RunTimeout:      a.Config.Scheduler.RunTimeout,
		},
		Broadcasts: r.Broadcasts,
		Contacts:   r.Contacts,
		Audit:      a.Audit,
		Dialer:     a.Dialer,
		Clock:      a.Clock,
		Log:        a.Log,
	})

	a.Ingestor = webhook.NewIngestor(webhook.Params{
		Config: webhook.Config{
			BatchSize:   a.Config.Webhook.BatchSize,
			Concurrency: a.Config.Webhook.Concurrency,
		},
		Events:   r.WebhookEvents,
		Projects: r.Projects,
		Processors: &webhook.StoreProcessors{
			Broadcasts: r.Broadcasts,
			Contacts:   r.Contacts,
			Inbox:      r.Inbox,
			Clock:      a.Clock,
			Log:        a.Log,
		},
		Clock: a.Clock,
		Log:   a.Log,
	})
	a.Receiver = &webhook.Receiver{Events: r.WebhookEvents, Projects: r.Projects, Clock: a.Clock, Log: a.Log}
}

// DeliveryWorker returns a worker bound to this App's stores. A nil sender
// selects the one named by WORKER_SENDER.
func (a *App) DeliveryWorker(sender service.Sender) *service.DeliveryWorker {
	if sender == nil {
		sender = a.sender()
	}
	return &service.DeliveryWorker{
		Broadcasts:  a.Repos.Broadcasts,
		Contacts:    a.Repos.Contacts,
		Audit:       a.Audit,
		Sender:      sender,
		Clock:       a.Clock,
		Log:         a.Log,
		DefaultRate: a.Config.Worker.MessagesPerSecond,
	}
}

func (a *App) sender() service.Sender {
	if a.Config.Worker.Sender == "graph" {
		return &service.GraphSender{BaseURL: a.Config.Worker.GraphAPIBase}
	}
	return service.DryRunSender{}
}

// Consumer opens the broker's consuming side. The in-memory queue is only
// reachable from the process that owns it.
func (a *App) Consumer() (queue.Consumer, error) {
	switch {
	case a.MemQueue != nil:
		return a.MemQueue, nil
	case a.Config.Broker == config.BrokerAMQP:
		return &queue.AMQPConsumer{URL: a.Config.AMQPURL, Queue: a.Config.AMQPQueue, Prefetch: 10, Log: a.Log}, nil
	default:
		group, err := sarama.NewConsumerGroup(
			a.Config.KafkaBrokers,
			a.Config.KafkaGroupID,
			queue.NewKafkaConsumerConfig(a.Config.KafkaClientID),
		)
		if err != nil {
			return nil, fmt.Errorf("kafka consumer group: %w", err)
		}
		// the consumer closes the group when Consume returns
		return queue.NewKafkaConsumer(a.Config.KafkaTopic, group, a.Log), nil
	}
}

// Close releases connections in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
