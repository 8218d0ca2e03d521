package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/unclebandit/broadcast-pipeline/internal/broadcastlog"
	"github.com/unclebandit/broadcast-pipeline/internal/clock"
	appErrors "github.com/unclebandit/broadcast-pipeline/internal/errors"
	"github.com/unclebandit/broadcast-pipeline/internal/metrics"
	"github.com/unclebandit/broadcast-pipeline/internal/model"
	"github.com/unclebandit/broadcast-pipeline/internal/queue"
	"github.com/unclebandit/broadcast-pipeline/internal/repository"
)

// Sender delivers one template message and returns the provider message id.
type Sender interface {
	Send(ctx context.Context, job *model.Broadcast, contact *model.BroadcastContact) (string, error)
}

// DryRunSender builds each message but never contacts a provider.
type DryRunSender struct{}

func (DryRunSender) Send(ctx context.Context, job *model.Broadcast, c *model.BroadcastContact) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, err := BuildTemplateMessage(job, c); err != nil {
		return "", err
	}
	return "dryrun." + uuid.NewString(), nil
}

// DeliveryWorker consumes broker envelopes, sends each contact at the job's
// configured rate and records outcomes. The last batch to land finalizes the job.
type DeliveryWorker struct {
	Broadcasts  repository.BroadcastRepositoryInterface
	Contacts    repository.ContactRepositoryInterface
	Audit       *broadcastlog.Writer
	Sender      Sender
	Clock       clock.Clock
	Log         *zap.Logger
	DefaultRate int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// Start blocks consuming from c until ctx is cancelled.
func (w *DeliveryWorker) Start(ctx context.Context, c queue.Consumer) error {
	return c.Consume(ctx, w.Handle)
}

func (w *DeliveryWorker) logger() *zap.Logger {
	if w.Log == nil {
		return zap.NewNop()
	}
	return w.Log
}

func (w *DeliveryWorker) now() clock.Clock {
	if w.Clock == nil {
		return clock.System()
	}
	return w.Clock
}

// Handle processes one envelope. Batches of jobs that are no longer
// PROCESSING are acknowledged without sending.
func (w *DeliveryWorker) Handle(ctx context.Context, env queue.Envelope) error {
	job := env.JobDetails
	log := w.logger().With(zap.String("broadcast_id", job.ID), zap.Int("contacts", len(env.Contacts)))

	current, err := w.Broadcasts.GetByID(ctx, job.ID)
	if err != nil {
		var nf *appErrors.ErrBroadcastNotFound
		if errors.As(err, &nf) {
			log.Warn("dropping batch for unknown broadcast")
			return nil
		}
		return fmt.Errorf("load broadcast: %w", err)
	}
	if current.Status != model.BroadcastProcessing {
		log.Info("skipping batch, broadcast not processing", zap.String("status", current.Status))
		w.dropLimiter(job.ID)
		return nil
	}

	results, err := w.send(ctx, job, env.Contacts)
	if err != nil {
		return err
	}

	now := w.now().Now()
	sent, failed, err := w.Contacts.MarkResults(ctx, job.ID, results, now)
	if err != nil {
		return fmt.Errorf("record results: %w", err)
	}
	metrics.ContactsDelivered.WithLabelValues("sent").Add(float64(sent))
	metrics.ContactsDelivered.WithLabelValues("failed").Add(float64(failed))
	if sent+failed == 0 {
		log.Info("batch already recorded")
		return nil
	}

	updated, err := w.Broadcasts.IncrementCounters(ctx, job.ID, repository.CounterDelta{Success: sent, Error: failed}, now)
	if err != nil {
		return fmt.Errorf("update counters: %w", err)
	}
	w.Audit.Info(ctx, job, fmt.Sprintf("Batch processed: %d sent, %d failed", sent, failed), map[string]any{
		"sent":   sent,
		"failed": failed,
	})

	if updated.SuccessCount+updated.ErrorCount >= updated.ContactCount {
		w.finish(ctx, updated)
	}
	return nil
}

// send delivers contacts concurrently while the limiter keeps the job at or
// under its messages-per-second budget. Only context cancellation aborts it.
func (w *DeliveryWorker) send(ctx context.Context, job *model.Broadcast, contacts []*model.BroadcastContact) ([]model.ContactResult, error) {
	lim := w.limiter(job)
	results := make([]model.ContactResult, len(contacts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(lim.Burst(), 1))
	for i, c := range contacts {
		if err := lim.Wait(gctx); err != nil {
			g.Wait()
			return nil, fmt.Errorf("wait for send slot: %w", err)
		}
		g.Go(func() error {
			msgID, err := w.Sender.Send(gctx, job, c)
			results[i] = model.ContactResult{ContactID: c.ID, MessageID: msgID}
			if err != nil {
				results[i].Error = err.Error()
			}
			return nil
		})
	}
	g.Wait()
	return results, ctx.Err()
}

func (w *DeliveryWorker) limiter(job *model.Broadcast) *rate.Limiter {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.limiters == nil {
		w.limiters = map[string]*rate.Limiter{}
	}
	if lim, ok := w.limiters[job.ID]; ok {
		return lim
	}
	mps := job.MessagesPerSecond
	if mps <= 0 {
		mps = w.DefaultRate
	}
	if mps <= 0 {
		mps = defaultMessagesPerSecond
	}
	lim := rate.NewLimiter(rate.Limit(mps), mps)
	w.limiters[job.ID] = lim
	return lim
}

func (w *DeliveryWorker) dropLimiter(broadcastID string) {
	w.mu.Lock()
	delete(w.limiters, broadcastID)
	w.mu.Unlock()
}

func (w *DeliveryWorker) finish(ctx context.Context, job *model.Broadcast) {
	status := model.FinalStatus(job.SuccessCount, job.ErrorCount)
	ok, err := w.Broadcasts.UpdateStatus(ctx, job.ID, repository.StatusChange{
		From: []string{model.BroadcastProcessing},
		To:   status,
		At:   w.now().Now(),
	})
	if err != nil {
		w.logger().Error("finalize broadcast", zap.String("broadcast_id", job.ID), zap.Error(err))
		return
	}

	w.dropLimiter(job.ID)

	if !ok {
		return
	}
	w.Audit.Info(ctx, job, fmt.Sprintf("Broadcast finished: %s", status), map[string]any{
		"success": job.SuccessCount,
		"errors":  job.ErrorCount,
	})
	w.logger().Info("broadcast finished",
		zap.String("broadcast_id", job.ID),
		zap.String("status", status),
		zap.Int("success", job.SuccessCount),
		zap.Int("errors", job.ErrorCount))
}
