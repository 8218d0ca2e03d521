package scheduler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/unclebandit/broadcast-pipeline/internal/metrics"
	"github.com/unclebandit/broadcast-pipeline/internal/model"
	"github.com/unclebandit/broadcast-pipeline/internal/queue"
	"github.com/unclebandit/broadcast-pipeline/internal/repository"
)

type DispatchStats struct {
	Batches  int
	Contacts int
}

// DispatchContacts streams the job's PENDING contacts to the broker, one
// message per batch. A job with no pending contacts is completed here, since
// no worker would ever see it. The broker connection is opened only when
// there is something to send and is closed before returning.
func (s *Scheduler) DispatchContacts(ctx context.Context, job *model.Broadcast) (DispatchStats, error) {
	var stats DispatchStats
	loader := repository.NewContactBatchLoader(s.contacts, repository.ContactFilter{
		BroadcastID: job.ID,
		Statuses:    []string{model.ContactPending},
	}, s.cfg.BatchSize)

	batch, err := loader.Next(ctx)
	if err != nil {
		return stats, fmt.Errorf("load contacts: %w", err)
	}
	if len(batch) == 0 {
		return stats, s.finalizeEmpty(ctx, job)
	}

	pub, err := s.dialer.Dial(ctx)
	if err != nil {
		return stats, fmt.Errorf("connect broker: %w", err)
	}
	defer func() {
		if err := pub.Close(); err != nil {
			s.log.Warn("close broker connection", zap.String("broadcast_id", job.ID), zap.Error(err))
		}
	}()

	for len(batch) > 0 {
		// Logged before publishing: a worker may finish the batch before
		// Publish returns.
		n := stats.Batches + 1
		s.audit.Info(ctx, job, fmt.Sprintf("Dispatching batch %d with %d contacts", n, len(batch)), map[string]any{
			"batch":    n,
			"contacts": len(batch),
		})
		if err := pub.Publish(ctx, queue.Envelope{JobDetails: job, Contacts: batch}); err != nil {
			return stats, fmt.Errorf("publish batch %d: %w", n, err)
		}
		stats.Batches = n
		stats.Contacts += len(batch)
		metrics.BatchesPublished.Inc()
		metrics.ContactsDispatched.Add(float64(len(batch)))

		batch, err = loader.Next(ctx)
		if err != nil {
			return stats, fmt.Errorf("load contacts after batch %d: %w", stats.Batches, err)
		}
	}

	s.audit.Info(ctx, job, fmt.Sprintf("Dispatch complete: %d contacts in %d batches", stats.Contacts, stats.Batches), map[string]any{
		"batches":  stats.Batches,
		"contacts": stats.Contacts,
	})
	return stats, nil
}

func (s *Scheduler) finalizeEmpty(ctx context.Context, job *model.Broadcast) error {
	ok, err := s.broadcasts.UpdateStatus(ctx, job.ID, repository.StatusChange{
		From: []string{model.BroadcastProcessing},
		To:   model.BroadcastCompleted,
		At:   s.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("finalize empty broadcast: %w", err)
	}
	if !ok {
		s.log.Warn("empty broadcast left PROCESSING before finalization", zap.String("broadcast_id", job.ID))
		return nil
	}
	s.audit.Info(ctx, job, "No pending contacts; broadcast marked Completed", nil)
	return nil
}
