package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/broadcast-pipeline/internal/broadcastlog"
	"github.com/unclebandit/broadcast-pipeline/internal/clock"
	"github.com/unclebandit/broadcast-pipeline/internal/metrics"
	"github.com/unclebandit/broadcast-pipeline/internal/model"
	"github.com/unclebandit/broadcast-pipeline/internal/queue"
	"github.com/unclebandit/broadcast-pipeline/internal/repository"
)

// Result is what a run reports to its invoker: either Message or Error is set.
type Result struct {
	Message     string `json:"message,omitempty"`
	Error       string `json:"error,omitempty"`
	BroadcastID string `json:"broadcastId,omitempty"`
	Batches     int    `json:"batches,omitempty"`
	Contacts    int    `json:"contacts,omitempty"`
}

type Params struct {
	Config     Config
	Broadcasts repository.BroadcastRepositoryInterface
	Contacts   repository.ContactRepositoryInterface
	Audit      *broadcastlog.Writer
	Dialer     queue.Dialer
	Clock      clock.Clock
	Log        *zap.Logger
}

// Scheduler claims one queued broadcast per run and streams its pending
// contacts to the broker. It keeps no state between runs, so any number of
// instances may run at once; exclusivity comes from the store's atomic claim.
type Scheduler struct {
	cfg        Config
	broadcasts repository.BroadcastRepositoryInterface
	contacts   repository.ContactRepositoryInterface
	audit      *broadcastlog.Writer
	dialer     queue.Dialer
	clock      clock.Clock
	log        *zap.Logger
}

func New(p Params) *Scheduler {
	if p.Broadcasts == nil || p.Contacts == nil || p.Dialer == nil {
		panic("scheduler.New: nil dependencies provided")
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.System()
	}
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		cfg:        p.Config.withDefaults(),
		broadcasts: p.Broadcasts,
		contacts:   p.Contacts,
		audit:      p.Audit,
		dialer:     p.Dialer,
		clock:      clk,
		log:        log.Named("scheduler").With(zap.String("component", "scheduler")),
	}
}

// RunOnce performs one scheduler invocation. It never panics or returns an
// error; failures are reported in Result.Error.
func (s *Scheduler) RunOnce(parent context.Context) (res Result) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.RunTimeout)
	defer cancel()
	defer func() {
		metrics.SchedulerRunDuration.Observe(time.Since(start).Seconds())
	}()

	if n, err := s.ResetStuckJobs(ctx); err != nil {
		s.log.Warn("reset stuck jobs failed", zap.Error(err))
	} else if n > 0 {
		s.log.Info("reset stuck jobs", zap.Int64("count", n))
	}

	job, err := s.ClaimNextJob(ctx)
	if err != nil {
		s.log.Error("claim next job failed", zap.Error(err))
		metrics.SchedulerRuns.WithLabelValues("error").Inc()
		return Result{Error: fmt.Sprintf("claim next job: %v", err)}
	}
	if job == nil {
		metrics.SchedulerRuns.WithLabelValues("idle").Inc()
		return Result{Message: "No queued broadcasts to process."}
	}

	log := s.log.With(zap.String("broadcast_id", job.ID), zap.String("project_id", job.ProjectID))
	log.Info("claimed broadcast", zap.Int("contact_count", job.ContactCount))
	s.audit.Info(ctx, job, "Broadcast claimed for processing", map[string]any{
		"contactCount": job.ContactCount,
	})

	stats, err := s.safeDispatch(ctx, job)
	if err != nil {
		s.rollback(ctx, job, err)
		log.Error("dispatch failed, job returned to queue", zap.Error(err))
		metrics.SchedulerRuns.WithLabelValues("error").Inc()
		return Result{
			Error:       fmt.Sprintf("dispatch broadcast %s: %v", job.ID, err),
			BroadcastID: job.ID,
		}
	}

	if stats.Contacts == 0 {
		metrics.SchedulerRuns.WithLabelValues("finalized").Inc()
		return Result{
			Message:     fmt.Sprintf("Broadcast %s had no pending contacts and was marked %s.", job.ID, model.BroadcastCompleted),
			BroadcastID: job.ID,
		}
	}

	metrics.SchedulerRuns.WithLabelValues("dispatched").Inc()
	log.Info("dispatch complete", zap.Int("batches", stats.Batches), zap.Int("contacts", stats.Contacts))
	return Result{
		Message:     fmt.Sprintf("Dispatched %d contacts in %d batches for broadcast %s.", stats.Contacts, stats.Batches, job.ID),
		BroadcastID: job.ID,
		Batches:     stats.Batches,
		Contacts:    stats.Contacts,
	}
}

// ResetStuckJobs returns PROCESSING jobs older than the stuck timeout to QUEUED.
func (s *Scheduler) ResetStuckJobs(ctx context.Context) (int64, error) {
	now := s.clock.Now()
	n, err := s.broadcasts.ResetTimedOut(ctx, now.Add(-s.cfg.StuckJobTimeout), now)
	if err != nil {
		return 0, fmt.Errorf("reset timed out broadcasts: %w", err)
	}
	metrics.StuckJobsReset.Add(float64(n))
	return n, nil
}

// ClaimNextJob moves the oldest QUEUED job to PROCESSING. It returns nil when
// there is nothing to claim.
func (s *Scheduler) ClaimNextJob(ctx context.Context) (*model.Broadcast, error) {
	return s.broadcasts.ClaimNext(ctx, s.clock.Now())
}

func (s *Scheduler) safeDispatch(ctx context.Context, job *model.Broadcast) (stats DispatchStats, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during dispatch: %v", r)
		}
	}()
	return s.DispatchContacts(ctx, job)
}

// rollback hands the job back to the queue so a later run retries it. The
// transition is conditional so a job cancelled meanwhile stays cancelled.
func (s *Scheduler) rollback(ctx context.Context, job *model.Broadcast, cause error) {
	ctx = context.WithoutCancel(ctx)
	ok, err := s.broadcasts.UpdateStatus(ctx, job.ID, repository.StatusChange{
		From:         []string{model.BroadcastProcessing},
		To:           model.BroadcastQueued,
		At:           s.clock.Now(),
		ErrorSummary: cause.Error(),
	})
	if err != nil {
		s.log.Error("rollback to queue failed", zap.String("broadcast_id", job.ID), zap.Error(err))
	}
	s.audit.Error(ctx, job, fmt.Sprintf("Dispatch failed: %v", cause), map[string]any{
		"requeued": ok && err == nil,
	})
}
