// Package cronjob runs the periodic scheduler and webhook passes in process,
// for deployments without an external cron calling the trigger endpoints.
package cronjob

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// zapLogger adapts zap to cron.Logger.
type zapLogger struct {
	s *zap.SugaredLogger
}

func (l zapLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l zapLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}

type Runner struct {
	c      *cron.Cron
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a runner whose jobs never overlap with themselves and whose
// panics are recovered and logged.
func New(log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("cron")
	cl := zapLogger{s: log.Sugar()}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		c: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers fn under spec. fn receives a context cancelled by Stop.
func (r *Runner) Add(name, spec string, fn func(ctx context.Context)) error {
	_, err := r.c.AddFunc(spec, func() {
		r.log.Debug("job started", zap.String("job", name))
		fn(r.ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	r.log.Info("job scheduled", zap.String("job", name), zap.String("spec", spec))
	return nil
}

func (r *Runner) Len() int {
	return len(r.c.Entries())
}

func (r *Runner) Start() {
	r.c.Start()
}

// Stop cancels running jobs and waits for them to return or ctx to expire.
func (r *Runner) Stop(ctx context.Context) {
	r.cancel()
	done := r.c.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		r.log.Warn("cron jobs still running at shutdown")
	}
}
