package webhook

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/broadcast-pipeline/internal/clock"
	"github.com/unclebandit/broadcast-pipeline/internal/metrics"
	"github.com/unclebandit/broadcast-pipeline/internal/model"
	"github.com/unclebandit/broadcast-pipeline/internal/repository"
)

const (
	ErrNoProject       = "No project ID associated"
	ErrProjectNotFound = "Project not found during processing"
)

type Config struct {
	// BatchSize caps how many events one run drains.
	BatchSize int
	// Concurrency caps how many tenants are processed at once.
	Concurrency int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	return c
}

// Result is what a run reports to its invoker: either Message or Error is set.
type Result struct {
	Message      string `json:"message,omitempty"`
	Error        string `json:"error,omitempty"`
	Processed    int    `json:"processed,omitempty"`
	DeadLettered int    `json:"deadLettered,omitempty"`
	Failed       int    `json:"failed,omitempty"`
}

type Params struct {
	Config     Config
	Events     repository.WebhookEventRepositoryInterface
	Projects   repository.ProjectRepositoryInterface
	Processors Processors
	Clock      clock.Clock
	Log        *zap.Logger
}

// Ingestor drains the webhook event log. Each run handles one batch; events
// are grouped by tenant and a failing tenant never blocks the others.
type Ingestor struct {
	cfg        Config
	events     repository.WebhookEventRepositoryInterface
	projects   repository.ProjectRepositoryInterface
	processors Processors
	clock      clock.Clock
	log        *zap.Logger
}

func NewIngestor(p Params) *Ingestor {
	if p.Events == nil || p.Projects == nil || p.Processors == nil {
		panic("webhook.NewIngestor: nil dependencies provided")
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.System()
	}
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Ingestor{
		cfg:        p.Config.withDefaults(),
		events:     p.Events,
		projects:   p.Projects,
		processors: p.Processors,
		clock:      clk,
		log:        log.Named("webhook_ingestor"),
	}
}

// group holds the classified events of one tenant.
type group struct {
	projectID string
	eventIDs  []string
	statuses  []StatusUpdate
	messages  []InboundMessage
	comments  []Comment
	messenger []MessengerEvent
	others    []Other
}

func (g *group) add(ev Event) {
	switch e := ev.(type) {
	case StatusUpdate:
		g.statuses = append(g.statuses, e)
	case InboundMessage:
		g.messages = append(g.messages, e)
	case Comment:
		g.comments = append(g.comments, e)
	case MessengerEvent:
		g.messenger = append(g.messenger, e)
	case Other:
		g.others = append(g.others, e)
	}
}

// RunOnce processes one batch of unprocessed events. Every event it reads is
// marked processed by the end of the run, with an error annotation when it
// could not be handled.
func (i *Ingestor) RunOnce(ctx context.Context) Result {
	events, err := i.events.FindUnprocessed(ctx, i.cfg.BatchSize)
	if err != nil {
		i.log.Error("load unprocessed webhook events", zap.Error(err))
		return Result{Error: fmt.Sprintf("load unprocessed events: %v", err)}
	}
	if len(events) == 0 {
		return Result{Message: "No unprocessed webhook events."}
	}

	var res Result
	groups := map[string]*group{}
	var order []string
	var orphans []string
	for _, ev := range events {
		if ev.ProjectID == nil || *ev.ProjectID == "" {
			orphans = append(orphans, ev.ID)
			continue
		}
		classified, err := Classify(ev.Payload)
		if err != nil {
			i.log.Warn("unclassifiable webhook event", zap.String("event_id", ev.ID), zap.Error(err))
			i.mark(ctx, []string{ev.ID}, err.Error(), "invalid")
			res.Failed++
			continue
		}
		g, ok := groups[*ev.ProjectID]
		if !ok {
			g = &group{projectID: *ev.ProjectID}
			groups[*ev.ProjectID] = g
			order = append(order, *ev.ProjectID)
		}
		g.eventIDs = append(g.eventIDs, ev.ID)
		for _, c := range classified {
			g.add(c)
		}
	}

	if len(orphans) > 0 {
		i.mark(ctx, orphans, ErrNoProject, "dead_letter")
		res.DeadLettered += len(orphans)
	}
	if len(groups) == 0 {
		res.Message = fmt.Sprintf("Processed %d webhook events: %d without a project.", len(events), res.DeadLettered)
		return res
	}

	projects, err := i.projects.FindByIDs(ctx, order)
	if err != nil {
		i.log.Error("resolve webhook projects", zap.Error(err))
		return Result{Error: fmt.Sprintf("resolve projects: %v", err)}
	}

	var processed, failed, deadLettered atomic.Int64
	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(i.cfg.Concurrency)
	for _, id := range order {
		g := groups[id]
		project, ok := projects[id]
		if !ok {
			i.log.Warn("webhook events for unknown project", zap.String("project_id", id), zap.Int("events", len(g.eventIDs)))
			i.mark(ctx, g.eventIDs, ErrProjectNotFound, "dead_letter")
			deadLettered.Add(int64(len(g.eventIDs)))
			continue
		}
		eg.Go(func() error {
			errs := i.process(egctx, project, g)
			if len(errs) == 0 {
				i.mark(egctx, g.eventIDs, "", "processed")
				processed.Add(int64(len(g.eventIDs)))
				return nil
			}
			i.mark(egctx, g.eventIDs, strings.Join(errs, "; "), "failed")
			failed.Add(int64(len(g.eventIDs)))
			return nil
		})
	}
	_ = eg.Wait()

	res.Processed = int(processed.Load())
	res.Failed += int(failed.Load())
	res.DeadLettered += int(deadLettered.Load())
	res.Message = fmt.Sprintf("Processed %d webhook events across %d projects (%d failed, %d without a project).",
		len(events), len(groups), res.Failed, res.DeadLettered)
	i.log.Info("webhook batch processed",
		zap.Int("events", len(events)),
		zap.Int("projects", len(groups)),
		zap.Int("processed", res.Processed),
		zap.Int("failed", res.Failed),
		zap.Int("dead_lettered", res.DeadLettered))
	return res
}

// process runs every processor the group needs concurrently and waits for
// all of them. It returns the failures as annotation strings.
func (i *Ingestor) process(ctx context.Context, project *model.Project, g *group) []string {
	var (
		mu   sync.Mutex
		errs []string
		wg   errgroup.Group
	)
	run := func(name string, fn func() error) {
		wg.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					i.fail(project, name, fmt.Errorf("panic: %v", r), &mu, &errs)
				}
			}()
			if err := fn(); err != nil {
				i.fail(project, name, err, &mu, &errs)
			}
			return nil
		})
	}

	if len(g.statuses) > 0 {
		run("status_update", func() error { return i.processors.ProcessStatusUpdateBatch(ctx, project, g.statuses) })
	}
	if len(g.messages) > 0 {
		run("inbound_message", func() error { return i.processors.ProcessIncomingMessageBatch(ctx, project, g.messages) })
	}
	for _, c := range g.comments {
		run("comment", func() error { return i.processors.ProcessCommentWebhook(ctx, project, c) })
	}
	for _, m := range g.messenger {
		run("messenger", func() error { return i.processors.ProcessMessengerWebhook(ctx, project, m) })
	}
	for _, o := range g.others {
		run("other", func() error { return i.processors.ProcessSingleWebhook(ctx, project, o) })
	}
	_ = wg.Wait()
	return errs
}

func (i *Ingestor) fail(project *model.Project, processor string, err error, mu *sync.Mutex, errs *[]string) {
	i.log.Error("webhook processor failed",
		zap.String("project_id", project.ID),
		zap.String("processor", processor),
		zap.Error(err))
	metrics.WebhookProcessorFailures.WithLabelValues(processor).Inc()
	mu.Lock()
	*errs = append(*errs, fmt.Sprintf("%s: %v", processor, err))
	mu.Unlock()
}

// mark flags events processed. A failure here leaves them for the next run.
func (i *Ingestor) mark(ctx context.Context, ids []string, errMsg, result string) {
	ctx = context.WithoutCancel(ctx)
	if err := i.events.MarkProcessed(ctx, ids, errMsg, i.clock.Now()); err != nil {
		i.log.Error("mark webhook events processed", zap.Int("events", len(ids)), zap.String("result", result), zap.Error(err))
		return
	}
	metrics.WebhookEvents.WithLabelValues(result).Add(float64(len(ids)))
}
