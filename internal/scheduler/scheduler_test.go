package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unclebandit/broadcast-pipeline/internal/broadcastlog"
	"github.com/unclebandit/broadcast-pipeline/internal/clock"
	"github.com/unclebandit/broadcast-pipeline/internal/model"
	"github.com/unclebandit/broadcast-pipeline/internal/queue"
	"github.com/unclebandit/broadcast-pipeline/internal/repository/memory"
	"github.com/unclebandit/broadcast-pipeline/internal/scheduler"
	"github.com/unclebandit/broadcast-pipeline/internal/service"
)

type harness struct {
	store *memory.Store
	clock *clock.FakeClock
	queue *queue.InMemoryQueue
	sched *scheduler.Scheduler
}

func newHarness(t *testing.T, cfg scheduler.Config, dialer queue.Dialer) *harness {
	t.Helper()
	h := &harness{
		store: memory.New(),
		clock: clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
		queue: queue.NewInMemoryQueue(zap.NewNop()),
	}
	if dialer == nil {
		dialer = h.queue
	}
	h.sched = scheduler.New(scheduler.Params{
		Config:     cfg,
		Broadcasts: h.store.Broadcasts,
		Contacts:   h.store.Contacts,
		Audit:      broadcastlog.NewWriter(h.store.Logs, h.clock, zap.NewNop()),
		Dialer:     dialer,
		Clock:      h.clock,
		Log:        zap.NewNop(),
	})
	return h
}

func (h *harness) seed(t *testing.T, status string, contactStatuses ...string) *model.Broadcast {
	t.Helper()
	b := &model.Broadcast{
		ID:            uuid.NewString(),
		ProjectID:     "project-1",
		Status:        status,
		TemplateName:  "promo",
		PhoneNumberID: "pn-1",
		ContactCount:  len(contactStatuses),
		CreatedAt:     h.clock.Now(),
		UpdatedAt:     h.clock.Now(),
	}
	h.store.PutBroadcast(b)
	rows := make([]*model.BroadcastContact, 0, len(contactStatuses))
	for i, st := range contactStatuses {
		rows = append(rows, &model.BroadcastContact{
			ID:          uuid.NewString(),
			BroadcastID: b.ID,
			ProjectID:   b.ProjectID,
			Phone:       "+1555000" + string(rune('0'+i%10)),
			Status:      st,
			CreatedAt:   h.clock.Now(),
		})
	}
	require.NoError(t, h.store.Contacts.BulkInsert(context.Background(), rows))
	h.clock.Advance(time.Second)
	return b
}

func pending(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = model.ContactPending
	}
	return out
}

func (h *harness) status(t *testing.T, id string) *model.Broadcast {
	t.Helper()
	b, err := h.store.Broadcasts.GetByID(context.Background(), id)
	require.NoError(t, err)
	return b
}

func TestRunOnceWithEmptyQueue(t *testing.T) {
	h := newHarness(t, scheduler.Config{}, nil)

	res := h.sched.RunOnce(context.Background())

	assert.Equal(t, "No queued broadcasts to process.", res.Message)
	assert.Empty(t, res.Error)
	dials, _ := h.queue.Connections()
	assert.Zero(t, dials)
}

func TestRunOnceSplitsContactsIntoBatches(t *testing.T) {
	h := newHarness(t, scheduler.Config{BatchSize: 2}, nil)
	b := h.seed(t, model.BroadcastQueued, pending(5)...)

	res := h.sched.RunOnce(context.Background())
	require.Empty(t, res.Error)
	assert.Equal(t, 3, res.Batches)
	assert.Equal(t, 5, res.Contacts)
	assert.Equal(t, "Dispatched 5 contacts in 3 batches for broadcast "+b.ID+".", res.Message)

	published := h.queue.Published()
	require.Len(t, published, 3)
	seen := map[string]int{}
	for _, env := range published {
		assert.Equal(t, b.ID, env.JobDetails.ID)
		assert.LessOrEqual(t, len(env.Contacts), 2)
		for _, c := range env.Contacts {
			seen[c.ID]++
		}
	}
	require.Len(t, seen, 5)
	for _, c := range h.store.ContactsOf(b.ID) {
		assert.Equal(t, 1, seen[c.ID], "contact %s dispatched once", c.ID)
	}

	assert.Equal(t, model.BroadcastProcessing, h.status(t, b.ID).Status)
	dials, closes := h.queue.Connections()
	assert.Equal(t, 1, dials)
	assert.Equal(t, 1, closes)
}

func TestRunOnceSkipsNonPendingContacts(t *testing.T) {
	h := newHarness(t, scheduler.Config{BatchSize: 10}, nil)
	b := h.seed(t, model.BroadcastQueued, model.ContactSent, model.ContactPending, model.ContactFailed, model.ContactPending)

	res := h.sched.RunOnce(context.Background())
	require.Empty(t, res.Error)

	published := h.queue.Published()
	require.Len(t, published, 1)
	assert.Len(t, published[0].Contacts, 2)
	assert.Equal(t, b.ID, res.BroadcastID)
}

func TestRunOnceFinalizesJobWithoutPendingContacts(t *testing.T) {
	h := newHarness(t, scheduler.Config{}, nil)
	b := h.seed(t, model.BroadcastQueued, model.ContactSent, model.ContactDelivered)

	res := h.sched.RunOnce(context.Background())

	require.Empty(t, res.Error)
	assert.Equal(t, "Broadcast "+b.ID+" had no pending contacts and was marked Completed.", res.Message)
	got := h.status(t, b.ID)
	assert.Equal(t, model.BroadcastCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)

	dials, _ := h.queue.Connections()
	assert.Zero(t, dials, "no broker connection for an empty job")
	assert.Empty(t, h.queue.Published())
}

func TestRunOnceClaimsOldestFirst(t *testing.T) {
	h := newHarness(t, scheduler.Config{}, nil)
	first := h.seed(t, model.BroadcastQueued, pending(1)...)
	second := h.seed(t, model.BroadcastQueued, pending(1)...)

	res := h.sched.RunOnce(context.Background())
	assert.Equal(t, first.ID, res.BroadcastID)
	assert.Equal(t, model.BroadcastQueued, h.status(t, second.ID).Status)

	res = h.sched.RunOnce(context.Background())
	assert.Equal(t, second.ID, res.BroadcastID)
}

func TestRunOnceRollsBackOnPublishFailure(t *testing.T) {
	h := newHarness(t, scheduler.Config{BatchSize: 1}, nil)
	h.queue.FailPublish = errors.New("broker unavailable")
	b := h.seed(t, model.BroadcastQueued, pending(3)...)

	res := h.sched.RunOnce(context.Background())

	assert.Empty(t, res.Message)
	assert.Contains(t, res.Error, "broker unavailable")
	got := h.status(t, b.ID)
	assert.Equal(t, model.BroadcastQueued, got.Status)
	assert.Contains(t, got.ErrorSummary, "broker unavailable")

	logs := h.store.BroadcastLogs(b.ID)
	require.NotEmpty(t, logs)
	last := logs[len(logs)-1]
	assert.Equal(t, model.LogError, last.Level)
	assert.Contains(t, last.Message, "broker unavailable")

	dials, closes := h.queue.Connections()
	assert.Equal(t, 1, dials)
	assert.Equal(t, 1, closes, "connection closed on the failure path")
}

func TestRunOnceRollsBackOnDialFailure(t *testing.T) {
	h := newHarness(t, scheduler.Config{}, nil)
	h.queue.FailDial = errors.New("connection refused")
	b := h.seed(t, model.BroadcastQueued, pending(2)...)

	res := h.sched.RunOnce(context.Background())

	assert.Contains(t, res.Error, "connection refused")
	assert.Equal(t, model.BroadcastQueued, h.status(t, b.ID).Status)
}

type panickyDialer struct{}

func (panickyDialer) Dial(context.Context) (queue.Publisher, error) {
	panic("driver bug")
}

func TestRunOnceRecoversFromPanic(t *testing.T) {
	h := newHarness(t, scheduler.Config{}, panickyDialer{})
	b := h.seed(t, model.BroadcastQueued, pending(1)...)

	var res scheduler.Result
	require.NotPanics(t, func() { res = h.sched.RunOnce(context.Background()) })

	assert.Contains(t, res.Error, "driver bug")
	assert.Equal(t, model.BroadcastQueued, h.status(t, b.ID).Status)
}

func TestResetStuckJobsOnlyTouchesStaleJobs(t *testing.T) {
	h := newHarness(t, scheduler.Config{StuckJobTimeout: 10 * time.Minute}, nil)
	stale := h.seed(t, model.BroadcastQueued, pending(1)...)
	fresh := h.seed(t, model.BroadcastQueued, pending(1)...)
	done := h.seed(t, model.BroadcastCompleted, model.ContactSent)

	_, err := h.sched.ClaimNextJob(context.Background())
	require.NoError(t, err)
	h.clock.Advance(8 * time.Minute)
	_, err = h.sched.ClaimNextJob(context.Background())
	require.NoError(t, err)
	h.clock.Advance(3 * time.Minute)

	n, err := h.sched.ResetStuckJobs(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Equal(t, model.BroadcastQueued, h.status(t, stale.ID).Status)
	assert.Equal(t, model.BroadcastProcessing, h.status(t, fresh.ID).Status)
	assert.Equal(t, model.BroadcastCompleted, h.status(t, done.ID).Status)
}

func TestConcurrentClaimsNeverShareAJob(t *testing.T) {
	h := newHarness(t, scheduler.Config{}, nil)
	for i := 0; i < 5; i++ {
		h.seed(t, model.BroadcastQueued, pending(1)...)
	}

	var (
		mu      sync.Mutex
		claimed = map[string]int{}
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := h.sched.ClaimNextJob(context.Background())
			if err != nil || job == nil {
				return
			}
			mu.Lock()
			claimed[job.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, 5)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s claimed more than once", id)
	}
}

func TestCreateDispatchAndRecoverStuckJob(t *testing.T) {
	h := newHarness(t, scheduler.Config{}, nil)
	h.store.AddProject(&model.Project{ID: "project-1", UserID: "user-1", PhoneNumberIDs: []string{"pn-1"}})
	h.store.AddTemplate(&model.Template{ID: "tmpl-1", ProjectID: "project-1", Name: "promo", Status: model.TemplateApproved})
	svc := &service.BroadcastService{
		Broadcasts: h.store.Broadcasts,
		Contacts:   h.store.Contacts,
		Projects:   h.store.Projects,
		Templates:  h.store.Templates,
		Logs:       h.store.Logs,
		Audit:      broadcastlog.NewWriter(h.store.Logs, h.clock, zap.NewNop()),
		Clock:      h.clock,
	}

	created, err := svc.CreateBroadcast(context.Background(), service.CreateBroadcastInput{
		UserID:        "user-1",
		ProjectID:     "project-1",
		PhoneNumberID: "pn-1",
		TemplateID:    "tmpl-1",
		Contacts: service.NewSliceSource([]service.ContactInput{
			{Phone: "+1111"}, {Phone: ""}, {Phone: "+2222"},
		}),
	})
	require.NoError(t, err)
	require.Equal(t, 2, created.Valid)

	res := h.sched.RunOnce(context.Background())
	require.Empty(t, res.Error)
	published := h.queue.Published()
	require.Len(t, published, 1)
	assert.ElementsMatch(t, []string{"+1111", "+2222"}, phones(published[0]))
	assert.Equal(t, model.BroadcastProcessing, h.status(t, created.Broadcast.ID).Status)

	// no worker ever reports back
	assert.Equal(t, "No queued broadcasts to process.", h.sched.RunOnce(context.Background()).Message)

	h.clock.Advance(11 * time.Minute)
	res = h.sched.RunOnce(context.Background())
	require.Empty(t, res.Error)
	assert.Equal(t, created.Broadcast.ID, res.BroadcastID)
	require.Len(t, h.queue.Published(), 2)
	assert.ElementsMatch(t, []string{"+1111", "+2222"}, phones(h.queue.Published()[1]))

	dials, closes := h.queue.Connections()
	assert.Equal(t, 2, dials)
	assert.Equal(t, 2, closes)
}

// inlineDialer hands every published batch straight to a worker, so the
// worker's entries land before Publish returns.
type inlineDialer struct {
	worker *service.DeliveryWorker
}

func (d *inlineDialer) Dial(context.Context) (queue.Publisher, error) {
	return d, nil
}

func (d *inlineDialer) Publish(ctx context.Context, env queue.Envelope) error {
	return d.worker.Handle(ctx, env)
}

func (d *inlineDialer) Close() error { return nil }

func TestBroadcastLogIsCausallyOrdered(t *testing.T) {
	dialer := &inlineDialer{}
	h := newHarness(t, scheduler.Config{BatchSize: 2}, dialer)
	dialer.worker = &service.DeliveryWorker{
		Broadcasts:  h.store.Broadcasts,
		Contacts:    h.store.Contacts,
		Audit:       broadcastlog.NewWriter(h.store.Logs, h.clock, zap.NewNop()),
		Sender:      service.DryRunSender{},
		Clock:       h.clock,
		Log:         zap.NewNop(),
		DefaultRate: 100,
	}
	b := h.seed(t, model.BroadcastQueued, pending(2)...)

	res := h.sched.RunOnce(context.Background())
	require.Empty(t, res.Error)
	assert.Equal(t, model.BroadcastCompleted, h.status(t, b.ID).Status)

	logs, total, err := h.store.Logs.ListByBroadcast(context.Background(), b.ID, 0, 50)
	require.NoError(t, err)
	require.Equal(t, 5, total)

	var messages []string
	for i, e := range logs {
		if i > 0 {
			assert.Greater(t, e.Seq, logs[i-1].Seq)
		}
		messages = append(messages, e.Message)
	}
	assert.Equal(t, []string{
		"Broadcast claimed for processing",
		"Dispatching batch 1 with 2 contacts",
		"Batch processed: 2 sent, 0 failed",
		"Broadcast finished: Completed",
		"Dispatch complete: 2 contacts in 1 batches",
	}, messages)
}

func phones(env queue.Envelope) []string {
	out := make([]string, 0, len(env.Contacts))
	for _, c := range env.Contacts {
		out = append(out, c.Phone)
	}
	return out
}
