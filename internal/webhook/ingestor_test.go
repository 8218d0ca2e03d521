package webhook_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/unclebandit/broadcast-pipeline/internal/clock"
	"github.com/unclebandit/broadcast-pipeline/internal/model"
	"github.com/unclebandit/broadcast-pipeline/internal/repository/memory"
	"github.com/unclebandit/broadcast-pipeline/internal/webhook"
)

// recordingProcessors counts calls per project and fails comment processing
// for the projects listed in failComments.
type recordingProcessors struct {
	mu           sync.Mutex
	calls        map[string][]string
	failComments map[string]error
}

func newRecording() *recordingProcessors {
	return &recordingProcessors{calls: map[string][]string{}, failComments: map[string]error{}}
}

func (r *recordingProcessors) record(project *model.Project, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[project.ID] = append(r.calls[project.ID], name)
}

func (r *recordingProcessors) ProcessStatusUpdateBatch(_ context.Context, p *model.Project, _ []webhook.StatusUpdate) error {
	r.record(p, "status")
	return nil
}

func (r *recordingProcessors) ProcessIncomingMessageBatch(_ context.Context, p *model.Project, _ []webhook.InboundMessage) error {
	r.record(p, "inbound")
	return nil
}

func (r *recordingProcessors) ProcessCommentWebhook(_ context.Context, p *model.Project, _ webhook.Comment) error {
	r.record(p, "comment")
	return r.failComments[p.ID]
}

func (r *recordingProcessors) ProcessMessengerWebhook(_ context.Context, p *model.Project, _ webhook.MessengerEvent) error {
	r.record(p, "messenger")
	return nil
}

func (r *recordingProcessors) ProcessSingleWebhook(_ context.Context, p *model.Project, _ webhook.Other) error {
	r.record(p, "other")
	return nil
}

func (r *recordingProcessors) callsFor(projectID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls[projectID]...)
}

func storeEvent(t *testing.T, store *memory.Store, projectID string, payload string) string {
	t.Helper()
	ev := &model.WebhookEvent{Payload: json.RawMessage(payload), CreatedAt: time.Now()}
	if projectID != "" {
		ev.ProjectID = &projectID
	}
	require.NoError(t, store.WebhookEvents.Create(context.Background(), ev))
	return ev.ID
}

func newIngestor(store *memory.Store, procs webhook.Processors, log *zap.Logger) *webhook.Ingestor {
	return webhook.NewIngestor(webhook.Params{
		Config:     webhook.Config{BatchSize: 100, Concurrency: 2},
		Events:     store.WebhookEvents,
		Projects:   store.Projects,
		Processors: procs,
		Clock:      clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
		Log:        log,
	})
}

func TestRunOnceIsolatesFailingTenant(t *testing.T) {
	store := memory.New()
	for _, id := range []string{"A", "B", "C"} {
		store.AddProject(&model.Project{ID: id, UserID: "u"})
	}
	procs := newRecording()
	procs.failComments["B"] = errors.New("comment store unavailable")

	events := map[string][]string{}
	for _, id := range []string{"A", "B", "C"} {
		events[id] = append(events[id],
			storeEvent(t, store, id, whatsappPayload),
			storeEvent(t, store, id, pagePayload),
		)
	}

	core, logs := observer.New(zap.ErrorLevel)
	res := newIngestor(store, procs, zap.New(core)).RunOnce(context.Background())

	assert.Empty(t, res.Error)
	assert.Equal(t, 4, res.Processed)
	assert.Equal(t, 2, res.Failed)

	for _, id := range []string{"A", "C"} {
		assert.ElementsMatch(t,
			[]string{"status", "inbound", "other", "messenger", "messenger", "comment", "other"},
			procs.callsFor(id), "project %s", id)
		for _, evID := range events[id] {
			ev, ok := store.WebhookEvent(evID)
			require.True(t, ok)
			assert.True(t, ev.Processed)
			assert.Nil(t, ev.Error)
		}
	}

	// B's other processors still ran to completion
	assert.ElementsMatch(t,
		[]string{"status", "inbound", "other", "messenger", "messenger", "comment", "other"},
		procs.callsFor("B"))
	for _, evID := range events["B"] {
		ev, ok := store.WebhookEvent(evID)
		require.True(t, ok)
		assert.True(t, ev.Processed, "failed events are still marked processed")
		require.NotNil(t, ev.Error)
		assert.Contains(t, *ev.Error, "comment store unavailable")
	}

	failures := logs.FilterMessage("webhook processor failed").All()
	require.Len(t, failures, 1)
	assert.Equal(t, "B", failures[0].ContextMap()["project_id"])
	assert.Equal(t, "comment", failures[0].ContextMap()["processor"])
}

func TestRunOnceDeadLettersEventsWithoutTenant(t *testing.T) {
	store := memory.New()
	store.AddProject(&model.Project{ID: "A", UserID: "u"})
	procs := newRecording()

	orphan := storeEvent(t, store, "", whatsappPayload)
	ghost := storeEvent(t, store, "deleted-project", whatsappPayload)
	ok := storeEvent(t, store, "A", pagePayload)

	res := newIngestor(store, procs, zap.NewNop()).RunOnce(context.Background())
	assert.Equal(t, 2, res.DeadLettered)
	assert.Equal(t, 1, res.Processed)

	ev, _ := store.WebhookEvent(orphan)
	assert.True(t, ev.Processed)
	require.NotNil(t, ev.Error)
	assert.Equal(t, webhook.ErrNoProject, *ev.Error)

	ev, _ = store.WebhookEvent(ghost)
	assert.True(t, ev.Processed)
	require.NotNil(t, ev.Error)
	assert.Equal(t, webhook.ErrProjectNotFound, *ev.Error)

	ev, _ = store.WebhookEvent(ok)
	assert.True(t, ev.Processed)
	assert.Nil(t, ev.Error)
	assert.Empty(t, procs.callsFor("deleted-project"))
}

func TestRunOnceRecordsUnclassifiablePayload(t *testing.T) {
	store := memory.New()
	store.AddProject(&model.Project{ID: "A", UserID: "u"})
	bad := storeEvent(t, store, "A", `[1,2,3]`)

	res := newIngestor(store, newRecording(), zap.NewNop()).RunOnce(context.Background())
	assert.Equal(t, 1, res.Failed)

	ev, _ := store.WebhookEvent(bad)
	assert.True(t, ev.Processed)
	require.NotNil(t, ev.Error)
	assert.Contains(t, *ev.Error, "invalid payload")
}

func TestRunOnceWithNothingToDo(t *testing.T) {
	store := memory.New()
	res := newIngestor(store, newRecording(), zap.NewNop()).RunOnce(context.Background())
	assert.Equal(t, "No unprocessed webhook events.", res.Message)
	assert.Empty(t, res.Error)
}

func TestRunOnceHonoursBatchSize(t *testing.T) {
	store := memory.New()
	store.AddProject(&model.Project{ID: "A", UserID: "u"})
	for i := 0; i < 5; i++ {
		storeEvent(t, store, "A", pagePayload)
	}
	ing := webhook.NewIngestor(webhook.Params{
		Config:     webhook.Config{BatchSize: 3},
		Events:     store.WebhookEvents,
		Projects:   store.Projects,
		Processors: newRecording(),
	})

	assert.Equal(t, 3, ing.RunOnce(context.Background()).Processed)
	assert.Equal(t, 2, ing.RunOnce(context.Background()).Processed)
	assert.Equal(t, "No unprocessed webhook events.", ing.RunOnce(context.Background()).Message)
}
