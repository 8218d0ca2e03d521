package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/broadcast-pipeline/internal/errors"
	"github.com/unclebandit/broadcast-pipeline/internal/model"
	"github.com/unclebandit/broadcast-pipeline/internal/repository"
)

type LogRepo struct {
	st *state
}

func (r *LogRepo) Append(_ context.Context, entry *model.BroadcastLog) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.Seq = int64(len(r.st.logs)) + 1
	cp := *entry
	r.st.logs = append(r.st.logs, &cp)
	return nil
}

func (r *LogRepo) ListByBroadcast(_ context.Context, broadcastID string, offset, limit int) ([]*model.BroadcastLog, int, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var all []*model.BroadcastLog
	for _, e := range r.st.logs {
		if e.BroadcastID == broadcastID {
			cp := *e
			all = append(all, &cp)
		}
	}
	return paginate(all, offset, limit), len(all), nil
}

type WebhookEventRepo struct {
	st *state
}

func (r *WebhookEventRepo) Create(_ context.Context, e *model.WebhookEvent) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	cp := *e
	cp.Processed = false
	r.st.events[e.ID] = &cp
	r.st.eventOrder = append(r.st.eventOrder, e.ID)
	return nil
}

func (r *WebhookEventRepo) FindUnprocessed(_ context.Context, limit int) ([]*model.WebhookEvent, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	out := []*model.WebhookEvent{}
	for _, id := range r.st.eventOrder {
		e := r.st.events[id]
		if e.Processed {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *WebhookEventRepo) MarkProcessed(_ context.Context, ids []string, errMsg string, at time.Time) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, id := range ids {
		e, ok := r.st.events[id]
		if !ok {
			continue
		}
		e.Processed = true
		processedAt := at
		e.ProcessedAt = &processedAt
		if errMsg != "" {
			msg := errMsg
			e.Error = &msg
		}
	}
	return nil
}

type ProjectRepo struct {
	st *state
}

func (r *ProjectRepo) GetByID(_ context.Context, id string) (*model.Project, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	p, ok := r.st.projects[id]
	if !ok {
		return nil, appErrors.NewProjectNotFound(id)
	}
	cp := *p
	return &cp, nil
}

func (r *ProjectRepo) FindByIDs(_ context.Context, ids []string) (map[string]*model.Project, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	out := map[string]*model.Project{}
	for _, id := range ids {
		if p, ok := r.st.projects[id]; ok {
			cp := *p
			out[id] = &cp
		}
	}
	return out, nil
}

func (r *ProjectRepo) FindByChannel(_ context.Context, phoneNumberID, pageID string) (*model.Project, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, p := range r.st.projects {
		if (phoneNumberID != "" && p.HasPhoneNumber(phoneNumberID)) ||
			(pageID != "" && p.FacebookPageID == pageID) {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

type TemplateRepo struct {
	st *state
}

func (r *TemplateRepo) GetByID(_ context.Context, id string) (*model.Template, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	t, ok := r.st.templates[id]
	if !ok {
		return nil, appErrors.NewTemplateNotFound(id)
	}
	cp := *t
	return &cp, nil
}

type APIKeyRepo struct {
	st *state
}

func (r *APIKeyRepo) FindByLookup(_ context.Context, lookup string) (*model.APIKey, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	k, ok := r.st.apiKeys[lookup]
	if !ok {
		return nil, nil
	}
	cp := *k
	return &cp, nil
}

func (r *APIKeyRepo) Create(_ context.Context, key *model.APIKey) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	cp := *key
	r.st.apiKeys[key.Lookup] = &cp
	return nil
}

func (r *APIKeyRepo) Touch(_ context.Context, id string, at time.Time) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, k := range r.st.apiKeys {
		if k.ID == id {
			used := at
			k.LastUsedAt = &used
		}
	}
	return nil
}

type InboxRepo struct {
	st *state
}

func (r *InboxRepo) InsertIncomingMessages(_ context.Context, msgs []*model.IncomingMessage) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, m := range msgs {
		if _, dup := r.st.incoming[m.MessageID]; dup {
			continue
		}
		cp := *m
		r.st.incoming[m.MessageID] = &cp
	}
	return nil
}

func (r *InboxRepo) InsertNotifications(_ context.Context, notes []*model.Notification) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, n := range notes {
		cp := *n
		r.st.notifications = append(r.st.notifications, &cp)
	}
	return nil
}

var (
	_ repository.BroadcastLogRepositoryInterface = (*LogRepo)(nil)
	_ repository.WebhookEventRepositoryInterface = (*WebhookEventRepo)(nil)
	_ repository.ProjectRepositoryInterface      = (*ProjectRepo)(nil)
	_ repository.TemplateRepositoryInterface     = (*TemplateRepo)(nil)
	_ repository.APIKeyRepositoryInterface       = (*APIKeyRepo)(nil)
	_ repository.InboxRepositoryInterface        = (*InboxRepo)(nil)
)
