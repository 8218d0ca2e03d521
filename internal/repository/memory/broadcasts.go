package memory

import (
	"context"
	"sort"
	"time"

	appErrors "github.com/unclebandit/broadcast-pipeline/internal/errors"
	"github.com/unclebandit/broadcast-pipeline/internal/model"
	"github.com/unclebandit/broadcast-pipeline/internal/repository"
)

type BroadcastRepo struct {
	st *state
}

func (r *BroadcastRepo) Create(_ context.Context, b *model.Broadcast) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = b.CreatedAt
	}
	cp := *b
	r.st.broadcasts[b.ID] = &cp
	return nil
}

func (r *BroadcastRepo) Delete(_ context.Context, id string) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	delete(r.st.broadcasts, id)
	for cid, c := range r.st.contacts {
		if c.BroadcastID == id {
			delete(r.st.contacts, cid)
		}
	}
	return nil
}

func (r *BroadcastRepo) GetByID(_ context.Context, id string) (*model.Broadcast, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	b, ok := r.st.broadcasts[id]
	if !ok {
		return nil, appErrors.NewBroadcastNotFound(id)
	}
	cp := *b
	return &cp, nil
}

func (r *BroadcastRepo) ListByProject(_ context.Context, projectID string, offset, limit int) ([]*model.Broadcast, int, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var all []*model.Broadcast
	for _, b := range r.st.broadcasts {
		if b.ProjectID == projectID {
			cp := *b
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return paginate(all, offset, limit), len(all), nil
}

func (r *BroadcastRepo) ClaimNext(_ context.Context, now time.Time) (*model.Broadcast, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	var next *model.Broadcast
	for _, b := range r.st.broadcasts {
		if b.Status != model.BroadcastQueued {
			continue
		}
		if next == nil || b.CreatedAt.Before(next.CreatedAt) ||
			(b.CreatedAt.Equal(next.CreatedAt) && b.ID < next.ID) {
			next = b
		}
	}
	if next == nil {
		return nil, nil
	}
	started := now
	next.Status = model.BroadcastProcessing
	next.StartedAt = &started
	next.UpdatedAt = now
	cp := *next
	return &cp, nil
}

func (r *BroadcastRepo) ResetTimedOut(_ context.Context, olderThan, now time.Time) (int64, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var n int64
	for _, b := range r.st.broadcasts {
		if b.Status == model.BroadcastProcessing && b.StartedAt != nil && b.StartedAt.Before(olderThan) {
			b.Status = model.BroadcastQueued
			b.StartedAt = nil
			b.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (r *BroadcastRepo) UpdateStatus(_ context.Context, id string, change repository.StatusChange) (bool, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	b, ok := r.st.broadcasts[id]
	if !ok {
		return false, nil
	}
	if len(change.From) > 0 && !containsString(change.From, b.Status) {
		return false, nil
	}
	b.Status = change.To
	b.UpdatedAt = change.At
	if change.To == model.BroadcastQueued {
		b.StartedAt = nil
	}
	if b.IsTerminal() {
		at := change.At
		b.CompletedAt = &at
	}
	if change.ContactCount != nil {
		b.ContactCount = *change.ContactCount
	}
	if change.ErrorSummary != "" {
		b.ErrorSummary = change.ErrorSummary
	}
	return true, nil
}

func (r *BroadcastRepo) IncrementCounters(_ context.Context, id string, delta repository.CounterDelta, now time.Time) (*model.Broadcast, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	b, ok := r.st.broadcasts[id]
	if !ok {
		return nil, appErrors.NewBroadcastNotFound(id)
	}
	b.SuccessCount = max(b.SuccessCount+delta.Success, 0)
	b.ErrorCount = max(b.ErrorCount+delta.Error, 0)
	b.DeliveredCount = max(b.DeliveredCount+delta.Delivered, 0)
	b.ReadCount = max(b.ReadCount+delta.Read, 0)
	b.UpdatedAt = now
	cp := *b
	return &cp, nil
}

var _ repository.BroadcastRepositoryInterface = (*BroadcastRepo)(nil)
