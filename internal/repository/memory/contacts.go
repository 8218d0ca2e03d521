package memory

import (
	"context"
	"sort"
	"time"

	"github.com/unclebandit/broadcast-pipeline/internal/model"
	"github.com/unclebandit/broadcast-pipeline/internal/repository"
)

type ContactRepo struct {
	st *state
}

func (r *ContactRepo) BulkInsert(_ context.Context, contacts []*model.BroadcastContact) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, c := range contacts {
		cp := *c
		r.st.contacts[c.ID] = &cp
	}
	return nil
}

func (r *ContactRepo) DeleteByBroadcast(_ context.Context, broadcastID string) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for id, c := range r.st.contacts {
		if c.BroadcastID == broadcastID {
			delete(r.st.contacts, id)
		}
	}
	return nil
}

func (r *ContactRepo) matching(filter repository.ContactFilter) []*model.BroadcastContact {
	var out []*model.BroadcastContact
	for _, c := range r.st.contacts {
		if c.BroadcastID != filter.BroadcastID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsString(filter.Statuses, c.Status) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *ContactRepo) ListAfter(_ context.Context, filter repository.ContactFilter, afterID string, limit int) ([]*model.BroadcastContact, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	out := []*model.BroadcastContact{}
	for _, c := range r.matching(filter) {
		if c.ID <= afterID {
			continue
		}
		out = append(out, c)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *ContactRepo) List(_ context.Context, filter repository.ContactFilter, offset, limit int) ([]*model.BroadcastContact, int, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	all := r.matching(filter)
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return paginate(all, offset, limit), len(all), nil
}

func (r *ContactRepo) CountByStatus(_ context.Context, broadcastID string) (map[string]int, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	stats := map[string]int{}
	for _, c := range r.st.contacts {
		if c.BroadcastID == broadcastID {
			stats[c.Status]++
		}
	}
	return stats, nil
}

func (r *ContactRepo) MarkResults(_ context.Context, broadcastID string, results []model.ContactResult, at time.Time) (int, int, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var sent, failed int
	for _, res := range results {
		c, ok := r.st.contacts[res.ContactID]
		if !ok || c.BroadcastID != broadcastID || c.Status != model.ContactPending {
			continue
		}
		sentAt := at
		c.SentAt = &sentAt
		c.MessageID = res.MessageID
		if res.Succeeded() {
			c.Status = model.ContactSent
			c.Error = ""
			sent++
			continue
		}
		c.Status = model.ContactFailed
		c.Error = res.Error
		if c.Error == "" {
			c.Error = "delivery failed"
		}
		failed++
	}
	return sent, failed, nil
}

func (r *ContactRepo) CancelPending(_ context.Context, broadcastID string) (int64, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var n int64
	for _, c := range r.st.contacts {
		if c.BroadcastID == broadcastID && c.Status == model.ContactPending {
			c.Status = model.ContactCancelled
			n++
		}
	}
	return n, nil
}

func (r *ContactRepo) FindByMessageIDs(_ context.Context, messageIDs []string) ([]*model.BroadcastContact, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var out []*model.BroadcastContact
	for _, c := range r.st.contacts {
		if c.MessageID != "" && containsString(messageIDs, c.MessageID) {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *ContactRepo) ApplyStatusUpdates(_ context.Context, updates []model.ContactStatusUpdate) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, u := range updates {
		c, ok := r.st.contacts[u.ContactID]
		if !ok || c.Status == model.ContactFailed {
			continue
		}
		c.Status = u.Status
		if u.Error != "" {
			c.Error = u.Error
		}
	}
	return nil
}

var _ repository.ContactRepositoryInterface = (*ContactRepo)(nil)
