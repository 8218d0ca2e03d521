// Package memory is an in-process implementation of the repository
// interfaces. It backs the test suites and STORE=memory development runs.
package memory

import (
	"sort"
	"sync"

	"github.com/unclebandit/broadcast-pipeline/internal/model"
	"github.com/unclebandit/broadcast-pipeline/internal/repository"
)

type state struct {
	mu sync.Mutex

	broadcasts    map[string]*model.Broadcast
	contacts      map[string]*model.BroadcastContact
	logs          []*model.BroadcastLog
	events        map[string]*model.WebhookEvent
	eventOrder    []string
	projects      map[string]*model.Project
	templates     map[string]*model.Template
	apiKeys       map[string]*model.APIKey
	incoming      map[string]*model.IncomingMessage
	notifications []*model.Notification
}

// Store exposes one repository per interface over shared state guarded by a
// single mutex, so every operation is atomic with respect to the others.
type Store struct {
	*repository.Repositories
	st *state
}

func New() *Store {
	st := &state{
		broadcasts: map[string]*model.Broadcast{},
		contacts:   map[string]*model.BroadcastContact{},
		events:     map[string]*model.WebhookEvent{},
		projects:   map[string]*model.Project{},
		templates:  map[string]*model.Template{},
		apiKeys:    map[string]*model.APIKey{},
		incoming:   map[string]*model.IncomingMessage{},
	}
	return &Store{
		st: st,
		Repositories: &repository.Repositories{
			Broadcasts:    &BroadcastRepo{st: st},
			Contacts:      &ContactRepo{st: st},
			Logs:          &LogRepo{st: st},
			WebhookEvents: &WebhookEventRepo{st: st},
			Projects:      &ProjectRepo{st: st},
			Templates:     &TemplateRepo{st: st},
			APIKeys:       &APIKeyRepo{st: st},
			Inbox:         &InboxRepo{st: st},
		},
	}
}

func (s *Store) AddProject(p *model.Project) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	cp := *p
	s.st.projects[p.ID] = &cp
}

func (s *Store) AddTemplate(t *model.Template) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	cp := *t
	s.st.templates[t.ID] = &cp
}

// PutBroadcast stores b as is, bypassing the creation path.
func (s *Store) PutBroadcast(b *model.Broadcast) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	cp := *b
	s.st.broadcasts[b.ID] = &cp
}

// BroadcastLogs returns the entries for one broadcast in append order.
func (s *Store) BroadcastLogs(broadcastID string) []model.BroadcastLog {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	var out []model.BroadcastLog
	for _, e := range s.st.logs {
		if e.BroadcastID == broadcastID {
			out = append(out, *e)
		}
	}
	return out
}

// AllBroadcastLogs returns every entry in append order.
func (s *Store) AllBroadcastLogs() []model.BroadcastLog {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	out := make([]model.BroadcastLog, 0, len(s.st.logs))
	for _, e := range s.st.logs {
		out = append(out, *e)
	}
	return out
}

// ContactsOf returns every contact row of a broadcast ordered by id.
func (s *Store) ContactsOf(broadcastID string) []model.BroadcastContact {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	var out []model.BroadcastContact
	for _, c := range s.st.contacts {
		if c.BroadcastID == broadcastID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) BroadcastCount() int {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	return len(s.st.broadcasts)
}

func (s *Store) WebhookEvent(id string) (model.WebhookEvent, bool) {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	e, ok := s.st.events[id]
	if !ok {
		return model.WebhookEvent{}, false
	}
	return *e, true
}

func (s *Store) Notifications(projectID string) []model.Notification {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	var out []model.Notification
	for _, n := range s.st.notifications {
		if n.ProjectID == projectID {
			out = append(out, *n)
		}
	}
	return out
}

func (s *Store) IncomingMessages(projectID string) []model.IncomingMessage {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	var out []model.IncomingMessage
	for _, m := range s.st.incoming {
		if m.ProjectID == projectID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MessageID < out[j].MessageID })
	return out
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
