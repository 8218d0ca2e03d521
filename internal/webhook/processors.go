package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/unclebandit/broadcast-pipeline/internal/clock"
	"github.com/unclebandit/broadcast-pipeline/internal/model"
	"github.com/unclebandit/broadcast-pipeline/internal/repository"
)

// Processors handle the classified events of one tenant.
type Processors interface {
	ProcessStatusUpdateBatch(ctx context.Context, project *model.Project, updates []StatusUpdate) error
	ProcessIncomingMessageBatch(ctx context.Context, project *model.Project, msgs []InboundMessage) error
	ProcessCommentWebhook(ctx context.Context, project *model.Project, c Comment) error
	ProcessMessengerWebhook(ctx context.Context, project *model.Project, m MessengerEvent) error
	ProcessSingleWebhook(ctx context.Context, project *model.Project, o Other) error
}

// StoreProcessors applies events to the repositories.
type StoreProcessors struct {
	Broadcasts repository.BroadcastRepositoryInterface
	Contacts   repository.ContactRepositoryInterface
	Inbox      repository.InboxRepositoryInterface
	Clock      clock.Clock
	Log        *zap.Logger
}

var _ Processors = (*StoreProcessors)(nil)

func (p *StoreProcessors) logger() *zap.Logger {
	if p.Log == nil {
		return zap.NewNop()
	}
	return p.Log
}

func (p *StoreProcessors) now() clock.Clock {
	if p.Clock == nil {
		return clock.System()
	}
	return p.Clock
}

// FailureReason renders the first provider error as "title (Code: n): details".
func FailureReason(errs []StatusError) string {
	e := StatusError{Title: "Unknown Failure"}
	if len(errs) > 0 {
		e = errs[0]
	}
	reason := fmt.Sprintf("%s (Code: %d)", e.Title, e.Code)
	if e.Details != "" {
		reason += ": " + e.Details
	}
	return reason
}

// ProcessStatusUpdateBatch moves broadcast contacts forward along
// PENDING < SENT < DELIVERED < READ and records failures. A contact that has
// already failed is never touched again. Updates for messages that were not
// sent by a broadcast of this project are ignored.
func (p *StoreProcessors) ProcessStatusUpdateBatch(ctx context.Context, project *model.Project, updates []StatusUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	ids := make([]string, 0, len(updates))
	for _, u := range updates {
		ids = append(ids, u.MessageID)
	}
	found, err := p.Contacts.FindByMessageIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("find contacts by message id: %w", err)
	}
	byMessage := make(map[string]*model.BroadcastContact, len(found))
	for _, c := range found {
		if c.ProjectID == project.ID {
			byMessage[c.MessageID] = c
		}
	}

	var changes []model.ContactStatusUpdate
	deltas := map[string]*repository.CounterDelta{}
	unmatched := 0
	for _, u := range updates {
		c, ok := byMessage[u.MessageID]
		if !ok {
			unmatched++
			continue
		}
		if c.Status == model.ContactFailed {
			continue
		}
		d := deltas[c.BroadcastID]
		if d == nil {
			d = &repository.CounterDelta{}
			deltas[c.BroadcastID] = d
		}

		if u.Status == model.ContactFailed {
			if model.ContactStatusRank(c.Status) >= model.ContactStatusRank(model.ContactSent) {
				d.Success--
			}
			d.Error++
			reason := FailureReason(u.Errors)
			changes = append(changes, model.ContactStatusUpdate{ContactID: c.ID, Status: model.ContactFailed, Error: reason})
			c.Status = model.ContactFailed
			continue
		}

		if model.ContactStatusRank(u.Status) <= model.ContactStatusRank(c.Status) {
			continue
		}
		switch u.Status {
		case model.ContactDelivered:
			d.Delivered++
		case model.ContactRead:
			d.Read++
		}
		changes = append(changes, model.ContactStatusUpdate{ContactID: c.ID, Status: u.Status})
		c.Status = u.Status
	}

	if unmatched > 0 {
		p.logger().Debug("status updates without a broadcast contact",
			zap.String("project_id", project.ID), zap.Int("count", unmatched))
	}
	if err := p.Contacts.ApplyStatusUpdates(ctx, changes); err != nil {
		return fmt.Errorf("apply status updates: %w", err)
	}
	now := p.now().Now()
	for broadcastID, d := range deltas {
		if d.IsZero() {
			continue
		}
		if _, err := p.Broadcasts.IncrementCounters(ctx, broadcastID, *d, now); err != nil {
			return fmt.Errorf("update counters of broadcast %s: %w", broadcastID, err)
		}
	}
	return nil
}

// ProcessIncomingMessageBatch stores inbound messages and raises one
// notification per message.
func (p *StoreProcessors) ProcessIncomingMessageBatch(ctx context.Context, project *model.Project, msgs []InboundMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	now := p.now().Now()
	rows := make([]*model.IncomingMessage, 0, len(msgs))
	notes := make([]*model.Notification, 0, len(msgs))
	for _, m := range msgs {
		rows = append(rows, &model.IncomingMessage{
			ID:            uuid.NewString(),
			ProjectID:     project.ID,
			MessageID:     m.MessageID,
			From:          m.From,
			ContactName:   m.ContactName,
			PhoneNumberID: m.PhoneNumberID,
			Type:          m.Type,
			Payload:       m.Raw,
			ReceivedAt:    now,
		})
		sender := m.ContactName
		if sender == "" {
			sender = m.From
		}
		notes = append(notes, p.notification(project, model.NotificationMessage,
			fmt.Sprintf("New %s message from %s", m.Type, sender), m.Raw, now))
	}
	if err := p.Inbox.InsertIncomingMessages(ctx, rows); err != nil {
		return fmt.Errorf("store incoming messages: %w", err)
	}
	if err := p.Inbox.InsertNotifications(ctx, notes); err != nil {
		return fmt.Errorf("store message notifications: %w", err)
	}
	return nil
}

func (p *StoreProcessors) ProcessCommentWebhook(ctx context.Context, project *model.Project, c Comment) error {
	var v struct {
		Message string `json:"message"`
		From    struct {
			Name string `json:"name"`
		} `json:"from"`
	}
	if err := json.Unmarshal(c.Value, &v); err != nil {
		return p.notifyUndecoded(ctx, project, model.NotificationComment, "New comment", c.Value, err)
	}
	author := v.From.Name
	if author == "" {
		author = "someone"
	}
	msg := fmt.Sprintf("New comment from %s", author)
	if v.Message != "" {
		msg += ": " + v.Message
	}
	return p.notify(ctx, project, model.NotificationComment, msg, c.Value)
}

func (p *StoreProcessors) ProcessMessengerWebhook(ctx context.Context, project *model.Project, m MessengerEvent) error {
	var v struct {
		Sender struct {
			ID string `json:"id"`
		} `json:"sender"`
		Message *struct {
			Text string `json:"text"`
		} `json:"message"`
	}
	if err := json.Unmarshal(m.Raw, &v); err != nil {
		return p.notifyUndecoded(ctx, project, model.NotificationMessenger, "New Messenger event", m.Raw, err)
	}
	msg := "New Messenger event"
	if v.Message != nil {
		msg = fmt.Sprintf("New Messenger message from %s", v.Sender.ID)
	}
	return p.notify(ctx, project, model.NotificationMessenger, msg, m.Raw)
}

func (p *StoreProcessors) ProcessSingleWebhook(ctx context.Context, project *model.Project, o Other) error {
	field := o.Field
	if field == "" {
		field = "unknown"
	}
	return p.notify(ctx, project, model.NotificationWebhook, fmt.Sprintf("Webhook received: %s", field), o.Payload)
}

func (p *StoreProcessors) notify(ctx context.Context, project *model.Project, typ, msg string, payload json.RawMessage) error {
	note := p.notification(project, typ, msg, payload, p.now().Now())
	if err := p.Inbox.InsertNotifications(ctx, []*model.Notification{note}); err != nil {
		return fmt.Errorf("store %s notification: %w", typ, err)
	}
	return nil
}

// notifyUndecoded keeps the raw payload as a generic notification and reports
// the decode error so the event is annotated.
func (p *StoreProcessors) notifyUndecoded(ctx context.Context, project *model.Project, typ, msg string, payload json.RawMessage, cause error) error {
	p.logger().Debug("undecodable webhook value",
		zap.String("project_id", project.ID),
		zap.String("type", typ),
		zap.Error(cause))
	if err := p.notify(ctx, project, typ, msg, payload); err != nil {
		return err
	}
	return fmt.Errorf("decode %s payload: %w", typ, cause)
}

func (p *StoreProcessors) notification(project *model.Project, typ, msg string, payload json.RawMessage, at time.Time) *model.Notification {
	return &model.Notification{
		ID:        uuid.NewString(),
		ProjectID: project.ID,
		Type:      typ,
		Message:   msg,
		Payload:   payload,
		CreatedAt: at,
	}
}
