package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/unclebandit/broadcast-pipeline/internal/model"
)

// InboxRepositoryInterface stores what webhook processors produce for a tenant.
type InboxRepositoryInterface interface {
	InsertIncomingMessages(ctx context.Context, msgs []*model.IncomingMessage) error
	InsertNotifications(ctx context.Context, notes []*model.Notification) error
}

type InboxRepository struct {
	DB *sql.DB
}

// InsertIncomingMessages ignores provider message ids it has already stored,
// since providers resend webhooks.
func (r *InboxRepository) InsertIncomingMessages(ctx context.Context, msgs []*model.IncomingMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO incoming_messages (id, project_id, message_id, from_phone, contact_name, phone_number_id, type, payload, received_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (message_id) DO NOTHING
    `)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range msgs {
		if _, err := stmt.ExecContext(ctx, m.ID, m.ProjectID, m.MessageID, m.From, m.ContactName, m.PhoneNumberID, m.Type, []byte(m.Payload), m.ReceivedAt); err != nil {
			return fmt.Errorf("insert incoming message %s: %w", m.MessageID, err)
		}
	}
	return tx.Commit()
}

func (r *InboxRepository) InsertNotifications(ctx context.Context, notes []*model.Notification) error {
	if len(notes) == 0 {
		return nil
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("notifications", "id", "project_id", "type", "message", "payload", "is_read", "created_at"))
	if err != nil {
		return err
	}
	for _, n := range notes {
		var payload any
		if len(n.Payload) > 0 {
			payload = string(n.Payload)
		}
		if _, err := stmt.ExecContext(ctx, n.ID, n.ProjectID, n.Type, n.Message, payload, n.IsRead, n.CreatedAt); err != nil {
			stmt.Close()
			return err
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return err
	}
	if err := stmt.Close(); err != nil {
		return err
	}
	return tx.Commit()
}

var _ InboxRepositoryInterface = (*InboxRepository)(nil)
