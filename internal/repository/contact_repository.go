package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/unclebandit/broadcast-pipeline/internal/model"
)

// ContactFilter selects contact rows of one broadcast.
type ContactFilter struct {
	BroadcastID string
	Statuses    []string
}

type ContactRepositoryInterface interface {
	BulkInsert(ctx context.Context, contacts []*model.BroadcastContact) error
	DeleteByBroadcast(ctx context.Context, broadcastID string) error

	// ListAfter returns up to limit rows with id greater than afterID, ordered by id.
	ListAfter(ctx context.Context, filter ContactFilter, afterID string, limit int) ([]*model.BroadcastContact, error)
	List(ctx context.Context, filter ContactFilter, offset, limit int) ([]*model.BroadcastContact, int, error)
	CountByStatus(ctx context.Context, broadcastID string) (map[string]int, error)

	// MarkResults records delivery outcomes on rows that are still PENDING and
	// reports how many were applied as sent and as failed.
	MarkResults(ctx context.Context, broadcastID string, results []model.ContactResult, at time.Time) (sent, failed int, err error)
	CancelPending(ctx context.Context, broadcastID string) (int64, error)

	FindByMessageIDs(ctx context.Context, messageIDs []string) ([]*model.BroadcastContact, error)
	ApplyStatusUpdates(ctx context.Context, updates []model.ContactStatusUpdate) error
}

type ContactRepository struct {
	DB *sql.DB
}

const contactColumns = `id, broadcast_id, project_id, phone, variables, status, message_id, error, sent_at, created_at`

// BulkInsert streams rows through COPY inside one transaction.
func (r *ContactRepository) BulkInsert(ctx context.Context, contacts []*model.BroadcastContact) error {
	if len(contacts) == 0 {
		return nil
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("broadcast_contacts",
		"id", "broadcast_id", "project_id", "phone", "variables", "status", "created_at"))
	if err != nil {
		return fmt.Errorf("prepare copy: %w", err)
	}

	for _, c := range contacts {
		vars, err := json.Marshal(c.Variables)
		if err != nil {
			stmt.Close()
			return fmt.Errorf("encode variables for %s: %w", c.Phone, err)
		}
		if _, err := stmt.ExecContext(ctx, c.ID, c.BroadcastID, c.ProjectID, c.Phone, string(vars), c.Status, c.CreatedAt); err != nil {
			stmt.Close()
			return fmt.Errorf("copy contact: %w", err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("flush copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *ContactRepository) DeleteByBroadcast(ctx context.Context, broadcastID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM broadcast_contacts WHERE broadcast_id=$1`, broadcastID)
	return err
}

func (r *ContactRepository) ListAfter(ctx context.Context, filter ContactFilter, afterID string, limit int) ([]*model.BroadcastContact, error) {
	if afterID == "" {
		afterID = uuid.Nil.String()
	}
	rows, err := r.DB.QueryContext(ctx, `
        SELECT `+contactColumns+` FROM broadcast_contacts
        WHERE broadcast_id = $1
          AND (cardinality($2::text[]) = 0 OR status = ANY($2))
          AND id > $3
        ORDER BY id
        LIMIT $4
    `, filter.BroadcastID, pq.Array(nonNil(filter.Statuses)), afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanContacts(rows)
}

func (r *ContactRepository) List(ctx context.Context, filter ContactFilter, offset, limit int) ([]*model.BroadcastContact, int, error) {
	statuses := pq.Array(nonNil(filter.Statuses))
	rows, err := r.DB.QueryContext(ctx, `
        SELECT `+contactColumns+` FROM broadcast_contacts
        WHERE broadcast_id = $1 AND (cardinality($2::text[]) = 0 OR status = ANY($2))
        ORDER BY created_at, id
        LIMIT $3 OFFSET $4
    `, filter.BroadcastID, statuses, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	contacts, err := scanContacts(rows)
	if err != nil {
		return nil, 0, err
	}

	var total int
	err = r.DB.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM broadcast_contacts
        WHERE broadcast_id = $1 AND (cardinality($2::text[]) = 0 OR status = ANY($2))
    `, filter.BroadcastID, statuses).Scan(&total)
	if err != nil {
		return nil, 0, err
	}
	return contacts, total, nil
}

func (r *ContactRepository) CountByStatus(ctx context.Context, broadcastID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM broadcast_contacts WHERE broadcast_id=$1 GROUP BY status`, broadcastID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

func (r *ContactRepository) MarkResults(ctx context.Context, broadcastID string, results []model.ContactResult, at time.Time) (int, int, error) {
	if len(results) == 0 {
		return 0, 0, nil
	}
	ids := make([]string, len(results))
	messageIDs := make([]string, len(results))
	errs := make([]string, len(results))
	for i, res := range results {
		ids[i] = res.ContactID
		messageIDs[i] = res.MessageID
		errs[i] = res.Error
		if !res.Succeeded() && errs[i] == "" {
			errs[i] = "delivery failed"
		}
	}

	rows, err := r.DB.QueryContext(ctx, `
        UPDATE broadcast_contacts c SET
            status = CASE WHEN u.error = '' THEN 'SENT' ELSE 'FAILED' END,
            message_id = u.message_id,
            error = u.error,
            sent_at = $2
        FROM unnest($3::uuid[], $4::text[], $5::text[]) AS u(id, message_id, error)
        WHERE c.id = u.id AND c.broadcast_id = $1 AND c.status = 'PENDING'
        RETURNING c.status
    `, broadcastID, at, pq.Array(ids), pq.Array(messageIDs), pq.Array(errs))
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()

	var sent, failed int
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return 0, 0, err
		}
		if status == model.ContactSent {
			sent++
		} else {
			failed++
		}
	}
	return sent, failed, rows.Err()
}

func (r *ContactRepository) CancelPending(ctx context.Context, broadcastID string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `
        UPDATE broadcast_contacts SET status = 'CANCELLED'
        WHERE broadcast_id = $1 AND status = 'PENDING'
    `, broadcastID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *ContactRepository) FindByMessageIDs(ctx context.Context, messageIDs []string) ([]*model.BroadcastContact, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+contactColumns+` FROM broadcast_contacts WHERE message_id = ANY($1)`, pq.Array(messageIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanContacts(rows)
}

func (r *ContactRepository) ApplyStatusUpdates(ctx context.Context, updates []model.ContactStatusUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	ids := make([]string, len(updates))
	statuses := make([]string, len(updates))
	errs := make([]string, len(updates))
	for i, u := range updates {
		ids[i], statuses[i], errs[i] = u.ContactID, u.Status, u.Error
	}
	_, err := r.DB.ExecContext(ctx, `
        UPDATE broadcast_contacts c SET
            status = u.status,
            error = CASE WHEN u.error <> '' THEN u.error ELSE c.error END
        FROM unnest($1::uuid[], $2::text[], $3::text[]) AS u(id, status, error)
        WHERE c.id = u.id AND c.status <> 'FAILED'
    `, pq.Array(ids), pq.Array(statuses), pq.Array(errs))
	return err
}

func scanContacts(rows *sql.Rows) ([]*model.BroadcastContact, error) {
	out := []*model.BroadcastContact{}
	for rows.Next() {
		var c model.BroadcastContact
		var vars []byte
		var sentAt sql.NullTime
		if err := rows.Scan(&c.ID, &c.BroadcastID, &c.ProjectID, &c.Phone, &vars, &c.Status, &c.MessageID, &c.Error, &sentAt, &c.CreatedAt); err != nil {
			return nil, err
		}
		if len(vars) > 0 {
			if err := json.Unmarshal(vars, &c.Variables); err != nil {
				return nil, fmt.Errorf("decode variables: %w", err)
			}
		}
		if sentAt.Valid {
			t := sentAt.Time
			c.SentAt = &t
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var _ ContactRepositoryInterface = (*ContactRepository)(nil)
