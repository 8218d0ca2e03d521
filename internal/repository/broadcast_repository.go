package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/broadcast-pipeline/internal/errors"
	"github.com/unclebandit/broadcast-pipeline/internal/model"
)

// StatusChange describes a conditional transition. From lists the statuses
// the row must currently hold; an empty From matches any status.
type StatusChange struct {
	From         []string
	To           string
	At           time.Time
	ContactCount *int
	ErrorSummary string
}

// CounterDelta adjusts the per-job delivery counters.
type CounterDelta struct {
	Success   int
	Error     int
	Delivered int
	Read      int
}

func (d CounterDelta) IsZero() bool {
	return d == CounterDelta{}
}

type BroadcastRepositoryInterface interface {
	Create(ctx context.Context, b *model.Broadcast) error
	Delete(ctx context.Context, id string) error
	GetByID(ctx context.Context, id string) (*model.Broadcast, error)
	ListByProject(ctx context.Context, projectID string, offset, limit int) ([]*model.Broadcast, int, error)

	// ClaimNext moves the oldest QUEUED job to PROCESSING in one step.
	// It returns nil when nothing is queued.
	ClaimNext(ctx context.Context, now time.Time) (*model.Broadcast, error)
	ResetTimedOut(ctx context.Context, olderThan, now time.Time) (int64, error)
	UpdateStatus(ctx context.Context, id string, change StatusChange) (bool, error)
	IncrementCounters(ctx context.Context, id string, delta CounterDelta, now time.Time) (*model.Broadcast, error)
}

type BroadcastRepository struct {
	DB *sql.DB
}

const broadcastColumns = `id, project_id, status, template_id, template_name, language, components,
    header_image_url, header_media_id, variable_mappings, phone_number_id, access_token,
    messages_per_second, contact_count, success_count, error_count, delivered_count, read_count,
    error_summary, created_at, started_at, completed_at, updated_at`

func (r *BroadcastRepository) Create(ctx context.Context, b *model.Broadcast) error {
	mappings, err := json.Marshal(b.VariableMappings)
	if err != nil {
		return fmt.Errorf("encode variable mappings: %w", err)
	}
	components := b.Components
	if len(components) == 0 {
		components = json.RawMessage("[]")
	}
	query := `
        INSERT INTO broadcasts (id, project_id, status, template_id, template_name, language, components,
            header_image_url, header_media_id, variable_mappings, phone_number_id, access_token,
            messages_per_second, contact_count, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
    `
	_, err = r.DB.ExecContext(ctx, query,
		b.ID, b.ProjectID, b.Status, b.TemplateID, b.TemplateName, b.Language, []byte(components),
		b.HeaderImageURL, b.HeaderMediaID, mappings, b.PhoneNumberID, b.AccessToken,
		b.MessagesPerSecond, b.ContactCount, b.CreatedAt,
	)
	return err
}

// Delete removes the job. Contact rows go with it through ON DELETE CASCADE.
func (r *BroadcastRepository) Delete(ctx context.Context, id string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM broadcasts WHERE id=$1`, id)
	return err
}

func (r *BroadcastRepository) GetByID(ctx context.Context, id string) (*model.Broadcast, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+broadcastColumns+` FROM broadcasts WHERE id=$1`, id)
	b, err := scanBroadcast(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewBroadcastNotFound(id)
		}
		return nil, err
	}
	return b, nil
}

func (r *BroadcastRepository) ListByProject(ctx context.Context, projectID string, offset, limit int) ([]*model.Broadcast, int, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT `+broadcastColumns+` FROM broadcasts
        WHERE project_id=$1
        ORDER BY created_at DESC
        LIMIT $2 OFFSET $3
    `, projectID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := []*model.Broadcast{}
	for rows.Next() {
		b, err := scanBroadcast(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM broadcasts WHERE project_id=$1`, projectID).Scan(&total); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *BroadcastRepository) ClaimNext(ctx context.Context, now time.Time) (*model.Broadcast, error) {
	query := `
        UPDATE broadcasts
        SET status = 'PROCESSING', started_at = $1, updated_at = $1
        WHERE id = (
            SELECT id FROM broadcasts
            WHERE status = 'QUEUED'
            ORDER BY created_at, id
            LIMIT 1
            FOR UPDATE SKIP LOCKED
        )
        RETURNING ` + broadcastColumns
	b, err := scanBroadcast(r.DB.QueryRowContext(ctx, query, now))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return b, nil
}

func (r *BroadcastRepository) ResetTimedOut(ctx context.Context, olderThan, now time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `
        UPDATE broadcasts
        SET status = 'QUEUED', started_at = NULL, updated_at = $2
        WHERE status = 'PROCESSING' AND started_at < $1
    `, olderThan, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpdateStatus applies change when the row still holds one of change.From.
// Moving back to QUEUED clears started_at; terminal statuses stamp completed_at.
func (r *BroadcastRepository) UpdateStatus(ctx context.Context, id string, change StatusChange) (bool, error) {
	query := `
        UPDATE broadcasts SET
            status = $2,
            updated_at = $3,
            started_at = CASE WHEN $2 = 'QUEUED' THEN NULL ELSE started_at END,
            completed_at = CASE WHEN $4 THEN $3 ELSE completed_at END,
            contact_count = COALESCE($5, contact_count),
            error_summary = CASE WHEN $6 <> '' THEN $6 ELSE error_summary END
        WHERE id = $1 AND (cardinality($7::text[]) = 0 OR status = ANY($7))
    `
	terminal := (&model.Broadcast{Status: change.To}).IsTerminal()
	from := change.From
	if from == nil {
		from = []string{}
	}
	var count sql.NullInt64
	if change.ContactCount != nil {
		count = sql.NullInt64{Int64: int64(*change.ContactCount), Valid: true}
	}
	res, err := r.DB.ExecContext(ctx, query,
		id, change.To, change.At, terminal, count, change.ErrorSummary, pq.Array(from),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *BroadcastRepository) IncrementCounters(ctx context.Context, id string, delta CounterDelta, now time.Time) (*model.Broadcast, error) {
	query := `
        UPDATE broadcasts SET
            success_count = GREATEST(success_count + $2, 0),
            error_count = GREATEST(error_count + $3, 0),
            delivered_count = GREATEST(delivered_count + $4, 0),
            read_count = GREATEST(read_count + $5, 0),
            updated_at = $6
        WHERE id = $1
        RETURNING ` + broadcastColumns
	b, err := scanBroadcast(r.DB.QueryRowContext(ctx, query, id, delta.Success, delta.Error, delta.Delivered, delta.Read, now))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewBroadcastNotFound(id)
		}
		return nil, err
	}
	return b, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBroadcast(row rowScanner) (*model.Broadcast, error) {
	var b model.Broadcast
	var components, mappings []byte
	var startedAt, completedAt sql.NullTime
	err := row.Scan(
		&b.ID, &b.ProjectID, &b.Status, &b.TemplateID, &b.TemplateName, &b.Language, &components,
		&b.HeaderImageURL, &b.HeaderMediaID, &mappings, &b.PhoneNumberID, &b.AccessToken,
		&b.MessagesPerSecond, &b.ContactCount, &b.SuccessCount, &b.ErrorCount, &b.DeliveredCount, &b.ReadCount,
		&b.ErrorSummary, &b.CreatedAt, &startedAt, &completedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.Components = json.RawMessage(components)
	if len(mappings) > 0 {
		if err := json.Unmarshal(mappings, &b.VariableMappings); err != nil {
			return nil, fmt.Errorf("decode variable mappings: %w", err)
		}
	}
	if startedAt.Valid {
		t := startedAt.Time
		b.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		b.CompletedAt = &t
	}
	return &b, nil
}

var _ BroadcastRepositoryInterface = (*BroadcastRepository)(nil)
