package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/unclebandit/broadcast-pipeline/internal/model"
)

type WebhookEventRepositoryInterface interface {
	Create(ctx context.Context, e *model.WebhookEvent) error
	FindUnprocessed(ctx context.Context, limit int) ([]*model.WebhookEvent, error)
	// MarkProcessed flips processed on every id. An empty errMsg leaves error NULL.
	MarkProcessed(ctx context.Context, ids []string, errMsg string, at time.Time) error
}

type WebhookEventRepository struct {
	DB *sql.DB
}

func (r *WebhookEventRepository) Create(ctx context.Context, e *model.WebhookEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := r.DB.ExecContext(ctx, `
        INSERT INTO webhook_logs (id, project_id, payload, processed, created_at)
        VALUES ($1, $2, $3, FALSE, $4)
    `, e.ID, e.ProjectID, []byte(e.Payload), e.CreatedAt)
	return err
}

func (r *WebhookEventRepository) FindUnprocessed(ctx context.Context, limit int) ([]*model.WebhookEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT id, project_id, payload, processed, error, created_at, processed_at
        FROM webhook_logs
        WHERE processed = FALSE
        ORDER BY created_at
        LIMIT $1
    `, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*model.WebhookEvent{}
	for rows.Next() {
		var e model.WebhookEvent
		var projectID, errMsg sql.NullString
		var processedAt sql.NullTime
		var payload []byte
		if err := rows.Scan(&e.ID, &projectID, &payload, &e.Processed, &errMsg, &e.CreatedAt, &processedAt); err != nil {
			return nil, err
		}
		e.Payload = payload
		if projectID.Valid {
			e.ProjectID = &projectID.String
		}
		if errMsg.Valid {
			e.Error = &errMsg.String
		}
		if processedAt.Valid {
			e.ProcessedAt = &processedAt.Time
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (r *WebhookEventRepository) MarkProcessed(ctx context.Context, ids []string, errMsg string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	var errVal sql.NullString
	if errMsg != "" {
		errVal = sql.NullString{String: errMsg, Valid: true}
	}
	_, err := r.DB.ExecContext(ctx, `
        UPDATE webhook_logs SET processed = TRUE, error = $2, processed_at = $3
        WHERE id = ANY($1::uuid[])
    `, pq.Array(ids), errVal, at)
	return err
}

var _ WebhookEventRepositoryInterface = (*WebhookEventRepository)(nil)
