package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/unclebandit/broadcast-pipeline/internal/model"
)

// BroadcastLogRepositoryInterface is append-only. There is no update or delete.
// Entries of a job are listed in append order.
type BroadcastLogRepositoryInterface interface {
	Append(ctx context.Context, entry *model.BroadcastLog) error
	ListByBroadcast(ctx context.Context, broadcastID string, offset, limit int) ([]*model.BroadcastLog, int, error)
}

type BroadcastLogRepository struct {
	DB *sql.DB
}

func (r *BroadcastLogRepository) Append(ctx context.Context, entry *model.BroadcastLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	meta := entry.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode log meta: %w", err)
	}
	return r.DB.QueryRowContext(ctx, `
        INSERT INTO broadcast_logs (id, broadcast_id, project_id, level, message, meta, timestamp)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING seq
    `, entry.ID, entry.BroadcastID, entry.ProjectID, entry.Level, entry.Message, raw, entry.Timestamp).Scan(&entry.Seq)
}

func (r *BroadcastLogRepository) ListByBroadcast(ctx context.Context, broadcastID string, offset, limit int) ([]*model.BroadcastLog, int, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT id, seq, broadcast_id, project_id, level, message, meta, timestamp
        FROM broadcast_logs
        WHERE broadcast_id = $1
        ORDER BY seq
        LIMIT $2 OFFSET $3
    `, broadcastID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := []*model.BroadcastLog{}
	for rows.Next() {
		var e model.BroadcastLog
		var meta []byte
		if err := rows.Scan(&e.ID, &e.Seq, &e.BroadcastID, &e.ProjectID, &e.Level, &e.Message, &meta, &e.Timestamp); err != nil {
			return nil, 0, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Meta); err != nil {
				return nil, 0, fmt.Errorf("decode log meta: %w", err)
			}
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM broadcast_logs WHERE broadcast_id=$1`, broadcastID).Scan(&total); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

var _ BroadcastLogRepositoryInterface = (*BroadcastLogRepository)(nil)
