package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/unclebandit/broadcast-pipeline/internal/model"
)

type APIKeyRepositoryInterface interface {
	// FindByLookup returns nil when no key carries the lookup prefix.
	FindByLookup(ctx context.Context, lookup string) (*model.APIKey, error)
	Create(ctx context.Context, key *model.APIKey) error
	Touch(ctx context.Context, id string, at time.Time) error
}

type APIKeyRepository struct {
	DB *sql.DB
}

func (r *APIKeyRepository) FindByLookup(ctx context.Context, lookup string) (*model.APIKey, error) {
	var k model.APIKey
	var lastUsed sql.NullTime
	err := r.DB.QueryRowContext(ctx, `
        SELECT id, user_id, lookup, key_hash, revoked, last_used_at
        FROM api_keys WHERE lookup=$1
    `, lookup).Scan(&k.ID, &k.UserID, &k.Lookup, &k.KeyHash, &k.Revoked, &lastUsed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if lastUsed.Valid {
		k.LastUsedAt = &lastUsed.Time
	}
	return &k, nil
}

func (r *APIKeyRepository) Create(ctx context.Context, key *model.APIKey) error {
	return r.DB.QueryRowContext(ctx, `
        INSERT INTO api_keys (user_id, lookup, key_hash)
        VALUES ($1, $2, $3)
        RETURNING id
    `, key.UserID, key.Lookup, key.KeyHash).Scan(&key.ID)
}

func (r *APIKeyRepository) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := r.DB.ExecContext(ctx, `
        UPDATE api_keys SET last_used_at = $2, request_count = request_count + 1 WHERE id = $1
    `, id, at)
	return err
}

var _ APIKeyRepositoryInterface = (*APIKeyRepository)(nil)
