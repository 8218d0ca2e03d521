package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/unclebandit/broadcast-pipeline/internal/clock"
	appErrors "github.com/unclebandit/broadcast-pipeline/internal/errors"
	"github.com/unclebandit/broadcast-pipeline/internal/model"
	"github.com/unclebandit/broadcast-pipeline/internal/repository"
)

const (
	APIKeyPrefix = "bpk_"
	// lookupLen is how much of the raw key is stored in clear to find its hash.
	lookupLen = len(APIKeyPrefix) + 8
)

// APIKeyService resolves bearer API keys to principals.
type APIKeyService struct {
	Keys  repository.APIKeyRepositoryInterface
	Clock clock.Clock
	Log   *zap.Logger
	Cost  int
}

// Issue generates a new key for userID and stores only its bcrypt hash.
// The raw key is returned once and cannot be recovered later.
func (s *APIKeyService) Issue(ctx context.Context, userID string) (string, *model.APIKey, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generate api key: %w", err)
	}
	raw := APIKeyPrefix + hex.EncodeToString(buf)

	cost := s.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), cost)
	if err != nil {
		return "", nil, fmt.Errorf("hash api key: %w", err)
	}
	key := &model.APIKey{UserID: userID, Lookup: raw[:lookupLen], KeyHash: string(hash)}
	if err := s.Keys.Create(ctx, key); err != nil {
		return "", nil, fmt.Errorf("store api key: %w", err)
	}
	return raw, key, nil
}

// Authenticate returns ErrUnauthorized for any key that is malformed,
// unknown, revoked or does not match its stored hash.
func (s *APIKeyService) Authenticate(ctx context.Context, raw string) (*model.Principal, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, APIKeyPrefix) || len(raw) <= lookupLen {
		return nil, appErrors.ErrUnauthorized
	}
	key, err := s.Keys.FindByLookup(ctx, raw[:lookupLen])
	if err != nil {
		return nil, fmt.Errorf("find api key: %w", err)
	}
	if key == nil || key.Revoked {
		return nil, appErrors.ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(raw)); err != nil {
		return nil, appErrors.ErrUnauthorized
	}

	now := clock.System().Now()
	if s.Clock != nil {
		now = s.Clock.Now()
	}
	if err := s.Keys.Touch(ctx, key.ID, now); err != nil && s.Log != nil {
		s.Log.Warn("record api key usage", zap.String("api_key_id", key.ID), zap.Error(err))
	}
	return &model.Principal{UserID: key.UserID, APIKeyID: key.ID}, nil
}
