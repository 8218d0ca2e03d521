// Package ratelimit implements a fixed-window counter used to bound how much
// work a single principal can start per window.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const keyFmtBroadcastCreate = "ratelimit:broadcast:create:%s"

// BroadcastCreateKey is the counter key for broadcast creations by one principal.
func BroadcastCreateKey(principal string) string {
	return fmt.Sprintf(keyFmtBroadcastCreate, principal)
}

// Decision is the outcome of one check.
type Decision struct {
	Allowed   bool
	Count     int64
	Limit     int
	Remaining int
	// ResetIn is the time until the current window closes.
	ResetIn time.Duration
}

// Limiter increments the counter for key and compares it against limit.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
}

var ErrInvalidArgs = errors.New("ratelimit: key, limit and window are required")

func validate(key string, limit int, window time.Duration) error {
	if key == "" || limit <= 0 || window <= 0 {
		return ErrInvalidArgs
	}
	return nil
}

func decide(count int64, limit int, resetIn time.Duration) Decision {
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= int64(limit),
		Count:     count,
		Limit:     limit,
		Remaining: remaining,
		ResetIn:   resetIn,
	}
}
