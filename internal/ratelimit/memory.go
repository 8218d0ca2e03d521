package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/unclebandit/broadcast-pipeline/internal/clock"
)

type window struct {
	count   int64
	expires time.Time
}

// MemoryLimiter is a single-process fixed-window limiter.
type MemoryLimiter struct {
	mu      sync.Mutex
	clock   clock.Clock
	windows map[string]*window
}

func NewMemoryLimiter(c clock.Clock) *MemoryLimiter {
	if c == nil {
		c = clock.System()
	}
	return &MemoryLimiter{clock: c, windows: map[string]*window{}}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string, limit int, win time.Duration) (Decision, error) {
	if err := validate(key, limit, win); err != nil {
		return Decision{}, err
	}
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !now.Before(w.expires) {
		w = &window{expires: now.Add(win)}
		l.windows[key] = w
		l.sweep(now)
	}
	w.count++
	return decide(w.count, limit, w.expires.Sub(now)), nil
}

// sweep drops expired windows so idle keys do not accumulate.
func (l *MemoryLimiter) sweep(now time.Time) {
	for k, w := range l.windows {
		if !now.Before(w.expires) {
			delete(l.windows, k)
		}
	}
}

var _ Limiter = (*MemoryLimiter)(nil)
