// Package ratelimit caps enhancement requests per account per minute, ahead
// of the credit gate. In-memory windows serve a single instance; the Redis
// backend shares a sliding window between instances.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const Window = time.Minute

type RateLimiter interface {
	// Allow records one request for accountID. A limit of zero or less
	// disables limiting.
	Allow(ctx context.Context, accountID string, limit int) (allowed bool, remaining int, resetAt time.Time, err error)
}

type InMemoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

func NewInMemoryRateLimiter() *InMemoryRateLimiter {
	return &InMemoryRateLimiter{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

func (r *InMemoryRateLimiter) Allow(ctx context.Context, accountID string, limit int) (bool, int, time.Time, error) {
	now := r.now()
	if limit <= 0 {
		return true, 0, now.Add(Window), nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.windows[accountID]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(Window)}
		r.windows[accountID] = w
	}

	if w.count >= limit {
		return false, 0, w.resetAt, nil
	}
	w.count++
	return true, limit - w.count, w.resetAt, nil
}
