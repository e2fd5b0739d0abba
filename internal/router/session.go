package router

import (
	"context"
	"sync"

	"github.com/felipepmaragno/photo-router/internal/domain"
	"github.com/felipepmaragno/photo-router/internal/metrics"
)

// Sessions keeps at most one enhancement in flight per account. A new
// request cancels the pending one with cause domain.ErrSuperseded and waits
// for it to finish before proceeding.
type Sessions struct {
	mu     sync.Mutex
	active map[string]*session
}

type session struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

func NewSessions() *Sessions {
	return &Sessions{active: make(map[string]*session)}
}

// Begin registers a request for accountID. The returned end func must be
// called when the request reaches a terminal state.
func (s *Sessions) Begin(ctx context.Context, accountID string) (context.Context, func(), error) {
	sctx, cancel := context.WithCancelCause(ctx)
	cur := &session{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	prev := s.active[accountID]
	s.active[accountID] = cur
	s.mu.Unlock()

	var once sync.Once
	end := func() {
		once.Do(func() {
			s.mu.Lock()
			if s.active[accountID] == cur {
				delete(s.active, accountID)
			}
			s.mu.Unlock()
			cancel(nil)
			close(cur.done)
		})
	}

	if prev != nil {
		prev.cancel(domain.ErrSuperseded)
		metrics.RecordSuperseded()

		select {
		case <-prev.done:
		case <-sctx.Done():
			end()
			return nil, func() {}, context.Cause(sctx)
		}
	}

	return sctx, end, nil
}

// Active reports whether accountID has a request in flight.
func (s *Sessions) Active(accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[accountID]
	return ok
}
