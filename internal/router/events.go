package router

import (
	"sync"
	"time"

	"github.com/felipepmaragno/photo-router/internal/domain"
)

type EventType string

const (
	EventDecided           EventType = "decided"
	EventProviderAttempted EventType = "providerAttempted"
	EventSucceeded         EventType = "succeeded"
	EventFailed            EventType = "failed"
	EventCancelled         EventType = "cancelled"
)

// Event reports a step of one request. Decision is set from EventDecided
// onward; Provider and Attempt on EventProviderAttempted (Err carries the
// attempt's failure, nil on success); Result on EventSucceeded.
type Event struct {
	Type      EventType
	State     State
	RequestID string
	AccountID string
	Tier      domain.Tier
	Task      domain.EditTask
	Provider  domain.ProviderID
	Attempt   int
	Decision  *domain.RoutingDecision
	Result    *domain.ProviderResult
	Err       error
	At        time.Time
}

// EventHandler is called synchronously, in order, on the request goroutine.
type EventHandler func(Event)

type eventBus struct {
	mu       sync.RWMutex
	handlers []EventHandler
}

func (b *eventBus) subscribe(h EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

func (b *eventBus) publish(ev Event) {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}
