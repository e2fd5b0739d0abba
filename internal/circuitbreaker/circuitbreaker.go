// Package circuitbreaker keeps providers that keep failing out of routing
// chains until a cool-down has passed.
//
// States:
//   - Closed: the provider is routed normally
//   - Open: the provider is skipped
//   - Half-Open: the provider is routed again; one failure reopens it
//
// InMemoryCircuitBreaker serves a single instance. RedisCircuitBreaker shares
// state between instances through Lua scripts.
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/photo-router/internal/domain"
	"github.com/felipepmaragno/photo-router/internal/metrics"
)

type CircuitBreaker interface {
	// Allow returns domain.ErrCircuitBreakerOpen while the breaker is open
	// and moves an expired open breaker to half-open.
	Allow(ctx context.Context) error

	// Available reports whether Allow would succeed, without changing state.
	Available(ctx context.Context) bool

	RecordSuccess(ctx context.Context)
	RecordFailure(ctx context.Context)
	State(ctx context.Context) State
}

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type Config struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // half-open successes before closing
	Timeout          time.Duration // open duration before half-open
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

type InMemoryCircuitBreaker struct {
	mu          sync.RWMutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	config      Config
	now         func() time.Time
}

func NewInMemory(cfg Config) *InMemoryCircuitBreaker {
	return &InMemoryCircuitBreaker{
		state:  StateClosed,
		config: cfg,
		now:    time.Now,
	}
}

func (cb *InMemoryCircuitBreaker) Allow(ctx context.Context) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return nil
	}
	if cb.now().Sub(cb.lastFailure) >= cb.config.Timeout {
		cb.state = StateHalfOpen
		cb.successes = 0
		return nil
	}
	return domain.ErrCircuitBreakerOpen
}

func (cb *InMemoryCircuitBreaker) Available(ctx context.Context) bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return cb.state != StateOpen || cb.now().Sub(cb.lastFailure) >= cb.config.Timeout
}

func (cb *InMemoryCircuitBreaker) RecordSuccess(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.state = StateClosed
			cb.failures = 0
			cb.successes = 0
		}
	}
}

func (cb *InMemoryCircuitBreaker) RecordFailure(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = cb.now()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.state = StateOpen
		}
	case StateHalfOpen:
		cb.state = StateOpen
		cb.successes = 0
	}
}

func (cb *InMemoryCircuitBreaker) State(ctx context.Context) State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

func (cb *InMemoryCircuitBreaker) Failures() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures
}

// Manager hands out one breaker per provider.
type Manager struct {
	mu       sync.RWMutex
	breakers map[domain.ProviderID]CircuitBreaker
	config   Config
	factory  func(id domain.ProviderID) CircuitBreaker

	reportMu sync.Mutex
	last     map[domain.ProviderID]State
	onChange []func(id domain.ProviderID, state State)
}

type ManagerOption func(*Manager)

// WithRedisClient backs every breaker with Redis through a shared client.
func WithRedisClient(client *redis.Client) ManagerOption {
	return func(m *Manager) {
		m.factory = func(id domain.ProviderID) CircuitBreaker {
			return NewRedisWithClient(client, id, m.config)
		}
	}
}

func NewManager(cfg Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		breakers: make(map[domain.ProviderID]CircuitBreaker),
		last:     make(map[domain.ProviderID]State),
		config:   cfg,
		factory: func(domain.ProviderID) CircuitBreaker {
			return NewInMemory(cfg)
		},
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

func (m *Manager) Get(id domain.ProviderID) CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[id]
	m.mu.RUnlock()

	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.breakers[id]; ok {
		return existing
	}

	cb = m.factory(id)
	m.breakers[id] = cb
	return cb
}

// Available reports whether the provider may be placed in a chain.
func (m *Manager) Available(ctx context.Context, id domain.ProviderID) bool {
	return m.Get(id).Available(ctx)
}

func (m *Manager) Allow(ctx context.Context, id domain.ProviderID) error {
	return m.Get(id).Allow(ctx)
}

func (m *Manager) RecordSuccess(ctx context.Context, id domain.ProviderID) {
	cb := m.Get(id)
	cb.RecordSuccess(ctx)
	m.report(ctx, id, cb)
}

func (m *Manager) RecordFailure(ctx context.Context, id domain.ProviderID) {
	cb := m.Get(id)
	cb.RecordFailure(ctx)
	m.report(ctx, id, cb)
}

func (m *Manager) report(ctx context.Context, id domain.ProviderID, cb CircuitBreaker) {
	state := cb.State(ctx)
	gauge := 0
	switch state {
	case StateHalfOpen:
		gauge = 1
	case StateOpen:
		gauge = 2
	}
	metrics.SetCircuitBreakerState(string(id), gauge)

	m.reportMu.Lock()
	prev, seen := m.last[id]
	m.last[id] = state
	handlers := m.onChange
	m.reportMu.Unlock()

	if !seen {
		prev = StateClosed
	}
	if prev == state {
		return
	}
	for _, h := range handlers {
		h(id, state)
	}
}

// OnStateChange registers h for state changes observed by this manager.
func (m *Manager) OnStateChange(h func(id domain.ProviderID, state State)) {
	m.reportMu.Lock()
	defer m.reportMu.Unlock()
	m.onChange = append(m.onChange, h)
}

// States returns the state of every breaker created so far.
func (m *Manager) States(ctx context.Context) map[domain.ProviderID]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[domain.ProviderID]string, len(m.breakers))
	for id, cb := range m.breakers {
		states[id] = cb.State(ctx).String()
	}
	return states
}
