// Package budget watches credit usage and raises alerts as an account
// approaches its monthly capacity.
package budget

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/felipepmaragno/photo-router/internal/domain"
	"github.com/felipepmaragno/photo-router/internal/metrics"
	"github.com/felipepmaragno/photo-router/internal/router"
)

type AlertLevel string

const (
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
	AlertLevelExceeded AlertLevel = "exceeded"
)

type Alert struct {
	AccountID  string
	Tier       domain.Tier
	Class      domain.CostClass
	Level      AlertLevel
	Capacity   int
	Used       int
	Percentage float64
	Timestamp  time.Time
}

type AlertHandler func(alert Alert)

// Snapshotter is the read side of the usage ledger.
type Snapshotter interface {
	Snapshot(ctx context.Context, accountID string, tier domain.Tier) (domain.UsageSnapshot, error)
}

type Monitor struct {
	mu            sync.RWMutex
	ledger        Snapshotter
	alertHandlers []AlertHandler
	thresholds    Thresholds
	dedup         AlertDeduplicator
	now           func() time.Time
}

type Thresholds struct {
	Warning  float64
	Critical float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:  0.8,
		Critical: 0.95,
	}
}

type MonitorOption func(*Monitor)

func WithDeduplicator(d AlertDeduplicator) MonitorOption {
	return func(m *Monitor) { m.dedup = d }
}

func WithClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) { m.now = now }
}

func NewMonitor(ledger Snapshotter, thresholds Thresholds, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		ledger:     ledger,
		thresholds: thresholds,
		dedup:      NewInMemoryDeduplicator(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) OnAlert(handler AlertHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alertHandlers = append(m.alertHandlers, handler)
}

// HandleEvent checks usage after every charged success. Register it with
// router.Engine.OnEvent.
func (m *Monitor) HandleEvent(ev router.Event) {
	if ev.Type != router.EventSucceeded || ev.Result == nil || !ev.Result.Charged {
		return
	}
	if _, err := m.Check(context.Background(), ev.AccountID, ev.Tier); err != nil {
		slog.Error("credit alert check failed",
			"account_id", ev.AccountID,
			"request_id", ev.RequestID,
			"error", err,
		)
	}
}

// Check evaluates both billed classes for the account and dispatches any
// alert not already sent at that level.
func (m *Monitor) Check(ctx context.Context, accountID string, tier domain.Tier) ([]Alert, error) {
	snap, err := m.ledger.Snapshot(ctx, accountID, tier)
	if err != nil {
		return nil, err
	}

	var alerts []Alert
	for _, class := range []domain.CostClass{domain.CostBudget, domain.CostPremium} {
		capacity, remaining := snap.BudgetCapacity, snap.BudgetRemaining
		if class == domain.CostPremium {
			capacity, remaining = snap.PremiumCapacity, snap.PremiumRemaining
		}
		if capacity <= 0 {
			continue
		}

		used := capacity - remaining
		ratio := float64(used) / float64(capacity)
		metrics.SetCreditUsage(accountID, string(class), ratio)

		subject := accountID + ":" + string(class)
		level, ok := m.level(ratio)
		if !ok {
			m.dedup.ClearAlert(ctx, subject)
			continue
		}
		if !m.dedup.ShouldAlert(ctx, subject, level) {
			continue
		}

		alerts = append(alerts, Alert{
			AccountID:  accountID,
			Tier:       tier,
			Class:      class,
			Level:      level,
			Capacity:   capacity,
			Used:       used,
			Percentage: ratio * 100,
			Timestamp:  m.now(),
		})
	}

	if len(alerts) == 0 {
		return nil, nil
	}

	m.mu.RLock()
	handlers := make([]AlertHandler, len(m.alertHandlers))
	copy(handlers, m.alertHandlers)
	m.mu.RUnlock()

	for _, alert := range alerts {
		for _, handler := range handlers {
			handler(alert)
		}
	}
	return alerts, nil
}

func (m *Monitor) level(ratio float64) (AlertLevel, bool) {
	switch {
	case ratio >= 1.0:
		return AlertLevelExceeded, true
	case ratio >= m.thresholds.Critical:
		return AlertLevelCritical, true
	case ratio >= m.thresholds.Warning:
		return AlertLevelWarning, true
	}
	return "", false
}

func LogAlertHandler(alert Alert) {
	slog.Warn("credit alert",
		"account_id", alert.AccountID,
		"tier", alert.Tier,
		"cost_class", alert.Class,
		"level", alert.Level,
		"capacity", alert.Capacity,
		"used", alert.Used,
		"percentage", alert.Percentage,
	)
}
