// Package ledger tracks per-account credit consumption by cost class and
// resets it on a fixed schedule. It is the only writer of usage records.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/felipepmaragno/photo-router/internal/domain"
)

// Unlimited is the capacity reported for the free cost class.
const Unlimited = -1

type Clock func() time.Time

type Limits struct {
	Budget  int
	Premium int
}

type Capacities map[domain.Tier]Limits

func DefaultCapacities() Capacities {
	return Capacities{
		domain.TierFree: {Budget: 50, Premium: 5},
		domain.TierPro:  {Budget: 500, Premium: 300},
	}
}

type Ledger struct {
	store      Store
	locker     Locker
	clock      Clock
	period     Period
	capacities atomic.Pointer[Capacities]
}

type Option func(*Ledger)

func WithClock(c Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

func WithLocker(lk Locker) Option {
	return func(l *Ledger) { l.locker = lk }
}

func WithPeriod(p Period) Option {
	return func(l *Ledger) { l.period = p }
}

func New(store Store, capacities Capacities, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		locker: NewKeyedMutex(),
		clock:  time.Now,
		period: Monthly{},
	}
	for _, opt := range opts {
		opt(l)
	}
	l.SetCapacities(capacities)
	return l
}

// SetCapacities replaces the capacity table. Consumed counts are kept.
func (l *Ledger) SetCapacities(c Capacities) {
	cp := make(Capacities, len(c))
	for k, v := range c {
		cp[k] = v
	}
	l.capacities.Store(&cp)
}

func (l *Ledger) Capacity(tier domain.Tier, class domain.CostClass) int {
	limits := (*l.capacities.Load())[tier]
	switch class {
	case domain.CostBudget:
		return limits.Budget
	case domain.CostPremium:
		return limits.Premium
	}
	return Unlimited
}

// Remaining returns capacity minus consumed for the current period, applying
// and persisting a lazy reset first.
func (l *Ledger) Remaining(ctx context.Context, accountID string, tier domain.Tier, class domain.CostClass) (int, error) {
	if !class.Billed() {
		return Unlimited, nil
	}

	unlock, err := l.locker.Lock(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("lock usage %s: %w", accountID, err)
	}
	defer unlock()

	rec, err := l.load(ctx, accountID, tier, true)
	if err != nil {
		return 0, err
	}
	return l.remaining(tier, class, rec), nil
}

func (l *Ledger) CanPerform(ctx context.Context, accountID string, tier domain.Tier, class domain.CostClass) (bool, error) {
	if !class.Billed() {
		return true, nil
	}
	n, err := l.Remaining(ctx, accountID, tier, class)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Consume records one unit of class against the account. It re-checks
// capacity under the account lock and fails with ErrCapacityExceeded rather
// than clamping.
func (l *Ledger) Consume(ctx context.Context, accountID string, tier domain.Tier, class domain.CostClass) error {
	if !class.Billed() {
		return nil
	}

	unlock, err := l.locker.Lock(ctx, accountID)
	if err != nil {
		return fmt.Errorf("lock usage %s: %w", accountID, err)
	}
	defer unlock()

	rec, err := l.load(ctx, accountID, tier, false)
	if err != nil {
		return err
	}

	capacity := l.Capacity(tier, class)
	used := rec.Consumed(class)
	if int(used)+1 > capacity {
		return fmt.Errorf("%w: account %s %s %d/%d", domain.ErrCapacityExceeded, accountID, class, used, capacity)
	}

	switch class {
	case domain.CostBudget:
		rec.BudgetConsumed++
	case domain.CostPremium:
		rec.PremiumConsumed++
	}
	rec.Tier = tier
	rec.UpdatedAt = l.clock()

	if err := l.store.Set(ctx, rec); err != nil {
		return fmt.Errorf("save usage %s: %w", accountID, err)
	}
	return nil
}

// Snapshot is a read-only view. A pending reset is reflected in the result
// but not written back.
func (l *Ledger) Snapshot(ctx context.Context, accountID string, tier domain.Tier) (domain.UsageSnapshot, error) {
	now := l.clock()

	rec, err := l.store.Get(ctx, accountID)
	switch {
	case errors.Is(err, ErrRecordNotFound):
		rec = l.fresh(accountID, tier, now)
	case err != nil:
		return domain.UsageSnapshot{}, fmt.Errorf("load usage %s: %w", accountID, err)
	default:
		l.reset(rec, now)
	}

	return domain.UsageSnapshot{
		Tier:             tier,
		BudgetRemaining:  l.remaining(tier, domain.CostBudget, rec),
		PremiumRemaining: l.remaining(tier, domain.CostPremium, rec),
		BudgetCapacity:   l.Capacity(tier, domain.CostBudget),
		PremiumCapacity:  l.Capacity(tier, domain.CostPremium),
		PeriodStart:      rec.PeriodStart,
		ResetsAt:         l.period.Next(rec.PeriodStart),
	}, nil
}

// SetTier stores a tier change from billing. Consumed counts are untouched;
// remaining is floored at zero if the new capacity is below them.
func (l *Ledger) SetTier(ctx context.Context, accountID string, tier domain.Tier) error {
	unlock, err := l.locker.Lock(ctx, accountID)
	if err != nil {
		return fmt.Errorf("lock usage %s: %w", accountID, err)
	}
	defer unlock()

	rec, err := l.load(ctx, accountID, tier, false)
	if err != nil {
		return err
	}
	rec.Tier = tier
	rec.UpdatedAt = l.clock()

	if err := l.store.Set(ctx, rec); err != nil {
		return fmt.Errorf("save usage %s: %w", accountID, err)
	}
	return nil
}

// Record returns the stored record as-is, without applying a reset.
func (l *Ledger) Record(ctx context.Context, accountID string) (domain.UsageRecord, error) {
	rec, err := l.store.Get(ctx, accountID)
	if err != nil {
		return domain.UsageRecord{}, err
	}
	return *rec, nil
}

// load reads the record, creating it or applying a reset as needed. When
// persist is set, a created or reset record is written back immediately.
// Callers must hold the account lock.
func (l *Ledger) load(ctx context.Context, accountID string, tier domain.Tier, persist bool) (*domain.UsageRecord, error) {
	now := l.clock()

	rec, err := l.store.Get(ctx, accountID)
	changed := false
	switch {
	case errors.Is(err, ErrRecordNotFound):
		rec = l.fresh(accountID, tier, now)
		changed = true
	case err != nil:
		return nil, fmt.Errorf("load usage %s: %w", accountID, err)
	default:
		changed = l.reset(rec, now)
	}

	if persist && changed {
		rec.UpdatedAt = now
		if err := l.store.Set(ctx, rec); err != nil {
			return nil, fmt.Errorf("save usage %s: %w", accountID, err)
		}
	}
	return rec, nil
}

func (l *Ledger) fresh(accountID string, tier domain.Tier, now time.Time) *domain.UsageRecord {
	return &domain.UsageRecord{
		AccountID:   accountID,
		Tier:        tier,
		PeriodStart: l.period.Start(now),
		UpdatedAt:   now,
	}
}

func (l *Ledger) reset(rec *domain.UsageRecord, now time.Time) bool {
	start, crossed := advance(l.period, rec.PeriodStart, now)
	if !crossed {
		return false
	}
	rec.PeriodStart = start
	rec.BudgetConsumed = 0
	rec.PremiumConsumed = 0
	return true
}

func (l *Ledger) remaining(tier domain.Tier, class domain.CostClass, rec *domain.UsageRecord) int {
	capacity := l.Capacity(tier, class)
	if capacity == Unlimited {
		return Unlimited
	}
	n := capacity - int(rec.Consumed(class))
	if n < 0 {
		return 0
	}
	return n
}
