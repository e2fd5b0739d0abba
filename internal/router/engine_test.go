package router

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/felipepmaragno/photo-router/internal/circuitbreaker"
	"github.com/felipepmaragno/photo-router/internal/domain"
	"github.com/felipepmaragno/photo-router/internal/ledger"
	"github.com/felipepmaragno/photo-router/internal/provider"
	"github.com/felipepmaragno/photo-router/internal/provider/providertest"
	"github.com/felipepmaragno/photo-router/internal/scorer"
)

// countingLedger records every Consume the engine makes. canPerform, when
// set, replaces the gate answer.
type countingLedger struct {
	*ledger.Ledger
	consumes   atomic.Int32
	canPerform func() bool
}

func (c *countingLedger) Consume(ctx context.Context, accountID string, tier domain.Tier, class domain.CostClass) error {
	c.consumes.Add(1)
	return c.Ledger.Consume(ctx, accountID, tier, class)
}

func (c *countingLedger) CanPerform(ctx context.Context, accountID string, tier domain.Tier, class domain.CostClass) (bool, error) {
	if c.canPerform != nil {
		return c.canPerform(), nil
	}
	return c.Ledger.CanPerform(ctx, accountID, tier, class)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) types(requestID string) []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []EventType
	for _, ev := range l.events {
		if ev.RequestID == requestID {
			out = append(out, ev.Type)
		}
	}
	return out
}

type fixture struct {
	engine *Engine
	ledger *countingLedger
	log    *eventLog

	p1, p2, prem, local *providertest.Fake
}

var testCapacities = ledger.Capacities{
	domain.TierFree: {Budget: 2, Premium: 1},
	domain.TierPro:  {Budget: 500, Premium: 300},
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	f := &fixture{
		p1:    providertest.New("p1"),
		p2:    providertest.New("p2"),
		prem:  providertest.New("prem"),
		local: providertest.New("local", domain.TaskSimpleEnhance),
		log:   &eventLog{},
	}

	reg, err := provider.NewRegistry(
		[]provider.Registration{
			providertest.Register(f.p1, domain.CostBudget, 0.7),
			providertest.Register(f.p2, domain.CostBudget, 0.75),
			providertest.Register(f.prem, domain.CostPremium, 0.9),
			providertest.RegisterLocal(f.local, 0.4),
		},
		provider.Table{
			domain.TaskSimpleEnhance:     {DefaultCostClass: domain.CostBudget, OnDeviceFallback: true, Providers: []domain.ProviderID{"p1", "p2", "prem"}},
			domain.TaskCreativeEdit:      {DefaultCostClass: domain.CostBudget, Providers: []domain.ProviderID{"p1", "p2"}},
			domain.TaskBackgroundRemoval: {DefaultCostClass: domain.CostBudget, Providers: []domain.ProviderID{"p2", "prem", "p1"}},
			domain.TaskCustomPrompt:      {DefaultCostClass: domain.CostPremium, Providers: []domain.ProviderID{"prem", "p1"}},
		},
	)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	clock := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	f.ledger = &countingLedger{
		Ledger: ledger.New(ledger.NewInMemoryStore(), testCapacities, ledger.WithClock(func() time.Time { return clock })),
	}

	opts = append([]Option{WithSettings(Settings{ProviderTimeout: time.Second, HighQualityThreshold: 0.8})}, opts...)
	f.engine = New(reg, f.ledger, scorer.New(scorer.DefaultWeights()), opts...)
	f.engine.OnEvent(f.log.record)
	return f
}

func request(account string, tier domain.Tier, task domain.EditTask) EnhanceRequest {
	return EnhanceRequest{
		AccountID: account,
		Tier:      tier,
		Task:      task,
		Burst:     []domain.Image{{Data: []byte("frame"), Width: 100, Height: 100}},
	}
}

func (f *fixture) exhaust(t *testing.T, account string, tier domain.Tier, class domain.CostClass, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := f.ledger.Ledger.Consume(context.Background(), account, tier, class); err != nil {
			t.Fatalf("pre-consume %d: %v", i, err)
		}
	}
}

func (f *fixture) remaining(t *testing.T, account string, tier domain.Tier, class domain.CostClass) int {
	t.Helper()
	n, err := f.ledger.Remaining(context.Background(), account, tier, class)
	if err != nil {
		t.Fatalf("Remaining() error = %v", err)
	}
	return n
}

func chainOf(ids ...domain.ProviderID) []domain.ProviderID { return ids }

func equalChain(a, b []domain.ProviderID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestEnhance_InsufficientCreditsWithoutFallback(t *testing.T) {
	f := newFixture(t)
	f.exhaust(t, "acct", domain.TierFree, domain.CostBudget, 2)

	_, err := f.engine.Enhance(context.Background(), request("acct", domain.TierFree, domain.TaskCreativeEdit))

	var ice *domain.InsufficientCreditsError
	if !errors.As(err, &ice) {
		t.Fatalf("error = %v, want *InsufficientCreditsError", err)
	}
	if ice.Class != domain.CostBudget || ice.Required != 1 || ice.Remaining != 0 {
		t.Errorf("error = %+v, want budget required=1 remaining=0", ice)
	}
	if !errors.Is(err, domain.ErrInsufficientCredits) {
		t.Error("errors.Is(err, ErrInsufficientCredits) = false")
	}
	if f.p1.Calls()+f.p2.Calls() != 0 {
		t.Errorf("providers called %d times, want 0", f.p1.Calls()+f.p2.Calls())
	}
	if f.ledger.consumes.Load() != 0 {
		t.Errorf("Consume called %d times, want 0", f.ledger.consumes.Load())
	}
	if Outcome(err) != StateExhausted {
		t.Errorf("Outcome = %v, want exhausted", Outcome(err))
	}
}

func TestEnhance_FallsBackAfterTransientFailure(t *testing.T) {
	f := newFixture(t)
	f.p1.Fails(domain.ProviderErrorTransient)

	res, err := f.engine.Enhance(context.Background(), request("acct", domain.TierPro, domain.TaskCreativeEdit))
	if err != nil {
		t.Fatalf("Enhance() error = %v", err)
	}

	if res.ProviderUsed != "p2" {
		t.Errorf("ProviderUsed = %s, want p2", res.ProviderUsed)
	}
	if !res.Charged || res.CostClass != domain.CostBudget {
		t.Errorf("Charged = %v CostClass = %s, want charged budget", res.Charged, res.CostClass)
	}

	rec, err := f.ledger.Record(context.Background(), "acct")
	if err != nil {
		t.Fatal(err)
	}
	if rec.BudgetConsumed != 1 || rec.PremiumConsumed != 0 {
		t.Errorf("consumed budget=%d premium=%d, want 1 and 0", rec.BudgetConsumed, rec.PremiumConsumed)
	}
	if f.ledger.consumes.Load() != 1 {
		t.Errorf("Consume called %d times, want 1", f.ledger.consumes.Load())
	}
}

func TestEnhance_AllProvidersFailLeavesLedgerUnchanged(t *testing.T) {
	f := newFixture(t)
	f.p1.Fails(domain.ProviderErrorTransient)
	f.p2.Fails(domain.ProviderErrorPermanent)

	before := f.remaining(t, "acct", domain.TierPro, domain.CostBudget)

	_, err := f.engine.Enhance(context.Background(), request("acct", domain.TierPro, domain.TaskCreativeEdit))

	var apf *domain.AllProvidersFailedError
	if !errors.As(err, &apf) {
		t.Fatalf("error = %v, want *AllProvidersFailedError", err)
	}
	if !errors.Is(err, domain.ErrAllProvidersFailed) {
		t.Error("errors.Is(err, ErrAllProvidersFailed) = false")
	}
	if len(apf.Attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(apf.Attempts))
	}
	if last := apf.Last(); last.Provider != "p2" || last.Kind != domain.ProviderErrorPermanent {
		t.Errorf("Last() = %v, want p2 permanent", last)
	}

	after := f.remaining(t, "acct", domain.TierPro, domain.CostBudget)
	if before != after {
		t.Errorf("remaining %d -> %d, want unchanged", before, after)
	}
	if f.ledger.consumes.Load() != 0 {
		t.Errorf("Consume called %d times, want 0", f.ledger.consumes.Load())
	}
}

func TestEnhance_EveryErrorKindAdvances(t *testing.T) {
	kinds := []domain.ProviderErrorKind{
		domain.ProviderErrorTransient,
		domain.ProviderErrorPermanent,
		domain.ProviderErrorRateLimited,
	}

	for _, kind := range kinds {
		t.Run(kind.String(), func(t *testing.T) {
			f := newFixture(t)
			f.p1.Fails(kind)

			res, err := f.engine.Enhance(context.Background(), request("acct", domain.TierPro, domain.TaskCreativeEdit))
			if err != nil {
				t.Fatalf("Enhance() error = %v", err)
			}
			if res.ProviderUsed != "p2" {
				t.Errorf("ProviderUsed = %s, want p2", res.ProviderUsed)
			}
		})
	}
}

func TestEnhance_UntypedErrorAndNilImageAreTransient(t *testing.T) {
	f := newFixture(t)
	f.p1.ExecuteFunc = func(ctx context.Context, req provider.Request) (*domain.Image, error) {
		return nil, errors.New("boom")
	}
	f.p2.ExecuteFunc = func(ctx context.Context, req provider.Request) (*domain.Image, error) {
		return nil, nil
	}

	_, err := f.engine.Enhance(context.Background(), request("acct", domain.TierPro, domain.TaskCreativeEdit))

	var apf *domain.AllProvidersFailedError
	if !errors.As(err, &apf) {
		t.Fatalf("error = %v, want *AllProvidersFailedError", err)
	}
	for _, a := range apf.Attempts {
		if a.Err.Kind != domain.ProviderErrorTransient {
			t.Errorf("attempt %s kind = %v, want transient", a.Provider, a.Err.Kind)
		}
	}
}

func TestEnhance_ProviderPanicIsPermanent(t *testing.T) {
	f := newFixture(t)
	f.p1.ExecuteFunc = func(ctx context.Context, req provider.Request) (*domain.Image, error) {
		panic("image: NewNRGBA Rectangle has huge or negative dimensions")
	}
	f.p2.Fails(domain.ProviderErrorTransient)

	_, err := f.engine.Enhance(context.Background(), request("acct", domain.TierPro, domain.TaskCreativeEdit))

	var apf *domain.AllProvidersFailedError
	if !errors.As(err, &apf) {
		t.Fatalf("error = %v, want *AllProvidersFailedError", err)
	}
	if len(apf.Attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(apf.Attempts))
	}
	if first := apf.Attempts[0]; first.Provider != "p1" || first.Err.Kind != domain.ProviderErrorPermanent {
		t.Errorf("Attempts[0] = %s %v, want p1 permanent", first.Provider, first.Err.Kind)
	}

	f.p2.ExecuteFunc = nil
	res, err := f.engine.Enhance(context.Background(), request("acct", domain.TierPro, domain.TaskCreativeEdit))
	if err != nil {
		t.Fatalf("Enhance() after panic error = %v", err)
	}
	if res.ProviderUsed != "p2" {
		t.Errorf("ProviderUsed = %s, want p2", res.ProviderUsed)
	}
}

func TestEnhance_TimeoutIsTransient(t *testing.T) {
	f := newFixture(t, WithSettings(Settings{ProviderTimeout: 20 * time.Millisecond, HighQualityThreshold: 0.8}))

	release := make(chan struct{})
	defer close(release)
	f.p1.ExecuteFunc = func(ctx context.Context, req provider.Request) (*domain.Image, error) {
		<-release
		return nil, errors.New("late")
	}

	res, err := f.engine.Enhance(context.Background(), request("acct", domain.TierPro, domain.TaskCreativeEdit))
	if err != nil {
		t.Fatalf("Enhance() error = %v", err)
	}
	if res.ProviderUsed != "p2" {
		t.Errorf("ProviderUsed = %s, want p2", res.ProviderUsed)
	}
}

func TestEnhance_CancelDuringProviderCall(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{}, 1)
	f.p1.Blocks(started)

	job := f.engine.Submit(context.Background(), request("acct", domain.TierPro, domain.TaskCreativeEdit))
	<-started
	job.Cancel()

	_, err := job.Wait(context.Background())
	if !errors.Is(err, domain.ErrCancelled) {
		t.Fatalf("error = %v, want ErrCancelled", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled cause", err)
	}
	if Outcome(err) != StateCancelled {
		t.Errorf("Outcome = %v, want cancelled", Outcome(err))
	}
	if f.p2.Calls() != 0 {
		t.Errorf("p2 called after cancellation")
	}
	if f.ledger.consumes.Load() != 0 {
		t.Errorf("Consume called %d times, want 0", f.ledger.consumes.Load())
	}
	if got := f.remaining(t, "acct", domain.TierPro, domain.CostBudget); got != 500 {
		t.Errorf("remaining = %d, want 500", got)
	}
}

func TestEnhance_CancelAfterSuccessBeforeCommit(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.p1.ExecuteFunc = func(_ context.Context, req provider.Request) (*domain.Image, error) {
		cancel()
		img := req.Image
		return &img, nil
	}

	_, err := f.engine.Enhance(ctx, request("acct", domain.TierPro, domain.TaskCreativeEdit))
	if !errors.Is(err, domain.ErrCancelled) {
		t.Fatalf("error = %v, want ErrCancelled", err)
	}
	if f.ledger.consumes.Load() != 0 {
		t.Errorf("Consume called %d times, want 0", f.ledger.consumes.Load())
	}
}

func TestEnhance_CommitRaceEndsExhausted(t *testing.T) {
	f := newFixture(t)
	f.exhaust(t, "acct", domain.TierFree, domain.CostBudget, 1)

	// A concurrent request takes the last credit while p1 runs.
	f.p1.ExecuteFunc = func(ctx context.Context, req provider.Request) (*domain.Image, error) {
		if err := f.ledger.Ledger.Consume(ctx, "acct", domain.TierFree, domain.CostBudget); err != nil {
			t.Errorf("concurrent consume: %v", err)
		}
		img := req.Image
		return &img, nil
	}

	res, err := f.engine.Enhance(context.Background(), request("acct", domain.TierFree, domain.TaskCreativeEdit))
	if res != nil {
		t.Errorf("result = %+v, want nil", res)
	}

	var ice *domain.InsufficientCreditsError
	if !errors.As(err, &ice) {
		t.Fatalf("error = %v, want *InsufficientCreditsError", err)
	}
	if Outcome(err) != StateExhausted {
		t.Errorf("Outcome = %v, want exhausted", Outcome(err))
	}

	rec, _ := f.ledger.Record(context.Background(), "acct")
	if rec.BudgetConsumed != 2 {
		t.Errorf("BudgetConsumed = %d, want 2 (capacity)", rec.BudgetConsumed)
	}
}

func TestEnhance_DowngradesToOnDevice(t *testing.T) {
	f := newFixture(t)
	f.exhaust(t, "acct", domain.TierFree, domain.CostBudget, 2)

	res, err := f.engine.Enhance(context.Background(), request("acct", domain.TierFree, domain.TaskSimpleEnhance))
	if err != nil {
		t.Fatalf("Enhance() error = %v", err)
	}
	if res.ProviderUsed != "local" || res.CostClass != domain.CostFree || res.Charged {
		t.Errorf("result = %s/%s charged=%v, want local/free uncharged", res.ProviderUsed, res.CostClass, res.Charged)
	}
	if f.p1.Calls()+f.p2.Calls()+f.prem.Calls() != 0 {
		t.Error("cloud providers called for a free decision")
	}
	if f.ledger.consumes.Load() != 0 {
		t.Errorf("Consume called %d times, want 0", f.ledger.consumes.Load())
	}
}

func TestEnhance_GateFallsBackToFreeProviders(t *testing.T) {
	f := newFixture(t)
	f.ledger.canPerform = func() bool { return false }

	res, err := f.engine.Enhance(context.Background(), request("acct", domain.TierPro, domain.TaskSimpleEnhance))
	if err != nil {
		t.Fatalf("Enhance() error = %v", err)
	}
	if res.ProviderUsed != "local" || res.Charged {
		t.Errorf("result = %s charged=%v, want local uncharged", res.ProviderUsed, res.Charged)
	}
	if f.p1.Calls() != 0 {
		t.Error("billed provider called after gate refused credits")
	}
	if f.ledger.consumes.Load() != 0 {
		t.Errorf("Consume called %d times, want 0", f.ledger.consumes.Load())
	}
}

func TestEnhance_FreeProviderSuccessIsNotCharged(t *testing.T) {
	f := newFixture(t)
	f.p1.Fails(domain.ProviderErrorTransient)
	f.p2.Fails(domain.ProviderErrorTransient)
	f.prem.Fails(domain.ProviderErrorTransient)

	res, err := f.engine.Enhance(context.Background(), request("acct", domain.TierPro, domain.TaskSimpleEnhance))
	if err != nil {
		t.Fatalf("Enhance() error = %v", err)
	}
	if res.ProviderUsed != "local" || res.Charged || res.CostClass != domain.CostFree {
		t.Errorf("result = %s/%s charged=%v, want local/free uncharged", res.ProviderUsed, res.CostClass, res.Charged)
	}
	if f.ledger.consumes.Load() != 0 {
		t.Errorf("Consume called %d times, want 0", f.ledger.consumes.Load())
	}
}

func TestEnhance_HighQualityUsesPremium(t *testing.T) {
	f := newFixture(t)

	req := request("acct", domain.TierPro, domain.TaskBackgroundRemoval)
	req.Quality = 0.9

	res, err := f.engine.Enhance(context.Background(), req)
	if err != nil {
		t.Fatalf("Enhance() error = %v", err)
	}
	if res.ProviderUsed != "prem" || res.CostClass != domain.CostPremium {
		t.Errorf("result = %s/%s, want prem/premium", res.ProviderUsed, res.CostClass)
	}

	rec, _ := f.ledger.Record(context.Background(), "acct")
	if rec.PremiumConsumed != 1 || rec.BudgetConsumed != 0 {
		t.Errorf("consumed budget=%d premium=%d, want 0 and 1", rec.BudgetConsumed, rec.PremiumConsumed)
	}
}

func TestEnhance_EventSequence(t *testing.T) {
	f := newFixture(t)
	f.p1.Fails(domain.ProviderErrorRateLimited)

	req := request("acct", domain.TierPro, domain.TaskCreativeEdit)
	req.RequestID = "req-1"
	if _, err := f.engine.Enhance(context.Background(), req); err != nil {
		t.Fatal(err)
	}

	want := []EventType{EventDecided, EventProviderAttempted, EventProviderAttempted, EventSucceeded}
	got := f.log.types("req-1")
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	f.log.mu.Lock()
	defer f.log.mu.Unlock()
	first := f.log.events[1]
	if first.Provider != "p1" || first.Err == nil || first.Attempt != 1 {
		t.Errorf("first attempt event = %+v", first)
	}
	last := f.log.events[3]
	if last.State != StateSucceeded || last.Result == nil || !last.Result.Charged {
		t.Errorf("succeeded event = %+v", last)
	}
	if last.Decision == nil || !equalChain(last.Decision.Chain(), chainOf("p1", "p2")) {
		t.Errorf("decision = %v, want chain [p1 p2]", last.Decision)
	}
}

func TestEnhance_FailureAndCancelEvents(t *testing.T) {
	f := newFixture(t)
	f.exhaust(t, "acct", domain.TierFree, domain.CostBudget, 2)

	req := request("acct", domain.TierFree, domain.TaskCreativeEdit)
	req.RequestID = "req-fail"
	_, _ = f.engine.Enhance(context.Background(), req)

	if got := f.log.types("req-fail"); len(got) != 2 || got[1] != EventFailed {
		t.Errorf("events = %v, want [decided failed]", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req = request("acct", domain.TierPro, domain.TaskCreativeEdit)
	req.RequestID = "req-cancel"
	_, _ = f.engine.Enhance(ctx, req)

	if got := f.log.types("req-cancel"); len(got) != 1 || got[0] != EventCancelled {
		t.Errorf("events = %v, want [cancelled]", got)
	}
}

func TestEnhance_NewRequestSupersedesPending(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{}, 1)
	f.p1.Blocks(started)

	first := f.engine.Submit(context.Background(), request("acct", domain.TierPro, domain.TaskCreativeEdit))
	<-started

	res, err := f.engine.Enhance(context.Background(), request("acct", domain.TierPro, domain.TaskBackgroundRemoval))
	if err != nil {
		t.Fatalf("second Enhance() error = %v", err)
	}
	if res.ProviderUsed != "p2" {
		t.Errorf("ProviderUsed = %s, want p2", res.ProviderUsed)
	}

	_, err = first.Wait(context.Background())
	if !errors.Is(err, domain.ErrCancelled) || !errors.Is(err, domain.ErrSuperseded) {
		t.Errorf("first error = %v, want ErrCancelled and ErrSuperseded", err)
	}
	if f.ledger.consumes.Load() != 1 {
		t.Errorf("Consume called %d times, want 1", f.ledger.consumes.Load())
	}
}

func TestEnhance_NoAvailableProviders(t *testing.T) {
	breakers := circuitbreaker.NewManager(circuitbreaker.Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Hour})
	f := newFixture(t, WithBreakers(breakers))

	breakers.RecordFailure(context.Background(), "p1")
	breakers.RecordFailure(context.Background(), "p2")

	_, err := f.engine.Enhance(context.Background(), request("acct", domain.TierPro, domain.TaskCreativeEdit))
	if !errors.Is(err, domain.ErrNoProvidersAvailable) {
		t.Fatalf("error = %v, want ErrNoProvidersAvailable", err)
	}
	if f.p1.Calls()+f.p2.Calls() != 0 {
		t.Error("providers with open breakers were called")
	}
}

func TestEnhance_FailuresOpenBreaker(t *testing.T) {
	breakers := circuitbreaker.NewManager(circuitbreaker.Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Hour})
	f := newFixture(t, WithBreakers(breakers))
	f.p1.Fails(domain.ProviderErrorTransient)

	for i := 0; i < 2; i++ {
		if _, err := f.engine.Enhance(context.Background(), request("acct", domain.TierPro, domain.TaskCreativeEdit)); err != nil {
			t.Fatalf("Enhance() #%d error = %v", i, err)
		}
	}

	if f.p1.Calls() != 1 {
		t.Errorf("p1 calls = %d, want 1 (skipped once its breaker opened)", f.p1.Calls())
	}
}

func TestEnhance_InvalidRequests(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		req  EnhanceRequest
		want error
	}{
		{"missing account", request("", domain.TierPro, domain.TaskCreativeEdit), domain.ErrInvalidRequest},
		{"unknown task", request("acct", domain.TierPro, "sepia"), domain.ErrInvalidRequest},
		{"unknown tier", request("acct", "gold", domain.TaskCreativeEdit), domain.ErrInvalidRequest},
		{"custom prompt without prompt", request("acct", domain.TierPro, domain.TaskCustomPrompt), domain.ErrInvalidRequest},
		{"empty burst", EnhanceRequest{AccountID: "acct", Tier: domain.TierPro, Task: domain.TaskCreativeEdit}, domain.ErrEmptyBurst},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Enhance(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}

	req := request("acct", domain.TierPro, domain.TaskCreativeEdit)
	req.Quality = 1.5
	if _, err := f.engine.Enhance(context.Background(), req); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("quality 1.5: error = %v, want ErrInvalidRequest", err)
	}
}

func TestEnhance_TargetSizeLimit(t *testing.T) {
	f := newFixture(t, WithSettings(Settings{ProviderTimeout: time.Second, HighQualityThreshold: 0.8, MaxImagePixels: 10_000}))

	tests := []struct {
		name string
		size domain.Size
		want error
	}{
		{"within limit", domain.Size{Width: 100, Height: 100}, nil},
		{"over limit", domain.Size{Width: 101, Height: 100}, domain.ErrInvalidRequest},
		{"huge", domain.Size{Width: 1 << 32, Height: 1 << 32}, domain.ErrInvalidRequest},
		{"negative", domain.Size{Width: -1, Height: 10}, domain.ErrInvalidRequest},
		{"zero", domain.Size{}, domain.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request("acct", domain.TierPro, domain.TaskCreativeEdit)
			req.TargetSize = &tt.size
			_, err := f.engine.Enhance(context.Background(), req)
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}

	if calls := f.p1.Calls(); calls != 1 {
		t.Errorf("p1 calls = %d, want 1", calls)
	}
}

func TestSetSettings_DefaultsMaxImagePixels(t *testing.T) {
	f := newFixture(t)
	if got := f.engine.Settings().MaxImagePixels; got != domain.DefaultMaxImagePixels {
		t.Errorf("MaxImagePixels = %d, want %d", got, domain.DefaultMaxImagePixels)
	}
}

func TestUsageSnapshot(t *testing.T) {
	f := newFixture(t)
	f.exhaust(t, "acct", domain.TierFree, domain.CostPremium, 1)

	snap, err := f.engine.UsageSnapshot(context.Background(), "acct", domain.TierFree)
	if err != nil {
		t.Fatal(err)
	}
	if snap.BudgetRemaining != 2 || snap.PremiumRemaining != 0 || snap.PremiumCapacity != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
}
