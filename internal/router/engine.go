// Package router turns an enhancement request into a routing decision,
// gates it against the usage ledger, runs the provider chain with fallback
// and commits at most one credit on success.
package router

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync/atomic"
	"time"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/felipepmaragno/photo-router/internal/domain"
	"github.com/felipepmaragno/photo-router/internal/metrics"
	"github.com/felipepmaragno/photo-router/internal/provider"
	"github.com/felipepmaragno/photo-router/internal/scorer"
	"github.com/felipepmaragno/photo-router/internal/telemetry"
)

// Ledger is the credit surface the engine needs. *ledger.Ledger satisfies it.
type Ledger interface {
	Capacity(tier domain.Tier, class domain.CostClass) int
	Remaining(ctx context.Context, accountID string, tier domain.Tier, class domain.CostClass) (int, error)
	CanPerform(ctx context.Context, accountID string, tier domain.Tier, class domain.CostClass) (bool, error)
	Consume(ctx context.Context, accountID string, tier domain.Tier, class domain.CostClass) error
	Snapshot(ctx context.Context, accountID string, tier domain.Tier) (domain.UsageSnapshot, error)
}

type FrameSelector interface {
	SelectBest(ctx context.Context, burst []domain.Image) (scorer.Selection, error)
}

// Breakers reports and records provider health. *circuitbreaker.Manager
// satisfies it.
type Breakers interface {
	Available(ctx context.Context, id domain.ProviderID) bool
	Allow(ctx context.Context, id domain.ProviderID) error
	RecordSuccess(ctx context.Context, id domain.ProviderID)
	RecordFailure(ctx context.Context, id domain.ProviderID)
}

type Settings struct {
	ProviderTimeout      time.Duration
	HighQualityThreshold float64
	// MaxImagePixels caps the requested output size.
	MaxImagePixels int
}

func DefaultSettings() Settings {
	return Settings{
		ProviderTimeout:      60 * time.Second,
		HighQualityThreshold: 0.8,
		MaxImagePixels:       domain.DefaultMaxImagePixels,
	}
}

type EnhanceRequest struct {
	RequestID  string
	AccountID  string
	Tier       domain.Tier
	Burst      []domain.Image
	Task       domain.EditTask
	Prompt     string
	Quality    float64
	TargetSize *domain.Size
}

type Engine struct {
	registry *provider.Registry
	ledger   Ledger
	selector FrameSelector
	breakers Breakers
	sessions *Sessions
	settings atomic.Pointer[Settings]
	events   eventBus
	now      func() time.Time
	newID    func() string
}

type Option func(*Engine)

func WithSettings(s Settings) Option {
	return func(e *Engine) { e.SetSettings(s) }
}

func WithBreakers(b Breakers) Option {
	return func(e *Engine) { e.breakers = b }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(registry *provider.Registry, l Ledger, selector FrameSelector, opts ...Option) *Engine {
	e := &Engine{
		registry: registry,
		ledger:   l,
		selector: selector,
		sessions: NewSessions(),
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
	e.SetSettings(DefaultSettings())
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) SetSettings(s Settings) {
	if s.HighQualityThreshold <= 0 {
		s.HighQualityThreshold = DefaultSettings().HighQualityThreshold
	}
	if s.MaxImagePixels <= 0 {
		s.MaxImagePixels = DefaultSettings().MaxImagePixels
	}
	e.settings.Store(&s)
}

func (e *Engine) Settings() Settings {
	return *e.settings.Load()
}

// OnEvent registers h for every subsequent request.
func (e *Engine) OnEvent(h EventHandler) {
	e.events.subscribe(h)
}

func (e *Engine) UsageSnapshot(ctx context.Context, accountID string, tier domain.Tier) (domain.UsageSnapshot, error) {
	return e.ledger.Snapshot(ctx, accountID, tier)
}

// run carries the per-request state through one Enhance call.
type run struct {
	machine
	req      EnhanceRequest
	decision *domain.RoutingDecision
	started  time.Time
}

func (e *Engine) emit(r *run, ev Event) {
	ev.State = r.state
	ev.RequestID = r.req.RequestID
	ev.AccountID = r.req.AccountID
	ev.Tier = r.req.Tier
	ev.Task = r.req.Task
	ev.Decision = r.decision
	ev.At = e.now()
	e.events.publish(ev)
}

func (e *Engine) advance(r *run, next State) {
	if err := r.to(next); err != nil {
		slog.Error("request state machine", "request_id", r.req.RequestID, "error", err)
	}
}

// Enhance selects the best frame of the burst and runs it through the
// provider chain. The error is nil on success, wraps domain.ErrCancelled on
// cancellation, and otherwise carries the reason the request was exhausted.
func (e *Engine) Enhance(ctx context.Context, req EnhanceRequest) (*domain.ProviderResult, error) {
	if req.RequestID == "" {
		req.RequestID = e.newID()
	}
	r := &run{req: req, started: e.now()}

	ctx, span := telemetry.StartSpan(ctx, "router.Enhance")
	defer span.End()
	telemetry.AddRequestAttributes(span, req.AccountID, req.Task, req.Tier, req.RequestID)

	metrics.IncrementActiveEnhancements()
	defer metrics.DecrementActiveEnhancements()

	result, err := e.enhance(ctx, r)

	class := ""
	if r.decision != nil {
		class = string(r.decision.CostClass())
	}
	metrics.RecordEnhancement(string(req.Task), class, Outcome(err).String(), e.now().Sub(r.started).Seconds())

	if err != nil {
		telemetry.AddErrorAttribute(span, err)
	} else {
		telemetry.AddChargeAttribute(span, result.Charged)
	}
	return result, err
}

func (e *Engine) enhance(ctx context.Context, r *run) (*domain.ProviderResult, error) {
	req := r.req

	if err := validate(req, e.Settings().MaxImagePixels); err != nil {
		return nil, e.exhaust(r, err)
	}

	ctx, end, err := e.sessions.Begin(ctx, req.AccountID)
	if err != nil {
		return nil, e.cancel(r, err)
	}
	defer end()
	if ctx.Err() != nil {
		return nil, e.cancel(r, context.Cause(ctx))
	}

	sel, err := e.selector.SelectBest(ctx, req.Burst)
	if err != nil {
		if ctx.Err() != nil {
			return nil, e.cancel(r, context.Cause(ctx))
		}
		return nil, e.exhaust(r, fmt.Errorf("select frame: %w", err))
	}
	span := trace.SpanFromContext(ctx)
	telemetry.AddFrameAttributes(span, sel.Index, len(req.Burst), sel.Score.Overall)

	e.advance(r, StateDeciding)
	decision, err := e.Decide(ctx, DecideInput{
		AccountID: req.AccountID,
		Task:      req.Task,
		Tier:      req.Tier,
		ImageSize: imageSize(sel.Image),
		Quality:   req.Quality,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, e.cancel(r, context.Cause(ctx))
		}
		return nil, e.exhaust(r, err)
	}
	r.decision = &decision
	telemetry.AddDecisionAttributes(span, decision)
	e.emit(r, Event{Type: EventDecided})

	slog.Info("routing decided",
		"request_id", req.RequestID,
		"account_id", req.AccountID,
		"task", req.Task,
		"frame_index", sel.Index,
		"decision", decision.String(),
	)

	e.advance(r, StateGating)
	chain, charge, err := e.gate(ctx, r, decision)
	if err != nil {
		if ctx.Err() != nil {
			return nil, e.cancel(r, context.Cause(ctx))
		}
		return nil, e.exhaust(r, err)
	}

	e.advance(r, StateExecuting)
	img, reg, err := e.execute(ctx, r, chain, sel.Image)
	if err != nil {
		if ctx.Err() != nil {
			return nil, e.cancel(r, context.Cause(ctx))
		}
		return nil, e.exhaust(r, err)
	}

	// Cancellation wins until the charge is committed.
	if ctx.Err() != nil {
		return nil, e.cancel(r, context.Cause(ctx))
	}

	result := &domain.ProviderResult{
		RequestID:    req.RequestID,
		Image:        *img,
		ProviderUsed: reg.ID(),
		CostClass:    decision.CostClass(),
		FrameIndex:   sel.Index,
	}
	if !reg.CostClass.Billed() {
		result.CostClass = domain.CostFree
	}

	if charge && reg.CostClass.Billed() {
		if err := e.commit(context.WithoutCancel(ctx), r, decision.CostClass()); err != nil {
			return nil, e.exhaust(r, err)
		}
		result.Charged = true
	}

	result.Elapsed = e.now().Sub(r.started)
	e.advance(r, StateSucceeded)
	e.emit(r, Event{Type: EventSucceeded, Provider: reg.ID(), Result: result})

	slog.Info("enhancement succeeded",
		"request_id", req.RequestID,
		"account_id", req.AccountID,
		"provider", reg.ID(),
		"cost_class", result.CostClass,
		"charged", result.Charged,
		"elapsed_ms", result.Elapsed.Milliseconds(),
	)
	return result, nil
}

// gate checks credits once before any provider runs. When the account
// cannot pay for the decided class the request continues on Free providers
// only, or is refused if the chain has none.
func (e *Engine) gate(ctx context.Context, r *run, d domain.RoutingDecision) ([]provider.Registration, bool, error) {
	chain := make([]provider.Registration, 0, len(d.Chain()))
	for _, id := range d.Chain() {
		reg, ok := e.registry.Get(id)
		if !ok {
			continue
		}
		chain = append(chain, reg)
	}

	if !d.WillConsumeCredit() {
		return chain, false, nil
	}

	ok, err := e.ledger.CanPerform(ctx, r.req.AccountID, r.req.Tier, d.CostClass())
	if err != nil {
		return nil, false, fmt.Errorf("check credits: %w", err)
	}
	if ok {
		return chain, true, nil
	}

	var free []provider.Registration
	for _, reg := range chain {
		if !reg.CostClass.Billed() {
			free = append(free, reg)
		}
	}
	if len(free) > 0 {
		slog.Info("credits exhausted, continuing on free providers",
			"request_id", r.req.RequestID,
			"account_id", r.req.AccountID,
			"cost_class", d.CostClass(),
		)
		return free, false, nil
	}

	remaining, err := e.ledger.Remaining(ctx, r.req.AccountID, r.req.Tier, d.CostClass())
	if err != nil {
		return nil, false, fmt.Errorf("read remaining credits: %w", err)
	}
	metrics.RecordInsufficientCredits(string(r.req.Tier), string(d.CostClass()), "gate")
	return nil, false, &domain.InsufficientCreditsError{Class: d.CostClass(), Required: 1, Remaining: max(remaining, 0)}
}

// execute tries each provider in order and returns the first success.
func (e *Engine) execute(ctx context.Context, r *run, chain []provider.Registration, img domain.Image) (*domain.Image, provider.Registration, error) {
	preq := provider.Request{
		Image:      img,
		Task:       r.req.Task,
		Prompt:     r.req.Prompt,
		Quality:    r.req.Quality,
		TargetSize: r.req.TargetSize,
	}

	var attempts []domain.Attempt
	for i, reg := range chain {
		if ctx.Err() != nil {
			return nil, provider.Registration{}, ctx.Err()
		}
		id := reg.ID()

		if e.breakers != nil {
			if err := e.breakers.Allow(ctx, id); err != nil {
				pe := domain.NewProviderError(id, domain.ProviderErrorTransient, err)
				attempts = append(attempts, domain.Attempt{Provider: id, Err: pe})
				e.emit(r, Event{Type: EventProviderAttempted, Provider: id, Attempt: i + 1, Err: pe})
				continue
			}
		}

		out, pe := e.call(ctx, reg, preq, i+1)
		if pe == nil {
			e.emit(r, Event{Type: EventProviderAttempted, Provider: id, Attempt: i + 1})
			return out, reg, nil
		}
		if ctx.Err() != nil {
			return nil, provider.Registration{}, ctx.Err()
		}

		attempts = append(attempts, domain.Attempt{Provider: id, Err: pe})
		e.emit(r, Event{Type: EventProviderAttempted, Provider: id, Attempt: i + 1, Err: pe})

		slog.Warn("provider failed",
			"request_id", r.req.RequestID,
			"provider", id,
			"error_kind", pe.Kind.String(),
			"error", pe.Err,
		)
	}

	return nil, provider.Registration{}, &domain.AllProvidersFailedError{Attempts: attempts}
}

type callResult struct {
	img *domain.Image
	err error
}

// call runs one provider under the provider timeout. It returns as soon as
// ctx ends even if the provider ignores cancellation.
func (e *Engine) call(ctx context.Context, reg provider.Registration, req provider.Request, attempt int) (*domain.Image, *domain.ProviderError) {
	id := reg.ID()

	ctx, span := telemetry.StartSpan(ctx, "provider.Execute")
	defer span.End()
	telemetry.AddProviderAttributes(span, id, attempt)

	var (
		callCtx context.Context
		cancel  context.CancelFunc
	)
	if timeout := e.Settings().ProviderTimeout; timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	start := e.now()
	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				slog.Error("provider panicked", "provider", id, "panic", p)
				done <- callResult{err: domain.NewProviderError(id, domain.ProviderErrorPermanent, fmt.Errorf("provider panic: %v", p))}
			}
		}()
		img, err := reg.Provider.Execute(callCtx, req)
		done <- callResult{img: img, err: err}
	}()

	var res callResult
	select {
	case res = <-done:
	case <-callCtx.Done():
		res.err = callCtx.Err()
	}
	elapsed := e.now().Sub(start).Seconds()

	if res.err == nil && res.img == nil {
		res.err = errors.New("provider returned no image")
	}

	if res.err == nil {
		metrics.RecordProviderAttempt(string(id), "success", elapsed)
		if e.breakers != nil {
			e.breakers.RecordSuccess(ctx, id)
		}
		return res.img, nil
	}

	if ctx.Err() != nil {
		return nil, domain.NewProviderError(id, domain.ProviderErrorTransient, ctx.Err())
	}

	var (
		pe     *domain.ProviderError
		result string
	)
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		pe = domain.NewProviderError(id, domain.ProviderErrorTransient, fmt.Errorf("timeout: %w", res.err))
		result = "timeout"
	} else {
		pe = domain.AsProviderError(id, res.err)
		result = pe.Kind.String()
	}

	metrics.RecordProviderAttempt(string(id), result, elapsed)
	telemetry.AddErrorAttribute(span, pe)
	if e.breakers != nil {
		e.breakers.RecordFailure(ctx, id)
	}
	return nil, pe
}

// commit charges one credit. A refusal here means a concurrent request took
// the last credit after the gate passed.
func (e *Engine) commit(ctx context.Context, r *run, class domain.CostClass) error {
	err := e.ledger.Consume(ctx, r.req.AccountID, r.req.Tier, class)
	if err == nil {
		metrics.RecordCreditConsumed(string(r.req.Tier), string(class))
		return nil
	}
	if errors.Is(err, domain.ErrCapacityExceeded) {
		metrics.RecordInsufficientCredits(string(r.req.Tier), string(class), "commit")
		slog.Warn("credit commit refused, discarding provider output",
			"request_id", r.req.RequestID,
			"account_id", r.req.AccountID,
			"cost_class", class,
		)
		return &domain.InsufficientCreditsError{Class: class, Required: 1, Remaining: 0}
	}
	return fmt.Errorf("commit credit: %w", err)
}

func (e *Engine) exhaust(r *run, err error) error {
	e.advance(r, StateExhausted)
	e.emit(r, Event{Type: EventFailed, Err: err})

	slog.Warn("enhancement failed",
		"request_id", r.req.RequestID,
		"account_id", r.req.AccountID,
		"error", err,
	)
	return err
}

func (e *Engine) cancel(r *run, cause error) error {
	err := domain.ErrCancelled
	if cause != nil {
		err = fmt.Errorf("%w: %w", domain.ErrCancelled, cause)
	}

	e.advance(r, StateCancelled)
	e.emit(r, Event{Type: EventCancelled, Err: err})

	slog.Info("enhancement cancelled",
		"request_id", r.req.RequestID,
		"account_id", r.req.AccountID,
		"cause", cause,
	)
	return err
}

func validate(req EnhanceRequest, maxPixels int) error {
	var errs []error
	if req.AccountID == "" {
		errs = append(errs, errors.New("account id is required"))
	}
	if _, err := domain.ParseTier(string(req.Tier)); err != nil {
		errs = append(errs, err)
	}
	if _, err := domain.ParseEditTask(string(req.Task)); err != nil {
		errs = append(errs, err)
	}
	if req.Quality < 0 || req.Quality > 1 {
		errs = append(errs, fmt.Errorf("quality %v outside [0, 1]", req.Quality))
	}
	if req.Task == domain.TaskCustomPrompt && req.Prompt == "" {
		errs = append(errs, errors.New("custom_prompt requires a prompt"))
	}
	if ts := req.TargetSize; ts != nil && !ts.Within(maxPixels) {
		errs = append(errs, fmt.Errorf("target size %dx%d must be positive and at most %d pixels", ts.Width, ts.Height, maxPixels))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", domain.ErrInvalidRequest, errors.Join(errs...))
}

// imageSize prefers the declared dimensions and falls back to the encoded
// header. Unknown sizes are returned as zero.
func imageSize(img domain.Image) domain.Size {
	if img.Width > 0 && img.Height > 0 {
		return domain.Size{Width: img.Width, Height: img.Height}
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(img.Data))
	if err != nil {
		return domain.Size{}
	}
	return domain.Size{Width: cfg.Width, Height: cfg.Height}
}
