package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestInsufficientCreditsError_Is(t *testing.T) {
	err := fmt.Errorf("gate: %w", &InsufficientCreditsError{Class: CostBudget, Required: 1, Remaining: 0})

	if !errors.Is(err, ErrInsufficientCredits) {
		t.Error("expected errors.Is to match ErrInsufficientCredits")
	}

	var ice *InsufficientCreditsError
	if !errors.As(err, &ice) {
		t.Fatal("expected errors.As to find InsufficientCreditsError")
	}
	if ice.Required != 1 || ice.Remaining != 0 {
		t.Errorf("got required=%d remaining=%d, want 1 and 0", ice.Required, ice.Remaining)
	}
}

func TestAllProvidersFailedError_UnwrapsLast(t *testing.T) {
	cause := errors.New("boom")
	err := &AllProvidersFailedError{Attempts: []Attempt{
		{Provider: "p1", Err: NewProviderError("p1", ProviderErrorTransient, errors.New("first"))},
		{Provider: "p2", Err: NewProviderError("p2", ProviderErrorPermanent, cause)},
	}}

	if !errors.Is(err, ErrAllProvidersFailed) {
		t.Error("expected errors.Is to match ErrAllProvidersFailed")
	}
	if !errors.Is(err, cause) {
		t.Error("expected the last provider error to be reachable")
	}
	if err.Last().Provider != "p2" {
		t.Errorf("Last().Provider = %s, want p2", err.Last().Provider)
	}
}

func TestAsProviderError_ClassifiesUntypedAsTransient(t *testing.T) {
	pe := AsProviderError("p1", errors.New("connection reset"))
	if pe.Kind != ProviderErrorTransient {
		t.Errorf("Kind = %v, want transient", pe.Kind)
	}

	typed := NewProviderError("p1", ProviderErrorRateLimited, errors.New("429"))
	if got := AsProviderError("p1", fmt.Errorf("wrapped: %w", typed)); got != typed {
		t.Error("expected typed provider error to be returned as-is")
	}
}

func TestRoutingDecision_ChainIsCopied(t *testing.T) {
	chain := []ProviderID{"a", "b"}
	d := NewRoutingDecision(CostBudget, chain, 0.7)

	chain[0] = "mutated"
	got := d.Chain()
	if got[0] != "a" {
		t.Errorf("decision chain changed with input slice: %v", got)
	}

	got[1] = "mutated"
	if d.Chain()[1] != "b" {
		t.Error("decision chain changed through accessor")
	}
	if !d.WillConsumeCredit() {
		t.Error("budget decision should consume credit")
	}
}

func TestParseTier(t *testing.T) {
	tests := []struct {
		in      string
		want    Tier
		wantErr bool
	}{
		{"free", TierFree, false},
		{"PRO", TierPro, false},
		{"gold", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTier(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseTier(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseTier(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("%w: %w", ErrCancelled, ErrSuperseded), "cancelled"},
		{&InsufficientCreditsError{Class: CostBudget, Required: 1}, "insufficient_credits"},
		{&AllProvidersFailedError{}, "all_providers_failed"},
		{fmt.Errorf("task x: %w", ErrNoProvidersAvailable), "no_providers_available"},
		{fmt.Errorf("select frame: %w", ErrEmptyBurst), "unusable_burst"},
		{&FrameSelectionError{}, "unusable_burst"},
		{fmt.Errorf("%w: bad", ErrInvalidRequest), "invalid_request"},
		{errors.New("boom"), "internal_error"},
	}

	for _, tt := range tests {
		if got := Code(tt.err); got != tt.want {
			t.Errorf("Code(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
