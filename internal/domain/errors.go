package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrAccountNotFound    = errors.New("account not found")
	ErrInvalidAPIKey      = errors.New("invalid API key")
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrProviderNotFound   = errors.New("provider not found")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")

	ErrInsufficientCredits  = errors.New("insufficient credits")
	ErrAllProvidersFailed   = errors.New("all providers failed")
	ErrNoProvidersAvailable = errors.New("no providers available")
	ErrCancelled            = errors.New("enhancement cancelled")
	ErrSuperseded           = errors.New("superseded by a newer request")
	ErrCapacityExceeded     = errors.New("credit capacity exceeded")
	ErrEmptyBurst           = errors.New("empty burst")
	ErrNoScorableFrames     = errors.New("no scorable frames")
	ErrImageTooLarge        = errors.New("image too large")
)

type InsufficientCreditsError struct {
	Class     CostClass
	Required  int
	Remaining int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient %s credits: required %d, remaining %d", e.Class, e.Required, e.Remaining)
}

func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

type ProviderErrorKind int

const (
	ProviderErrorTransient ProviderErrorKind = iota
	ProviderErrorPermanent
	ProviderErrorRateLimited
)

func (k ProviderErrorKind) String() string {
	switch k {
	case ProviderErrorTransient:
		return "transient"
	case ProviderErrorPermanent:
		return "permanent"
	case ProviderErrorRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

type ProviderError struct {
	Provider ProviderID
	Kind     ProviderErrorKind
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func NewProviderError(id ProviderID, kind ProviderErrorKind, err error) *ProviderError {
	return &ProviderError{Provider: id, Kind: kind, Err: err}
}

// AsProviderError returns err as a *ProviderError, classifying anything
// untyped as transient.
func AsProviderError(id ProviderID, err error) *ProviderError {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	return NewProviderError(id, ProviderErrorTransient, err)
}

type Attempt struct {
	Provider ProviderID
	Err      *ProviderError
}

type AllProvidersFailedError struct {
	Attempts []Attempt
}

func (e *AllProvidersFailedError) Last() *ProviderError {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Err
}

func (e *AllProvidersFailedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s(%s)", a.Provider, a.Err.Kind))
	}
	last := e.Last()
	if last == nil {
		return ErrAllProvidersFailed.Error()
	}
	return fmt.Sprintf("%s [%s]: last error: %v", ErrAllProvidersFailed, strings.Join(parts, ", "), last.Err)
}

func (e *AllProvidersFailedError) Is(target error) bool {
	return target == ErrAllProvidersFailed
}

func (e *AllProvidersFailedError) Unwrap() error {
	if last := e.Last(); last != nil {
		return last
	}
	return nil
}

// FrameSelectionError reports every candidate that failed to score.
type FrameSelectionError struct {
	Failures map[int]error
}

func (e *FrameSelectionError) Error() string {
	return fmt.Sprintf("%s: %d candidates failed", ErrNoScorableFrames, len(e.Failures))
}

func (e *FrameSelectionError) Is(target error) bool {
	return target == ErrNoScorableFrames
}

// Code maps an enhancement error to a stable machine-readable code for API
// and queue responses.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrInsufficientCredits):
		return "insufficient_credits"
	case errors.Is(err, ErrAllProvidersFailed):
		return "all_providers_failed"
	case errors.Is(err, ErrNoProvidersAvailable):
		return "no_providers_available"
	case errors.Is(err, ErrEmptyBurst), errors.Is(err, ErrNoScorableFrames):
		return "unusable_burst"
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrImageTooLarge):
		return "invalid_request"
	case errors.Is(err, ErrRateLimitExceeded):
		return "rate_limited"
	default:
		return "internal_error"
	}
}
