package router

import (
	"errors"
	"fmt"

	"github.com/felipepmaragno/photo-router/internal/domain"
)

// State is the lifecycle position of one enhancement request.
type State int

const (
	StateIdle State = iota
	StateDeciding
	StateGating
	StateExecuting
	StateSucceeded
	StateExhausted
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDeciding:
		return "deciding"
	case StateGating:
		return "gating"
	case StateExecuting:
		return "executing"
	case StateSucceeded:
		return "succeeded"
	case StateExhausted:
		return "exhausted"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateExhausted || s == StateCancelled
}

var transitions = map[State][]State{
	StateIdle:      {StateDeciding, StateExhausted, StateCancelled},
	StateDeciding:  {StateGating, StateExhausted, StateCancelled},
	StateGating:    {StateExecuting, StateExhausted, StateCancelled},
	StateExecuting: {StateSucceeded, StateExhausted, StateCancelled},
}

var errInvalidTransition = errors.New("invalid state transition")

// machine enforces the request lifecycle. It is owned by a single goroutine.
type machine struct {
	state State
}

func (m *machine) to(next State) error {
	for _, allowed := range transitions[m.state] {
		if allowed == next {
			m.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", errInvalidTransition, m.state, next)
}

// Outcome maps the error returned by Enhance to its terminal state.
func Outcome(err error) State {
	switch {
	case err == nil:
		return StateSucceeded
	case errors.Is(err, domain.ErrCancelled):
		return StateCancelled
	default:
		return StateExhausted
	}
}
