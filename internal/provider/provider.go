// Package provider defines the enhancement backend contract and the registry
// the routing engine draws provider chains from.
package provider

import (
	"context"
	"slices"

	"github.com/felipepmaragno/photo-router/internal/domain"
)

type Request struct {
	Image      domain.Image
	Task       domain.EditTask
	Prompt     string
	Quality    float64
	TargetSize *domain.Size
}

// Provider is one enhancement backend. Execute fails with a
// *domain.ProviderError; anything else is treated as transient. Retries, if
// any, are internal to the adapter.
type Provider interface {
	ID() domain.ProviderID
	Capabilities() []domain.EditTask
	Execute(ctx context.Context, req Request) (*domain.Image, error)
	HealthCheck(ctx context.Context) error
}

// Registration carries the routing metadata for a provider.
type Registration struct {
	Provider  Provider
	CostClass domain.CostClass
	Quality   float64
	// MaxPixels bounds input size; zero means no limit.
	MaxPixels int
	// Local marks on-device providers, which always go last in a chain.
	Local bool
}

func (r Registration) ID() domain.ProviderID {
	return r.Provider.ID()
}

func (r Registration) Supports(task domain.EditTask) bool {
	return slices.Contains(r.Provider.Capabilities(), task)
}

// Fits reports whether an input of the given size is acceptable. Unknown
// sizes always fit.
func (r Registration) Fits(size domain.Size) bool {
	if r.MaxPixels <= 0 || size.Width <= 0 || size.Height <= 0 {
		return true
	}
	return size.Within(r.MaxPixels)
}

// TaskRoute is the routing table entry for one task.
type TaskRoute struct {
	DefaultCostClass domain.CostClass
	OnDeviceFallback bool
	// Providers in preference order.
	Providers []domain.ProviderID
}

type Table map[domain.EditTask]TaskRoute
