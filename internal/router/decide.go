package router

import (
	"context"
	"fmt"
	"sort"

	"github.com/felipepmaragno/photo-router/internal/domain"
	"github.com/felipepmaragno/photo-router/internal/ledger"
	"github.com/felipepmaragno/photo-router/internal/provider"
)

type DecideInput struct {
	AccountID string
	Task      domain.EditTask
	Tier      domain.Tier
	ImageSize domain.Size
	// Quality is the caller's hint in [0, 1].
	Quality float64
}

type candidate struct {
	reg  provider.Registration
	rank int
}

// Decide builds the routing plan for one request. For equal inputs, ledger
// state and provider availability it always returns the same decision.
func (e *Engine) Decide(ctx context.Context, in DecideInput) (domain.RoutingDecision, error) {
	route, ok := e.registry.Route(in.Task)
	if !ok {
		return domain.RoutingDecision{}, fmt.Errorf("%w: task %s is not routed", domain.ErrNoProvidersAvailable, in.Task)
	}

	cands := e.candidates(ctx, in, route)
	settings := e.Settings()

	class := route.DefaultCostClass

	if class != domain.CostPremium && in.Quality >= settings.HighQualityThreshold {
		upgrade, err := e.canUpgrade(ctx, in, cands)
		if err != nil {
			return domain.RoutingDecision{}, err
		}
		if upgrade {
			class = domain.CostPremium
		}
	}

	if route.OnDeviceFallback && class.Billed() {
		remaining, err := e.ledger.Remaining(ctx, in.AccountID, in.Tier, class)
		if err != nil {
			return domain.RoutingDecision{}, fmt.Errorf("read remaining credits: %w", err)
		}
		if remaining == 0 {
			class = domain.CostFree
		}
	}

	chain := order(cands, class)
	if len(chain) == 0 {
		return domain.RoutingDecision{}, fmt.Errorf("%w: task %s class %s", domain.ErrNoProvidersAvailable, in.Task, class)
	}

	ids := make([]domain.ProviderID, len(chain))
	for i, c := range chain {
		ids[i] = c.reg.ID()
	}
	return domain.NewRoutingDecision(class, ids, chain[0].reg.Quality), nil
}

// candidates returns capable, size-eligible, available providers for the
// task in priority order. On-device providers are included only when the
// task allows on-device fallback.
func (e *Engine) candidates(ctx context.Context, in DecideInput, route provider.TaskRoute) []candidate {
	var out []candidate
	seen := make(map[domain.ProviderID]bool)

	consider := func(reg provider.Registration, rank int) {
		id := reg.ID()
		if seen[id] {
			return
		}
		seen[id] = true

		if reg.Local && !route.OnDeviceFallback {
			return
		}
		if !reg.Supports(in.Task) || !reg.Fits(in.ImageSize) {
			return
		}
		if e.breakers != nil && !e.breakers.Available(ctx, id) {
			return
		}
		out = append(out, candidate{reg: reg, rank: rank})
	}

	for rank, id := range route.Providers {
		if reg, ok := e.registry.Get(id); ok {
			consider(reg, rank)
		}
	}
	if route.OnDeviceFallback {
		for _, reg := range e.registry.LocalFor(in.Task) {
			consider(reg, len(route.Providers))
		}
	}
	return out
}

func (e *Engine) canUpgrade(ctx context.Context, in DecideInput, cands []candidate) (bool, error) {
	if e.ledger.Capacity(in.Tier, domain.CostPremium) == 0 {
		return false, nil
	}

	capable := false
	for _, c := range cands {
		if c.reg.CostClass == domain.CostPremium {
			capable = true
			break
		}
	}
	if !capable {
		return false, nil
	}

	remaining, err := e.ledger.Remaining(ctx, in.AccountID, in.Tier, domain.CostPremium)
	if err != nil {
		return false, fmt.Errorf("read remaining credits: %w", err)
	}
	return remaining > 0 || remaining == ledger.Unlimited, nil
}

// order sorts candidates by cost-class match, then rank, with on-device
// providers last. A Free decision keeps only Free-class providers.
func order(cands []candidate, class domain.CostClass) []candidate {
	var chain []candidate
	for _, c := range cands {
		if class == domain.CostFree && c.reg.CostClass != domain.CostFree {
			continue
		}
		chain = append(chain, c)
	}

	sort.SliceStable(chain, func(i, j int) bool {
		a, b := chain[i], chain[j]
		if a.reg.Local != b.reg.Local {
			return !a.reg.Local
		}
		am, bm := a.reg.CostClass == class, b.reg.CostClass == class
		if am != bm {
			return am
		}
		return a.rank < b.rank
	})
	return chain
}
