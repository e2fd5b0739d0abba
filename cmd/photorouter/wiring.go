package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/photo-router/internal/config"
	"github.com/felipepmaragno/photo-router/internal/domain"
	"github.com/felipepmaragno/photo-router/internal/ledger"
	"github.com/felipepmaragno/photo-router/internal/provider"
	"github.com/felipepmaragno/photo-router/internal/provider/bedrock"
	"github.com/felipepmaragno/photo-router/internal/provider/local"
	"github.com/felipepmaragno/photo-router/internal/provider/openai"
	"github.com/felipepmaragno/photo-router/internal/router"
	"github.com/felipepmaragno/photo-router/internal/scorer"
)

// providerDeps carries what remote adapters need. A backend whose
// dependency is missing is skipped.
type providerDeps struct {
	openAIKey     string
	openAIBaseURL string
	aws           *aws.Config
}

func buildRegistrations(r *config.Routing, deps providerDeps) ([]provider.Registration, error) {
	var regs []provider.Registration

	for _, p := range r.Providers {
		id := domain.ProviderID(p.ID)

		var prov provider.Provider
		switch p.Type {
		case "local":
			prov = local.New(id, p.Concurrency, local.WithMaxPixels(r.MaxImagePixels))
		case "openai":
			if deps.openAIKey == "" {
				slog.Warn("skipping provider, no OpenAI credentials", "provider", id)
				continue
			}
			prov = openai.New(openai.Config{
				ID:                id,
				APIKey:            deps.openAIKey,
				BaseURL:           deps.openAIBaseURL,
				Model:             p.Model,
				Tasks:             p.Capabilities,
				RequestsPerSecond: p.RequestsPerSecond,
			})
		case "bedrock":
			if deps.aws == nil {
				slog.Warn("skipping provider, no AWS region configured", "provider", id)
				continue
			}
			prov = bedrock.NewWithConfig(*deps.aws, bedrock.Options{
				ID:    id,
				Model: p.Model,
				Tasks: p.Capabilities,
			})
		default:
			return nil, fmt.Errorf("provider %s: unknown type %q", id, p.Type)
		}

		regs = append(regs, provider.Registration{
			Provider:  prov,
			CostClass: p.CostClass,
			Quality:   p.Quality,
			MaxPixels: p.MaxPixels,
			Local:     p.Type == "local",
		})
		slog.Info("registered provider", "provider", id, "type", p.Type, "cost_class", p.CostClass)
	}

	if len(regs) == 0 {
		return nil, fmt.Errorf("no providers could be registered")
	}
	return regs, nil
}

// routingTable converts the task section, dropping references to providers
// that were not registered. A task left without providers stays in the table
// so that registry validation rejects it.
func routingTable(r *config.Routing, registered map[domain.ProviderID]bool) provider.Table {
	t := make(provider.Table, len(r.Tasks))
	for task, tc := range r.Tasks {
		route := provider.TaskRoute{
			DefaultCostClass: tc.DefaultCostClass,
			OnDeviceFallback: tc.OnDeviceFallback,
		}
		for _, id := range tc.Providers {
			if registered[id] {
				route.Providers = append(route.Providers, id)
			}
		}
		if len(route.Providers) == 0 && !route.OnDeviceFallback {
			slog.Warn("task has no registered providers", "task", task)
		}
		t[task] = route
	}
	return t
}

func registeredIDs(regs []provider.Registration) map[domain.ProviderID]bool {
	ids := make(map[domain.ProviderID]bool, len(regs))
	for _, reg := range regs {
		ids[reg.ID()] = true
	}
	return ids
}

const ledgerLockTTL = 10 * time.Second

// ledgerLocker picks the lock around usage read-modify-write cycles. A usage
// store shared between instances is only safe under the Redis lock.
func ledgerLocker(cfg *config.Config, redisClient *redis.Client, sharedStore bool) ledger.Locker {
	if redisClient != nil && cfg.UseDistributedLedgerLock {
		slog.Info("using distributed ledger lock")
		return ledger.NewRedisLocker(redisClient, ledgerLockTTL)
	}
	if sharedStore {
		slog.Warn("shared usage store with an in-process ledger lock, run a single instance or enable the redis lock",
			"redis_configured", redisClient != nil,
		)
	}
	return ledger.NewKeyedMutex()
}

func capacities(r *config.Routing) ledger.Capacities {
	c := make(ledger.Capacities, len(r.Capacities))
	for tier, lim := range r.Capacities {
		c[tier] = ledger.Limits{Budget: lim.Budget, Premium: lim.Premium}
	}
	return c
}

func weights(r *config.Routing) scorer.Weights {
	return scorer.Weights{
		Sharpness:   r.ScoreWeights.Sharpness,
		Exposure:    r.ScoreWeights.Exposure,
		Composition: r.ScoreWeights.Composition,
	}
}

func settings(r *config.Routing) router.Settings {
	return router.Settings{
		ProviderTimeout:      r.ProviderTimeout,
		HighQualityThreshold: r.HighQualityThreshold,
		MaxImagePixels:       r.MaxImagePixels,
	}
}

// liveRouting applies a reloaded routing document to the running
// components. The provider set and the reset period are fixed at startup.
type liveRouting struct {
	registry   *provider.Registry
	registered map[domain.ProviderID]bool
	ledger     *ledger.Ledger
	scorer     *scorer.Scorer
	engine     *router.Engine
}

func (lr *liveRouting) check(next *config.Routing) error {
	return lr.registry.ValidateTable(routingTable(next, lr.registered))
}

func (lr *liveRouting) apply(next *config.Routing) {
	if err := lr.registry.SetTable(routingTable(next, lr.registered)); err != nil {
		slog.Error("routing table rejected", "error", err)
		return
	}
	lr.ledger.SetCapacities(capacities(next))
	lr.scorer.SetWeights(weights(next))
	lr.engine.SetSettings(settings(next))
}
