package api

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/felipepmaragno/photo-router/internal/domain"
)

const maxConcurrentChecks = 8

// HealthChecker is one dependency checked by /health/ready.
type HealthChecker interface {
	Check(ctx context.Context) error
	Name() string
}

type HealthStatus struct {
	Status  string                 `json:"status"`
	Checks  map[string]CheckResult `json:"checks,omitempty"`
	Version string                 `json:"version,omitempty"`
}

type CheckResult struct {
	Status   string `json:"status"`
	Duration string `json:"duration,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (r CheckResult) ok() bool { return r.Status == "ok" }

type pingCheck struct {
	name string
	ping func(context.Context) error
}

func (c pingCheck) Name() string                    { return c.name }
func (c pingCheck) Check(ctx context.Context) error { return c.ping(ctx) }

// NewRedisHealthChecker pings the Redis that backs the ledger, the limiter
// and the caches.
func NewRedisHealthChecker(client *redis.Client) HealthChecker {
	return pingCheck{name: "redis", ping: func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}}
}

func NewPostgresHealthChecker(db *sql.DB) HealthChecker {
	return pingCheck{name: "postgres", ping: db.PingContext}
}

func providerChecks(lister ProviderLister) []HealthChecker {
	if lister == nil {
		return nil
	}
	regs := lister.All()
	checks := make([]HealthChecker, 0, len(regs))
	for _, reg := range regs {
		checks = append(checks, pingCheck{name: string(reg.ID()), ping: reg.Provider.HealthCheck})
	}
	return checks
}

// runChecks runs every check concurrently under a shared deadline.
func runChecks(ctx context.Context, checks []HealthChecker, timeout time.Duration) map[string]CheckResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make(map[string]CheckResult, len(checks))
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(maxConcurrentChecks)
	for _, c := range checks {
		g.Go(func() error {
			start := time.Now()
			res := CheckResult{Status: "ok"}
			if err := c.Check(ctx); err != nil {
				res.Status = "error"
				res.Error = err.Error()
			}
			res.Duration = time.Since(start).String()

			mu.Lock()
			results[c.Name()] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// handleHealth reports provider reachability and breaker states. It always
// answers 200; a failing provider only degrades the status.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	results := runChecks(r.Context(), providerChecks(h.providers), h.checkTimeout)

	status := "healthy"
	providers := make(map[domain.ProviderID]string, len(results))
	for id, res := range results {
		if res.ok() {
			providers[domain.ProviderID(id)] = "ok"
			continue
		}
		providers[domain.ProviderID(id)] = "unhealthy"
		status = "degraded"
	}

	resp := map[string]any{
		"status":    status,
		"version":   Version,
		"providers": providers,
	}
	if h.breakers != nil {
		resp["circuit_breakers"] = h.breakers.States(r.Context())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	results := runChecks(r.Context(), h.checkers, h.checkTimeout)

	resp := HealthStatus{Status: "ready", Checks: results, Version: Version}
	code := http.StatusOK
	for _, res := range results {
		if !res.ok() {
			resp.Status = "not_ready"
			code = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, code, resp)
}
