package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/felipepmaragno/photo-router/internal/auth"
	"github.com/felipepmaragno/photo-router/internal/domain"
	"github.com/felipepmaragno/photo-router/internal/metrics"
	"github.com/felipepmaragno/photo-router/internal/provider"
	"github.com/felipepmaragno/photo-router/internal/ratelimit"
	"github.com/felipepmaragno/photo-router/internal/repository"
	"github.com/felipepmaragno/photo-router/internal/router"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	Version = "1.0.0"

	defaultMaxBodyBytes = 64 << 20
)

// Enhancer is the engine surface the API needs. *router.Engine satisfies it.
type Enhancer interface {
	Enhance(ctx context.Context, req router.EnhanceRequest) (*domain.ProviderResult, error)
	UsageSnapshot(ctx context.Context, accountID string, tier domain.Tier) (domain.UsageSnapshot, error)
}

type ProviderLister interface {
	All() []provider.Registration
}

type BreakerStates interface {
	States(ctx context.Context) map[domain.ProviderID]string
}

type HandlerConfig struct {
	AccountRepo  repository.AccountRepository
	RateLimiter  ratelimit.RateLimiter
	Engine       Enhancer
	Providers    ProviderLister
	Breakers     BreakerStates
	Checkers     []HealthChecker
	CheckTimeout time.Duration
	MaxBodyBytes int64
}

type Handler struct {
	accountRepo  repository.AccountRepository
	rateLimiter  ratelimit.RateLimiter
	engine       Enhancer
	providers    ProviderLister
	breakers     BreakerStates
	checkers     []HealthChecker
	checkTimeout time.Duration
	maxBodyBytes int64
	mux          *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		accountRepo:  cfg.AccountRepo,
		rateLimiter:  cfg.RateLimiter,
		engine:       cfg.Engine,
		providers:    cfg.Providers,
		breakers:     cfg.Breakers,
		checkers:     cfg.Checkers,
		checkTimeout: cfg.CheckTimeout,
		maxBodyBytes: cfg.MaxBodyBytes,
		mux:          http.NewServeMux(),
	}
	if h.maxBodyBytes <= 0 {
		h.maxBodyBytes = defaultMaxBodyBytes
	}
	if h.checkTimeout <= 0 {
		h.checkTimeout = 2 * time.Second
	}

	h.mux.HandleFunc("POST /v1/enhance", h.handleEnhance)
	h.mux.HandleFunc("GET /v1/usage", h.handleUsage)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", h.handleHealthReady)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	metrics.IncrementActiveConnections()
	defer metrics.DecrementActiveConnections()
	h.mux.ServeHTTP(w, r)
}

type EnhanceRequest struct {
	Task       domain.EditTask `json:"task"`
	Prompt     string          `json:"prompt,omitempty"`
	Quality    float64         `json:"quality"`
	TargetSize *domain.Size    `json:"target_size,omitempty"`
	// Burst frames carry base64 image data.
	Burst []domain.Image `json:"burst"`
}

type EnhanceResponse struct {
	RequestID    string            `json:"request_id"`
	Image        domain.Image      `json:"image"`
	ProviderUsed domain.ProviderID `json:"provider_used"`
	CostClass    domain.CostClass  `json:"cost_class"`
	Charged      bool              `json:"charged"`
	FrameIndex   int               `json:"frame_index"`
	LatencyMs    int64             `json:"latency_ms"`
}

func (h *Handler) handleEnhance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}
	w.Header().Set("X-Request-ID", requestID)

	account, ok := h.authenticate(w, r, requestID)
	if !ok {
		return
	}
	if !h.allow(w, r, account, requestID) {
		return
	}

	var req EnhanceRequest
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "invalid_request", "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	result, err := h.engine.Enhance(ctx, router.EnhanceRequest{
		RequestID:  requestID,
		AccountID:  account.ID,
		Tier:       account.Tier,
		Burst:      req.Burst,
		Task:       req.Task,
		Prompt:     req.Prompt,
		Quality:    req.Quality,
		TargetSize: req.TargetSize,
	})
	if err != nil {
		code := domain.Code(err)
		status := statusFor(code)
		if status >= http.StatusInternalServerError {
			slog.Error("enhancement failed", "request_id", requestID, "account_id", account.ID, "code", code, "error", err)
		} else {
			slog.Warn("enhancement rejected", "request_id", requestID, "account_id", account.ID, "code", code, "error", err)
		}
		writeError(w, status, code, publicMessage(code))
		return
	}

	writeJSON(w, http.StatusOK, EnhanceResponse{
		RequestID:    result.RequestID,
		Image:        result.Image,
		ProviderUsed: result.ProviderUsed,
		CostClass:    result.CostClass,
		Charged:      result.Charged,
		FrameIndex:   result.FrameIndex,
		LatencyMs:    result.Elapsed.Milliseconds(),
	})
}

type UsageResponse struct {
	AccountID string `json:"account_id"`
	domain.UsageSnapshot
}

func (h *Handler) handleUsage(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()
	account, ok := h.authenticate(w, r, requestID)
	if !ok {
		return
	}

	snap, err := h.engine.UsageSnapshot(r.Context(), account.ID, account.Tier)
	if err != nil {
		slog.Error("usage snapshot failed", "account_id", account.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read usage")
		return
	}

	writeJSON(w, http.StatusOK, UsageResponse{AccountID: account.ID, UsageSnapshot: snap})
}

func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request, requestID string) (*domain.Account, bool) {
	apiKey := auth.ExtractBearerToken(r)
	if apiKey == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing API key")
		return nil, false
	}

	account, err := h.accountRepo.GetByAPIKey(r.Context(), apiKey)
	if err != nil {
		slog.Warn("invalid API key", "error", err, "request_id", requestID)
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid API key")
		return nil, false
	}
	return account, true
}

func (h *Handler) allow(w http.ResponseWriter, r *http.Request, account *domain.Account, requestID string) bool {
	if h.rateLimiter == nil {
		return true
	}

	allowed, remaining, resetAt, err := h.rateLimiter.Allow(r.Context(), account.ID, account.RateLimitRPM)
	if err != nil {
		slog.Error("rate limiter error", "error", err, "request_id", requestID)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return false
	}

	if account.RateLimitRPM > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(account.RateLimitRPM))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", resetAt.Format(time.RFC3339))
	}

	if !allowed {
		metrics.RecordRateLimitHit(account.ID)
		slog.Warn("rate limit exceeded", "account_id", account.ID, "request_id", requestID)
		writeError(w, http.StatusTooManyRequests, domain.Code(domain.ErrRateLimitExceeded), "rate limit exceeded")
		return false
	}
	return true
}

// statusFor maps a domain error code to its HTTP status.
func statusFor(code string) int {
	switch code {
	case "invalid_request", "unusable_burst":
		return http.StatusBadRequest
	case "insufficient_credits":
		return http.StatusPaymentRequired
	case "rate_limited":
		return http.StatusTooManyRequests
	case "cancelled":
		return http.StatusConflict
	case "all_providers_failed":
		return http.StatusBadGateway
	case "no_providers_available":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage is the client-facing text for an error code. Error details
// stay in the log; they can carry provider responses and internal state.
func publicMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "unusable_burst":
		return "no frame in the burst could be used"
	case "insufficient_credits":
		return "not enough credits for this request"
	case "rate_limited":
		return "rate limit exceeded"
	case "cancelled":
		return "request cancelled"
	case "all_providers_failed":
		return "all providers failed"
	case "no_providers_available":
		return "no provider available for this request"
	default:
		return "internal error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    code,
			"code":    status,
		},
	})
}
