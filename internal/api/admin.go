package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/felipepmaragno/photo-router/internal/auth"
	"github.com/felipepmaragno/photo-router/internal/crypto"
	"github.com/felipepmaragno/photo-router/internal/domain"
	"github.com/felipepmaragno/photo-router/internal/repository"
	"github.com/google/uuid"
)

const defaultRateLimitRPM = 60

// TierLedger is the ledger surface billing needs. *ledger.Ledger satisfies it.
type TierLedger interface {
	SetTier(ctx context.Context, accountID string, tier domain.Tier) error
	Snapshot(ctx context.Context, accountID string, tier domain.Tier) (domain.UsageSnapshot, error)
}

// AdminHandler serves account management for operators and the billing
// service. With a nil guard every route is open.
type AdminHandler struct {
	accountRepo repository.AccountRepository
	ledger      TierLedger
	guard       *auth.Guard
	now         func() time.Time
	mux         *http.ServeMux
}

func NewAdminHandler(accountRepo repository.AccountRepository, ledger TierLedger, guard *auth.Guard) *AdminHandler {
	h := &AdminHandler{
		accountRepo: accountRepo,
		ledger:      ledger,
		guard:       guard,
		now:         time.Now,
		mux:         http.NewServeMux(),
	}

	h.route("GET /admin/accounts", auth.PermissionAccountRead, h.listAccounts)
	h.route("POST /admin/accounts", auth.PermissionAccountWrite, h.createAccount)
	h.route("GET /admin/accounts/{id}", auth.PermissionAccountRead, h.getAccount)
	h.route("PUT /admin/accounts/{id}", auth.PermissionAccountWrite, h.updateAccount)
	h.route("DELETE /admin/accounts/{id}", auth.PermissionAccountWrite, h.deleteAccount)
	h.route("PUT /admin/accounts/{id}/tier", auth.PermissionTierWrite, h.setTier)
	h.route("GET /admin/accounts/{id}/usage", auth.PermissionUsageRead, h.getUsage)
	h.route("POST /admin/accounts/{id}/rotate-key", auth.PermissionAccountWrite, h.rotateAPIKey)

	return h
}

func (h *AdminHandler) route(pattern string, perm auth.Permission, fn http.HandlerFunc) {
	var handler http.Handler = fn
	if h.guard != nil {
		handler = h.guard.Protect(perm, handler)
	}
	h.mux.Handle(pattern, handler)
}

func (h *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *AdminHandler) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.accountRepo.List(r.Context())
	if err != nil {
		slog.Error("failed to list accounts", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to list accounts")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"accounts": accounts,
		"count":    len(accounts),
	})
}

func (h *AdminHandler) createAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Name == "" {
		writeAdminError(w, http.StatusBadRequest, "name is required")
		return
	}

	tier := domain.TierFree
	if req.Tier != "" {
		t, err := domain.ParseTier(req.Tier)
		if err != nil {
			writeAdminError(w, http.StatusBadRequest, err.Error())
			return
		}
		tier = t
	}

	apiKey, err := crypto.GenerateAPIKey()
	if err != nil {
		slog.Error("failed to generate API key", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to create account")
		return
	}

	now := h.now()
	account := &domain.Account{
		ID:           uuid.New().String(),
		Name:         req.Name,
		APIKey:       apiKey,
		APIKeyHash:   crypto.HashAPIKey(apiKey),
		Tier:         tier,
		RateLimitRPM: req.RateLimitRPM,
		Enabled:      true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if account.RateLimitRPM == 0 {
		account.RateLimitRPM = defaultRateLimitRPM
	}

	if err := h.accountRepo.Create(ctx, account); err != nil {
		slog.Error("failed to create account", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to create account")
		return
	}
	if err := h.ledger.SetTier(ctx, account.ID, account.Tier); err != nil {
		slog.Error("failed to open usage record", "account_id", account.ID, "error", err)
	}

	slog.Info("account created", "account_id", account.ID, "name", account.Name, "tier", account.Tier)

	writeJSON(w, http.StatusCreated, account)
}

func (h *AdminHandler) getAccount(w http.ResponseWriter, r *http.Request) {
	account, ok := h.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (h *AdminHandler) updateAccount(w http.ResponseWriter, r *http.Request) {
	account, ok := h.load(w, r)
	if !ok {
		return
	}

	var req UpdateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Name != "" {
		account.Name = req.Name
	}
	if req.RateLimitRPM != nil {
		account.RateLimitRPM = *req.RateLimitRPM
	}
	if req.Enabled != nil {
		account.Enabled = *req.Enabled
	}
	account.UpdatedAt = h.now()

	if err := h.accountRepo.Update(r.Context(), account); err != nil {
		slog.Error("failed to update account", "account_id", account.ID, "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to update account")
		return
	}

	slog.Info("account updated", "account_id", account.ID)

	writeJSON(w, http.StatusOK, account)
}

func (h *AdminHandler) deleteAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := h.accountRepo.Delete(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			writeAdminError(w, http.StatusNotFound, "account not found")
			return
		}
		slog.Error("failed to delete account", "account_id", id, "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to delete account")
		return
	}

	slog.Info("account deleted", "account_id", id)

	w.WriteHeader(http.StatusNoContent)
}

// setTier applies a tier change from billing. The ledger keeps consumed
// counts, so a downgrade can leave the account with nothing remaining.
func (h *AdminHandler) setTier(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	account, ok := h.load(w, r)
	if !ok {
		return
	}

	var req SetTierRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	tier, err := domain.ParseTier(req.Tier)
	if err != nil {
		writeAdminError(w, http.StatusBadRequest, err.Error())
		return
	}

	previous := account.Tier
	account.Tier = tier
	account.UpdatedAt = h.now()

	if err := h.accountRepo.Update(ctx, account); err != nil {
		slog.Error("failed to update account tier", "account_id", account.ID, "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to set tier")
		return
	}
	if err := h.ledger.SetTier(ctx, account.ID, tier); err != nil {
		slog.Error("failed to set ledger tier", "account_id", account.ID, "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to set tier")
		return
	}

	snap, err := h.ledger.Snapshot(ctx, account.ID, tier)
	if err != nil {
		slog.Error("failed to read usage", "account_id", account.ID, "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to read usage")
		return
	}

	slog.Info("account tier changed", "account_id", account.ID, "from", previous, "to", tier)

	writeJSON(w, http.StatusOK, UsageResponse{AccountID: account.ID, UsageSnapshot: snap})
}

func (h *AdminHandler) getUsage(w http.ResponseWriter, r *http.Request) {
	account, ok := h.load(w, r)
	if !ok {
		return
	}

	snap, err := h.ledger.Snapshot(r.Context(), account.ID, account.Tier)
	if err != nil {
		slog.Error("failed to read usage", "account_id", account.ID, "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to read usage")
		return
	}

	writeJSON(w, http.StatusOK, UsageResponse{AccountID: account.ID, UsageSnapshot: snap})
}

func (h *AdminHandler) rotateAPIKey(w http.ResponseWriter, r *http.Request) {
	account, ok := h.load(w, r)
	if !ok {
		return
	}

	apiKey, err := crypto.GenerateAPIKey()
	if err != nil {
		slog.Error("failed to generate API key", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to rotate API key")
		return
	}
	account.APIKeyHash = crypto.HashAPIKey(apiKey)
	account.UpdatedAt = h.now()

	if err := h.accountRepo.Update(r.Context(), account); err != nil {
		slog.Error("failed to rotate API key", "account_id", account.ID, "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to rotate API key")
		return
	}

	slog.Info("API key rotated", "account_id", account.ID)

	writeJSON(w, http.StatusOK, map[string]string{
		"api_key": apiKey,
	})
}

func (h *AdminHandler) load(w http.ResponseWriter, r *http.Request) (*domain.Account, bool) {
	id := r.PathValue("id")

	account, err := h.accountRepo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			writeAdminError(w, http.StatusNotFound, "account not found")
			return nil, false
		}
		slog.Error("failed to load account", "account_id", id, "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to load account")
		return nil, false
	}
	return account, true
}

type CreateAccountRequest struct {
	Name         string `json:"name"`
	Tier         string `json:"tier,omitempty"`
	RateLimitRPM int    `json:"rate_limit_rpm"`
}

type UpdateAccountRequest struct {
	Name         string `json:"name,omitempty"`
	RateLimitRPM *int   `json:"rate_limit_rpm,omitempty"`
	Enabled      *bool  `json:"enabled,omitempty"`
}

type SetTierRequest struct {
	Tier string `json:"tier"`
}

func writeAdminError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": message,
	})
}
