package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/felipepmaragno/photo-router/internal/auth"
	"github.com/felipepmaragno/photo-router/internal/domain"
	"github.com/felipepmaragno/photo-router/internal/ledger"
	"github.com/felipepmaragno/photo-router/internal/repository"
)

type adminFixture struct {
	handler *AdminHandler
	repo    *repository.InMemoryAccountRepository
	ledger  *ledger.Ledger
}

func newAdminFixture(t *testing.T, guard *auth.Guard) *adminFixture {
	t.Helper()
	clock := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	f := &adminFixture{
		repo:   repository.NewInMemoryAccountRepository(),
		ledger: ledger.New(ledger.NewInMemoryStore(), ledger.DefaultCapacities(), ledger.WithClock(func() time.Time { return clock })),
	}
	f.handler = NewAdminHandler(f.repo, f.ledger, guard)
	f.handler.now = func() time.Time { return clock }
	return f
}

func (f *adminFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, httptest.NewRequest(method, path, &buf))
	return rr
}

func (f *adminFixture) create(t *testing.T, req CreateAccountRequest) domain.Account {
	t.Helper()
	rr := f.do(t, "POST", "/admin/accounts", req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var a domain.Account
	if err := json.Unmarshal(rr.Body.Bytes(), &a); err != nil {
		t.Fatal(err)
	}
	return a
}

func TestAdmin_CreateAccount(t *testing.T) {
	f := newAdminFixture(t, nil)

	a := f.create(t, CreateAccountRequest{Name: "studio"})

	if a.ID == "" || a.APIKey == "" {
		t.Fatalf("created account = %+v, want id and api key", a)
	}
	if a.Tier != domain.TierFree {
		t.Errorf("Tier = %q, want free", a.Tier)
	}
	if a.RateLimitRPM != defaultRateLimitRPM {
		t.Errorf("RateLimitRPM = %d, want %d", a.RateLimitRPM, defaultRateLimitRPM)
	}

	got, err := f.repo.GetByAPIKey(context.Background(), a.APIKey)
	if err != nil {
		t.Fatalf("GetByAPIKey(new key) error = %v", err)
	}
	if got.ID != a.ID {
		t.Errorf("key resolves to %q, want %q", got.ID, a.ID)
	}

	rec, err := f.ledger.Record(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if rec.Tier != domain.TierFree {
		t.Errorf("ledger tier = %q, want free", rec.Tier)
	}
}

func TestAdmin_CreateAccountValidation(t *testing.T) {
	f := newAdminFixture(t, nil)

	tests := []struct {
		name string
		body any
	}{
		{"missing name", CreateAccountRequest{}},
		{"unknown tier", CreateAccountRequest{Name: "x", Tier: "enterprise"}},
		{"not json", "just a string"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(t, "POST", "/admin/accounts", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rr.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestAdmin_GetListDelete(t *testing.T) {
	f := newAdminFixture(t, nil)
	a := f.create(t, CreateAccountRequest{Name: "studio", Tier: "pro"})

	rr := f.do(t, "GET", "/admin/accounts/"+a.ID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d", rr.Code)
	}
	var got domain.Account
	json.Unmarshal(rr.Body.Bytes(), &got)
	if got.APIKey != "" {
		t.Error("get should not return the API key")
	}

	rr = f.do(t, "GET", "/admin/accounts", nil)
	var list struct {
		Count int `json:"count"`
	}
	json.Unmarshal(rr.Body.Bytes(), &list)
	// The in-memory repository seeds a default account.
	if list.Count != 2 {
		t.Errorf("count = %d, want 2", list.Count)
	}

	if rr := f.do(t, "DELETE", "/admin/accounts/"+a.ID, nil); rr.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want %d", rr.Code, http.StatusNoContent)
	}
	if rr := f.do(t, "GET", "/admin/accounts/"+a.ID, nil); rr.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want %d", rr.Code, http.StatusNotFound)
	}
	if rr := f.do(t, "DELETE", "/admin/accounts/"+a.ID, nil); rr.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestAdmin_UpdateAccount(t *testing.T) {
	f := newAdminFixture(t, nil)
	a := f.create(t, CreateAccountRequest{Name: "studio"})

	rpm, enabled := 5, false
	rr := f.do(t, "PUT", "/admin/accounts/"+a.ID, UpdateAccountRequest{RateLimitRPM: &rpm, Enabled: &enabled})
	if rr.Code != http.StatusOK {
		t.Fatalf("update status = %d", rr.Code)
	}

	got, _ := f.repo.GetByID(context.Background(), a.ID)
	if got.RateLimitRPM != 5 || got.Enabled || got.Name != "studio" {
		t.Errorf("updated account = %+v", got)
	}
	if _, err := f.repo.GetByAPIKey(context.Background(), a.APIKey); err == nil {
		t.Error("disabled account still resolves by API key")
	}
}

func TestAdmin_SetTier(t *testing.T) {
	f := newAdminFixture(t, nil)
	a := f.create(t, CreateAccountRequest{Name: "studio"})
	ctx := context.Background()

	for range 3 {
		if err := f.ledger.Consume(ctx, a.ID, domain.TierFree, domain.CostBudget); err != nil {
			t.Fatal(err)
		}
	}

	rr := f.do(t, "PUT", "/admin/accounts/"+a.ID+"/tier", SetTierRequest{Tier: "pro"})
	if rr.Code != http.StatusOK {
		t.Fatalf("set tier status = %d, body = %s", rr.Code, rr.Body.String())
	}

	var usage UsageResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &usage); err != nil {
		t.Fatal(err)
	}
	if usage.Tier != domain.TierPro || usage.BudgetCapacity != 500 {
		t.Errorf("usage = %+v, want pro capacities", usage)
	}
	if usage.BudgetRemaining != 497 {
		t.Errorf("BudgetRemaining = %d, want 497 (consumed counts kept)", usage.BudgetRemaining)
	}

	got, _ := f.repo.GetByID(ctx, a.ID)
	if got.Tier != domain.TierPro {
		t.Errorf("account tier = %q, want pro", got.Tier)
	}
	rec, _ := f.ledger.Record(ctx, a.ID)
	if rec.Tier != domain.TierPro {
		t.Errorf("ledger tier = %q, want pro", rec.Tier)
	}
}

func TestAdmin_SetTierErrors(t *testing.T) {
	f := newAdminFixture(t, nil)
	a := f.create(t, CreateAccountRequest{Name: "studio"})

	if rr := f.do(t, "PUT", "/admin/accounts/"+a.ID+"/tier", SetTierRequest{Tier: "gold"}); rr.Code != http.StatusBadRequest {
		t.Errorf("unknown tier status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
	if rr := f.do(t, "PUT", "/admin/accounts/missing/tier", SetTierRequest{Tier: "pro"}); rr.Code != http.StatusNotFound {
		t.Errorf("missing account status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestAdmin_Usage(t *testing.T) {
	f := newAdminFixture(t, nil)
	a := f.create(t, CreateAccountRequest{Name: "studio"})
	f.ledger.Consume(context.Background(), a.ID, domain.TierFree, domain.CostPremium)

	rr := f.do(t, "GET", "/admin/accounts/"+a.ID+"/usage", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("usage status = %d", rr.Code)
	}
	var usage UsageResponse
	json.Unmarshal(rr.Body.Bytes(), &usage)
	if usage.PremiumRemaining != 4 {
		t.Errorf("PremiumRemaining = %d, want 4", usage.PremiumRemaining)
	}
}

func TestAdmin_RotateAPIKey(t *testing.T) {
	f := newAdminFixture(t, nil)
	a := f.create(t, CreateAccountRequest{Name: "studio"})
	ctx := context.Background()

	rr := f.do(t, "POST", "/admin/accounts/"+a.ID+"/rotate-key", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("rotate status = %d", rr.Code)
	}
	var resp map[string]string
	json.Unmarshal(rr.Body.Bytes(), &resp)

	newKey := resp["api_key"]
	if newKey == "" || newKey == a.APIKey {
		t.Fatalf("rotated key = %q, want a new key", newKey)
	}
	if _, err := f.repo.GetByAPIKey(ctx, a.APIKey); err == nil {
		t.Error("old key still valid after rotation")
	}
	if got, err := f.repo.GetByAPIKey(ctx, newKey); err != nil || got.ID != a.ID {
		t.Errorf("new key lookup = %v, %v", got, err)
	}
}

func TestAdmin_RBAC(t *testing.T) {
	users := auth.NewInMemoryAdminUserRepository()
	for _, u := range []struct {
		name string
		role auth.Role
	}{{"root", auth.RoleAdmin}, {"billing", auth.RoleBilling}, {"ops", auth.RoleViewer}} {
		user, err := auth.NewUser(u.name, u.name+"-pw", u.role)
		if err != nil {
			t.Fatal(err)
		}
		users.Create(context.Background(), user)
	}
	f := newAdminFixture(t, auth.NewGuard(auth.NewAuthenticator(users)))

	seeded := "default"

	tests := []struct {
		name     string
		user     string
		method   string
		path     string
		body     any
		wantCode int
	}{
		{"no credentials", "", "GET", "/admin/accounts", nil, http.StatusUnauthorized},
		{"viewer lists", "ops", "GET", "/admin/accounts", nil, http.StatusOK},
		{"viewer sets tier", "ops", "PUT", "/admin/accounts/" + seeded + "/tier", SetTierRequest{Tier: "free"}, http.StatusForbidden},
		{"billing sets tier", "billing", "PUT", "/admin/accounts/" + seeded + "/tier", SetTierRequest{Tier: "free"}, http.StatusOK},
		{"billing creates account", "billing", "POST", "/admin/accounts", CreateAccountRequest{Name: "x"}, http.StatusForbidden},
		{"billing rotates key", "billing", "POST", "/admin/accounts/" + seeded + "/rotate-key", nil, http.StatusForbidden},
		{"admin creates account", "root", "POST", "/admin/accounts", CreateAccountRequest{Name: "x"}, http.StatusCreated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if tt.body != nil {
				json.NewEncoder(&buf).Encode(tt.body)
			}
			req := httptest.NewRequest(tt.method, tt.path, &buf)
			if tt.user != "" {
				req.SetBasicAuth(tt.user, tt.user+"-pw")
			}

			rr := httptest.NewRecorder()
			f.handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantCode {
				t.Errorf("status = %d, want %d; body = %s", rr.Code, tt.wantCode, rr.Body.String())
			}
		})
	}
}
