package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/felipepmaragno/photo-router/internal/crypto"
	"github.com/felipepmaragno/photo-router/internal/domain"
)

type AccountRepository interface {
	GetByAPIKey(ctx context.Context, apiKey string) (*domain.Account, error)
	GetByID(ctx context.Context, id string) (*domain.Account, error)
	List(ctx context.Context) ([]*domain.Account, error)
	Create(ctx context.Context, account *domain.Account) error
	Update(ctx context.Context, account *domain.Account) error
	Delete(ctx context.Context, id string) error
}

type InMemoryAccountRepository struct {
	mu       sync.RWMutex
	accounts map[string]*domain.Account
	byKey    map[string]string
}

// NewInMemoryAccountRepository seeds a "default" Pro account whose key is
// DevAPIKey, for local runs without a database.
func NewInMemoryAccountRepository() *InMemoryAccountRepository {
	repo := &InMemoryAccountRepository{
		accounts: make(map[string]*domain.Account),
		byKey:    make(map[string]string),
	}

	now := time.Now()
	repo.put(&domain.Account{
		ID:           "default",
		Name:         "default",
		APIKeyHash:   crypto.HashAPIKey(DevAPIKey),
		Tier:         domain.TierPro,
		RateLimitRPM: 100,
		Enabled:      true,
		CreatedAt:    now,
		UpdatedAt:    now,
	})

	return repo
}

const DevAPIKey = "pr-dev-key"

func (r *InMemoryAccountRepository) GetByAPIKey(ctx context.Context, apiKey string) (*domain.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byKey[crypto.HashAPIKey(apiKey)]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}

	account, ok := r.accounts[id]
	if !ok || !account.Enabled {
		return nil, domain.ErrAccountNotFound
	}

	cp := *account
	return &cp, nil
}

func (r *InMemoryAccountRepository) GetByID(ctx context.Context, id string) (*domain.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	account, ok := r.accounts[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}

	cp := *account
	return &cp, nil
}

func (r *InMemoryAccountRepository) List(ctx context.Context) ([]*domain.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Account, 0, len(r.accounts))
	for _, a := range r.accounts {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (r *InMemoryAccountRepository) Create(ctx context.Context, account *domain.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.put(account)
	return nil
}

func (r *InMemoryAccountRepository) Update(ctx context.Context, account *domain.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.accounts[account.ID]
	if !ok {
		return domain.ErrAccountNotFound
	}
	if prev.APIKeyHash != account.APIKeyHash {
		delete(r.byKey, prev.APIKeyHash)
	}

	account.UpdatedAt = time.Now()
	r.put(account)
	return nil
}

func (r *InMemoryAccountRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	account, ok := r.accounts[id]
	if !ok {
		return domain.ErrAccountNotFound
	}
	delete(r.byKey, account.APIKeyHash)
	delete(r.accounts, id)
	return nil
}

func (r *InMemoryAccountRepository) put(account *domain.Account) {
	cp := *account
	cp.APIKey = ""
	r.accounts[cp.ID] = &cp
	r.byKey[cp.APIKeyHash] = cp.ID
}
