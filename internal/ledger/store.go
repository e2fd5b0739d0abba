package ledger

import (
	"context"
	"errors"
	"sync"

	"github.com/felipepmaragno/photo-router/internal/domain"
)

var ErrRecordNotFound = errors.New("usage record not found")

// Store persists usage records. Implementations only need get/set; all
// read-modify-write sequences are serialized by the Ledger's Locker.
type Store interface {
	Get(ctx context.Context, accountID string) (*domain.UsageRecord, error)
	Set(ctx context.Context, record *domain.UsageRecord) error
}

type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]domain.UsageRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records: make(map[string]domain.UsageRecord),
	}
}

func (s *InMemoryStore) Get(ctx context.Context, accountID string) (*domain.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[accountID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return &rec, nil
}

func (s *InMemoryStore) Set(ctx context.Context, record *domain.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[record.AccountID] = *record
	return nil
}
