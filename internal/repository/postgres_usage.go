package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/felipepmaragno/photo-router/internal/domain"
	"github.com/felipepmaragno/photo-router/internal/ledger"
)

// PostgresUsageStore is a ledger.Store backed by the usage_records table.
type PostgresUsageStore struct {
	db *sql.DB
}

func NewPostgresUsageStore(db *sql.DB) *PostgresUsageStore {
	return &PostgresUsageStore{db: db}
}

var _ ledger.Store = (*PostgresUsageStore)(nil)

func (s *PostgresUsageStore) Get(ctx context.Context, accountID string) (*domain.UsageRecord, error) {
	query := `
		SELECT account_id, tier, budget_consumed, premium_consumed, period_start, updated_at
		FROM usage_records
		WHERE account_id = $1
	`

	var rec domain.UsageRecord
	err := s.db.QueryRowContext(ctx, query, accountID).Scan(
		&rec.AccountID,
		&rec.Tier,
		&rec.BudgetConsumed,
		&rec.PremiumConsumed,
		&rec.PeriodStart,
		&rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query usage record: %w", err)
	}

	rec.PeriodStart = rec.PeriodStart.UTC()
	return &rec, nil
}

func (s *PostgresUsageStore) Set(ctx context.Context, rec *domain.UsageRecord) error {
	query := `
		INSERT INTO usage_records (account_id, tier, budget_consumed, premium_consumed, period_start, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account_id) DO UPDATE
		SET tier = EXCLUDED.tier,
		    budget_consumed = EXCLUDED.budget_consumed,
		    premium_consumed = EXCLUDED.premium_consumed,
		    period_start = EXCLUDED.period_start,
		    updated_at = EXCLUDED.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.AccountID,
		rec.Tier,
		int64(rec.BudgetConsumed),
		int64(rec.PremiumConsumed),
		rec.PeriodStart,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert usage record: %w", err)
	}

	return nil
}
