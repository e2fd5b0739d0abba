package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/felipepmaragno/photo-router/internal/crypto"
	"github.com/felipepmaragno/photo-router/internal/domain"
	_ "github.com/lib/pq"
)

// Schema creates the tables used by the Postgres repositories.
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	api_key_hash   TEXT NOT NULL UNIQUE,
	tier           TEXT NOT NULL DEFAULT 'free',
	rate_limit_rpm INTEGER NOT NULL DEFAULT 60,
	enabled        BOOLEAN NOT NULL DEFAULT true,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_records (
	account_id       TEXT PRIMARY KEY,
	tier             TEXT NOT NULL,
	budget_consumed  INTEGER NOT NULL DEFAULT 0 CHECK (budget_consumed >= 0),
	premium_consumed INTEGER NOT NULL DEFAULT 0 CHECK (premium_consumed >= 0),
	period_start     TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS admin_users (
	id            TEXT PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	role          TEXT NOT NULL,
	enabled       BOOLEAN NOT NULL DEFAULT true,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);
`

func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return db, nil
}

func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const accountColumns = `id, name, api_key_hash, tier, rate_limit_rpm, enabled, created_at, updated_at`

type PostgresAccountRepository struct {
	db *sql.DB
}

func NewPostgresAccountRepository(db *sql.DB) *PostgresAccountRepository {
	return &PostgresAccountRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*domain.Account, error) {
	var a domain.Account
	err := row.Scan(
		&a.ID,
		&a.Name,
		&a.APIKeyHash,
		&a.Tier,
		&a.RateLimitRPM,
		&a.Enabled,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return &a, nil
}

func (r *PostgresAccountRepository) GetByAPIKey(ctx context.Context, apiKey string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE api_key_hash = $1 AND enabled = true`
	return scanAccount(r.db.QueryRowContext(ctx, query, crypto.HashAPIKey(apiKey)))
}

func (r *PostgresAccountRepository) GetByID(ctx context.Context, id string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return scanAccount(r.db.QueryRowContext(ctx, query, id))
}

func (r *PostgresAccountRepository) List(ctx context.Context) ([]*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}

	return accounts, rows.Err()
}

func (r *PostgresAccountRepository) Create(ctx context.Context, a *domain.Account) error {
	query := `
		INSERT INTO accounts (` + accountColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.db.ExecContext(ctx, query,
		a.ID,
		a.Name,
		a.APIKeyHash,
		a.Tier,
		a.RateLimitRPM,
		a.Enabled,
		a.CreatedAt,
		a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}

	return nil
}

func (r *PostgresAccountRepository) Update(ctx context.Context, a *domain.Account) error {
	query := `
		UPDATE accounts
		SET name = $2, api_key_hash = $3, tier = $4, rate_limit_rpm = $5, enabled = $6, updated_at = $7
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		a.ID,
		a.Name,
		a.APIKeyHash,
		a.Tier,
		a.RateLimitRPM,
		a.Enabled,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrAccountNotFound
	}

	return nil
}

func (r *PostgresAccountRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrAccountNotFound
	}

	return nil
}
