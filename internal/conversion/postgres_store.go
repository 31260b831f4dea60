package conversion

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mbd888/corridor/internal/storex"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed conversion store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the conversion and merchant-transaction tables.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS conversions (
			id               VARCHAR(40) PRIMARY KEY,
			account_id       VARCHAR(64) NOT NULL,
			direction        VARCHAR(16) NOT NULL,
			usdt_amount      NUMERIC(38,6) NOT NULL,
			saed_amount_fils BIGINT NOT NULL,
			rate             NUMERIC(20,6) NOT NULL,
			idempotency_key  VARCHAR(128),
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversions_idempotency
			ON conversions(account_id, idempotency_key) WHERE idempotency_key IS NOT NULL;

		CREATE TABLE IF NOT EXISTS merchant_transactions (
			id           VARCHAR(40) PRIMARY KEY,
			merchant_id  VARCHAR(64) NOT NULL,
			kind         VARCHAR(32) NOT NULL,
			reference_id VARCHAR(40) NOT NULL,
			amount       NUMERIC(38,6) NOT NULL,
			asset        VARCHAR(8) NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_merchant_transactions_merchant
			ON merchant_transactions(merchant_id, created_at DESC);
	`)
	return err
}

func (p *PostgresStore) GetByIdempotencyKey(ctx context.Context, accountID, key string) (*Conversion, error) {
	if key == "" {
		return nil, nil
	}
	c := &Conversion{}
	var usdtAmount, rate float64
	var saedFils int64
	var idempotencyKey sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT id, account_id, direction, usdt_amount, saed_amount_fils, rate, idempotency_key, created_at
		FROM conversions WHERE account_id = $1 AND idempotency_key = $2
	`, accountID, key).Scan(&c.ID, &c.AccountID, &c.Direction, &usdtAmount, &saedFils, &rate, &idempotencyKey, &c.CreatedAt)
	if storex.NoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.UsdtAmount = fmt.Sprintf("%.6f", usdtAmount)
	c.SaedAmountFils = fmt.Sprintf("%d", saedFils)
	c.Rate = fmt.Sprintf("%.6f", rate)
	c.IdempotencyKey = idempotencyKey.String
	return c, nil
}

func (p *PostgresStore) Create(ctx context.Context, c *Conversion) error {
	var idempotencyKey interface{}
	if c.IdempotencyKey != "" {
		idempotencyKey = c.IdempotencyKey
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO conversions (id, account_id, direction, usdt_amount, saed_amount_fils, rate, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, c.ID, c.AccountID, c.Direction, c.UsdtAmount, c.SaedAmountFils, c.Rate, idempotencyKey, c.CreatedAt)
	return err
}

func (p *PostgresStore) RecordMerchantTransaction(ctx context.Context, t *MerchantTransaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO merchant_transactions (id, merchant_id, kind, reference_id, amount, asset, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, t.ID, t.MerchantID, t.Kind, t.ReferenceID, t.Amount, t.Asset, t.CreatedAt)
	return err
}
