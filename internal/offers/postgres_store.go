package offers

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

// NewPostgresStore creates a PostgreSQL-backed offers store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the offers table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS offers (
			id                VARCHAR(40) PRIMARY KEY,
			merchant_id       VARCHAR(64) NOT NULL,
			currency_pair     VARCHAR(16) NOT NULL,
			rate              NUMERIC(20,6) NOT NULL,
			total_amount      NUMERIC(38,6) NOT NULL,
			available_amount  NUMERIC(38,6) NOT NULL,
			min_order_amount  NUMERIC(38,6) NOT NULL,
			max_order_amount  NUMERIC(38,6) NOT NULL,
			status            VARCHAR(16) NOT NULL DEFAULT 'active',
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_offers_active ON offers(currency_pair, status) WHERE status = 'active';
		CREATE INDEX IF NOT EXISTS idx_offers_merchant ON offers(merchant_id);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, o *Offer) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO offers (id, merchant_id, currency_pair, rate, total_amount, available_amount,
			min_order_amount, max_order_amount, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, o.ID, o.MerchantID, o.CurrencyPair, o.Rate, o.TotalAmount, o.AvailableAmount,
		o.MinOrderAmount, o.MaxOrderAmount, o.Status, o.CreatedAt, o.UpdatedAt)
	return err
}

func scanOffer(row interface {
	Scan(dest ...any) error
}) (*Offer, error) {
	o := &Offer{}
	var rate, total, avail, min, max float64
	err := row.Scan(&o.ID, &o.MerchantID, &o.CurrencyPair, &rate, &total, &avail, &min, &max,
		&o.Status, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Rate = fmt.Sprintf("%.6f", rate)
	o.TotalAmount = fmt.Sprintf("%.6f", total)
	o.AvailableAmount = fmt.Sprintf("%.6f", avail)
	o.MinOrderAmount = fmt.Sprintf("%.6f", min)
	o.MaxOrderAmount = fmt.Sprintf("%.6f", max)
	return o, nil
}

const offerColumns = `id, merchant_id, currency_pair, rate, total_amount, available_amount, min_order_amount, max_order_amount, status, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Offer, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, id)
	o, err := scanOffer(row)
	if storex.NoRows(err) {
		return nil, ErrOfferNotFound
	}
	return o, err
}

func (p *PostgresStore) ListActive(ctx context.Context, currencyPair string, limit int) ([]*Offer, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE currency_pair = $1 AND status = 'active' AND available_amount > 0
		ORDER BY rate ASC LIMIT $2
	`, currencyPair, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListByMerchant(ctx context.Context, merchantID string) ([]*Offer, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+offerColumns+` FROM offers WHERE merchant_id = $1 ORDER BY created_at DESC
	`, merchantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ReserveLiquidity is the optimistic guard: the UPDATE only matches a row
// whose available_amount still covers amount, so a concurrent reservation
// racing for the same offer fails cleanly instead of overdrawing it.
func (p *PostgresStore) ReserveLiquidity(ctx context.Context, offerID, amount string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE offers SET available_amount = available_amount - $2, updated_at = NOW()
		WHERE id = $1 AND available_amount >= $2 AND status = 'active'
	`, offerID, amount)
	if err != nil {
		return fmt.Errorf("reserve liquidity: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, err := p.Get(ctx, offerID); err != nil {
			return err
		}
		return ErrInsufficientLiquidity
	}
	return nil
}

func (p *PostgresStore) RestoreLiquidity(ctx context.Context, offerID, amount string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE offers SET available_amount = available_amount + $2, updated_at = NOW()
		WHERE id = $1
	`, offerID, amount)
	return err
}

func (p *PostgresStore) SetStatus(ctx context.Context, offerID string, status Status) error {
	result, err := p.db.ExecContext(ctx, `UPDATE offers SET status = $2, updated_at = NOW() WHERE id = $1`, offerID, status)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOfferNotFound
	}
	return nil
}
