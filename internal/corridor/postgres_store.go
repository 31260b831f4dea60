package corridor

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mbd888/corridor/internal/pagination"
	"github.com/mbd888/corridor/internal/storex"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed corridor store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the corridor_providers and corridor_fulfillments tables.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS corridor_providers (
			merchant_id         VARCHAR(64) PRIMARY KEY,
			active              BOOLEAN NOT NULL DEFAULT TRUE,
			fee_percentage      NUMERIC(5,2) NOT NULL,
			min_amount          NUMERIC(20,2) NOT NULL,
			max_amount          NUMERIC(20,2) NOT NULL,
			service_hour_start  INT NOT NULL DEFAULT 0,
			service_hour_end    INT NOT NULL DEFAULT 0,
			rating              DOUBLE PRECISION NOT NULL DEFAULT 5.0,
			updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS corridor_fulfillments (
			id                   VARCHAR(40) PRIMARY KEY,
			order_id             VARCHAR(40) NOT NULL,
			buyer_id             VARCHAR(64) NOT NULL,
			provider_merchant_id VARCHAR(64) NOT NULL REFERENCES corridor_providers(merchant_id),
			saed_amount_locked   NUMERIC(20,2) NOT NULL,
			fiat_amount          NUMERIC(20,2) NOT NULL,
			corridor_fee         NUMERIC(20,2) NOT NULL,
			bank_details         TEXT NOT NULL DEFAULT '',
			send_deadline        TIMESTAMPTZ NOT NULL,
			provider_status      VARCHAR(16) NOT NULL DEFAULT 'pending',
			payment_sent_at      TIMESTAMPTZ,
			completed_at         TIMESTAMPTZ,
			failed_at            TIMESTAMPTZ,
			assigned_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_corridor_fulfillments_order ON corridor_fulfillments(order_id);
		CREATE INDEX IF NOT EXISTS idx_corridor_fulfillments_provider ON corridor_fulfillments(provider_merchant_id);
		CREATE INDEX IF NOT EXISTS idx_corridor_fulfillments_overdue
			ON corridor_fulfillments(send_deadline) WHERE provider_status = 'pending';
	`)
	return err
}

func (p *PostgresStore) UpsertProvider(ctx context.Context, pr *Provider) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO corridor_providers (merchant_id, active, fee_percentage, min_amount, max_amount,
			service_hour_start, service_hour_end, rating, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW())
		ON CONFLICT (merchant_id) DO UPDATE SET
			active = EXCLUDED.active,
			fee_percentage = EXCLUDED.fee_percentage,
			min_amount = EXCLUDED.min_amount,
			max_amount = EXCLUDED.max_amount,
			service_hour_start = EXCLUDED.service_hour_start,
			service_hour_end = EXCLUDED.service_hour_end,
			rating = EXCLUDED.rating,
			updated_at = NOW()
	`, pr.MerchantID, pr.Active, pr.FeePercent, pr.MinAmount, pr.MaxAmount,
		pr.ServiceHourStart, pr.ServiceHourEnd, pr.Rating)
	return err
}

func scanProvider(row interface {
	Scan(dest ...any) error
}) (*Provider, error) {
	pr := &Provider{}
	var fee, min, max float64
	err := row.Scan(&pr.MerchantID, &pr.Active, &fee, &min, &max,
		&pr.ServiceHourStart, &pr.ServiceHourEnd, &pr.Rating, &pr.UpdatedAt)
	if err != nil {
		return nil, err
	}
	pr.FeePercent = fmt.Sprintf("%.2f", fee)
	pr.MinAmount = fmt.Sprintf("%.2f", min)
	pr.MaxAmount = fmt.Sprintf("%.2f", max)
	return pr, nil
}

const providerColumns = `merchant_id, active, fee_percentage, min_amount, max_amount, service_hour_start, service_hour_end, rating, updated_at`

func (p *PostgresStore) GetProvider(ctx context.Context, merchantID string) (*Provider, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+providerColumns+` FROM corridor_providers WHERE merchant_id = $1`, merchantID)
	pr, err := scanProvider(row)
	if storex.NoRows(err) {
		return nil, ErrProviderNotFound
	}
	return pr, err
}

// SelectLP locks the cheapest-fee, online, amount-capable provider,
// excluding the given merchant IDs. The service-hour window is evaluated
// in Go after the row is fetched, since it wraps past midnight and isn't
// worth a SQL interval expression for a handful of candidate rows.
func (p *PostgresStore) SelectLP(ctx context.Context, fiatAmount string, exclude []string, now time.Time) (*Provider, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+providerColumns+` FROM corridor_providers
		WHERE active = TRUE AND min_amount <= $1 AND max_amount >= $1 AND NOT (merchant_id = ANY($2))
		ORDER BY fee_percentage ASC, rating DESC
		FOR UPDATE
	`, fiatAmount, pqStringArray(exclude))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		pr, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		if pr.inServiceHours(now) {
			return pr, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nil, ErrProviderNotFound
}

func (p *PostgresStore) CreateFulfillment(ctx context.Context, f *Fulfillment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO corridor_fulfillments (id, order_id, buyer_id, provider_merchant_id, saed_amount_locked,
			fiat_amount, corridor_fee, bank_details, send_deadline, provider_status, assigned_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, f.ID, f.OrderID, f.BuyerID, f.ProviderMerchantID, f.SaedAmountLocked, f.FiatAmount, f.CorridorFee,
		f.BankDetails, f.SendDeadline, f.ProviderStatus, f.AssignedAt, f.UpdatedAt)
	return err
}

func scanFulfillment(row interface {
	Scan(dest ...any) error
}) (*Fulfillment, error) {
	f := &Fulfillment{}
	var saed, fiat, fee float64
	err := row.Scan(&f.ID, &f.OrderID, &f.BuyerID, &f.ProviderMerchantID, &saed, &fiat, &fee,
		&f.BankDetails, &f.SendDeadline, &f.ProviderStatus, &f.PaymentSentAt, &f.CompletedAt,
		&f.FailedAt, &f.AssignedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	f.SaedAmountLocked = fmt.Sprintf("%.2f", saed)
	f.FiatAmount = fmt.Sprintf("%.2f", fiat)
	f.CorridorFee = fmt.Sprintf("%.2f", fee)
	return f, nil
}

const fulfillmentColumns = `id, order_id, buyer_id, provider_merchant_id, saed_amount_locked, fiat_amount,
	corridor_fee, bank_details, send_deadline, provider_status, payment_sent_at, completed_at, failed_at,
	assigned_at, updated_at`

func (p *PostgresStore) GetFulfillment(ctx context.Context, id string) (*Fulfillment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+fulfillmentColumns+` FROM corridor_fulfillments WHERE id = $1`, id)
	f, err := scanFulfillment(row)
	if storex.NoRows(err) {
		return nil, ErrFulfillmentNotFound
	}
	return f, err
}

func (p *PostgresStore) UpdateFulfillment(ctx context.Context, f *Fulfillment) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE corridor_fulfillments SET
			provider_status = $2, payment_sent_at = $3, completed_at = $4, failed_at = $5, updated_at = $6
		WHERE id = $1
	`, f.ID, f.ProviderStatus, f.PaymentSentAt, f.CompletedAt, f.FailedAt, f.UpdatedAt)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrFulfillmentNotFound
	}
	return nil
}

func (p *PostgresStore) ListByProvider(ctx context.Context, providerMerchantID string, after *pagination.Cursor, limit int) ([]*Fulfillment, error) {
	var rows *sql.Rows
	var err error
	if after == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+fulfillmentColumns+` FROM corridor_fulfillments
			WHERE provider_merchant_id = $1
			ORDER BY assigned_at DESC, id DESC LIMIT $2
		`, providerMerchantID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+fulfillmentColumns+` FROM corridor_fulfillments
			WHERE provider_merchant_id = $1
			  AND (assigned_at, id) < ($2, $3)
			ORDER BY assigned_at DESC, id DESC LIMIT $4
		`, providerMerchantID, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Fulfillment
	for rows.Next() {
		f, err := scanFulfillment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ListOverdue locks up to limit pending, expired fulfillments with
// SKIP LOCKED so multiple Worker K instances can scan concurrently
// without contending on the same rows.
func (p *PostgresStore) ListOverdue(ctx context.Context, before time.Time, limit int) ([]*Fulfillment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+fulfillmentColumns+` FROM corridor_fulfillments
		WHERE provider_status = 'pending' AND send_deadline < $1
		ORDER BY send_deadline ASC LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Fulfillment
	for rows.Next() {
		f, err := scanFulfillment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func pqStringArray(ss []string) string {
	if len(ss) == 0 {
		return "{}"
	}
	out := "{"
	for i, s := range ss {
		if i > 0 {
			out += ","
		}
		out += `"` + s + `"`
	}
	return out + "}"
}
