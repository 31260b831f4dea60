package orders

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mbd888/corridor/internal/statemachine"
	"github.com/mbd888/corridor/internal/storex"
)

// PostgresStore implements Store with PostgreSQL. Mutate takes the row lock
// for the duration of the caller's fn, matching the teacher's `SELECT ...
// FOR UPDATE` idiom used throughout escrow/postgres_store.go.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed orders store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the orders table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS orders (
			id                          VARCHAR(40) PRIMARY KEY,
			number                      VARCHAR(16) NOT NULL,
			user_id                     VARCHAR(64) NOT NULL DEFAULT '',
			merchant_id                 VARCHAR(64) NOT NULL DEFAULT '',
			buyer_merchant_id           VARCHAR(64) NOT NULL DEFAULT '',
			offer_id                    VARCHAR(40) NOT NULL,
			direction                   VARCHAR(8)  NOT NULL,
			payment_method              VARCHAR(8)  NOT NULL,
			payment_via                 VARCHAR(16) NOT NULL DEFAULT 'bank',
			crypto_amount               NUMERIC(38,6) NOT NULL,
			crypto_currency             VARCHAR(16) NOT NULL,
			fiat_amount                 NUMERIC(38,6) NOT NULL,
			fiat_currency               VARCHAR(16) NOT NULL,
			rate                        NUMERIC(20,6) NOT NULL,
			protocol_fee_percent        VARCHAR(16) NOT NULL DEFAULT '',
			protocol_fee_amount         VARCHAR(32) NOT NULL DEFAULT '',
			status                      VARCHAR(24) NOT NULL,
			created_at                  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			accepted_at                 TIMESTAMPTZ,
			escrowed_at                 TIMESTAMPTZ,
			payment_sent_at             TIMESTAMPTZ,
			payment_confirmed_at        TIMESTAMPTZ,
			completed_at                TIMESTAMPTZ,
			cancelled_at                TIMESTAMPTZ,
			expired_at                  TIMESTAMPTZ,
			updated_at                  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at                  TIMESTAMPTZ,
			escrow_tx_hash              VARCHAR(80) NOT NULL DEFAULT '',
			escrow_program_address      VARCHAR(80) NOT NULL DEFAULT '',
			escrow_creator_wallet       VARCHAR(80) NOT NULL DEFAULT '',
			escrow_trade_id             VARCHAR(80) NOT NULL DEFAULT '',
			escrow_debited_entity_type  VARCHAR(16) NOT NULL DEFAULT '',
			escrow_debited_entity_id    VARCHAR(64) NOT NULL DEFAULT '',
			escrow_debited_amount       VARCHAR(32) NOT NULL DEFAULT '',
			escrow_debited_at           TIMESTAMPTZ,
			release_tx_hash             VARCHAR(80) NOT NULL DEFAULT '',
			refund_tx_hash              VARCHAR(80) NOT NULL DEFAULT '',
			cancelled_by                VARCHAR(64) NOT NULL DEFAULT '',
			cancellation_reason         VARCHAR(256) NOT NULL DEFAULT '',
			extension_count             INT NOT NULL DEFAULT 0,
			extension_requested_by      VARCHAR(64) NOT NULL DEFAULT '',
			extension_requested_at      TIMESTAMPTZ,
			extension_minutes           INT NOT NULL DEFAULT 0,
			dispute_reason              VARCHAR(256) NOT NULL DEFAULT '',
			dispute_proposed_kind       VARCHAR(16) NOT NULL DEFAULT '',
			dispute_split_user_pct      INT NOT NULL DEFAULT 0,
			dispute_split_merchant_pct  INT NOT NULL DEFAULT 0,
			dispute_user_confirmed      BOOLEAN NOT NULL DEFAULT FALSE,
			dispute_merchant_confirmed  BOOLEAN NOT NULL DEFAULT FALSE,
			corridor_fulfillment_id     VARCHAR(40) NOT NULL DEFAULT '',
			order_version               INT NOT NULL DEFAULT 1
		);
		CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id);
		CREATE INDEX IF NOT EXISTS idx_orders_merchant ON orders(merchant_id);
		CREATE INDEX IF NOT EXISTS idx_orders_expirable ON orders(expires_at) WHERE status NOT IN ('completed','cancelled','expired');
	`)
	return err
}

const orderColumns = `
	id, number, user_id, merchant_id, buyer_merchant_id, offer_id, direction, payment_method, payment_via,
	crypto_amount, crypto_currency, fiat_amount, fiat_currency, rate, protocol_fee_percent, protocol_fee_amount,
	status, created_at, accepted_at, escrowed_at, payment_sent_at, payment_confirmed_at, completed_at,
	cancelled_at, expired_at, updated_at, expires_at,
	escrow_tx_hash, escrow_program_address, escrow_creator_wallet, escrow_trade_id,
	escrow_debited_entity_type, escrow_debited_entity_id, escrow_debited_amount, escrow_debited_at,
	release_tx_hash, refund_tx_hash, cancelled_by, cancellation_reason,
	extension_count, extension_requested_by, extension_requested_at, extension_minutes,
	dispute_reason, dispute_proposed_kind, dispute_split_user_pct, dispute_split_merchant_pct,
	dispute_user_confirmed, dispute_merchant_confirmed, corridor_fulfillment_id, order_version`

func scanOrder(row interface{ Scan(dest ...any) error }) (*Order, error) {
	o := &Order{}
	var cryptoAmt, fiatAmt, rate float64
	err := row.Scan(
		&o.ID, &o.Number, &o.UserID, &o.MerchantID, &o.BuyerMerchantID, &o.OfferID, &o.Direction, &o.PaymentMethod, &o.PaymentVia,
		&cryptoAmt, &o.CryptoCurrency, &fiatAmt, &o.FiatCurrency, &rate, &o.ProtocolFeePercent, &o.ProtocolFeeAmount,
		&o.Status, &o.CreatedAt, &o.AcceptedAt, &o.EscrowedAt, &o.PaymentSentAt, &o.PaymentConfirmedAt, &o.CompletedAt,
		&o.CancelledAt, &o.ExpiredAt, &o.UpdatedAt, &o.ExpiresAt,
		&o.EscrowTxHash, &o.EscrowProgramAddress, &o.EscrowCreatorWallet, &o.EscrowTradeID,
		&o.EscrowDebitedEntityType, &o.EscrowDebitedEntityID, &o.EscrowDebitedAmount, &o.EscrowDebitedAt,
		&o.ReleaseTxHash, &o.RefundTxHash, &o.CancelledBy, &o.CancellationReason,
		&o.ExtensionCount, &o.ExtensionRequestedBy, &o.ExtensionRequestedAt, &o.ExtensionMinutes,
		&o.DisputeReason, &o.DisputeProposedKind, &o.DisputeSplitUserPct, &o.DisputeSplitMerchantPct,
		&o.DisputeUserConfirmed, &o.DisputeMerchantConfirmed, &o.CorridorFulfillmentID, &o.OrderVersion,
	)
	if err != nil {
		return nil, err
	}
	o.CryptoAmount = fmt.Sprintf("%.6f", cryptoAmt)
	o.FiatAmount = fmt.Sprintf("%.6f", fiatAmt)
	o.Rate = fmt.Sprintf("%.6f", rate)
	return o, nil
}

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (id, number, user_id, merchant_id, buyer_merchant_id, offer_id, direction, payment_method,
			payment_via, crypto_amount, crypto_currency, fiat_amount, fiat_currency, rate, protocol_fee_percent,
			protocol_fee_amount, status, created_at, escrowed_at, updated_at, expires_at, escrow_tx_hash, order_version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
	`, o.ID, o.Number, o.UserID, o.MerchantID, o.BuyerMerchantID, o.OfferID, o.Direction, o.PaymentMethod,
		o.PaymentVia, o.CryptoAmount, o.CryptoCurrency, o.FiatAmount, o.FiatCurrency, o.Rate, o.ProtocolFeePercent,
		o.ProtocolFeeAmount, o.Status, o.CreatedAt, o.EscrowedAt, o.UpdatedAt, o.ExpiresAt, o.EscrowTxHash, o.OrderVersion)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if storex.NoRows(err) {
		return nil, ErrOrderNotFound
	}
	return o, err
}

// Mutate locks the order row FOR UPDATE, lets fn mutate an in-memory copy,
// and writes every mutable column back in the same transaction.
func (p *PostgresStore) Mutate(ctx context.Context, id string, fn func(o *Order) error) (*Order, error) {
	var result *Order
	err := storex.WithTx(ctx, p.db, nil, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
		o, err := scanOrder(row)
		if storex.NoRows(err) {
			return ErrOrderNotFound
		}
		if err != nil {
			return err
		}

		if err := fn(o); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE orders SET
				merchant_id = $2, buyer_merchant_id = $3, status = $4,
				accepted_at = $5, escrowed_at = $6, payment_sent_at = $7, payment_confirmed_at = $8,
				completed_at = $9, cancelled_at = $10, expired_at = $11, updated_at = $12, expires_at = $13,
				escrow_tx_hash = $14, escrow_program_address = $15, escrow_creator_wallet = $16, escrow_trade_id = $17,
				escrow_debited_entity_type = $18, escrow_debited_entity_id = $19, escrow_debited_amount = $20,
				escrow_debited_at = $21, release_tx_hash = $22, refund_tx_hash = $23,
				cancelled_by = $24, cancellation_reason = $25,
				extension_count = $26, extension_requested_by = $27, extension_requested_at = $28, extension_minutes = $29,
				dispute_reason = $30, dispute_proposed_kind = $31, dispute_split_user_pct = $32, dispute_split_merchant_pct = $33,
				dispute_user_confirmed = $34, dispute_merchant_confirmed = $35, corridor_fulfillment_id = $36,
				order_version = $37, payment_via = $38
			WHERE id = $1
		`, id, o.MerchantID, o.BuyerMerchantID, o.Status,
			o.AcceptedAt, o.EscrowedAt, o.PaymentSentAt, o.PaymentConfirmedAt,
			o.CompletedAt, o.CancelledAt, o.ExpiredAt, o.UpdatedAt, o.ExpiresAt,
			o.EscrowTxHash, o.EscrowProgramAddress, o.EscrowCreatorWallet, o.EscrowTradeID,
			o.EscrowDebitedEntityType, o.EscrowDebitedEntityID, o.EscrowDebitedAmount,
			o.EscrowDebitedAt, o.ReleaseTxHash, o.RefundTxHash,
			o.CancelledBy, o.CancellationReason,
			o.ExtensionCount, o.ExtensionRequestedBy, o.ExtensionRequestedAt, o.ExtensionMinutes,
			o.DisputeReason, o.DisputeProposedKind, o.DisputeSplitUserPct, o.DisputeSplitMerchantPct,
			o.DisputeUserConfirmed, o.DisputeMerchantConfirmed, o.CorridorFulfillmentID,
			o.OrderVersion, o.PaymentVia)
		if err != nil {
			return err
		}
		result = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListExpirable returns non-terminal orders whose deadline has passed,
// locking them SKIP LOCKED so multiple expiry-worker instances can scan
// concurrently without blocking each other.
func (p *PostgresStore) ListExpirable(ctx context.Context, before time.Time, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status NOT IN ($1,$2,$3) AND expires_at IS NOT NULL AND expires_at < $4
		ORDER BY expires_at ASC LIMIT $5
		FOR UPDATE SKIP LOCKED
	`, statemachine.StatusCompleted, statemachine.StatusCancelled, statemachine.StatusExpired, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
