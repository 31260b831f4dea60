package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"github.com/mbd888/corridor/internal/idgen"
	"github.com/mbd888/corridor/internal/storex"
	"github.com/mbd888/corridor/internal/usdc"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ledger tables.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS ledger_balances (
			account_id  VARCHAR(64) NOT NULL,
			asset       VARCHAR(8)  NOT NULL,
			available   NUMERIC(38,6) NOT NULL DEFAULT 0,
			escrowed    NUMERIC(38,6) NOT NULL DEFAULT 0,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (account_id, asset)
		);

		CREATE TABLE IF NOT EXISTS ledger_entries (
			id              VARCHAR(40) PRIMARY KEY,
			account_id      VARCHAR(64) NOT NULL,
			asset           VARCHAR(8)  NOT NULL,
			type            VARCHAR(32) NOT NULL,
			amount          NUMERIC(38,6) NOT NULL,
			balance_before  NUMERIC(38,6) NOT NULL,
			balance_after   NUMERIC(38,6) NOT NULL,
			reference       VARCHAR(64),
			counterparty    VARCHAR(64),
			description     TEXT,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_ledger_entries_account ON ledger_entries(account_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_ledger_entries_reference ON ledger_entries(reference);
	`)
	return err
}

// GetBalance retrieves an account's balance, returning a zero balance for
// accounts that have never moved funds.
func (p *PostgresStore) GetBalance(ctx context.Context, accountID string, asset Asset) (*Balance, error) {
	bal := &Balance{AccountID: accountID, Asset: asset}
	var available, escrowed float64
	err := p.db.QueryRowContext(ctx, `
		SELECT available, escrowed, updated_at FROM ledger_balances
		WHERE account_id = $1 AND asset = $2
	`, accountID, asset).Scan(&available, &escrowed, &bal.UpdatedAt)
	if storex.NoRows(err) {
		return &Balance{AccountID: accountID, Asset: asset, Available: "0.000000", Escrowed: "0.000000", UpdatedAt: time.Now()}, nil
	}
	if err != nil {
		return nil, err
	}
	bal.Available = fmt.Sprintf("%.6f", available)
	bal.Escrowed = fmt.Sprintf("%.6f", escrowed)
	return bal, nil
}

func (p *PostgresStore) GetEntry(ctx context.Context, entryID string) (*Entry, error) {
	e := &Entry{}
	var reference, counterparty, description sql.NullString
	var amount, before, after float64
	err := p.db.QueryRowContext(ctx, `
		SELECT id, account_id, asset, type, amount, balance_before, balance_after,
		       reference, counterparty, description, created_at
		FROM ledger_entries WHERE id = $1
	`, entryID).Scan(&e.ID, &e.AccountID, &e.Asset, &e.Type, &amount, &before, &after,
		&reference, &counterparty, &description, &e.CreatedAt)
	if storex.NoRows(err) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Amount = fmt.Sprintf("%.6f", amount)
	e.BalanceBefore = fmt.Sprintf("%.6f", before)
	e.BalanceAfter = fmt.Sprintf("%.6f", after)
	e.Reference = reference.String
	e.Counterparty = counterparty.String
	e.Description = description.String
	return e, nil
}

func (p *PostgresStore) GetHistory(ctx context.Context, accountID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, account_id, asset, type, amount, balance_before, balance_after,
		       reference, counterparty, description, created_at
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var reference, counterparty, description sql.NullString
		var amount, before, after float64
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Asset, &e.Type, &amount, &before, &after,
			&reference, &counterparty, &description, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Amount = fmt.Sprintf("%.6f", amount)
		e.BalanceBefore = fmt.Sprintf("%.6f", before)
		e.BalanceAfter = fmt.Sprintf("%.6f", after)
		e.Reference = reference.String
		e.Counterparty = counterparty.String
		e.Description = description.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// moveBalance locks accountID/asset's row (creating it if absent), applies
// availableDelta/escrowedDelta, and returns the available balance before and
// after so the caller can write an Entry. Must run inside a transaction.
func moveBalance(ctx context.Context, tx *sql.Tx, accountID string, asset Asset, availableDelta, escrowedDelta *big.Int) (before, after string, err error) {
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_balances (account_id, asset) VALUES ($1, $2)
		ON CONFLICT (account_id, asset) DO NOTHING
	`, accountID, asset)
	if err != nil {
		return "", "", fmt.Errorf("seed balance row: %w", err)
	}

	var availBefore, escrBefore float64
	err = tx.QueryRowContext(ctx, `
		SELECT available, escrowed FROM ledger_balances
		WHERE account_id = $1 AND asset = $2 FOR UPDATE
	`, accountID, asset).Scan(&availBefore, &escrBefore)
	if err != nil {
		return "", "", fmt.Errorf("lock balance row: %w", err)
	}

	beforeBig, _ := usdc.Parse(fmt.Sprintf("%.6f", availBefore))
	afterBig := new(big.Int).Add(beforeBig, availableDelta)
	if afterBig.Sign() < 0 {
		return "", "", ErrInsufficientBalance
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE ledger_balances SET
			available = available + $3,
			escrowed  = escrowed  + $4,
			updated_at = NOW()
		WHERE account_id = $1 AND asset = $2
	`, accountID, asset, usdc.Format(availableDelta), usdc.Format(escrowedDelta))
	if err != nil {
		return "", "", fmt.Errorf("apply balance delta: %w", err)
	}

	return usdc.Format(beforeBig), usdc.Format(afterBig), nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, accountID string, asset Asset, typ EntryType, amount, before, after, reference, counterparty, description string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries
			(id, account_id, asset, type, amount, balance_before, balance_after, reference, counterparty, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
	`, idgen.WithPrefix("le"), accountID, asset, typ, amount, before, after, reference, counterparty, description)
	return err
}

func (p *PostgresStore) Credit(ctx context.Context, accountID string, asset Asset, amount, reference, description string) error {
	return storex.WithTx(ctx, p.db, nil, func(tx *sql.Tx) error {
		amt, _ := usdc.Parse(amount)
		before, after, err := moveBalance(ctx, tx, accountID, asset, amt, big.NewInt(0))
		if err != nil {
			return err
		}
		return insertEntry(ctx, tx, accountID, asset, EntryCredit, amount, before, after, reference, "", description)
	})
}

func (p *PostgresStore) Debit(ctx context.Context, accountID string, asset Asset, amount, reference, description string) error {
	return storex.WithTx(ctx, p.db, nil, func(tx *sql.Tx) error {
		amt, _ := usdc.Parse(amount)
		before, after, err := moveBalance(ctx, tx, accountID, asset, new(big.Int).Neg(amt), big.NewInt(0))
		if err != nil {
			return err
		}
		return insertEntry(ctx, tx, accountID, asset, EntryDebit, amount, before, after, reference, "", description)
	})
}

func (p *PostgresStore) EscrowLock(ctx context.Context, accountID string, asset Asset, amount, reference string) error {
	return storex.WithTx(ctx, p.db, nil, func(tx *sql.Tx) error {
		amt, _ := usdc.Parse(amount)
		before, after, err := moveBalance(ctx, tx, accountID, asset, new(big.Int).Neg(amt), amt)
		if err != nil {
			return err
		}
		return insertEntry(ctx, tx, accountID, asset, EntryEscrowLock, amount, before, after, reference, "", "escrow lock")
	})
}

func (p *PostgresStore) ReleaseEscrow(ctx context.Context, buyerID, sellerID string, asset Asset, amount, reference string) error {
	return storex.WithTx(ctx, p.db, nil, func(tx *sql.Tx) error {
		amt, _ := usdc.Parse(amount)

		buyerBefore, buyerAfter, err := moveBalance(ctx, tx, buyerID, asset, big.NewInt(0), new(big.Int).Neg(amt))
		if err != nil {
			return err
		}
		if err := insertEntry(ctx, tx, buyerID, asset, EntryEscrowRelease, amount, buyerBefore, buyerAfter, reference, sellerID, "escrow release"); err != nil {
			return err
		}

		sellerBefore, sellerAfter, err := moveBalance(ctx, tx, sellerID, asset, amt, big.NewInt(0))
		if err != nil {
			return err
		}
		return insertEntry(ctx, tx, sellerID, asset, EntryEscrowRelease, amount, sellerBefore, sellerAfter, reference, buyerID, "escrow receive")
	})
}

func (p *PostgresStore) RefundEscrow(ctx context.Context, accountID string, asset Asset, amount, reference string) error {
	return storex.WithTx(ctx, p.db, nil, func(tx *sql.Tx) error {
		amt, _ := usdc.Parse(amount)
		before, after, err := moveBalance(ctx, tx, accountID, asset, amt, new(big.Int).Neg(amt))
		if err != nil {
			return err
		}
		return insertEntry(ctx, tx, accountID, asset, EntryEscrowRefund, amount, before, after, reference, "", "escrow refund")
	})
}

func (p *PostgresStore) CorridorLock(ctx context.Context, providerID string, amount, reference string) error {
	return storex.WithTx(ctx, p.db, nil, func(tx *sql.Tx) error {
		amt, _ := usdc.Parse(amount)
		before, after, err := moveBalance(ctx, tx, providerID, AssetSAED, new(big.Int).Neg(amt), amt)
		if err != nil {
			return err
		}
		return insertEntry(ctx, tx, providerID, AssetSAED, EntryCorridorSaedLock, amount, before, after, reference, "", "corridor sAED lock")
	})
}

func (p *PostgresStore) CorridorTransfer(ctx context.Context, providerID, recipientID string, amount, reference string) error {
	return storex.WithTx(ctx, p.db, nil, func(tx *sql.Tx) error {
		amt, _ := usdc.Parse(amount)

		provBefore, provAfter, err := moveBalance(ctx, tx, providerID, AssetSAED, big.NewInt(0), new(big.Int).Neg(amt))
		if err != nil {
			return err
		}
		if err := insertEntry(ctx, tx, providerID, AssetSAED, EntryCorridorSaedTransfer, amount, provBefore, provAfter, reference, recipientID, "corridor sAED transfer out"); err != nil {
			return err
		}

		recBefore, recAfter, err := moveBalance(ctx, tx, recipientID, AssetSAED, amt, big.NewInt(0))
		if err != nil {
			return err
		}
		return insertEntry(ctx, tx, recipientID, AssetSAED, EntryCorridorSaedTransfer, amount, recBefore, recAfter, reference, providerID, "corridor sAED transfer in")
	})
}

func (p *PostgresStore) CorridorRefund(ctx context.Context, providerID string, amount, reference string) error {
	return storex.WithTx(ctx, p.db, nil, func(tx *sql.Tx) error {
		amt, _ := usdc.Parse(amount)
		before, after, err := moveBalance(ctx, tx, providerID, AssetSAED, amt, new(big.Int).Neg(amt))
		if err != nil {
			return err
		}
		return insertEntry(ctx, tx, providerID, AssetSAED, EntryCorridorSaedRefund, amount, before, after, reference, "", "corridor sAED refund")
	})
}

func (p *PostgresStore) Transfer(ctx context.Context, fromID, toID string, asset Asset, amount, reference string) error {
	return storex.WithTx(ctx, p.db, nil, func(tx *sql.Tx) error {
		amt, _ := usdc.Parse(amount)

		fromBefore, fromAfter, err := moveBalance(ctx, tx, fromID, asset, new(big.Int).Neg(amt), big.NewInt(0))
		if err != nil {
			return err
		}
		if err := insertEntry(ctx, tx, fromID, asset, EntryTransfer, amount, fromBefore, fromAfter, reference, toID, "transfer out"); err != nil {
			return err
		}

		toBefore, toAfter, err := moveBalance(ctx, tx, toID, asset, amt, big.NewInt(0))
		if err != nil {
			return err
		}
		return insertEntry(ctx, tx, toID, asset, EntryTransfer, amount, toBefore, toAfter, reference, fromID, "transfer in")
	})
}

func (p *PostgresStore) SyntheticConvert(ctx context.Context, accountID string, debitAsset Asset, debitAmount string, creditAsset Asset, creditAmount string, reference string) error {
	return storex.WithTx(ctx, p.db, nil, func(tx *sql.Tx) error {
		debitAmt, _ := usdc.Parse(debitAmount)
		before, after, err := moveBalance(ctx, tx, accountID, debitAsset, new(big.Int).Neg(debitAmt), big.NewInt(0))
		if err != nil {
			return err
		}
		if err := insertEntry(ctx, tx, accountID, debitAsset, EntrySyntheticConversion, debitAmount, before, after, reference, "", "synthetic conversion debit"); err != nil {
			return err
		}

		creditAmt, _ := usdc.Parse(creditAmount)
		before, after, err = moveBalance(ctx, tx, accountID, creditAsset, creditAmt, big.NewInt(0))
		if err != nil {
			return err
		}
		return insertEntry(ctx, tx, accountID, creditAsset, EntrySyntheticConversion, creditAmount, before, after, reference, "", "synthetic conversion credit")
	})
}

func (p *PostgresStore) SumAllBalances(ctx context.Context, asset Asset) (available, escrowed string, err error) {
	var a, e float64
	err = p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(available), 0), COALESCE(SUM(escrowed), 0)
		FROM ledger_balances WHERE asset = $1
	`, asset).Scan(&a, &e)
	if err != nil {
		return "", "", err
	}
	return fmt.Sprintf("%.6f", a), fmt.Sprintf("%.6f", e), nil
}
