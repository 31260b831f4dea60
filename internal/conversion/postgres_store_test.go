//go:build integration

package conversion

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
)

func setupTestDB(t *testing.T) (*PostgresStore, func()) {
	t.Helper()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("connect to database: %v", err)
	}

	store := NewPostgresStore(db)
	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cleanup := func() {
		_, _ = db.ExecContext(ctx, "DELETE FROM merchant_transactions")
		_, _ = db.ExecContext(ctx, "DELETE FROM conversions")
		_ = db.Close()
	}
	return store, cleanup
}

func TestPostgresConversion_CreateAndIdempotencyLookup(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	c := &Conversion{
		ID: "cv_pg_1", AccountID: "user_1", Direction: DirectionUSDTToSAED,
		UsdtAmount: "100.000000", SaedAmountFils: "36700", Rate: "3.670000",
		IdempotencyKey: "idem-key-1", CreatedAt: now,
	}
	if err := store.Create(ctx, c); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.GetByIdempotencyKey(ctx, "user_1", "idem-key-1")
	if err != nil {
		t.Fatalf("GetByIdempotencyKey failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected a conversion, got nil")
	}
	if got.ID != c.ID {
		t.Errorf("ID: got %s, want %s", got.ID, c.ID)
	}

	missing, err := store.GetByIdempotencyKey(ctx, "user_1", "no-such-key")
	if err != nil {
		t.Fatalf("GetByIdempotencyKey for missing key failed: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for unknown key, got %+v", missing)
	}
}

func TestPostgresConversion_RecordMerchantTransaction(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	tx := &MerchantTransaction{
		ID: "mt_pg_1", MerchantID: "merchant_1", Kind: "conversion",
		ReferenceID: "cv_pg_2", Amount: "100.000000", Asset: "USDT", CreatedAt: now,
	}
	if err := store.RecordMerchantTransaction(ctx, tx); err != nil {
		t.Fatalf("RecordMerchantTransaction failed: %v", err)
	}
}
