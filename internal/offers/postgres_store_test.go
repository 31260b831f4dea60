//go:build integration

package offers

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
		_, _ = db.ExecContext(ctx, "DELETE FROM offers")
		_ = db.Close()
	}
	return store, cleanup
}

func testOffer(id, merchantID string, now time.Time) *Offer {
	return &Offer{
		ID: id, MerchantID: merchantID, CurrencyPair: "USDT/AED", Rate: "3.670000",
		TotalAmount: "1000.000000", AvailableAmount: "1000.000000",
		MinOrderAmount: "10.000000", MaxOrderAmount: "500.000000",
		Status: StatusActive, CreatedAt: now, UpdatedAt: now,
	}
}

func TestPostgresOffers_CreateAndGet(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	o := testOffer("off_pg_1", "merchant_1", now)
	if err := store.Create(ctx, o); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Rate != o.Rate {
		t.Errorf("Rate: got %s, want %s", got.Rate, o.Rate)
	}
}

func TestPostgresOffers_ReserveAndRestoreLiquidity(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	o := testOffer("off_pg_2", "merchant_1", now)
	if err := store.Create(ctx, o); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := store.ReserveLiquidity(ctx, o.ID, "400.000000"); err != nil {
		t.Fatalf("ReserveLiquidity failed: %v", err)
	}
	got, err := store.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("Get after reserve failed: %v", err)
	}
	if got.AvailableAmount != "600.000000" {
		t.Errorf("AvailableAmount after reserve: got %s, want 600.000000", got.AvailableAmount)
	}

	if err := store.ReserveLiquidity(ctx, o.ID, "700.000000"); err != ErrInsufficientLiquidity {
		t.Errorf("expected ErrInsufficientLiquidity, got %v", err)
	}

	if err := store.RestoreLiquidity(ctx, o.ID, "400.000000"); err != nil {
		t.Fatalf("RestoreLiquidity failed: %v", err)
	}
	got2, err := store.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("Get after restore failed: %v", err)
	}
	if got2.AvailableAmount != "1000.000000" {
		t.Errorf("AvailableAmount after restore: got %s, want 1000.000000", got2.AvailableAmount)
	}
}

func TestPostgresOffers_ListActiveFiltersByPairAndStatus(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	active := testOffer("off_pg_active", "merchant_1", now)
	if err := store.Create(ctx, active); err != nil {
		t.Fatalf("Create active failed: %v", err)
	}

	otherPair := testOffer("off_pg_other_pair", "merchant_1", now)
	otherPair.CurrencyPair = "USDT/SAR"
	if err := store.Create(ctx, otherPair); err != nil {
		t.Fatalf("Create other pair failed: %v", err)
	}

	inactive := testOffer("off_pg_inactive", "merchant_1", now)
	inactive.Status = "paused"
	if err := store.Create(ctx, inactive); err != nil {
		t.Fatalf("Create inactive failed: %v", err)
	}

	results, err := store.ListActive(ctx, "USDT/AED", 10)
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 active offer for USDT/AED, got %d", len(results))
	}
	if results[0].ID != active.ID {
		t.Errorf("expected %s, got %s", active.ID, results[0].ID)
	}
}
