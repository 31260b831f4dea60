//go:build integration

package corridor

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"github.com/mbd888/corridor/internal/pagination"
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
		_, _ = db.ExecContext(ctx, "DELETE FROM corridor_fulfillments")
		_, _ = db.ExecContext(ctx, "DELETE FROM corridor_providers")
		_ = db.Close()
	}
	return store, cleanup
}

func TestPostgresCorridor_UpsertAndGetProvider(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	p := &Provider{
		MerchantID: "lp_pg_1", Active: true, FeePercent: "2.50",
		MinAmount: "10.00", MaxAmount: "5000.00", Rating: 4.5,
	}
	if err := store.UpsertProvider(ctx, p); err != nil {
		t.Fatalf("UpsertProvider failed: %v", err)
	}

	got, err := store.GetProvider(ctx, "lp_pg_1")
	if err != nil {
		t.Fatalf("GetProvider failed: %v", err)
	}
	if got.FeePercent != "2.50" {
		t.Errorf("FeePercent: got %s, want 2.50", got.FeePercent)
	}

	// Upsert again changes fee in place.
	p.FeePercent = "1.00"
	if err := store.UpsertProvider(ctx, p); err != nil {
		t.Fatalf("second UpsertProvider failed: %v", err)
	}
	got2, err := store.GetProvider(ctx, "lp_pg_1")
	if err != nil {
		t.Fatalf("GetProvider after update failed: %v", err)
	}
	if got2.FeePercent != "1.00" {
		t.Errorf("FeePercent after update: got %s, want 1.00", got2.FeePercent)
	}
}

func TestPostgresCorridor_ListByProviderPagesByCursor(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	require := func(err error) {
		if err != nil {
			t.Fatalf("setup failed: %v", err)
		}
	}
	require(store.UpsertProvider(ctx, &Provider{MerchantID: "lp_pg_2", Active: true, FeePercent: "2.00", MinAmount: "1.00", MaxAmount: "1000.00", Rating: 5}))

	base := time.Now().UTC().Truncate(time.Microsecond)
	for i := 0; i < 5; i++ {
		f := &Fulfillment{
			ID: "fl_pg_" + string(rune('a'+i)), OrderID: "ord_" + string(rune('a'+i)),
			BuyerID: "buyer_1", ProviderMerchantID: "lp_pg_2",
			SaedAmountLocked: "10.000000", FiatAmount: "36.700000", CorridorFee: "0.200000",
			SendDeadline: base.Add(time.Hour), ProviderStatus: StatusPending,
			AssignedAt: base.Add(time.Duration(i) * time.Minute), UpdatedAt: base,
		}
		require(store.CreateFulfillment(ctx, f))
	}

	firstPage, err := store.ListByProvider(ctx, "lp_pg_2", nil, 3)
	if err != nil {
		t.Fatalf("ListByProvider page 1 failed: %v", err)
	}
	if len(firstPage) != 3 {
		t.Fatalf("expected 3 results in page 1, got %d", len(firstPage))
	}

	last := firstPage[len(firstPage)-1]
	cursor := &pagination.Cursor{CreatedAt: last.AssignedAt, ID: last.ID}

	secondPage, err := store.ListByProvider(ctx, "lp_pg_2", cursor, 3)
	if err != nil {
		t.Fatalf("ListByProvider page 2 failed: %v", err)
	}
	if len(secondPage) != 2 {
		t.Fatalf("expected 2 results in page 2, got %d", len(secondPage))
	}

	seen := map[string]bool{}
	for _, f := range firstPage {
		seen[f.ID] = true
	}
	for _, f := range secondPage {
		if seen[f.ID] {
			t.Errorf("fulfillment %s appeared in both pages", f.ID)
		}
	}
}
