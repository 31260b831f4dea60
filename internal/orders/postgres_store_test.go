//go:build integration

package orders

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"github.com/mbd888/corridor/internal/statemachine"
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
		_, _ = db.ExecContext(ctx, "DELETE FROM orders")
		_ = db.Close()
	}
	return store, cleanup
}

func testOrder(id string, now time.Time) *Order {
	return &Order{
		ID:             id,
		Number:         "ORD-" + id,
		UserID:         "user_1",
		MerchantID:     "merchant_1",
		OfferID:        "off_1",
		Direction:      DirectionBuy,
		PaymentMethod:  PaymentBank,
		PaymentVia:     PaymentViaBank,
		CryptoAmount:   "100.000000",
		CryptoCurrency: "USDT",
		FiatAmount:     "367.000000",
		FiatCurrency:   "AED",
		Rate:           "3.670000",
		Status:         statemachine.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      ptrTime(now.Add(30 * time.Minute)),
		OrderVersion:   1,
	}
}

func ptrTime(t time.Time) *time.Time { return &t }

func TestPostgresOrders_CreateAndGet(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	o := testOrder("ord_pg_1", now)

	if err := store.Create(ctx, o); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Number != o.Number {
		t.Errorf("Number: got %s, want %s", got.Number, o.Number)
	}
	if got.Status != statemachine.StatusPending {
		t.Errorf("Status: got %s, want %s", got.Status, statemachine.StatusPending)
	}
	if got.FiatAmount != o.FiatAmount {
		t.Errorf("FiatAmount: got %s, want %s", got.FiatAmount, o.FiatAmount)
	}
}

func TestPostgresOrders_GetNotFound(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	_, err := store.Get(context.Background(), "ord_nonexistent")
	if err != ErrOrderNotFound {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestPostgresOrders_MutateAppliesInSameTransaction(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	o := testOrder("ord_pg_2", now)
	if err := store.Create(ctx, o); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	updated, err := store.Mutate(ctx, o.ID, func(cur *Order) error {
		cur.Status = statemachine.StatusAccepted
		cur.AcceptedAt = ptrTime(now.Add(time.Minute))
		return nil
	})
	if err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}
	if updated.Status != statemachine.StatusAccepted {
		t.Errorf("Status: got %s, want %s", updated.Status, statemachine.StatusAccepted)
	}

	got, err := store.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("Get after mutate failed: %v", err)
	}
	if got.Status != statemachine.StatusAccepted {
		t.Errorf("persisted status: got %s, want %s", got.Status, statemachine.StatusAccepted)
	}
}

func TestPostgresOrders_ListExpirable(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	expired := testOrder("ord_pg_exp", now)
	expired.ExpiresAt = ptrTime(now.Add(-time.Minute))
	if err := store.Create(ctx, expired); err != nil {
		t.Fatalf("Create expired failed: %v", err)
	}

	notExpired := testOrder("ord_pg_fresh", now)
	notExpired.ExpiresAt = ptrTime(now.Add(time.Hour))
	if err := store.Create(ctx, notExpired); err != nil {
		t.Fatalf("Create fresh failed: %v", err)
	}

	done := testOrder("ord_pg_done", now)
	done.ExpiresAt = ptrTime(now.Add(-time.Minute))
	done.Status = statemachine.StatusCompleted
	if err := store.Create(ctx, done); err != nil {
		t.Fatalf("Create completed failed: %v", err)
	}

	results, err := store.ListExpirable(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListExpirable failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 expirable order, got %d", len(results))
	}
	if results[0].ID != expired.ID {
		t.Errorf("expected %s, got %s", expired.ID, results[0].ID)
	}
}
