//go:build integration

package batch

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
)

func setupTestDB(t *testing.T) (*PostgresStore, *sql.DB, func()) {
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
		_, _ = db.ExecContext(ctx, "DELETE FROM order_events")
		_, _ = db.ExecContext(ctx, "DELETE FROM notification_outbox")
		_, _ = db.ExecContext(ctx, "DELETE FROM reputation_events")
		_ = db.Close()
	}
	return store, db, cleanup
}

func TestPostgresBatch_FlushOrderEventsMultiRow(t *testing.T) {
	store, db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	rows := []OrderEvent{
		{ID: "oe_1", OrderID: "ord_1", EventType: "created", ActorType: "user", ActorID: "user_1", Metadata: "{}", CreatedAt: now},
		{ID: "oe_2", OrderID: "ord_1", EventType: "accepted", ActorType: "merchant", ActorID: "merchant_1", Metadata: "{}", CreatedAt: now.Add(time.Second)},
	}
	if err := store.FlushOrderEvents(ctx, rows); err != nil {
		t.Fatalf("FlushOrderEvents failed: %v", err)
	}

	var count int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM order_events WHERE order_id = $1", "ord_1").Scan(&count); err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 order events, got %d", count)
	}
}

func TestPostgresBatch_FlushOutboxRows(t *testing.T) {
	store, db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	rows := []OutboxRow{
		{ID: "ob_1", RecipientType: "user", RecipientID: "user_1", EventType: "order.completed", Payload: "{}", CreatedAt: now},
	}
	if err := store.FlushOutboxRows(ctx, rows); err != nil {
		t.Fatalf("FlushOutboxRows failed: %v", err)
	}

	var status string
	if err := db.QueryRowContext(ctx, "SELECT status FROM notification_outbox WHERE id = $1", "ob_1").Scan(&status); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if status != "pending" {
		t.Errorf("expected pending status, got %s", status)
	}
}

func TestPostgresBatch_FlushReputationEvents(t *testing.T) {
	store, db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	rows := []ReputationEvent{
		{ID: "re_1", EntityID: "merchant_1", EntityType: "merchant", EventType: "order_completed", ScoreChange: 5, Reason: "on-time settlement", CreatedAt: now},
	}
	if err := store.FlushReputationEvents(ctx, rows); err != nil {
		t.Fatalf("FlushReputationEvents failed: %v", err)
	}

	var sum int
	if err := db.QueryRowContext(ctx, "SELECT SUM(score_change) FROM reputation_events WHERE entity_id = $1", "merchant_1").Scan(&sum); err != nil {
		t.Fatalf("sum query failed: %v", err)
	}
	if sum != 5 {
		t.Errorf("expected score sum 5, got %d", sum)
	}
}
