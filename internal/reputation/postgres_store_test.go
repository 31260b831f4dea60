//go:build integration

package reputation

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"github.com/mbd888/corridor/internal/batch"
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

	ctx := context.Background()
	if err := batch.NewPostgresStore(db).Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cleanup := func() {
		_, _ = db.ExecContext(ctx, "DELETE FROM reputation_events")
		_ = db.Close()
	}
	return NewPostgresStore(db), db, cleanup
}

func seedReputationEvent(t *testing.T, db *sql.DB, id, entityID string, scoreChange int, createdAt time.Time) {
	t.Helper()
	_, err := db.ExecContext(context.Background(), `
		INSERT INTO reputation_events (id, entity_id, entity_type, event_type, score_change, reason, created_at)
		VALUES ($1, $2, 'merchant', 'order_completed', $3, 'on-time settlement', $4)
	`, id, entityID, scoreChange, createdAt)
	if err != nil {
		t.Fatalf("seed reputation event %s failed: %v", id, err)
	}
}

func TestPostgresReputation_HistoryOrdersNewestFirst(t *testing.T) {
	store, db, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Now().UTC().Truncate(time.Microsecond)
	seedReputationEvent(t, db, "re_pg_1", "merchant_1", 5, now)
	seedReputationEvent(t, db, "re_pg_2", "merchant_1", -2, now.Add(time.Second))

	events, err := store.History(context.Background(), "merchant_1", 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].ID != "re_pg_2" {
		t.Errorf("expected newest event first (re_pg_2), got %s", events[0].ID)
	}
}

func TestPostgresReputation_SumAggregatesScoreChanges(t *testing.T) {
	store, db, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Now().UTC().Truncate(time.Microsecond)
	seedReputationEvent(t, db, "re_pg_3", "merchant_2", 5, now)
	seedReputationEvent(t, db, "re_pg_4", "merchant_2", 3, now.Add(time.Second))

	sum, err := store.Sum(context.Background(), "merchant_2")
	if err != nil {
		t.Fatalf("Sum failed: %v", err)
	}
	if sum != 8 {
		t.Errorf("expected sum 8, got %d", sum)
	}
}

func TestPostgresReputation_SumWithNoEventsIsZero(t *testing.T) {
	store, _, cleanup := setupTestDB(t)
	defer cleanup()

	sum, err := store.Sum(context.Background(), "merchant_unknown")
	if err != nil {
		t.Fatalf("Sum failed: %v", err)
	}
	if sum != 0 {
		t.Errorf("expected sum 0 for unknown entity, got %d", sum)
	}
}
