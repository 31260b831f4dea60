package outbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type failingDeliverer struct {
	fail map[string]bool
}

func (d failingDeliverer) Deliver(ctx context.Context, row *Row) error {
	if d.fail[row.ID] {
		return errors.New("delivery failed")
	}
	return nil
}

func seedRow(store *MemoryStore, id string, createdAt time.Time) {
	store.Seed(&Row{ID: id, RecipientType: "order", RecipientID: "ord_1", EventType: "ORDER_CREATED", Payload: `{}`, Status: StatusPending, CreatedAt: createdAt})
}

func TestRunCycle_DeliversAndMarksSent(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	seedRow(store, "nob_1", now.Add(-time.Minute))

	svc := NewService(store, failingDeliverer{}, 30*time.Second, 5, testLogger())
	n, err := svc.RunCycle(context.Background(), now, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	row := store.rows["nob_1"]
	assert.Equal(t, StatusSent, row.Status)
	require.NotNil(t, row.SentAt)
}

func TestRunCycle_FailureReturnsRowToPendingUntilMaxAttempts(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	seedRow(store, "nob_1", now.Add(-time.Minute))

	svc := NewService(store, failingDeliverer{fail: map[string]bool{"nob_1": true}}, 30*time.Second, 2, testLogger())

	_, err := svc.RunCycle(context.Background(), now, 10)
	require.NoError(t, err)
	row := store.rows["nob_1"]
	assert.Equal(t, StatusPending, row.Status)
	assert.Equal(t, 1, row.Attempts)

	_, err = svc.RunCycle(context.Background(), now.Add(time.Hour), 10)
	require.NoError(t, err)
	row = store.rows["nob_1"]
	assert.Equal(t, StatusFailed, row.Status)
	assert.Equal(t, 2, row.Attempts)
}

func TestRunCycle_RespectsRetryWindow(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	seedRow(store, "nob_1", now.Add(-time.Minute))

	svc := NewService(store, failingDeliverer{fail: map[string]bool{"nob_1": true}}, 30*time.Second, 5, testLogger())
	_, err := svc.RunCycle(context.Background(), now, 10)
	require.NoError(t, err)

	// Re-running immediately should not reclaim the row: it's within the
	// retry window of its last attempt.
	n, err := svc.RunCycle(context.Background(), now.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = svc.RunCycle(context.Background(), now.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRunCycle_OrdersByCreatedAtAndRespectsBatchSize(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	seedRow(store, "nob_2", now.Add(-time.Minute))
	seedRow(store, "nob_1", now.Add(-2*time.Minute))
	seedRow(store, "nob_3", now.Add(-30*time.Second))

	svc := NewService(store, failingDeliverer{}, 30*time.Second, 5, testLogger())
	n, err := svc.RunCycle(context.Background(), now, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, StatusSent, store.rows["nob_1"].Status)
	assert.Equal(t, StatusSent, store.rows["nob_2"].Status)
	assert.Equal(t, StatusPending, store.rows["nob_3"].Status)
}

func TestCleanup_DeletesOldSentRows(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	old := now.Add(-10 * 24 * time.Hour)
	store.Seed(&Row{ID: "nob_old", Status: StatusSent, SentAt: &old, CreatedAt: old})
	recent := now.Add(-time.Hour)
	store.Seed(&Row{ID: "nob_recent", Status: StatusSent, SentAt: &recent, CreatedAt: recent})

	svc := NewService(store, nil, 30*time.Second, 5, testLogger())
	n, err := svc.Cleanup(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, stillThere := store.rows["nob_recent"]
	assert.True(t, stillThere)
}
