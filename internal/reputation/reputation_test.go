package reputation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(store *MemoryStore, entityID string, change int, at time.Time) {
	store.Seed(&Event{ID: "re_" + at.String(), EntityID: entityID, EntityType: "merchant", EventType: "completed", ScoreChange: change, CreatedAt: at})
}

func TestScore_SumsEvents(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	seed(store, "m_1", 5, now)
	seed(store, "m_1", 5, now.Add(time.Minute))
	seed(store, "m_1", -2, now.Add(2*time.Minute))

	svc := New(store)
	score, err := svc.Score(context.Background(), "m_1")
	require.NoError(t, err)
	assert.Equal(t, 8, score)
}

func TestScore_ClampsToZeroAndHundred(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	seed(store, "m_negative", -10, now)
	seed(store, "m_over", 60, now)
	seed(store, "m_over", 60, now.Add(time.Minute))

	svc := New(store)

	score, err := svc.Score(context.Background(), "m_negative")
	require.NoError(t, err)
	assert.Equal(t, 0, score)

	score, err = svc.Score(context.Background(), "m_over")
	require.NoError(t, err)
	assert.Equal(t, 100, score)
}

func TestScore_UnknownEntityIsZero(t *testing.T) {
	svc := New(NewMemoryStore())
	score, err := svc.Score(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, 0, score)
}

func TestHistory_NewestFirstAndRespectsLimit(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	seed(store, "m_1", 5, now)
	seed(store, "m_1", -2, now.Add(time.Minute))
	seed(store, "m_1", 5, now.Add(2*time.Minute))

	svc := New(store)
	events, err := svc.History(context.Background(), "m_1", 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 5, events[0].ScoreChange)
	assert.Equal(t, -2, events[1].ScoreChange)
}
