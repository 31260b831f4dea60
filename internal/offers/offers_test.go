package offers

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService() *Service {
	return New(NewMemoryStore(), testLogger())
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	s := newTestService()

	o, err := s.Create(ctx, "merchant_1", "USDT/AED", "3.670000", "1000.000000", "10.000000", "500.000000")
	require.NoError(t, err)
	assert.Equal(t, "1000.000000", o.AvailableAmount)
	assert.Equal(t, StatusActive, o.Status)
}

func TestReserveLiquidity(t *testing.T) {
	ctx := context.Background()
	s := newTestService()

	o, err := s.Create(ctx, "merchant_1", "USDT/AED", "3.670000", "100.000000", "1.000000", "50.000000")
	require.NoError(t, err)

	require.NoError(t, s.ReserveLiquidity(ctx, o.ID, "40.000000"))

	got, err := s.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "60.000000", got.AvailableAmount)
}

func TestReserveLiquidity_Insufficient(t *testing.T) {
	ctx := context.Background()
	s := newTestService()

	o, err := s.Create(ctx, "merchant_1", "USDT/AED", "3.670000", "10.000000", "1.000000", "5.000000")
	require.NoError(t, err)

	err = s.ReserveLiquidity(ctx, o.ID, "20.000000")
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)
}

func TestRestoreLiquidity(t *testing.T) {
	ctx := context.Background()
	s := newTestService()

	o, err := s.Create(ctx, "merchant_1", "USDT/AED", "3.670000", "100.000000", "1.000000", "50.000000")
	require.NoError(t, err)

	require.NoError(t, s.ReserveLiquidity(ctx, o.ID, "40.000000"))
	require.NoError(t, s.RestoreLiquidity(ctx, o.ID, "40.000000"))

	got, err := s.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "100.000000", got.AvailableAmount)
}

func TestListActive_FiltersByStatusAndLiquidity(t *testing.T) {
	ctx := context.Background()
	s := newTestService()

	active, err := s.Create(ctx, "merchant_1", "USDT/AED", "3.670000", "100.000000", "1.000000", "50.000000")
	require.NoError(t, err)

	drained, err := s.Create(ctx, "merchant_2", "USDT/AED", "3.650000", "0.000000", "1.000000", "50.000000")
	require.NoError(t, err)

	paused, err := s.Create(ctx, "merchant_3", "USDT/AED", "3.600000", "100.000000", "1.000000", "50.000000")
	require.NoError(t, err)
	require.NoError(t, s.Pause(ctx, paused.ID))

	list, err := s.ListActive(ctx, "USDT/AED", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, active.ID, list[0].ID)
	_ = drained
}
