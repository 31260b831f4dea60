package conversion

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/corridor/internal/ledger"
)

type harness struct {
	svc    *Service
	ledger *ledger.Ledger
	store  *MemoryStore
}

func newHarness(t *testing.T, rate string) *harness {
	t.Helper()
	lg := ledger.New(ledger.NewMemoryStore())
	store := NewMemoryStore()
	svc := New(store, lg, rate)
	return &harness{svc: svc, ledger: lg, store: store}
}

func fund(t *testing.T, h *harness, accountID string, asset ledger.Asset, amount string) {
	t.Helper()
	require.NoError(t, h.ledger.Credit(context.Background(), accountID, asset, amount, "seed", "seed"))
}

func TestConvertUSDTToSAED_HappyPath(t *testing.T) {
	h := newHarness(t, "3.67")
	fund(t, h, "merchant_1", ledger.AssetUSDT, "1000.000000")

	c, err := h.svc.ConvertUSDTToSAED(context.Background(), ConvertRequest{
		AccountID: "merchant_1", Amount: "100.000000", Now: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, DirectionUSDTToSAED, c.Direction)
	assert.Equal(t, "36700", c.SaedAmountFils) // 100 * 3.67 * 100 fils, floor

	usdtBal, err := h.ledger.GetBalance(context.Background(), "merchant_1", ledger.AssetUSDT)
	require.NoError(t, err)
	assert.Equal(t, "900.000000", usdtBal.Available)

	saedBal, err := h.ledger.GetBalance(context.Background(), "merchant_1", ledger.AssetSAED)
	require.NoError(t, err)
	assert.Equal(t, "367.000000", saedBal.Available) // stored as AED decimal, fils precision
}

func TestConvertUSDTToSAED_FloorRoundingRejectsZeroOutput(t *testing.T) {
	h := newHarness(t, "3.67")
	fund(t, h, "merchant_1", ledger.AssetUSDT, "1000.000000")

	// 1 micro-USDT * 3.67 * 100 = 367 / 1_000_000 fils, floors to 0: no
	// value would be created, so the conversion is rejected rather than
	// silently debiting USDT for nothing.
	_, err := h.svc.ConvertUSDTToSAED(context.Background(), ConvertRequest{
		AccountID: "merchant_1", Amount: "0.000001", Now: time.Now(),
	})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	usdtBal, err := h.ledger.GetBalance(context.Background(), "merchant_1", ledger.AssetUSDT)
	require.NoError(t, err)
	assert.Equal(t, "1000.000000", usdtBal.Available)
}

func TestConvertUSDTToSAED_InsufficientBalance(t *testing.T) {
	h := newHarness(t, "3.67")
	fund(t, h, "merchant_1", ledger.AssetUSDT, "10.000000")

	_, err := h.svc.ConvertUSDTToSAED(context.Background(), ConvertRequest{
		AccountID: "merchant_1", Amount: "100.000000", Now: time.Now(),
	})
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestConvertUSDTToSAED_ExposureLimitExceeded(t *testing.T) {
	h := newHarness(t, "3.67")
	fund(t, h, "merchant_1", ledger.AssetUSDT, "1000.000000")

	// Exposure limit is floor(1000 * 3.67 * 100 * 0.9) = 330300 fils.
	// Converting all 1000 USDT would mint 367000 fils, over the limit.
	_, err := h.svc.ConvertUSDTToSAED(context.Background(), ConvertRequest{
		AccountID: "merchant_1", Amount: "1000.000000", Now: time.Now(),
	})
	assert.ErrorIs(t, err, ErrExposureLimitExceeded)

	// Balances must be untouched: the exposure check runs before the
	// ledger mutation.
	usdtBal, err := h.ledger.GetBalance(context.Background(), "merchant_1", ledger.AssetUSDT)
	require.NoError(t, err)
	assert.Equal(t, "1000.000000", usdtBal.Available)
}

func TestConvertUSDTToSAED_IdempotencyKeyReplaysResult(t *testing.T) {
	h := newHarness(t, "3.67")
	fund(t, h, "merchant_1", ledger.AssetUSDT, "1000.000000")

	first, err := h.svc.ConvertUSDTToSAED(context.Background(), ConvertRequest{
		AccountID: "merchant_1", Amount: "100.000000", IdempotencyKey: "key-1", Now: time.Now(),
	})
	require.NoError(t, err)

	second, err := h.svc.ConvertUSDTToSAED(context.Background(), ConvertRequest{
		AccountID: "merchant_1", Amount: "100.000000", IdempotencyKey: "key-1", Now: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// Only one debit should have happened.
	usdtBal, err := h.ledger.GetBalance(context.Background(), "merchant_1", ledger.AssetUSDT)
	require.NoError(t, err)
	assert.Equal(t, "900.000000", usdtBal.Available)
}

func TestConvertSAEDToUSDT_HappyPath(t *testing.T) {
	h := newHarness(t, "3.67")
	fund(t, h, "merchant_1", ledger.AssetSAED, "367.000000")

	c, err := h.svc.ConvertSAEDToUSDT(context.Background(), ConvertRequest{
		AccountID: "merchant_1", Amount: "367.00", Now: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, DirectionSAEDToUSDT, c.Direction)
	assert.Equal(t, "100.000000", c.UsdtAmount)

	saedBal, err := h.ledger.GetBalance(context.Background(), "merchant_1", ledger.AssetSAED)
	require.NoError(t, err)
	assert.Equal(t, "0.000000", saedBal.Available)

	usdtBal, err := h.ledger.GetBalance(context.Background(), "merchant_1", ledger.AssetUSDT)
	require.NoError(t, err)
	assert.Equal(t, "100.000000", usdtBal.Available)
}

func TestConvertSAEDToUSDT_InsufficientBalance(t *testing.T) {
	h := newHarness(t, "3.67")
	fund(t, h, "merchant_1", ledger.AssetSAED, "10.00")

	_, err := h.svc.ConvertSAEDToUSDT(context.Background(), ConvertRequest{
		AccountID: "merchant_1", Amount: "367.00", Now: time.Now(),
	})
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestConvertUSDTToSAED_InvalidAmountRejected(t *testing.T) {
	h := newHarness(t, "3.67")
	fund(t, h, "merchant_1", ledger.AssetUSDT, "1000.000000")

	_, err := h.svc.ConvertUSDTToSAED(context.Background(), ConvertRequest{
		AccountID: "merchant_1", Amount: "not-a-number", Now: time.Now(),
	})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}
