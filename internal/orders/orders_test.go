package orders

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/corridor/internal/batch"
	"github.com/mbd888/corridor/internal/clock"
	"github.com/mbd888/corridor/internal/ledger"
	"github.com/mbd888/corridor/internal/offers"
	"github.com/mbd888/corridor/internal/statemachine"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	svc    *Service
	ledger *ledger.Ledger
	offers *offers.Service
	clk    *clock.Frozen
	bw     *batch.Writer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewFrozen(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	lg := ledger.New(ledger.NewMemoryStore())
	off := offers.New(offers.NewMemoryStore(), testLogger())
	bw := batch.New(batch.NewMemoryStore(), clk, testLogger())
	svc := New(NewMemoryStore(), lg, off, nil, nil, bw, clk, testLogger())
	return &harness{svc: svc, ledger: lg, offers: off, clk: clk, bw: bw}
}

func mustOffer(t *testing.T, h *harness, available string) *offers.Offer {
	t.Helper()
	o, err := h.offers.Create(context.Background(), "merchant_1", "USDT/AED", "3.670000", available, "1.000000", available)
	require.NoError(t, err)
	return o
}

func TestCreate_ReservesLiquidity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	offer := mustOffer(t, h, "1000.000000")

	o, err := h.svc.Create(ctx, CreateRequest{
		UserID: "user_1", MerchantID: "merchant_1", OfferID: offer.ID,
		Direction: DirectionBuy, PaymentMethod: PaymentBank,
		CryptoAmount: "100.000000", CryptoCurrency: "USDT",
		FiatAmount: "367.000000", FiatCurrency: "AED", Rate: "3.670000",
	})
	require.NoError(t, err)
	assert.Equal(t, statemachine.StatusPending, o.Status)
	assert.Equal(t, 1, o.OrderVersion)

	got, err := h.offers.Get(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, "900.000000", got.AvailableAmount)
}

func TestCreate_InsufficientLiquidityLeavesOfferUntouched(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	offer := mustOffer(t, h, "50.000000")

	_, err := h.svc.Create(ctx, CreateRequest{
		UserID: "user_1", MerchantID: "merchant_1", OfferID: offer.ID,
		Direction: DirectionBuy, PaymentMethod: PaymentBank,
		CryptoAmount: "100.000000", CryptoCurrency: "USDT",
		FiatAmount: "367.000000", FiatCurrency: "AED", Rate: "3.670000",
	})
	assert.ErrorIs(t, err, offers.ErrInsufficientLiquidity)

	got, err := h.offers.Get(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, "50.000000", got.AvailableAmount)
}

func createBuyOrder(t *testing.T, h *harness, cryptoAmount string) *Order {
	t.Helper()
	offer := mustOffer(t, h, "1000.000000")
	o, err := h.svc.Create(context.Background(), CreateRequest{
		UserID: "user_1", MerchantID: "merchant_1", OfferID: offer.ID,
		Direction: DirectionBuy, PaymentMethod: PaymentBank,
		CryptoAmount: cryptoAmount, CryptoCurrency: "USDT",
		FiatAmount: "367.000000", FiatCurrency: "AED", Rate: "3.670000",
	})
	require.NoError(t, err)
	return o
}

func TestTransition_PendingToAccepted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	o := createBuyOrder(t, h, "100.000000")

	got, err := h.svc.Transition(ctx, TransitionRequest{
		OrderID: o.ID, To: statemachine.StatusAccepted,
		Actor: statemachine.ActorRef{Type: statemachine.ActorMerchant, ID: "merchant_2"},
	})
	require.NoError(t, err)
	assert.Equal(t, statemachine.StatusAccepted, got.Status)
	assert.Equal(t, "merchant_2", got.BuyerMerchantID)
	assert.Equal(t, 2, got.OrderVersion)
	assert.NotNil(t, got.AcceptedAt)
}

func TestTransition_MerchantCannotAcceptOwnOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	o := createBuyOrder(t, h, "100.000000")

	_, err := h.svc.Transition(ctx, TransitionRequest{
		OrderID: o.ID, To: statemachine.StatusAccepted,
		Actor: statemachine.ActorRef{Type: statemachine.ActorMerchant, ID: "merchant_1"},
	})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func fundMerchant(t *testing.T, h *harness, merchantID, amount string) {
	t.Helper()
	require.NoError(t, h.ledger.Credit(context.Background(), merchantID, ledger.AssetUSDT, amount, "seed", "seed capital"))
}

func TestEscrowLock_MockMode_DebitsMerchantOnBuy(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	o := createBuyOrder(t, h, "100.000000")
	fundMerchant(t, h, "merchant_1", "500.000000")

	got, err := h.svc.EscrowLock(ctx, EscrowLockRequest{
		OrderID: o.ID, TxHash: "0xescrow1",
		Actor:    statemachine.ActorRef{Type: statemachine.ActorMerchant, ID: "merchant_1"},
		MockMode: true,
	})
	require.NoError(t, err)
	assert.Equal(t, statemachine.StatusEscrowed, got.Status)
	assert.Equal(t, "merchant", got.EscrowDebitedEntityType)
	assert.Equal(t, "merchant_1", got.EscrowDebitedEntityID)
	assert.Equal(t, "100.000000", got.EscrowDebitedAmount)

	bal, err := h.ledger.GetBalance(ctx, "merchant_1", ledger.AssetUSDT)
	require.NoError(t, err)
	assert.Equal(t, "400.000000", bal.Available)
	assert.Equal(t, "100.000000", bal.Escrowed)
}

func TestEscrowLock_AlreadyEscrowed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	o := createBuyOrder(t, h, "100.000000")
	fundMerchant(t, h, "merchant_1", "500.000000")

	_, err := h.svc.EscrowLock(ctx, EscrowLockRequest{
		OrderID: o.ID, TxHash: "0xescrow1",
		Actor: statemachine.ActorRef{Type: statemachine.ActorMerchant, ID: "merchant_1"}, MockMode: true,
	})
	require.NoError(t, err)

	_, err = h.svc.EscrowLock(ctx, EscrowLockRequest{
		OrderID: o.ID, TxHash: "0xescrow2",
		Actor: statemachine.ActorRef{Type: statemachine.ActorMerchant, ID: "merchant_1"}, MockMode: true,
	})
	assert.ErrorIs(t, err, ErrAlreadyEscrowed)
}

func TestRelease_CreditsBuyerOnBuyOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	o := createBuyOrder(t, h, "100.000000")
	fundMerchant(t, h, "merchant_1", "500.000000")

	_, err := h.svc.EscrowLock(ctx, EscrowLockRequest{
		OrderID: o.ID, TxHash: "0xescrow1",
		Actor: statemachine.ActorRef{Type: statemachine.ActorMerchant, ID: "merchant_1"}, MockMode: true,
	})
	require.NoError(t, err)

	got, err := h.svc.Release(ctx, o.ID, "0xrelease1", true)
	require.NoError(t, err)
	assert.Equal(t, statemachine.StatusCompleted, got.Status)
	assert.Equal(t, "0xrelease1", got.ReleaseTxHash)

	bal, err := h.ledger.GetBalance(ctx, "user_1", ledger.AssetUSDT)
	require.NoError(t, err)
	assert.Equal(t, "100.000000", bal.Available)
}

func TestCancelWithRefund_RestoresEscrowAndLiquidity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	o := createBuyOrder(t, h, "100.000000")
	fundMerchant(t, h, "merchant_1", "500.000000")

	_, err := h.svc.EscrowLock(ctx, EscrowLockRequest{
		OrderID: o.ID, TxHash: "0xescrow1",
		Actor: statemachine.ActorRef{Type: statemachine.ActorMerchant, ID: "merchant_1"}, MockMode: true,
	})
	require.NoError(t, err)

	got, err := h.svc.CancelWithRefund(ctx, o.ID, statemachine.ActorRef{Type: statemachine.ActorUser, ID: "user_1"}, "changed mind", "")
	require.NoError(t, err)
	assert.Equal(t, statemachine.StatusCancelled, got.Status)

	bal, err := h.ledger.GetBalance(ctx, "merchant_1", ledger.AssetUSDT)
	require.NoError(t, err)
	assert.Equal(t, "500.000000", bal.Available)
	assert.Equal(t, "0.000000", bal.Escrowed)

	offerGot, err := h.offers.Get(ctx, o.OfferID)
	require.NoError(t, err)
	assert.Equal(t, "1000.000000", offerGot.AvailableAmount)
}

func TestCancelWithRefund_NoDebitRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	o := createBuyOrder(t, h, "100.000000")

	_, err := h.svc.CancelWithRefund(ctx, o.ID, statemachine.ActorRef{Type: statemachine.ActorUser, ID: "user_1"}, "changed mind", "")
	assert.ErrorIs(t, err, ErrNoDebitRecord)
}

func TestExtend_RefusesPastCap(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	o := createBuyOrder(t, h, "100.000000")

	for i := 0; i < 3; i++ {
		_, err := h.svc.Extend(ctx, o.ID, "user_1", 30)
		require.NoError(t, err)
	}
	_, err := h.svc.Extend(ctx, o.ID, "user_1", 30)
	assert.ErrorIs(t, err, ErrMaxExtensions)
}

func TestExpireBatch_ExpiresStalePending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	o := createBuyOrder(t, h, "100.000000")

	h.clk.Advance(16 * time.Minute)

	count, err := h.svc.ExpireBatch(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := h.svc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, statemachine.StatusExpired, got.Status)

	offerGot, err := h.offers.Get(ctx, o.OfferID)
	require.NoError(t, err)
	assert.Equal(t, "1000.000000", offerGot.AvailableAmount)
}

func TestDisputeResolution_SplitCreditsBoth(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	o := createBuyOrder(t, h, "1000.000000")
	fundMerchant(t, h, "merchant_1", "5000.000000")

	_, err := h.svc.EscrowLock(ctx, EscrowLockRequest{
		OrderID: o.ID, TxHash: "0xescrow1",
		Actor: statemachine.ActorRef{Type: statemachine.ActorMerchant, ID: "merchant_1"}, MockMode: true,
	})
	require.NoError(t, err)

	_, err = h.svc.OpenDispute(ctx, o.ID, statemachine.ActorRef{Type: statemachine.ActorUser, ID: "user_1"}, "no payment received")
	require.NoError(t, err)

	_, err = h.svc.ProposeDisputeResolution(ctx, o.ID, statemachine.ActorRef{Type: statemachine.ActorUser, ID: "user_1"}, "split", 40, 60)
	require.NoError(t, err)

	got, err := h.svc.ConfirmDisputeResolution(ctx, o.ID, statemachine.ActorRef{Type: statemachine.ActorMerchant, ID: "merchant_1"})
	require.NoError(t, err)
	assert.Equal(t, statemachine.StatusCompleted, got.Status)

	userBal, err := h.ledger.GetBalance(ctx, "user_1", ledger.AssetUSDT)
	require.NoError(t, err)
	assert.Equal(t, "400.000000", userBal.Available)
}
