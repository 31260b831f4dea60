package corridor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/corridor/internal/ledger"
	"github.com/mbd888/corridor/internal/pagination"
	"github.com/mbd888/corridor/internal/usdc"
)

func assertSameAmount(t *testing.T, want, got string) {
	t.Helper()
	w, ok := usdc.Parse(want)
	require.True(t, ok)
	g, ok := usdc.Parse(got)
	require.True(t, ok)
	assert.Equal(t, 0, w.Cmp(g), "want %s got %s", want, got)
}

type fakeOrderLinker struct {
	linked   map[string]string
	unlinked map[string]bool
}

func newFakeOrderLinker() *fakeOrderLinker {
	return &fakeOrderLinker{linked: map[string]string{}, unlinked: map[string]bool{}}
}

func (f *fakeOrderLinker) LinkCorridorFulfillment(ctx context.Context, orderID, fulfillmentID string) error {
	f.linked[orderID] = fulfillmentID
	return nil
}

func (f *fakeOrderLinker) UnlinkCorridorFulfillment(ctx context.Context, orderID string) error {
	f.unlinked[orderID] = true
	return nil
}

type harness struct {
	svc    *Service
	ledger *ledger.Ledger
	orders *fakeOrderLinker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	lg := ledger.New(ledger.NewMemoryStore())
	orders := newFakeOrderLinker()
	svc := New(NewMemoryStore(), lg, orders)
	return &harness{svc: svc, ledger: lg, orders: orders}
}

func mustProvider(t *testing.T, h *harness, merchantID, feePercent string) {
	t.Helper()
	require.NoError(t, h.svc.UpsertProvider(context.Background(), &Provider{
		MerchantID: merchantID, Active: true, FeePercent: feePercent,
		MinAmount: "10.00", MaxAmount: "10000.00", Rating: 5.0,
	}))
}

func fundBuyer(t *testing.T, h *harness, buyerID, amount string) {
	t.Helper()
	require.NoError(t, h.ledger.Credit(context.Background(), buyerID, ledger.AssetSAED, amount, "seed", "seed"))
}

var fixedNow = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func TestMatch_SelectsCheapestFeeAndLocksBuyer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	mustProvider(t, h, "lp_expensive", "5.00")
	mustProvider(t, h, "lp_cheap", "2.00")
	fundBuyer(t, h, "user_1", "1000.00")

	f, err := h.svc.Match(ctx, MatchRequest{
		OrderID: "ord_1", BuyerID: "user_1", SellerID: "merchant_1",
		FiatAmount: "367.00", Now: fixedNow,
	})
	require.NoError(t, err)
	assert.Equal(t, "lp_cheap", f.ProviderMerchantID)
	assert.Equal(t, StatusPending, f.ProviderStatus)
	assert.Equal(t, fixedNow.Add(30*time.Minute), f.SendDeadline)
	assert.Equal(t, f.ID, h.orders.linked["ord_1"])

	bal, err := h.ledger.GetBalance(ctx, "user_1", ledger.AssetSAED)
	require.NoError(t, err)
	assert.Equal(t, "625.660000", bal.Available)
	assert.Equal(t, "374.340000", bal.Escrowed)
}

func TestMatch_ExcludesBuyerAndSeller(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	mustProvider(t, h, "user_1", "1.00")
	fundBuyer(t, h, "user_1", "1000.00")

	_, err := h.svc.Match(ctx, MatchRequest{
		OrderID: "ord_1", BuyerID: "user_1", SellerID: "merchant_1",
		FiatAmount: "100.00", Now: fixedNow,
	})
	assert.ErrorIs(t, err, ErrNoLPAvailable)
}

func TestMatch_InsufficientSAEDLeavesOrderUnlinked(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	mustProvider(t, h, "lp_1", "2.00")
	fundBuyer(t, h, "user_1", "10.00")

	_, err := h.svc.Match(ctx, MatchRequest{
		OrderID: "ord_1", BuyerID: "user_1", SellerID: "merchant_1",
		FiatAmount: "367.00", Now: fixedNow,
	})
	assert.ErrorIs(t, err, ErrInsufficientSAED)
	assert.Empty(t, h.orders.linked)
}

func TestMarkPaymentSent_RequiresAssignedProvider(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	mustProvider(t, h, "lp_1", "2.00")
	fundBuyer(t, h, "user_1", "1000.00")

	f, err := h.svc.Match(ctx, MatchRequest{
		OrderID: "ord_1", BuyerID: "user_1", SellerID: "merchant_1", FiatAmount: "100.00", Now: fixedNow,
	})
	require.NoError(t, err)

	_, err = h.svc.MarkPaymentSent(ctx, f.ID, "someone_else", fixedNow)
	assert.ErrorIs(t, err, ErrUnauthorized)

	updated, err := h.svc.MarkPaymentSent(ctx, f.ID, "lp_1", fixedNow.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StatusPaymentSent, updated.ProviderStatus)
}

func TestBridgeOnCompletion_CreditsProviderAndIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	mustProvider(t, h, "lp_1", "2.00")
	fundBuyer(t, h, "user_1", "1000.00")

	f, err := h.svc.Match(ctx, MatchRequest{
		OrderID: "ord_1", BuyerID: "user_1", SellerID: "merchant_1", FiatAmount: "100.00", Now: fixedNow,
	})
	require.NoError(t, err)

	require.NoError(t, h.svc.BridgeOnCompletion(ctx, f.ID, fixedNow.Add(time.Hour)))

	bal, err := h.ledger.GetBalance(ctx, "lp_1", ledger.AssetSAED)
	require.NoError(t, err)
	assertSameAmount(t, f.SaedAmountLocked, bal.Available)

	// second call is a no-op: balance must not double-credit.
	require.NoError(t, h.svc.BridgeOnCompletion(ctx, f.ID, fixedNow.Add(2*time.Hour)))
	bal2, err := h.ledger.GetBalance(ctx, "lp_1", ledger.AssetSAED)
	require.NoError(t, err)
	assert.Equal(t, bal.Available, bal2.Available)
}

func TestRefundOverdue_RefundsBuyerAndDetachesOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	mustProvider(t, h, "lp_1", "2.00")
	fundBuyer(t, h, "user_1", "1000.00")

	f, err := h.svc.Match(ctx, MatchRequest{
		OrderID: "ord_1", BuyerID: "user_1", SellerID: "merchant_1", FiatAmount: "100.00", Now: fixedNow,
	})
	require.NoError(t, err)

	past := fixedNow.Add(30*time.Minute + time.Second)
	count, err := h.svc.RefundOverdue(ctx, past, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	bal, err := h.ledger.GetBalance(ctx, "user_1", ledger.AssetSAED)
	require.NoError(t, err)
	assert.Equal(t, "1000.000000", bal.Available)
	assert.Equal(t, "0.000000", bal.Escrowed)

	updated, err := h.svc.GetFulfillment(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, updated.ProviderStatus)
	assert.True(t, h.orders.unlinked["ord_1"])
}

func TestRefundOverdue_IgnoresUnexpiredFulfillments(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	mustProvider(t, h, "lp_1", "2.00")
	fundBuyer(t, h, "user_1", "1000.00")

	_, err := h.svc.Match(ctx, MatchRequest{
		OrderID: "ord_1", BuyerID: "user_1", SellerID: "merchant_1", FiatAmount: "100.00", Now: fixedNow,
	})
	require.NoError(t, err)

	count, err := h.svc.RefundOverdue(ctx, fixedNow.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestListByProvider_PagesByCursor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	mustProvider(t, h, "lp_1", "2.00")
	fundBuyer(t, h, "user_1", "10000.00")

	for i := 0; i < 5; i++ {
		orderID := fmt.Sprintf("ord_%d", i)
		_, err := h.svc.Match(ctx, MatchRequest{
			OrderID: orderID, BuyerID: "user_1", SellerID: "merchant_1",
			FiatAmount: "100.00", Now: fixedNow.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	firstPage, err := h.svc.ListByProvider(ctx, "lp_1", nil, 3)
	require.NoError(t, err)
	require.Len(t, firstPage, 3)

	last := firstPage[len(firstPage)-1]
	cursor := &pagination.Cursor{CreatedAt: last.AssignedAt, ID: last.ID}

	secondPage, err := h.svc.ListByProvider(ctx, "lp_1", cursor, 3)
	require.NoError(t, err)
	assert.Len(t, secondPage, 2)

	seen := map[string]bool{}
	for _, f := range firstPage {
		seen[f.ID] = true
	}
	for _, f := range secondPage {
		assert.False(t, seen[f.ID], "page 2 must not repeat page 1's fulfillments")
	}
}
