// Package invariant performs small, read-only, post-commit checks of
// order release and refund outcomes against the state the caller expected
// to have just committed.
package invariant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrRefundInvariantFailed is surfaced to the HTTP layer as a 500 when a
// post-refund check fails, per spec §4.7.
var ErrRefundInvariantFailed = errors.New("ORDER_REFUND_INVARIANT_FAILED")

// Snapshot is the minimal order state the verifier reads back.
type Snapshot struct {
	Status        string
	OrderVersion  int
	ReleaseTxHash string
	CancelledAt   *time.Time
}

// Fetcher re-reads an order's current persisted state. Implemented by an
// adapter the order engine supplies, so this package never imports
// internal/orders.
type Fetcher interface {
	FetchOrderSnapshot(ctx context.Context, orderID string) (Snapshot, error)
}

// Verifier runs the release/refund post-commit checks.
type Verifier struct {
	fetch  Fetcher
	logger *slog.Logger
}

// New creates a Verifier.
func New(fetch Fetcher, logger *slog.Logger) *Verifier {
	return &Verifier{fetch: fetch, logger: logger}
}

// ReleaseExpectation is what a just-committed release is expected to have
// produced.
type ReleaseExpectation struct {
	OrderID             string
	ExpectedTxHash      string
	ExpectedMinVersion  int
}

// VerifyRelease checks status==completed, the release tx-hash is
// populated, and order_version has advanced at least to the expected
// floor. Failures are logged at Error with an errorCode attribute but
// never surfaced to the caller — the money has already moved on-chain.
func (v *Verifier) VerifyRelease(ctx context.Context, exp ReleaseExpectation) {
	snap, err := v.fetch.FetchOrderSnapshot(ctx, exp.OrderID)
	if err != nil {
		v.logger.Error("invariant verify release: fetch failed", "order_id", exp.OrderID, "error", err,
			"errorCode", "ORDER_RELEASE_INVARIANT_FAILED")
		return
	}

	var failures []string
	if snap.Status != "completed" {
		failures = append(failures, fmt.Sprintf("status=%q, want completed", snap.Status))
	}
	if snap.ReleaseTxHash == "" {
		failures = append(failures, "release_tx_hash is empty")
	}
	if snap.OrderVersion < exp.ExpectedMinVersion {
		failures = append(failures, fmt.Sprintf("order_version=%d, want >= %d", snap.OrderVersion, exp.ExpectedMinVersion))
	}
	if len(failures) == 0 {
		return
	}
	v.logger.Error("order release invariant failed", "order_id", exp.OrderID, "failures", failures,
		"errorCode", "ORDER_RELEASE_INVARIANT_FAILED")
}

// RefundExpectation is what a just-committed cancel-with-refund is
// expected to have produced.
type RefundExpectation struct {
	OrderID            string
	ExpectedMinVersion int
}

// VerifyRefund checks status=='cancelled' and cancelled_at is set; on
// failure it logs critically and returns ErrRefundInvariantFailed, which
// the HTTP layer maps to a 500 per spec §4.7 — unlike release, a bad
// refund state must not be silently swallowed.
func (v *Verifier) VerifyRefund(ctx context.Context, exp RefundExpectation) error {
	snap, err := v.fetch.FetchOrderSnapshot(ctx, exp.OrderID)
	if err != nil {
		v.logger.Error("invariant verify refund: fetch failed", "order_id", exp.OrderID, "error", err,
			"errorCode", "ORDER_REFUND_INVARIANT_FAILED")
		return fmt.Errorf("%w: %v", ErrRefundInvariantFailed, err)
	}

	var failures []string
	if snap.Status != "cancelled" {
		failures = append(failures, fmt.Sprintf("status=%q, want cancelled", snap.Status))
	}
	if snap.CancelledAt == nil {
		failures = append(failures, "cancelled_at is nil")
	}
	if snap.OrderVersion < exp.ExpectedMinVersion {
		failures = append(failures, fmt.Sprintf("order_version=%d, want >= %d", snap.OrderVersion, exp.ExpectedMinVersion))
	}
	if len(failures) == 0 {
		return nil
	}
	v.logger.Error("order refund invariant failed", "order_id", exp.OrderID, "failures", failures,
		"errorCode", "ORDER_REFUND_INVARIANT_FAILED")
	return ErrRefundInvariantFailed
}
