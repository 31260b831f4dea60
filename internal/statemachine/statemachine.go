// Package statemachine is the pure, in-memory validator of order status
// transitions. It holds no state and performs no I/O: every function here
// is total and deterministic given its inputs.
package statemachine

import "fmt"

// Status is an order's lifecycle state.
type Status string

const (
	StatusPending           Status = "pending"
	StatusAccepted          Status = "accepted"
	StatusEscrowed          Status = "escrowed"
	StatusPaymentSent       Status = "payment_sent"
	StatusPaymentConfirmed  Status = "payment_confirmed"
	StatusDisputed          Status = "disputed"
	StatusResolved          Status = "resolved"
	StatusCompleted         Status = "completed"
	StatusCancelled         Status = "cancelled"
	StatusExpired           Status = "expired"

	// Transient statuses. These describe an in-flight operation and must
	// never be written to a committed row; callers that pass one in get
	// ErrTransientStatus naming the normalized form to use instead.
	StatusEscrowPending Status = "escrow_pending"
	StatusReleasing     Status = "releasing"
)

// Actor identifies who is driving a transition.
type Actor string

const (
	ActorUser     Actor = "user"
	ActorMerchant Actor = "merchant"
	ActorSystem   Actor = "system"
	ActorAdmin    Actor = "admin"
)

// ActorRef identifies a specific actor for role-constraint checks.
type ActorRef struct {
	Type Actor
	ID   string
}

// TransitionContext carries the facts ValidateTransition needs beyond the
// bare (from, to) pair: who is acting, and whose order this is.
type TransitionContext struct {
	Actor            ActorRef
	UserID           string
	MerchantID       string
	BuyerMerchantID  string // set once a second merchant has claimed an M2M/escrowed order
	EscrowLocked     bool   // escrow_tx_hash already set
	ReleaseTxHash    string // non-empty once released
	IsM2M            bool   // merchant-initiated order awaiting another merchant's acceptance
}

// Result is the outcome of validating a transition.
type Result struct {
	Valid bool
	Error string // machine-checkable reason code, empty when Valid
}

func invalid(code string) Result { return Result{Valid: false, Error: code} }
func valid() Result              { return Result{Valid: true} }

var terminalStatuses = map[Status]bool{
	StatusCompleted: true,
	StatusCancelled: true,
	StatusExpired:   true,
}

// IsTerminal reports whether s is a final, settled state.
func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

var validStatuses = map[Status]bool{
	StatusPending: true, StatusAccepted: true, StatusEscrowed: true,
	StatusPaymentSent: true, StatusPaymentConfirmed: true, StatusDisputed: true,
	StatusResolved: true, StatusCompleted: true, StatusCancelled: true, StatusExpired: true,
}

// IsValidStatus reports whether s is a status that may be persisted (this
// excludes transient statuses, which are never valid as a stored value).
func IsValidStatus(s Status) bool {
	return validStatuses[s]
}

// IsTransientStatus reports whether s is an in-flight-only marker that must
// never be written to a committed row.
func IsTransientStatus(s Status) bool {
	return s == StatusEscrowPending || s == StatusReleasing
}

// NormalizeStatus collapses a transient status to the settled form a caller
// should have requested instead. Non-transient statuses pass through
// unchanged.
func NormalizeStatus(s Status) Status {
	switch s {
	case StatusEscrowPending:
		return StatusEscrowed
	case StatusReleasing:
		return StatusCompleted
	default:
		return s
	}
}

// adjacency encodes the DAG edges of §4.1, independent of actor constraints.
var adjacency = map[Status]map[Status]bool{
	StatusPending: {
		StatusAccepted:  true,
		StatusEscrowed:  true, // escrow-first creation already starts escrowed; PATCH may still re-affirm
		StatusCancelled: true,
		StatusExpired:   true,
	},
	StatusAccepted: {
		StatusEscrowed:  true,
		StatusCancelled: true,
		StatusExpired:   true,
		StatusDisputed:  true,
	},
	StatusEscrowed: {
		StatusPaymentSent: true,
		StatusCompleted:   true, // skip-ahead release path
		StatusDisputed:    true,
		StatusCancelled:   true, // cancel-with-refund
		StatusAccepted:    true, // no-op: acceptance does not regress an already-escrowed order
	},
	StatusPaymentSent: {
		StatusPaymentConfirmed: true,
		StatusCompleted:        true,
		StatusDisputed:         true,
	},
	StatusPaymentConfirmed: {
		StatusCompleted: true,
		StatusDisputed:  true,
	},
	StatusDisputed: {
		StatusResolved:  true,
		StatusCompleted: true,
		StatusCancelled: true,
	},
	StatusResolved: {
		StatusCompleted: true,
		StatusCancelled: true,
	},
}

// ValidateTransition checks whether (from -> to) is permitted for the given
// actor and order context. It is pure and total: it never touches storage.
func ValidateTransition(from, to Status, tc TransitionContext) Result {
	if IsTransientStatus(to) {
		return invalid(fmt.Sprintf("transient status %q may not be written; use %q", to, NormalizeStatus(to)))
	}
	if !IsValidStatus(to) {
		return invalid(fmt.Sprintf("unknown target status %q", to))
	}
	if IsTerminal(from) {
		return invalid("ORDER_ALREADY_TERMINAL")
	}

	// Acceptance does not regress an escrowed order; treat as a no-op success
	// rather than an error so callers racing acceptance against escrow lock
	// don't see a spurious failure.
	if from == StatusEscrowed && to == StatusAccepted {
		return valid()
	}

	edges, ok := adjacency[from]
	if !ok || !edges[to] {
		return invalid(fmt.Sprintf("INVALID_TRANSITION: %s -> %s", from, to))
	}

	if err := validateActorConstraint(from, to, tc); err != "" {
		return invalid(err)
	}

	// completed cannot be requested while escrow exists but hasn't released.
	if to == StatusCompleted && tc.EscrowLocked && tc.ReleaseTxHash == "" {
		return invalid("CANNOT_COMPLETE_WITHOUT_RELEASE")
	}

	return valid()
}

func validateActorConstraint(from, to Status, tc TransitionContext) string {
	switch to {
	case StatusExpired:
		if tc.Actor.Type != ActorSystem {
			return "UNAUTHORIZED: only system may expire an order"
		}
	case StatusAccepted:
		if tc.Actor.Type == ActorMerchant && tc.Actor.ID == tc.MerchantID && !tc.IsM2M {
			return "UNAUTHORIZED: merchant may not accept their own order unless it is M2M"
		}
	}
	return ""
}

// GetTransitionEventType returns the canonical audit-event name for a
// transition, e.g. "status_changed_to_escrowed".
func GetTransitionEventType(from, to Status) string {
	return fmt.Sprintf("status_changed_to_%s", to)
}

// ShouldRestoreLiquidity reports whether cancelling/expiring from `from` to
// `to` must restore the offer's consumed available_amount. Liquidity is
// consumed at order creation and stays consumed once a terminal settlement
// (completed) has used it; any non-terminal-settlement exit path gives it
// back.
func ShouldRestoreLiquidity(from, to Status) bool {
	if to != StatusCancelled && to != StatusExpired {
		return false
	}
	// Liquidity was already settled away by a completed order; nothing to
	// restore (this combination shouldn't occur since completed is terminal,
	// but guard it explicitly for total-function safety).
	if from == StatusCompleted {
		return false
	}
	return true
}
