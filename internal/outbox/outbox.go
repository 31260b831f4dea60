// Package outbox drains the durable notification_outbox table the order
// engine writes into, retrying delivery with backoff independent of the
// inline subscription-fabric publish on the write path.
package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/corridor/internal/circuitbreaker"
	"github.com/mbd888/corridor/internal/metrics"
)

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusSent       = "sent"
	StatusFailed     = "failed"
)

// Row is one pending or historical notification delivery.
type Row struct {
	ID            string
	RecipientType string
	RecipientID   string
	EventType     string
	Payload       string
	Status        string
	Attempts      int
	LastError     string
	LastAttemptAt *time.Time
	CreatedAt     time.Time
	SentAt        *time.Time
}

// Store persists and claims notification_outbox rows.
type Store interface {
	// ClaimBatch selects up to batchSize eligible rows (status pending or
	// failed, attempts < maxAttempts, stale by retryWindow), locks them
	// skip-locked, marks them processing with last_attempt_at=now, and
	// returns the claimed rows — all in one transaction, so two workers
	// polling concurrently never claim the same row.
	ClaimBatch(ctx context.Context, now time.Time, retryWindow time.Duration, batchSize, maxAttempts int) ([]*Row, error)
	MarkSent(ctx context.Context, id string, now time.Time) error
	MarkFailed(ctx context.Context, id string, now time.Time, errMsg string, maxAttempts int) error
	DeleteSentOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// Deliverer performs the concrete downstream delivery of a claimed row.
// This is the documented plug point for a concrete external channel
// (email, SMS, third-party webhook relay); by default the inline
// subscription-fabric publish on the write path is the real delivery and
// this worker exists purely as the durable audit-and-retry substrate, so
// the default Deliverer is a no-op that always succeeds.
type Deliverer interface {
	Deliver(ctx context.Context, row *Row) error
}

type noopDeliverer struct{}

func (noopDeliverer) Deliver(ctx context.Context, row *Row) error { return nil }

// Service drains the outbox one cycle at a time.
type Service struct {
	store       Store
	deliver     Deliverer
	retryWindow time.Duration
	maxAttempts int
	logger      *slog.Logger
	breaker     *circuitbreaker.Breaker
}

// NewService creates an outbox drain service. deliver may be nil to use
// the default no-op (audit-only) delivery. A per-recipient circuit breaker
// guards the deliverer so a recipient channel that is failing repeatedly
// (a dead webhook endpoint, a downed SMS gateway) stops being hammered
// every cycle; the row stays pending and is retried once the breaker
// half-opens.
func NewService(store Store, deliver Deliverer, retryWindow time.Duration, maxAttempts int, logger *slog.Logger) *Service {
	if deliver == nil {
		deliver = noopDeliverer{}
	}
	if retryWindow <= 0 {
		retryWindow = 30 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Service{
		store: store, deliver: deliver, retryWindow: retryWindow, maxAttempts: maxAttempts, logger: logger,
		breaker: circuitbreaker.New(3, 30*time.Second),
	}
}

// RunCycle claims up to batchSize rows and processes each, returning the
// number claimed.
func (s *Service) RunCycle(ctx context.Context, now time.Time, batchSize int) (int, error) {
	rows, err := s.store.ClaimBatch(ctx, now, s.retryWindow, batchSize, s.maxAttempts)
	if err != nil {
		return 0, err
	}
	for _, row := range rows {
		s.processOutboxRecord(ctx, row, now)
	}
	return len(rows), nil
}

func (s *Service) processOutboxRecord(ctx context.Context, row *Row, now time.Time) {
	breakerKey := row.RecipientType + ":" + row.RecipientID
	if !s.breaker.Allow(breakerKey) {
		s.logger.Warn("outbox recipient circuit open, leaving row pending", "recipient", breakerKey)
		return
	}

	if err := s.deliver.Deliver(ctx, row); err != nil {
		s.breaker.RecordFailure(breakerKey)
		metrics.OutboxDispatchedTotal.WithLabelValues("failed").Inc()
		if merr := s.store.MarkFailed(ctx, row.ID, now, err.Error(), s.maxAttempts); merr != nil {
			s.logger.Error("mark outbox row failed", "id", row.ID, "error", merr)
		}
		return
	}
	s.breaker.RecordSuccess(breakerKey)
	metrics.OutboxDispatchedTotal.WithLabelValues("sent").Inc()
	if err := s.store.MarkSent(ctx, row.ID, now); err != nil {
		s.logger.Error("mark outbox row sent", "id", row.ID, "error", err)
	}
}

// Cleanup deletes sent rows older than 7 days.
func (s *Service) Cleanup(ctx context.Context, now time.Time) (int, error) {
	return s.store.DeleteSentOlderThan(ctx, now.Add(-7*24*time.Hour))
}
