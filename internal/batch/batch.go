// Package batch coalesces the three high-frequency, append-only write
// streams that order processing produces — order events, notification
// outbox rows, and reputation events — into periodic multi-row inserts,
// instead of one transaction per row.
package batch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/corridor/internal/clock"
)

const (
	// DefaultFlushInterval is how long the buffer idles before a debounced
	// flush fires.
	DefaultFlushInterval = 50 * time.Millisecond
	// DefaultMaxBuffer triggers an immediate flush once any single buffer
	// reaches this many rows, so a burst doesn't wait out the debounce.
	DefaultMaxBuffer = 500
)

// OrderEvent is one audit-trail row for an order status change.
type OrderEvent struct {
	ID        string
	OrderID   string
	EventType string
	ActorType string
	ActorID   string
	Metadata  string // JSON
	CreatedAt time.Time
}

// OutboxRow is one pending notification delivery.
type OutboxRow struct {
	ID            string
	RecipientType string
	RecipientID   string
	EventType     string
	Payload       string // JSON
	CreatedAt     time.Time
}

// ReputationEvent is one append-only reputation score adjustment.
type ReputationEvent struct {
	ID          string
	EntityID    string
	EntityType  string
	EventType   string
	ScoreChange int
	Reason      string
	CreatedAt   time.Time
}

// Store performs the multi-row inserts the Writer buffers up for.
type Store interface {
	FlushOrderEvents(ctx context.Context, rows []OrderEvent) error
	FlushOutboxRows(ctx context.Context, rows []OutboxRow) error
	FlushReputationEvents(ctx context.Context, rows []ReputationEvent) error
}

// Writer buffers rows in memory and drains them on a debounce timer or
// once a buffer crosses maxBuffer, whichever comes first.
type Writer struct {
	store         Store
	clock         clock.Clock
	logger        *slog.Logger
	flushInterval time.Duration
	maxBuffer     int

	mu               sync.Mutex
	orderEvents      []OrderEvent
	outboxRows       []OutboxRow
	reputationEvents []ReputationEvent
	timer            *time.Timer
	closed           bool
}

// New creates a Writer with the default flush interval and buffer cap.
func New(store Store, clk clock.Clock, logger *slog.Logger) *Writer {
	return &Writer{
		store:         store,
		clock:         clk,
		logger:        logger,
		flushInterval: DefaultFlushInterval,
		maxBuffer:     DefaultMaxBuffer,
	}
}

// AddOrderEvent buffers e for the next flush.
func (w *Writer) AddOrderEvent(e OrderEvent) {
	w.mu.Lock()
	w.orderEvents = append(w.orderEvents, e)
	full := len(w.orderEvents) >= w.maxBuffer
	w.mu.Unlock()
	w.onAdd(full)
}

// AddOutboxRow buffers r for the next flush.
func (w *Writer) AddOutboxRow(r OutboxRow) {
	w.mu.Lock()
	w.outboxRows = append(w.outboxRows, r)
	full := len(w.outboxRows) >= w.maxBuffer
	w.mu.Unlock()
	w.onAdd(full)
}

// AddReputationEvent buffers e for the next flush.
func (w *Writer) AddReputationEvent(e ReputationEvent) {
	w.mu.Lock()
	w.reputationEvents = append(w.reputationEvents, e)
	full := len(w.reputationEvents) >= w.maxBuffer
	w.mu.Unlock()
	w.onAdd(full)
}

// onAdd either triggers an immediate async flush (buffer full) or arms the
// debounce timer to fire once after flushInterval of inactivity.
func (w *Writer) onAdd(full bool) {
	if full {
		go w.safeFlush()
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.timer == nil {
		w.timer = time.AfterFunc(w.flushInterval, w.safeFlush)
		return
	}
	w.timer.Reset(w.flushInterval)
}

func (w *Writer) safeFlush() {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("batch writer flush panicked", "panic", r)
		}
	}()
	if err := w.Flush(context.Background()); err != nil {
		w.logger.Error("batch writer flush failed", "error", err)
	}
}

// Flush drains all three buffers synchronously. Each stream flushes
// independently: a failure in one does not block or lose rows in another.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	orderEvents := w.orderEvents
	outboxRows := w.outboxRows
	reputationEvents := w.reputationEvents
	w.orderEvents = nil
	w.outboxRows = nil
	w.reputationEvents = nil
	w.mu.Unlock()

	var firstErr error
	if len(orderEvents) > 0 {
		if err := w.store.FlushOrderEvents(ctx, orderEvents); err != nil {
			w.logger.Error("flush order events failed", "count", len(orderEvents), "error", err)
			firstErr = err
		}
	}
	if len(outboxRows) > 0 {
		if err := w.store.FlushOutboxRows(ctx, outboxRows); err != nil {
			w.logger.Error("flush outbox rows failed", "count", len(outboxRows), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if len(reputationEvents) > 0 {
		if err := w.store.FlushReputationEvents(ctx, reputationEvents); err != nil {
			w.logger.Error("flush reputation events failed", "count", len(reputationEvents), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Shutdown stops the debounce timer and flushes whatever remains,
// synchronously, so a graceful shutdown never drops buffered rows.
func (w *Writer) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return w.Flush(ctx)
}

// Pending returns the current buffer sizes, for metrics/health reporting.
func (w *Writer) Pending() (orderEvents, outboxRows, reputationEvents int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.orderEvents), len(w.outboxRows), len(w.reputationEvents)
}
