package corridor

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/corridor/internal/clock"
	"github.com/mbd888/corridor/internal/heartbeat"
	"github.com/mbd888/corridor/internal/retry"
)

// TimeoutWorker is Worker K: it periodically refunds overdue corridor
// fulfillments, shaped like reconciliation.Timer's ticker/safeRun loop.
type TimeoutWorker struct {
	service   *Service
	clock     clock.Clock
	interval  time.Duration
	batchSize int
	heartbeat *heartbeat.Writer
	logger    *slog.Logger
	stop      chan struct{}
	running   atomic.Bool
}

// NewTimeoutWorker creates Worker K. interval defaults to 60s per spec §4.3
// if zero is given; batchSize defaults to 10.
func NewTimeoutWorker(service *Service, clk clock.Clock, interval time.Duration, batchSize int, hb *heartbeat.Writer, logger *slog.Logger) *TimeoutWorker {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 10
	}
	return &TimeoutWorker{
		service: service, clock: clk, interval: interval, batchSize: batchSize,
		heartbeat: hb, logger: logger, stop: make(chan struct{}),
	}
}

// Running reports whether the worker loop is active.
func (w *TimeoutWorker) Running() bool {
	return w.running.Load()
}

// Start begins the periodic timeout-refund loop. Call in a goroutine.
func (w *TimeoutWorker) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeRun(ctx)
		}
	}
}

// Stop signals the worker loop to exit.
func (w *TimeoutWorker) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *TimeoutWorker) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in corridor timeout worker", "panic", fmt.Sprint(r))
		}
	}()

	var refunded int
	err := retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		n, err := w.service.RefundOverdue(ctx, w.clock.Now(), w.batchSize)
		if err != nil {
			return err
		}
		refunded = n
		return nil
	})
	if err != nil {
		w.logger.Warn("corridor timeout sweep failed", "error", err)
		return
	}
	if refunded > 0 {
		w.logger.Info("corridor timeout sweep refunded overdue fulfillments", "count", refunded)
	}
	w.heartbeat.Beat(w.clock.Now())
}
