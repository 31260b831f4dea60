// Package expiry periodically sweeps orders past their expires_at deadline,
// moving each into expired, disputed, or cancelled depending on how far it
// had progressed, per spec §4.6.
package expiry

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/corridor/internal/clock"
	"github.com/mbd888/corridor/internal/heartbeat"
	"github.com/mbd888/corridor/internal/metrics"
	"github.com/mbd888/corridor/internal/retry"
)

// Expirer runs one batch of order expiry. Implemented by orders.Service.
type Expirer interface {
	ExpireBatch(ctx context.Context, limit int) (int, error)
}

// Worker is Component J.
type Worker struct {
	expirer   Expirer
	clock     clock.Clock
	interval  time.Duration
	batchSize int
	heartbeat *heartbeat.Writer
	logger    *slog.Logger
	stop      chan struct{}
	running   atomic.Bool
}

// NewWorker creates Worker J. interval defaults to 10s and batchSize to 20
// per spec §4.6 if zero is given.
func NewWorker(expirer Expirer, clk clock.Clock, interval time.Duration, batchSize int, hb *heartbeat.Writer, logger *slog.Logger) *Worker {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 20
	}
	return &Worker{
		expirer: expirer, clock: clk, interval: interval, batchSize: batchSize,
		heartbeat: hb, logger: logger, stop: make(chan struct{}),
	}
}

// Running reports whether the worker loop is active.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Start begins the periodic expiry loop. Call in a goroutine.
func (w *Worker) Start(ctx context.Context) {
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
func (w *Worker) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *Worker) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in expiry worker", "panic", fmt.Sprint(r))
		}
	}()

	timer := prometheusTimer()
	defer timer()

	var expired int
	err := retry.Do(ctx, 5, 500*time.Millisecond, func() error {
		n, err := w.expirer.ExpireBatch(ctx, w.batchSize)
		if err != nil {
			return err
		}
		expired = n
		return nil
	})
	if err != nil {
		w.logger.Warn("expiry sweep failed", "error", err)
		return
	}
	metrics.ExpiryBatchSize.Observe(float64(expired))
	if expired > 0 {
		w.logger.Info("expiry sweep processed stale orders", "count", expired)
	}
	w.heartbeat.Beat(w.clock.Now())
}

func prometheusTimer() func() {
	start := time.Now()
	return func() {
		metrics.WorkerCycleDuration.WithLabelValues("expiry").Observe(time.Since(start).Seconds())
	}
}
