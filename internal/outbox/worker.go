package outbox

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

// Worker is Component I: it periodically drains the notification outbox,
// shaped like reconciliation.Timer's ticker/safeRun loop.
type Worker struct {
	service         *Service
	clock           clock.Clock
	pollInterval    time.Duration
	batchSize       int
	cleanupInterval time.Duration
	lastCleanup     time.Time
	heartbeat       *heartbeat.Writer
	logger          *slog.Logger
	stop            chan struct{}
	running         atomic.Bool
}

// NewWorker creates Worker I. pollInterval defaults to 5s and batchSize to
// 50 per spec §4.5 if zero is given; cleanupInterval (the sent-row sweep
// cadence) defaults to 1h.
func NewWorker(service *Service, clk clock.Clock, pollInterval time.Duration, batchSize int, cleanupInterval time.Duration, hb *heartbeat.Writer, logger *slog.Logger) *Worker {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Hour
	}
	return &Worker{
		service: service, clock: clk, pollInterval: pollInterval, batchSize: batchSize,
		cleanupInterval: cleanupInterval, heartbeat: hb, logger: logger, stop: make(chan struct{}),
	}
}

// Running reports whether the worker loop is active.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Start begins the periodic drain loop. Call in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)
	w.lastCleanup = w.clock.Now()

	ticker := time.NewTicker(w.pollInterval)
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
			w.logger.Error("panic in outbox worker", "panic", fmt.Sprint(r))
		}
	}()

	start := time.Now()
	defer func() {
		metrics.WorkerCycleDuration.WithLabelValues("outbox").Observe(time.Since(start).Seconds())
	}()

	now := w.clock.Now()
	var drained int
	// DB-error backoff capped by a small attempt count rather than a
	// MaxDelay parameter on retry.Do — three doublings of a 500ms base
	// stays comfortably under the 60s ceiling spec §4.5 calls for.
	err := retry.Do(ctx, 5, 500*time.Millisecond, func() error {
		n, err := w.service.RunCycle(ctx, now, w.batchSize)
		if err != nil {
			return err
		}
		drained = n
		return nil
	})
	if err != nil {
		w.logger.Warn("outbox drain cycle failed", "error", err)
		return
	}
	metrics.OutboxPendingGauge.Set(float64(drained))
	if drained > 0 {
		w.logger.Info("outbox drain cycle processed rows", "count", drained)
	}

	if now.Sub(w.lastCleanup) >= w.cleanupInterval {
		if n, cerr := w.service.Cleanup(ctx, now); cerr != nil {
			w.logger.Error("outbox cleanup failed", "error", cerr)
		} else if n > 0 {
			w.logger.Info("outbox cleanup deleted old sent rows", "count", n)
		}
		w.lastCleanup = now
	}

	w.heartbeat.Beat(now)
}
