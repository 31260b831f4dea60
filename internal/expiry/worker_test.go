package expiry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/corridor/internal/clock"
	"github.com/mbd888/corridor/internal/heartbeat"
	"github.com/stretchr/testify/assert"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeExpirer struct {
	calls atomic.Int32
	n     int
	err   error
}

func (f *fakeExpirer) ExpireBatch(ctx context.Context, limit int) (int, error) {
	f.calls.Add(1)
	return f.n, f.err
}

func TestWorker_SafeRunCallsExpireBatchAndBeatsHeartbeat(t *testing.T) {
	dir := t.TempDir()
	exp := &fakeExpirer{n: 3}
	clk := clock.NewFrozen(time.Now())
	w := NewWorker(exp, clk, time.Second, 20, heartbeat.New(dir, "expiry_worker", testLogger()), testLogger())

	w.safeRun(context.Background())

	assert.Equal(t, int32(1), exp.calls.Load())
	assert.FileExists(t, filepath.Join(dir, "expiry_worker.heartbeat"))
}

func TestWorker_SafeRunRecoversFromPanic(t *testing.T) {
	clk := clock.NewFrozen(time.Now())
	w := NewWorker(&panickyExpirer{}, clk, time.Second, 20, heartbeat.New("", "expiry_worker", testLogger()), testLogger())

	assert.NotPanics(t, func() { w.safeRun(context.Background()) })
}

type panickyExpirer struct{}

func (panickyExpirer) ExpireBatch(ctx context.Context, limit int) (int, error) {
	panic("boom")
}

func TestWorker_SafeRunRetriesOnTransientError(t *testing.T) {
	exp := &flakyExpirer{failFor: 2}
	clk := clock.NewFrozen(time.Now())
	w := NewWorker(exp, clk, time.Second, 20, heartbeat.New("", "expiry_worker", testLogger()), testLogger())

	w.safeRun(context.Background())
	assert.True(t, exp.calls >= 3)
}

type flakyExpirer struct {
	calls   int
	failFor int
}

func (f *flakyExpirer) ExpireBatch(ctx context.Context, limit int) (int, error) {
	f.calls++
	if f.calls <= f.failFor {
		return 0, errors.New("transient db error")
	}
	return 1, nil
}

func TestWorker_StartStop(t *testing.T) {
	exp := &fakeExpirer{n: 0}
	clk := clock.NewFrozen(time.Now())
	w := NewWorker(exp, clk, 10*time.Millisecond, 20, heartbeat.New("", "expiry_worker", testLogger()), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	assert.True(t, w.Running())

	w.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
	assert.False(t, w.Running())
}
