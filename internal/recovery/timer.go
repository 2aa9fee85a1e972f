package recovery

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/foliopay/foliopay/internal/logging"
)

// Timer runs the scheduler cycle on a fixed interval until stopped.
type Timer struct {
	scheduler *Scheduler
	interval  time.Duration
	stop      chan struct{}
	running   atomic.Bool
}

// NewTimer creates a timer that runs a full recovery cycle every interval.
func NewTimer(scheduler *Scheduler, interval time.Duration) *Timer {
	return &Timer{
		scheduler: scheduler,
		interval:  interval,
		stop:      make(chan struct{}),
	}
}

// Start launches the background loop. Calling Start twice is a no-op.
func (t *Timer) Start(ctx context.Context) {
	if !t.running.CompareAndSwap(false, true) {
		return
	}

	go func() {
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()

		logger := logging.FromContext(ctx)
		logger.Info("recovery timer started", "interval", t.interval)

		for {
			select {
			case <-t.stop:
				logger.Info("recovery timer stopped")
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.runOnce(ctx)
			}
		}
	}()
}

// Stop halts the loop. Safe to call more than once.
func (t *Timer) Stop() {
	if t.running.CompareAndSwap(true, false) {
		close(t.stop)
	}
}

// Running reports whether the loop is active. Used by health checks.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// runOnce executes one cycle, isolating panics so a bad cycle cannot take
// down the loop.
func (t *Timer) runOnce(ctx context.Context) {
	logger := logging.FromContext(ctx)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("recovery cycle panicked", "panic", r)
		}
	}()

	cctx, cancel := context.WithTimeout(ctx, t.interval)
	defer cancel()

	result, err := t.scheduler.RunCycle(cctx)
	if err != nil {
		logger.Error("recovery cycle failed", "error", err)
		return
	}
	if result.ProcessedCount > 0 {
		logger.Info("recovery cycle finished", "processed", result.ProcessedCount)
	}
}
