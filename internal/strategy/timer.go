package strategy

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// AccrualTimer periodically rolls the simulated pool's interest index
// forward so reads between deposits see up-to-date totals.
//
// The bound pool may be swapped at runtime (strategy changes) or nil
// (no interest-bearing strategy installed); ticks with no pool are
// skipped.
type AccrualTimer struct {
	mu       sync.RWMutex
	pool     *SimPool
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	notify   func()
}

// NewAccrualTimer creates a new interest accrual timer.
func NewAccrualTimer(pool *SimPool, logger *slog.Logger) *AccrualTimer {
	return &AccrualTimer{
		pool:     pool,
		interval: time.Minute,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithNotify registers a callback invoked after each successful accrual.
func (t *AccrualTimer) WithNotify(fn func()) *AccrualTimer {
	t.notify = fn
	return t
}

// SetPool rebinds the timer to a new pool. Pass nil to idle the timer.
func (t *AccrualTimer) SetPool(pool *SimPool) {
	t.mu.Lock()
	t.pool = pool
	t.mu.Unlock()
}

// Pool returns the currently bound pool, nil when idle.
func (t *AccrualTimer) Pool() *SimPool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pool
}

// Start begins the accrual loop. Call in a goroutine.
func (t *AccrualTimer) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			pool := t.Pool()
			if pool == nil {
				continue
			}
			if err := pool.AccrueInterest(ctx); err != nil {
				t.logger.Warn("interest accrual failed", "error", err)
				continue
			}
			if t.notify != nil {
				t.notify()
			}
		}
	}
}

// Stop signals the timer to stop.
func (t *AccrualTimer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}
