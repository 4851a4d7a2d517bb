package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Timer periodically runs the recovery pass: pending ledger releases and
// unsettled rulings.
type Timer struct {
	service     *Service
	arbitration *Arbitration
	interval    time.Duration
	logger      *slog.Logger
	stop        chan struct{}
	stopOnce    sync.Once
	running     atomic.Bool
}

// NewTimer creates a new reconcile timer.
func NewTimer(service *Service, arbitration *Arbitration, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Timer{
		service:     service,
		arbitration: arbitration,
		interval:    interval,
		logger:      logger,
		stop:        make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the reconcile loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeReconcile(ctx)
		}
	}
}

// Stop signals the timer to stop. It is safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) safeReconcile(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow reconcile timer", "panic", fmt.Sprint(r))
		}
	}()

	report, err := t.service.ReconcilePending(ctx, t.arbitration)
	if err != nil {
		t.logger.Warn("reconcile pass failed", "error", err)
		return
	}
	if report.Orders > 0 || report.Settled > 0 || report.Failed > 0 {
		t.logger.Info("reconcile pass",
			"orders", report.Orders,
			"confirmed", report.Confirmed,
			"dropped", report.Dropped,
			"still_pending", report.StillPending,
			"settled", report.Settled,
			"failed", report.Failed)
	}
}
