package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically runs reconciliation checks.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
	last     atomic.Pointer[Result]
}

// NewTimer creates a new reconciliation timer.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}, 1),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Last returns the most recent successful result, or nil.
func (t *Timer) Last() *Result {
	return t.last.Load()
}

// Start begins the periodic reconciliation loop. Call in a goroutine.
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
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
		}
	}()
	t.RunOnce(ctx)
}

// RunOnce reconciles, logs the outcome and keeps the result for Last.
func (t *Timer) RunOnce(ctx context.Context) {
	res, err := t.service.Reconcile(ctx)
	if err != nil {
		t.logger.Warn("reconciliation run failed", "error", err)
		return
	}
	t.last.Store(res)
	if !res.Match {
		t.logger.Error("custody balance does not match escrow obligations",
			"balance", res.Balance,
			"obligations", res.Obligations,
			"drift", res.Drift,
			"pendingTransfers", res.Pending,
		)
		return
	}
	t.logger.Debug("reconciliation ok", "records", res.Records, "balance", res.Balance)
}
