package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/fiatescrow/internal/identity"
)

// sweepBatch bounds how many records one pass loads per state.
const sweepBatch = 100

// Timer periodically cancels unfunded escrows past their deposit deadline
// and settles disputes whose arbitration window closed.
type Timer struct {
	service  *Service
	caller   identity.ID
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new escrow sweeper. Transitions are submitted as the
// service's custody identity.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Timer{
		service:  service,
		caller:   service.Machine().Custody,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}, 1),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
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
			t.safeSweep(ctx)
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

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow timer", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx)
}

// Sweep runs one pass and returns how many records it moved. It pages
// through every record in each state so that old records whose deadline
// has not lapsed cannot hide newer ones that have.
func (t *Timer) Sweep(ctx context.Context) int {
	now := t.service.now().Unix()
	moved := 0

	// 1. Unfunded escrows past the deposit deadline
	moved += t.sweepState(ctx, StateCreated, func(rec Record) bool {
		if now < rec.DepositDeadline {
			return false
		}
		return t.run(ctx, "cancel", rec, t.service.Cancel)
	})

	// 2. Disputes the arbitrator never resolved
	moved += t.sweepState(ctx, StateDisputed, func(rec Record) bool {
		if now < deadline(rec.DisputeInitiatedTime.Value(), ArbitrationWindow) {
			return false
		}
		return t.run(ctx, "settle_lapsed_dispute", rec, t.service.SettleLapsed)
	})
	return moved
}

// sweepState walks state in pages of sweepBatch. Records that visit moves
// out of state no longer occupy an offset, so the next page starts after
// the ones that stayed.
func (t *Timer) sweepState(ctx context.Context, state State, visit func(Record) bool) int {
	moved, offset := 0, 0
	for ctx.Err() == nil {
		page, err := t.service.store.ListByStateFrom(ctx, state, offset, sweepBatch)
		if err != nil {
			t.logger.Warn("failed to list escrows for sweep", "state", state.String(), "offset", offset, "error", err)
			return moved
		}
		stayed := len(page)
		for _, rec := range page {
			if visit(rec) {
				moved++
				stayed--
			}
		}
		if len(page) < sweepBatch {
			return moved
		}
		offset += stayed
	}
	return moved
}

func (t *Timer) run(ctx context.Context, op string, rec Record, fn func(context.Context, Key, Call) (Record, error)) bool {
	key := rec.Key()
	_, err := fn(ctx, key, Call{Caller: t.caller, Expected: rec.Counter})
	if err != nil {
		// A party moved the record between listing and applying.
		if errors.Is(err, ErrStaleCounter) || errors.Is(err, ErrTerminalState) {
			t.logger.Debug("escrow changed before sweep", "op", op, "key", key.String())
			return false
		}
		t.logger.Warn("escrow sweep failed", "op", op, "key", key.String(), "error", err)
		return false
	}
	t.logger.Info("escrow swept",
		"op", op,
		"key", key.String(),
		"seller", rec.Seller.String(),
		"buyer", rec.Buyer.String(),
		"amount", rec.Amount,
	)
	return true
}
