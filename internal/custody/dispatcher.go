package custody

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/fiatescrow/internal/circuitbreaker"
	"github.com/mbd888/fiatescrow/internal/escrow"
	"github.com/mbd888/fiatescrow/internal/metrics"
	"github.com/mbd888/fiatescrow/internal/retry"
)

// Outbox is the part of escrow.Store the dispatcher drains.
type Outbox interface {
	PendingTransfers(ctx context.Context, limit int) ([]escrow.Transfer, error)
	MarkTransferDone(ctx context.Context, id string) error
	ParkTransfer(ctx context.Context, id, reason string) error
}

// errMarkFailed means the ledger holds the transfer but the outbox still
// lists it; the next pass replays it as a ledger no-op.
var errMarkFailed = errors.New("custody: applied transfer not marked done")

const (
	dispatchBatch = 200

	// defaultParkAfter is how many consecutive failed passes a transiently
	// failing transfer gets before it is parked.
	defaultParkAfter = 50
)

// Dispatcher applies outbox transfers to the ledger in enqueue order.
//
// A transfer that fails blocks the later transfers of the same escrow for
// the rest of the pass, so a payout is never applied before its deposit.
// Transfers that cannot succeed without operator action are parked together
// with the rest of their escrow, so they never crowd solvent escrows out of
// a batch.
type Dispatcher struct {
	outbox    Outbox
	ledger    Ledger
	breaker   *circuitbreaker.Breaker
	policy    retry.Policy
	interval  time.Duration
	parkAfter int
	logger    *slog.Logger
	stop      chan struct{}
	running   atomic.Bool

	mu       sync.Mutex
	failures map[string]int // consecutive failed passes per transfer
}

// NewDispatcher creates a dispatcher with the default retry policy and a
// per-destination breaker that opens after five failed transfers.
func NewDispatcher(outbox Outbox, ledger Ledger, interval time.Duration, logger *slog.Logger) *Dispatcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Dispatcher{
		outbox:    outbox,
		ledger:    ledger,
		breaker:   circuitbreaker.New(5, 30*time.Second),
		policy:    retry.DefaultPolicy,
		interval:  interval,
		parkAfter: defaultParkAfter,
		logger:    logger,
		stop:      make(chan struct{}, 1),
		failures:  make(map[string]int),
	}
}

// WithParkAfter sets how many consecutive failed passes a transiently
// failing transfer gets before it is parked. Permanent failures park at once.
func (d *Dispatcher) WithParkAfter(passes int) *Dispatcher {
	if passes > 0 {
		d.parkAfter = passes
	}
	return d
}

// WithPolicy replaces the retry policy.
func (d *Dispatcher) WithPolicy(p retry.Policy) *Dispatcher {
	d.policy = p
	return d
}

// WithBreaker replaces the per-destination circuit breaker.
func (d *Dispatcher) WithBreaker(b *circuitbreaker.Breaker) *Dispatcher {
	d.breaker = b
	return d
}

// Running reports whether the dispatch loop is actively running.
func (d *Dispatcher) Running() bool {
	return d.running.Load()
}

// Start begins the dispatch loop. Call in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	d.running.Store(true)
	defer d.running.Store(false)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C:
			d.safeDispatch(ctx)
		}
	}
}

// Stop signals the dispatcher to stop.
func (d *Dispatcher) Stop() {
	select {
	case d.stop <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) safeDispatch(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in custody dispatcher", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := d.Dispatch(ctx); err != nil {
		d.logger.Warn("custody dispatch failed", "error", err)
	}
}

// Dispatch runs one pass over the outbox and returns how many transfers were
// applied.
func (d *Dispatcher) Dispatch(ctx context.Context) (int, error) {
	pending, err := d.outbox.PendingTransfers(ctx, dispatchBatch)
	if err != nil {
		return 0, fmt.Errorf("list pending transfers: %w", err)
	}

	blocked := make(map[escrow.Key]bool)
	applied, parked := 0, 0
	for _, t := range pending {
		if ctx.Err() != nil {
			break
		}
		if blocked[t.Key] {
			metrics.TransfersDispatchedTotal.WithLabelValues(string(t.Leg), "blocked").Inc()
			continue
		}
		err := d.dispatchOne(ctx, t)
		if err == nil {
			d.clearFailures(t.ID)
			applied++
			continue
		}
		blocked[t.Key] = true
		if d.park(ctx, t, err) {
			parked++
		}
	}

	metrics.OutboxPending.Set(float64(len(pending) - applied - parked))
	return applied, ctx.Err()
}

// park moves t and the rest of its escrow out of the queue when err cannot
// clear on its own or t has failed too many passes in a row. It reports
// whether t was parked.
func (d *Dispatcher) park(ctx context.Context, t escrow.Transfer, err error) bool {
	if ctx.Err() != nil || errors.Is(err, errMarkFailed) {
		return false
	}
	if !permanent(err) && d.recordFailure(t.ID) < d.parkAfter {
		return false
	}
	reason := err.Error()
	if perr := d.outbox.ParkTransfer(ctx, t.ID, reason); perr != nil {
		d.logger.Warn("failed to park transfer", "transfer", t.ID, "error", perr)
		return false
	}
	d.clearFailures(t.ID)
	metrics.TransfersDispatchedTotal.WithLabelValues(string(t.Leg), "parked").Inc()
	d.logger.Error("custody transfer parked",
		"transfer", t.ID,
		"escrow", t.Key.String(),
		"from", t.From.String(),
		"amount", t.Amount,
		"reason", reason,
	)
	return true
}

func (d *Dispatcher) recordFailure(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[id]++
	return d.failures[id]
}

func (d *Dispatcher) clearFailures(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.failures, id)
}

func (d *Dispatcher) dispatchOne(ctx context.Context, t escrow.Transfer) error {
	err := d.breaker.Do(t.To.String(), countable, func() error {
		return retry.Do(ctx, d.policy, func(ctx context.Context) error {
			err := d.ledger.Apply(ctx, t)
			if permanent(err) {
				return retry.Permanent(err)
			}
			return err
		})
	})
	if err != nil {
		result := "failed"
		switch {
		case errors.Is(err, circuitbreaker.ErrOpen):
			result = "circuit_open"
		case errors.Is(err, escrow.ErrInsufficientFunds):
			result = "insufficient_funds"
		}
		metrics.TransfersDispatchedTotal.WithLabelValues(string(t.Leg), result).Inc()
		d.logger.Warn("custody transfer not applied",
			"transfer", t.ID,
			"from", t.From.String(),
			"to", t.To.String(),
			"amount", t.Amount,
			"error", err,
		)
		return err
	}

	// The ledger already holds the transfer; a failed mark is retried on the
	// next pass and applied as a no-op.
	if err := d.outbox.MarkTransferDone(ctx, t.ID); err != nil {
		metrics.TransfersDispatchedTotal.WithLabelValues(string(t.Leg), "mark_failed").Inc()
		d.logger.Warn("failed to mark transfer done", "transfer", t.ID, "error", err)
		return fmt.Errorf("%w: %v", errMarkFailed, err)
	}
	metrics.TransfersDispatchedTotal.WithLabelValues(string(t.Leg), "ok").Inc()
	d.logger.Debug("custody transfer applied", "transfer", t.ID, "amount", t.Amount)
	return nil
}

// permanent reports whether err will repeat on every retry until an
// operator acts.
func permanent(err error) bool {
	return errors.Is(err, escrow.ErrInsufficientFunds) || errors.Is(err, ErrZeroAmount)
}

// countable reports whether err reflects on the destination. Funding
// shortfalls and cancellation are the payer's or caller's problem.
func countable(err error) bool {
	return !errors.Is(err, escrow.ErrInsufficientFunds) &&
		!errors.Is(err, ErrZeroAmount) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}
