// Package reconciliation compares the custody account's balance against what
// the escrow records say custody owes.
package reconciliation

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/fiatescrow/internal/escrow"
	"github.com/mbd888/fiatescrow/internal/identity"
	"github.com/mbd888/fiatescrow/internal/metrics"
	"github.com/mbd888/fiatescrow/internal/usdc"
)

// scanLimit bounds how many records or transfers one run loads.
const scanLimit = 10_000

// RecordLister lists escrow records and the undispatched outbox.
type RecordLister interface {
	ListByState(ctx context.Context, state escrow.State, limit int) ([]escrow.Record, error)
	PendingTransfers(ctx context.Context, limit int) ([]escrow.Transfer, error)
	ParkedTransfers(ctx context.Context, limit int) ([]escrow.ParkedTransfer, error)
}

// BalanceProvider returns an account's custody balance.
type BalanceProvider interface {
	Balance(ctx context.Context, account identity.ID) (uint64, error)
}

// Result holds the outcome of one reconciliation run.
type Result struct {
	Match       bool      `json:"match"`
	Balance     string    `json:"custodyBalance"`
	Obligations string    `json:"obligations"`
	Drift       string    `json:"drift"`
	Records     int       `json:"records"`
	Pending     int       `json:"pendingTransfers"`
	Parked      int       `json:"parkedTransfers"`
	Truncated   bool      `json:"truncated"`
	CheckedAt   time.Time `json:"checkedAt"`
}

// Service performs reconciliation between escrow records and custody.
type Service struct {
	records        RecordLister
	balances       BalanceProvider
	custody        identity.ID
	alertThreshold uint64 // in smallest units; zero requires an exact match
	now            func() time.Time
}

// NewService creates a reconciliation service for the custody account.
func NewService(records RecordLister, balances BalanceProvider, custody identity.ID) *Service {
	return &Service{
		records:  records,
		balances: balances,
		custody:  custody,
		now:      time.Now,
	}
}

// SetAlertThreshold sets the drift above which a run is a mismatch.
func (s *Service) SetAlertThreshold(amount string) {
	if t, ok := usdc.Parse(amount); ok {
		s.alertThreshold = t
	}
}

// Reconcile computes what custody should hold and compares it with its
// balance.
//
// Records report obligations as of their last transition, but the ledger
// only moves when the dispatcher applies the outbox. Undispatched transfers
// into custody have not arrived yet and undispatched payouts have not left,
// so the expected balance is obligations - pending in + pending out. Parked
// transfers are undispatched too and count the same way.
func (s *Service) Reconcile(ctx context.Context) (*Result, error) {
	start := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	res, err := s.reconcile(ctx)
	if err != nil {
		metrics.ReconciliationRunsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	result := "match"
	if !res.Match {
		result = "mismatch"
	}
	metrics.ReconciliationRunsTotal.WithLabelValues(result).Inc()
	return res, nil
}

func (s *Service) reconcile(ctx context.Context) (*Result, error) {
	var obligations int64
	var records int
	truncated := false
	for _, state := range []escrow.State{escrow.StateFunded, escrow.StateDisputed} {
		recs, err := s.records.ListByState(ctx, state, scanLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s escrows: %w", state, err)
		}
		truncated = truncated || len(recs) >= scanLimit
		for _, r := range recs {
			obligations += int64(r.Custodied()) // #nosec G115 -- Custodied is bounded by 3*MaxAmount
		}
		records += len(recs)
	}

	pending, err := s.records.PendingTransfers(ctx, scanLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending transfers: %w", err)
	}
	truncated = truncated || len(pending) >= scanLimit
	parked, err := s.records.ParkedTransfers(ctx, scanLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list parked transfers: %w", err)
	}
	truncated = truncated || len(parked) >= scanLimit
	undispatched := pending
	for _, p := range parked {
		undispatched = append(undispatched, p.Transfer)
	}

	expected := obligations
	for _, t := range undispatched {
		amount := int64(t.Amount) // #nosec G115 -- transfers are bounded by MaxAmount
		switch s.custody {
		case t.To:
			expected -= amount
		case t.From:
			expected += amount
		}
	}

	balance, err := s.balances.Balance(ctx, s.custody)
	if err != nil {
		return nil, fmt.Errorf("failed to get custody balance: %w", err)
	}

	drift := int64(balance) - expected // #nosec G115 -- custody balances stay far below 2^63
	abs := drift
	if abs < 0 {
		abs = -abs
	}

	metrics.ReconciliationCustodyBalance.Set(float64(balance))
	metrics.ReconciliationObligations.Set(float64(expected))
	metrics.ReconciliationDrift.Set(float64(drift))
	metrics.OutboxParked.Set(float64(len(parked)))

	return &Result{
		Match:       uint64(abs) <= s.alertThreshold,
		Balance:     usdc.Format(balance),
		Obligations: formatSigned(expected),
		Drift:       formatSigned(drift),
		Records:     records,
		Pending:     len(pending),
		Parked:      len(parked),
		Truncated:   truncated,
		CheckedAt:   s.now(),
	}, nil
}

func formatSigned(v int64) string {
	if v < 0 {
		return "-" + usdc.Format(uint64(-v))
	}
	return usdc.Format(uint64(v))
}
