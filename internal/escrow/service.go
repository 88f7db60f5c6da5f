package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/fiatescrow/internal/identity"
	"github.com/mbd888/fiatescrow/internal/logging"
	"github.com/mbd888/fiatescrow/internal/metrics"
	"github.com/mbd888/fiatescrow/internal/syncutil"
	"github.com/mbd888/fiatescrow/internal/traces"
)

// Service runs lifecycle operations against stored records. Operations on the
// same record are serialized in-process and guarded across processes by the
// store's counter check.
type Service struct {
	store   Store
	machine Machine
	locks   *syncutil.DigestMutex
	now     func() time.Time
	logger  *slog.Logger
	emitter Emitter
	funds   FundsReserver
}

// NewService creates a new escrow service.
func NewService(store Store, machine Machine) *Service {
	return &Service{
		store:   store,
		machine: machine,
		locks:   syncutil.NewDigestMutex(),
		now:     time.Now,
		logger:  slog.Default(),
	}
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithClock replaces the wall clock used for deadline checks.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithEmitter publishes committed transitions.
func (s *Service) WithEmitter(e Emitter) *Service {
	s.emitter = e
	return s
}

// WithFundsReserver enables synchronous insufficient-funds checks backed by
// balance holds.
func (s *Service) WithFundsReserver(f FundsReserver) *Service {
	s.funds = f
	return s
}

// Machine returns the service's lifecycle engine.
func (s *Service) Machine() Machine { return s.machine }

// Create inserts a new record with caller as seller.
func (s *Service) Create(ctx context.Context, seller identity.ID, p CreateParams) (rec Record, err error) {
	key := DeriveKey(p.EscrowID, p.TradeID)
	ctx, span := traces.StartSpan(ctx, "escrow.create",
		traces.EscrowKey(key.String()), traces.Caller(seller.String()), traces.Amount(p.Amount))
	defer func() {
		traces.End(span, err)
		observe("create", err)
	}()

	unlock, err := s.locks.Lock(ctx, key)
	if err != nil {
		return Record{}, err
	}
	defer unlock()

	tr, err := s.machine.Create(seller, p, s.now())
	if err != nil {
		return Record{}, err
	}
	if err := s.store.Insert(ctx, tr.Record); err != nil {
		return Record{}, err
	}

	s.publish(ctx, "create", tr)
	logging.L(ctx).Info("escrow created",
		"key", key.String(),
		"escrowId", p.EscrowID,
		"tradeId", p.TradeID,
		"seller", seller.String(),
		"buyer", p.Buyer.String(),
		"amount", p.Amount,
		"fee", tr.Record.Fee,
	)
	return tr.Record, nil
}

// Fund moves the record to Funded. Caller must be the buyer.
func (s *Service) Fund(ctx context.Context, key Key, c Call) (Record, error) {
	return s.apply(ctx, "fund", key, c, func(r Record, now time.Time) (Transition, error) {
		return s.machine.Fund(r, c, now)
	})
}

// ConfirmFiat records the seller's fiat confirmation.
func (s *Service) ConfirmFiat(ctx context.Context, key Key, c Call) (Record, error) {
	return s.apply(ctx, "confirm_fiat", key, c, func(r Record, now time.Time) (Transition, error) {
		return s.machine.ConfirmFiat(r, c, now)
	})
}

// Release pays out a funded record after fiat confirmation.
func (s *Service) Release(ctx context.Context, key Key, c Call) (Record, error) {
	return s.apply(ctx, "release", key, c, func(r Record, now time.Time) (Transition, error) {
		return s.machine.Release(r, c, now)
	})
}

// Cancel ends a record whose deadline expired.
func (s *Service) Cancel(ctx context.Context, key Key, c Call) (Record, error) {
	return s.apply(ctx, "cancel", key, c, func(r Record, now time.Time) (Transition, error) {
		return s.machine.Cancel(r, c, now)
	})
}

// OpenDispute moves a funded record into Disputed.
func (s *Service) OpenDispute(ctx context.Context, key Key, c Call, bond uint64) (Record, error) {
	return s.apply(ctx, "open_dispute", key, c, func(r Record, now time.Time) (Transition, error) {
		return s.machine.OpenDispute(r, c, bond, now)
	})
}

// SubmitEvidence stores a party's evidence hash.
func (s *Service) SubmitEvidence(ctx context.Context, key Key, c Call, hash identity.Digest, bond uint64) (Record, error) {
	return s.apply(ctx, "submit_evidence", key, c, func(r Record, now time.Time) (Transition, error) {
		return s.machine.SubmitEvidence(r, c, hash, bond, now)
	})
}

// Resolve applies the arbitrator's ruling.
func (s *Service) Resolve(ctx context.Context, key Key, c Call, res Resolution) (Record, error) {
	return s.apply(ctx, "resolve", key, c, func(r Record, now time.Time) (Transition, error) {
		return s.machine.Resolve(r, c, res, now)
	})
}

// SettleLapsed settles a dispute whose arbitration window closed.
func (s *Service) SettleLapsed(ctx context.Context, key Key, c Call) (Record, error) {
	return s.apply(ctx, "settle_lapsed_dispute", key, c, func(r Record, now time.Time) (Transition, error) {
		return s.machine.SettleLapsed(r, c, now)
	})
}

// Get returns a record by key.
func (s *Service) Get(ctx context.Context, key Key) (Record, error) {
	return s.store.Get(ctx, key)
}

// GetByIDs returns the record addressed by (escrowID, tradeID).
func (s *Service) GetByIDs(ctx context.Context, escrowID, tradeID uint64) (Record, error) {
	return s.store.Get(ctx, DeriveKey(escrowID, tradeID))
}

// ListByParty returns records where party is seller, buyer or arbitrator.
func (s *Service) ListByParty(ctx context.Context, party identity.ID, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return s.store.ListByParty(ctx, party, limit)
}

// ListByState returns records currently in state.
func (s *Service) ListByState(ctx context.Context, state State, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return s.store.ListByState(ctx, state, limit)
}

type step func(Record, time.Time) (Transition, error)

// apply loads the record under its lock, runs the transition, holds the
// funds it pulls from parties and commits record and transfers together.
func (s *Service) apply(ctx context.Context, op string, key Key, c Call, fn step) (rec Record, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow."+op,
		traces.EscrowKey(key.String()), traces.Caller(c.Caller.String()), traces.Counter(c.Expected))
	defer func() {
		traces.End(span, err)
		observe(op, err)
	}()

	unlock, err := s.locks.Lock(ctx, key)
	if err != nil {
		return Record{}, err
	}
	defer unlock()

	cur, err := s.store.Get(ctx, key)
	if err != nil {
		return Record{}, err
	}

	now := s.now()
	tr, err := fn(cur, now)
	if err != nil {
		logging.L(ctx).Debug("escrow operation rejected",
			"op", op, "key", key.String(), "caller", c.Caller.String(), "code", CodeOf(err))
		return Record{}, err
	}
	debits := s.debits(tr.Transfers)
	if err := s.reserve(ctx, debits); err != nil {
		return Record{}, err
	}
	if err := s.store.CompareAndSwap(ctx, tr.Record, cur.Counter, tr.Transfers); err != nil {
		s.release(ctx, debits)
		return Record{}, err
	}

	if tr.Record.State.IsTerminal() {
		created := time.Unix(tr.Record.DepositDeadline, 0).Add(-DepositWindow)
		metrics.EscrowDuration.WithLabelValues(tr.Record.State.String()).Observe(now.Sub(created).Seconds())
	}
	s.publish(ctx, op, tr)
	logging.L(ctx).Info("escrow transition",
		"op", op,
		"key", key.String(),
		"state", tr.Record.State.String(),
		"counter", tr.Record.Counter,
		"transfers", len(tr.Transfers),
	)
	return tr.Record, nil
}

// debits returns the transfers that pull funds from a party rather than
// pay out of custody.
func (s *Service) debits(transfers []Transfer) []Transfer {
	var out []Transfer
	for _, t := range transfers {
		if t.From != s.machine.Custody {
			out = append(out, t)
		}
	}
	return out
}

// reserve holds debits against their payers. Two transitions on different
// records pulling from the same party are serialized by the reserver, so
// one balance never backs both.
func (s *Service) reserve(ctx context.Context, debits []Transfer) error {
	if s.funds == nil || len(debits) == 0 {
		return nil
	}
	if err := s.funds.Reserve(ctx, debits); err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			return err
		}
		return fmt.Errorf("reserve funds: %w", err)
	}
	return nil
}

func (s *Service) release(ctx context.Context, debits []Transfer) {
	if s.funds == nil || len(debits) == 0 {
		return
	}
	s.funds.Release(ctx, debits)
}

func (s *Service) publish(ctx context.Context, op string, tr Transition) {
	if s.emitter == nil {
		return
	}
	s.emitter.EmitEscrowEvent(ctx, Event{
		Type:      op,
		Key:       tr.Record.Key(),
		State:     tr.Record.State,
		Counter:   tr.Record.Counter,
		Seller:    tr.Record.Seller,
		Buyer:     tr.Record.Buyer,
		Transfers: tr.Transfers,
		Timestamp: s.now(),
	})
}

func observe(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = CodeOf(err)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			outcome = "canceled"
		}
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(op, outcome).Inc()
}
