package escrow

import (
	"fmt"
	"time"

	"github.com/mbd888/fiatescrow/internal/identity"
)

// Machine is the pure lifecycle engine. Every method takes a record by value,
// runs the guards in a fixed order (caller role, terminal state, expected
// counter, source state, deadline, arguments) and returns the mutated copy
// together with the custody transfers it requests. A rejected call returns
// the zero Transition and leaves the input untouched.
type Machine struct {
	Arbitrator identity.ID
	Custody    identity.ID
	FeeSink    identity.ID
}

// Call identifies who is calling and which record version they observed.
type Call struct {
	Caller   identity.ID
	Expected uint64
}

// Transition is the outcome of an accepted operation.
type Transition struct {
	Record    Record
	Transfers []Transfer
}

// CreateParams are the seller-supplied fields of a new record.
type CreateParams struct {
	EscrowID          uint64
	TradeID           uint64
	Buyer             identity.ID
	Amount            uint64
	Sequential        bool
	SequentialAddress Optional[identity.ID]
}

// Create builds a new record in state Created with the caller as seller.
func (m Machine) Create(seller identity.ID, p CreateParams, now time.Time) (Transition, error) {
	if seller.IsZero() {
		return Transition{}, ErrUnauthorized
	}
	if p.Buyer.IsZero() || m.Arbitrator.IsZero() ||
		p.Buyer == seller || p.Buyer == m.Arbitrator || seller == m.Arbitrator {
		return Transition{}, ErrInvalidParties
	}
	if m.isOperator(seller) || m.isOperator(p.Buyer) {
		return Transition{}, fmt.Errorf("%w: custody and fee sink cannot trade", ErrInvalidParties)
	}
	if p.Amount == 0 {
		return Transition{}, ErrInvalidAmount
	}
	if p.Amount > MaxAmount {
		return Transition{}, fmt.Errorf("%w: %d > %d", ErrAmountExceedsMaximum, p.Amount, MaxAmount)
	}
	addr, hasAddr := p.SequentialAddress.Get()
	if hasAddr && addr.IsZero() {
		hasAddr = false
	}
	if p.Sequential && !hasAddr {
		return Transition{}, ErrMissingSequentialAddress
	}
	if !p.Sequential && hasAddr {
		return Transition{}, fmt.Errorf("%w: sequential address given for a non-sequential escrow", ErrInvalidParties)
	}
	if hasAddr && m.isOperator(addr) {
		return Transition{}, fmt.Errorf("%w: sequential address is an operator account", ErrInvalidParties)
	}
	fee, err := Fee(p.Amount)
	if err != nil {
		return Transition{}, err
	}

	rec := Record{
		EscrowID:        p.EscrowID,
		TradeID:         p.TradeID,
		Seller:          seller,
		Buyer:           p.Buyer,
		Arbitrator:      m.Arbitrator,
		Amount:          p.Amount,
		Fee:             fee,
		Sequential:      p.Sequential,
		State:           StateCreated,
		DepositDeadline: now.Add(DepositWindow).Unix(),
	}
	if hasAddr {
		rec.SequentialAddress = Some(addr)
	}
	return Transition{Record: rec}, nil
}

// isOperator reports whether id is the custody or fee sink account. Those
// accounts sit on the other side of every transfer and never trade.
func (m Machine) isOperator(id identity.ID) bool {
	return id == m.Custody || id == m.FeeSink
}

// Fund moves the record to Funded and pulls the principal into custody.
func (m Machine) Fund(rec Record, c Call, now time.Time) (Transition, error) {
	if rec.RoleOf(c.Caller) != RoleBuyer {
		return Transition{}, ErrUnauthorized
	}
	if err := checkVersion(rec, c, StateCreated); err != nil {
		return Transition{}, err
	}
	if now.Unix() >= rec.DepositDeadline {
		return Transition{}, ErrDepositDeadlineExpired
	}

	next := rec
	next.State = StateFunded
	if err := next.FiatDeadline.Write(now.Add(FiatWindow).Unix()); err != nil {
		return Transition{}, fmt.Errorf("%w: fiat deadline: %v", ErrInvalidState, err)
	}
	next.Counter++

	t := newTransfers(rec.Key(), next.Counter)
	t.add(LegDeposit, rec.Seller, m.Custody, rec.Amount)
	return Transition{Record: next, Transfers: t.list}, nil
}

// ConfirmFiat records the seller's confirmation that fiat was received.
func (m Machine) ConfirmFiat(rec Record, c Call, now time.Time) (Transition, error) {
	if rec.RoleOf(c.Caller) != RoleSeller {
		return Transition{}, ErrUnauthorized
	}
	if err := checkVersion(rec, c, StateFunded); err != nil {
		return Transition{}, err
	}
	if rec.FiatPaid {
		return Transition{}, fmt.Errorf("%w: fiat already confirmed", ErrInvalidState)
	}
	if now.Unix() >= rec.FiatDeadline.Value() {
		return Transition{}, ErrFiatDeadlineExpired
	}

	next := rec
	next.FiatPaid = true
	next.Counter++
	return Transition{Record: next}, nil
}

// Release pays the buyer (or sequential address) amount minus fee and the
// fee sink the fee.
func (m Machine) Release(rec Record, c Call, now time.Time) (Transition, error) {
	if rec.RoleOf(c.Caller) != RoleSeller {
		return Transition{}, ErrUnauthorized
	}
	if err := checkVersion(rec, c, StateFunded); err != nil {
		return Transition{}, err
	}
	if !rec.FiatPaid {
		return Transition{}, fmt.Errorf("%w: fiat payment not confirmed", ErrInvalidState)
	}

	next := rec
	next.State = StateReleased
	next.Counter++

	t := newTransfers(rec.Key(), next.Counter)
	t.add(LegPayout, m.Custody, rec.Payee(), rec.Amount-rec.Fee)
	t.add(LegFee, m.Custody, m.FeeSink, rec.Fee)
	return Transition{Record: next, Transfers: t.list}, nil
}

// Cancel ends a record whose deadline passed without progress. Before
// funding anyone may cancel once the deposit deadline has passed; after
// funding only the buyer or seller may, once the fiat deadline has passed
// without confirmation, and the principal is refunded to the seller.
func (m Machine) Cancel(rec Record, c Call, now time.Time) (Transition, error) {
	if c.Caller.IsZero() {
		return Transition{}, ErrUnauthorized
	}
	if rec.State != StateCreated && !rec.IsParty(c.Caller) {
		return Transition{}, ErrUnauthorized
	}
	if rec.State.IsTerminal() {
		return Transition{}, ErrTerminalState
	}
	if c.Expected != rec.Counter {
		return Transition{}, ErrStaleCounter
	}

	next := rec
	next.State = StateCancelled
	next.Counter++
	t := newTransfers(rec.Key(), next.Counter)

	switch rec.State {
	case StateCreated:
		if now.Unix() < rec.DepositDeadline {
			return Transition{}, fmt.Errorf("%w: deposit deadline", ErrDeadlineNotReached)
		}
	case StateFunded:
		if rec.FiatPaid {
			return Transition{}, fmt.Errorf("%w: fiat payment already confirmed", ErrInvalidState)
		}
		if now.Unix() < rec.FiatDeadline.Value() {
			return Transition{}, fmt.Errorf("%w: fiat deadline", ErrDeadlineNotReached)
		}
		t.add(LegRefund, m.Custody, rec.Seller, rec.Amount)
	default:
		return Transition{}, ErrInvalidState
	}
	return Transition{Record: next, Transfers: t.list}, nil
}

// checkVersion runs the terminal, counter and source-state guards.
func checkVersion(rec Record, c Call, want State) error {
	if rec.State.IsTerminal() {
		return ErrTerminalState
	}
	if c.Expected != rec.Counter {
		return fmt.Errorf("%w: expected %d, record at %d", ErrStaleCounter, c.Expected, rec.Counter)
	}
	if !rec.State.Valid() {
		return fmt.Errorf("%w: unknown state %d", ErrCorruptRecord, uint8(rec.State))
	}
	if rec.State != want {
		return fmt.Errorf("%w: %s, want %s", ErrInvalidState, rec.State, want)
	}
	return nil
}

func deadline(start int64, window time.Duration) int64 {
	return start + int64(window/time.Second)
}
