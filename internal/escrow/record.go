// Package escrow implements the custodial P2P fiat/token escrow lifecycle.
//
// Flow:
//  1. Seller creates a record for a trade → state Created
//  2. Buyer funds before the deposit deadline → seller's tokens move into custody
//  3. Seller confirms fiat receipt, then releases → buyer is paid amount minus fee
//  4. Either party may open a bonded dispute → arbitrator resolves within 168h
//  5. Deadlines elapse → records are cancelled or lapsed disputes settled
package escrow

import (
	"fmt"
	"time"

	"github.com/mbd888/fiatescrow/internal/identity"
)

// MaxAmount is the largest principal a record may hold (100 tokens).
const MaxAmount uint64 = 100_000000

// Lifecycle windows.
const (
	DepositWindow         = 15 * time.Minute
	FiatWindow            = 30 * time.Minute
	DisputeResponseWindow = 72 * time.Hour
	ArbitrationWindow     = 168 * time.Hour
)

// State is the lifecycle state of a record.
type State uint8

const (
	StateCreated State = iota
	StateFunded
	StateReleased
	StateCancelled
	StateDisputed
	StateResolved
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateFunded:
		return "funded"
	case StateReleased:
		return "released"
	case StateCancelled:
		return "cancelled"
	case StateDisputed:
		return "disputed"
	case StateResolved:
		return "resolved"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Valid reports whether s is one of the six defined states.
func (s State) Valid() bool { return s <= StateResolved }

// IsTerminal returns true for Released, Cancelled and Resolved.
func (s State) IsTerminal() bool {
	switch s {
	case StateReleased, StateCancelled, StateResolved:
		return true
	}
	return false
}

// ParseState parses the lower-case state name.
func ParseState(name string) (State, error) {
	for s := StateCreated; s <= StateResolved; s++ {
		if s.String() == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("escrow: unknown state %q", name)
}

func (s State) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("escrow: unknown state %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Decision records how a dispute was settled.
type Decision uint8

const (
	DecisionNone Decision = iota
	DecisionBuyer
	DecisionSeller
	DecisionSplit
	DecisionLapsed
)

func (d Decision) String() string {
	switch d {
	case DecisionNone:
		return "none"
	case DecisionBuyer:
		return "buyer"
	case DecisionSeller:
		return "seller"
	case DecisionSplit:
		return "split"
	case DecisionLapsed:
		return "lapsed"
	}
	return fmt.Sprintf("decision(%d)", uint8(d))
}

// Valid reports whether d is a defined decision.
func (d Decision) Valid() bool { return d <= DecisionLapsed }

// ParseDecision parses an arbitrator decision. Only buyer, seller and split
// may be chosen by an arbitrator.
func ParseDecision(name string) (Decision, error) {
	switch name {
	case "buyer":
		return DecisionBuyer, nil
	case "seller":
		return DecisionSeller, nil
	case "split":
		return DecisionSplit, nil
	}
	return DecisionNone, fmt.Errorf("%w: unknown decision %q", ErrInvalidResolution, name)
}

func (d Decision) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// Role is a caller's relationship to a record.
type Role uint8

const (
	RoleNone Role = iota
	RoleSeller
	RoleBuyer
	RoleArbitrator
)

// Record is the persisted state of one escrow. Records are values: the
// lifecycle functions return a modified copy and never touch their input.
type Record struct {
	EscrowID uint64
	TradeID  uint64

	Seller     identity.ID
	Buyer      identity.ID
	Arbitrator identity.ID

	Amount uint64
	Fee    uint64

	Sequential        bool
	SequentialAddress Optional[identity.ID]

	State           State
	DepositDeadline int64
	FiatDeadline    Optional[int64]
	FiatPaid        bool

	DisputeInitiatedTime Optional[int64]
	DisputeInitiator     Optional[identity.ID]
	BuyerEvidence        Optional[identity.Digest]
	SellerEvidence       Optional[identity.Digest]
	ResolutionHash       Optional[identity.Digest]

	Counter uint64

	BuyerBond  uint64
	SellerBond uint64
	Decision   Decision
	BuyerShare uint64
}

// Key returns the record's deterministic address.
func (r Record) Key() Key { return DeriveKey(r.EscrowID, r.TradeID) }

// RoleOf returns id's role on the record.
func (r Record) RoleOf(id identity.ID) Role {
	switch {
	case id.IsZero():
		return RoleNone
	case id == r.Seller:
		return RoleSeller
	case id == r.Buyer:
		return RoleBuyer
	case id == r.Arbitrator:
		return RoleArbitrator
	}
	return RoleNone
}

// Payee is where buyer-side payouts go: the sequential escrow address when
// sequential, otherwise the buyer.
func (r Record) Payee() identity.ID {
	if addr, ok := r.SequentialAddress.Get(); r.Sequential && ok {
		return addr
	}
	return r.Buyer
}

// IsParty reports whether id is the buyer or the seller.
func (r Record) IsParty(id identity.ID) bool {
	role := r.RoleOf(id)
	return role == RoleBuyer || role == RoleSeller
}

// Custodied returns the amount custody owes on behalf of this record:
// principal while Funded or Disputed, plus any posted bonds while Disputed.
func (r Record) Custodied() uint64 {
	switch r.State {
	case StateFunded:
		return r.Amount
	case StateDisputed:
		return r.Amount + r.BuyerBond + r.SellerBond
	}
	return 0
}
