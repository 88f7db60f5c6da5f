package escrow

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/fiatescrow/internal/identity"
)

// LapseDigest is the resolution hash written when a dispute is settled
// because the arbitration window closed.
var LapseDigest = identity.Digest(crypto.Keccak256Hash([]byte(keyDomain + "/lapsed")))

// Resolution is the arbitrator's ruling.
type Resolution struct {
	Decision   Decision
	BuyerShare uint64 // only for DecisionSplit
	Hash       identity.Digest
}

// OpenDispute moves a funded record into Disputed. The initiator posts the
// dispute bond.
func (m Machine) OpenDispute(rec Record, c Call, bond uint64, now time.Time) (Transition, error) {
	role := rec.RoleOf(c.Caller)
	if role != RoleBuyer && role != RoleSeller {
		return Transition{}, ErrUnauthorized
	}
	if err := checkVersion(rec, c, StateFunded); err != nil {
		return Transition{}, err
	}
	if now.Unix() > deadline(rec.FiatDeadline.Value(), DisputeResponseWindow) {
		return Transition{}, ErrResponseDeadlineExpired
	}
	if err := checkBond(rec.Amount, bond); err != nil {
		return Transition{}, err
	}

	next := rec
	next.State = StateDisputed
	if err := next.DisputeInitiatedTime.Write(now.Unix()); err != nil {
		return Transition{}, fmt.Errorf("%w: dispute time: %v", ErrInvalidState, err)
	}
	if err := next.DisputeInitiator.Write(c.Caller); err != nil {
		return Transition{}, fmt.Errorf("%w: dispute initiator: %v", ErrInvalidState, err)
	}
	next.Counter++

	t := newTransfers(rec.Key(), next.Counter)
	if role == RoleBuyer {
		next.BuyerBond = bond
		t.add(LegBuyerBond, rec.Buyer, m.Custody, bond)
	} else {
		next.SellerBond = bond
		t.add(LegSellerBond, rec.Seller, m.Custody, bond)
	}
	return Transition{Record: next, Transfers: t.list}, nil
}

// SubmitEvidence stores the caller's evidence hash. The counterparty of the
// initiator matches the dispute bond; the initiator already posted and must
// pass zero.
func (m Machine) SubmitEvidence(rec Record, c Call, hash identity.Digest, bond uint64, now time.Time) (Transition, error) {
	role := rec.RoleOf(c.Caller)
	if role != RoleBuyer && role != RoleSeller {
		return Transition{}, ErrUnauthorized
	}
	if err := checkVersion(rec, c, StateDisputed); err != nil {
		return Transition{}, err
	}
	if now.Unix() >= deadline(rec.DisputeInitiatedTime.Value(), DisputeResponseWindow) {
		return Transition{}, ErrResponseDeadlineExpired
	}
	if hash.IsZero() {
		return Transition{}, ErrInvalidEvidenceHash
	}

	next := rec
	slot := &next.SellerEvidence
	if role == RoleBuyer {
		slot = &next.BuyerEvidence
	}
	if slot.IsSet() {
		return Transition{}, ErrDuplicateEvidence
	}

	initiator := rec.DisputeInitiator.Value() == c.Caller
	if initiator {
		if bond != 0 {
			return Transition{}, fmt.Errorf("%w: initiator bond already posted", ErrIncorrectBond)
		}
	} else if err := checkBond(rec.Amount, bond); err != nil {
		return Transition{}, err
	}

	if err := slot.Write(hash); err != nil {
		return Transition{}, ErrDuplicateEvidence
	}
	next.Counter++

	t := newTransfers(rec.Key(), next.Counter)
	if !initiator {
		if role == RoleBuyer {
			next.BuyerBond = bond
			t.add(LegBuyerBond, rec.Buyer, m.Custody, bond)
		} else {
			next.SellerBond = bond
			t.add(LegSellerBond, rec.Seller, m.Custody, bond)
		}
	}
	return Transition{Record: next, Transfers: t.list}, nil
}

// Resolve settles a dispute on the arbitrator's ruling.
func (m Machine) Resolve(rec Record, c Call, res Resolution, now time.Time) (Transition, error) {
	if rec.RoleOf(c.Caller) != RoleArbitrator {
		return Transition{}, ErrUnauthorized
	}
	if err := checkVersion(rec, c, StateDisputed); err != nil {
		return Transition{}, err
	}
	if now.Unix() >= deadline(rec.DisputeInitiatedTime.Value(), ArbitrationWindow) {
		return Transition{}, ErrArbitrationDeadlineExpired
	}
	if res.Hash.IsZero() {
		return Transition{}, fmt.Errorf("%w: resolution hash is zero", ErrInvalidResolution)
	}
	switch res.Decision {
	case DecisionBuyer, DecisionSeller:
		if res.BuyerShare != 0 {
			return Transition{}, fmt.Errorf("%w: buyer share only applies to split", ErrInvalidResolution)
		}
	case DecisionSplit:
		if res.BuyerShare == 0 || res.BuyerShare >= rec.Amount {
			return Transition{}, fmt.Errorf("%w: split share must be between 0 and %d exclusive", ErrInvalidResolution, rec.Amount)
		}
	default:
		return Transition{}, fmt.Errorf("%w: decision %s", ErrInvalidResolution, res.Decision)
	}
	return m.settle(rec, res)
}

// SettleLapsed resolves a dispute whose arbitration window closed without a
// ruling. The principal returns to the seller and each bond to its poster.
// Anyone may call it.
func (m Machine) SettleLapsed(rec Record, c Call, now time.Time) (Transition, error) {
	if c.Caller.IsZero() {
		return Transition{}, ErrUnauthorized
	}
	if err := checkVersion(rec, c, StateDisputed); err != nil {
		return Transition{}, err
	}
	if now.Unix() < deadline(rec.DisputeInitiatedTime.Value(), ArbitrationWindow) {
		return Transition{}, fmt.Errorf("%w: arbitration window still open", ErrDeadlineNotReached)
	}
	return m.settle(rec, Resolution{Decision: DecisionLapsed, Hash: LapseDigest})
}

// settle applies a validated ruling. Every posted bond is paid out exactly
// once whatever the decision.
func (m Machine) settle(rec Record, res Resolution) (Transition, error) {
	next := rec
	next.State = StateResolved
	next.Decision = res.Decision
	if err := next.ResolutionHash.Write(res.Hash); err != nil {
		return Transition{}, fmt.Errorf("%w: resolution hash: %v", ErrInvalidState, err)
	}
	next.Counter++

	t := newTransfers(rec.Key(), next.Counter)
	switch res.Decision {
	case DecisionBuyer:
		t.add(LegBuyerPrincipal, m.Custody, rec.Payee(), rec.Amount-rec.Fee)
		t.add(LegFee, m.Custody, m.FeeSink, rec.Fee)
		t.add(LegBuyerBondOut, m.Custody, rec.Buyer, rec.BuyerBond)
		t.add(LegSellerBondOut, m.Custody, rec.Buyer, rec.SellerBond)
	case DecisionSeller:
		t.add(LegSellerPrincipal, m.Custody, rec.Seller, rec.Amount)
		t.add(LegBuyerBondOut, m.Custody, rec.Seller, rec.BuyerBond)
		t.add(LegSellerBondOut, m.Custody, rec.Seller, rec.SellerBond)
	case DecisionSplit:
		next.BuyerShare = res.BuyerShare
		t.add(LegBuyerPrincipal, m.Custody, rec.Payee(), res.BuyerShare)
		t.add(LegSellerPrincipal, m.Custody, rec.Seller, rec.Amount-res.BuyerShare)
		t.add(LegBuyerBondOut, m.Custody, rec.Buyer, rec.BuyerBond)
		t.add(LegSellerBondOut, m.Custody, rec.Seller, rec.SellerBond)
	case DecisionLapsed:
		t.add(LegSellerPrincipal, m.Custody, rec.Seller, rec.Amount)
		t.add(LegBuyerBondOut, m.Custody, rec.Buyer, rec.BuyerBond)
		t.add(LegSellerBondOut, m.Custody, rec.Seller, rec.SellerBond)
	default:
		return Transition{}, fmt.Errorf("%w: decision %s", ErrInvalidResolution, res.Decision)
	}
	return Transition{Record: next, Transfers: t.list}, nil
}

// checkBond compares a posted bond against DisputeBond(amount).
func checkBond(amount, bond uint64) error {
	want, err := DisputeBond(amount)
	if err != nil {
		return err
	}
	if bond == want {
		return nil
	}
	if bond == 0 {
		return ErrMissingBond
	}
	return fmt.Errorf("%w: got %d, want %d", ErrIncorrectBond, bond, want)
}
