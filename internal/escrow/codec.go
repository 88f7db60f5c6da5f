package escrow

import (
	"encoding/binary"
	"fmt"

	"github.com/mbd888/fiatescrow/internal/identity"
)

// RecordSize is the byte length of an encoded Record.
const RecordSize = 355

// Byte offsets of each field in the encoded layout. Optional fields are a
// one-byte presence flag followed by a zero-filled payload when absent.
const (
	offEscrowID          = 0
	offTradeID           = 8
	offSeller            = 16
	offBuyer             = 48
	offArbitrator        = 80
	offAmount            = 112
	offFee               = 120
	offSequential        = 128
	offSequentialAddress = 129 // flag + 32
	offState             = 162
	offDepositDeadline   = 163
	offFiatDeadline      = 171 // flag + 8
	offFiatPaid          = 180
	offDisputeInitiated  = 181 // flag + 8
	offDisputeInitiator  = 190 // flag + 32
	offBuyerEvidence     = 223 // flag + 32
	offSellerEvidence    = 256 // flag + 32
	offResolutionHash    = 289 // flag + 32
	offCounter           = 322
	offBuyerBond         = 330
	offSellerBond        = 338
	offDecision          = 346
	offBuyerShare        = 347
)

var le = binary.LittleEndian

// MarshalBinary encodes r in the fixed little-endian layout.
func (r Record) MarshalBinary() ([]byte, error) {
	if !r.State.Valid() {
		return nil, fmt.Errorf("%w: state %d", ErrCorruptRecord, r.State)
	}
	if !r.Decision.Valid() {
		return nil, fmt.Errorf("%w: decision %d", ErrCorruptRecord, r.Decision)
	}

	b := make([]byte, RecordSize)
	le.PutUint64(b[offEscrowID:], r.EscrowID)
	le.PutUint64(b[offTradeID:], r.TradeID)
	copy(b[offSeller:], r.Seller[:])
	copy(b[offBuyer:], r.Buyer[:])
	copy(b[offArbitrator:], r.Arbitrator[:])
	le.PutUint64(b[offAmount:], r.Amount)
	le.PutUint64(b[offFee:], r.Fee)
	b[offSequential] = boolByte(r.Sequential)
	putOptionalID(b[offSequentialAddress:], r.SequentialAddress)
	b[offState] = byte(r.State)
	le.PutUint64(b[offDepositDeadline:], uint64(r.DepositDeadline))
	putOptionalTime(b[offFiatDeadline:], r.FiatDeadline)
	b[offFiatPaid] = boolByte(r.FiatPaid)
	putOptionalTime(b[offDisputeInitiated:], r.DisputeInitiatedTime)
	putOptionalID(b[offDisputeInitiator:], r.DisputeInitiator)
	putOptionalDigest(b[offBuyerEvidence:], r.BuyerEvidence)
	putOptionalDigest(b[offSellerEvidence:], r.SellerEvidence)
	putOptionalDigest(b[offResolutionHash:], r.ResolutionHash)
	le.PutUint64(b[offCounter:], r.Counter)
	le.PutUint64(b[offBuyerBond:], r.BuyerBond)
	le.PutUint64(b[offSellerBond:], r.SellerBond)
	b[offDecision] = byte(r.Decision)
	le.PutUint64(b[offBuyerShare:], r.BuyerShare)
	return b, nil
}

// UnmarshalBinary decodes the fixed layout, rejecting unknown enum values
// and malformed flags.
func (r *Record) UnmarshalBinary(b []byte) error {
	if len(b) != RecordSize {
		return fmt.Errorf("%w: want %d bytes, got %d", ErrCorruptRecord, RecordSize, len(b))
	}

	var out Record
	var err error
	out.EscrowID = le.Uint64(b[offEscrowID:])
	out.TradeID = le.Uint64(b[offTradeID:])
	copy(out.Seller[:], b[offSeller:offSeller+identity.Size])
	copy(out.Buyer[:], b[offBuyer:offBuyer+identity.Size])
	copy(out.Arbitrator[:], b[offArbitrator:offArbitrator+identity.Size])
	out.Amount = le.Uint64(b[offAmount:])
	out.Fee = le.Uint64(b[offFee:])
	if out.Sequential, err = readBool(b[offSequential], "sequential"); err != nil {
		return err
	}
	if out.SequentialAddress, err = readOptionalID(b[offSequentialAddress:], "sequential_escrow_address"); err != nil {
		return err
	}
	out.State = State(b[offState])
	if !out.State.Valid() {
		return fmt.Errorf("%w: state %d", ErrCorruptRecord, b[offState])
	}
	out.DepositDeadline = int64(le.Uint64(b[offDepositDeadline:]))
	if out.FiatDeadline, err = readOptionalTime(b[offFiatDeadline:], "fiat_deadline"); err != nil {
		return err
	}
	if out.FiatPaid, err = readBool(b[offFiatPaid], "fiat_paid"); err != nil {
		return err
	}
	if out.DisputeInitiatedTime, err = readOptionalTime(b[offDisputeInitiated:], "dispute_initiated_time"); err != nil {
		return err
	}
	if out.DisputeInitiator, err = readOptionalID(b[offDisputeInitiator:], "dispute_initiator"); err != nil {
		return err
	}
	if out.BuyerEvidence, err = readOptionalDigest(b[offBuyerEvidence:], "dispute_evidence_hash_buyer"); err != nil {
		return err
	}
	if out.SellerEvidence, err = readOptionalDigest(b[offSellerEvidence:], "dispute_evidence_hash_seller"); err != nil {
		return err
	}
	if out.ResolutionHash, err = readOptionalDigest(b[offResolutionHash:], "dispute_resolution_hash"); err != nil {
		return err
	}
	out.Counter = le.Uint64(b[offCounter:])
	out.BuyerBond = le.Uint64(b[offBuyerBond:])
	out.SellerBond = le.Uint64(b[offSellerBond:])
	out.Decision = Decision(b[offDecision])
	if !out.Decision.Valid() {
		return fmt.Errorf("%w: decision %d", ErrCorruptRecord, b[offDecision])
	}
	out.BuyerShare = le.Uint64(b[offBuyerShare:])

	*r = out
	return nil
}

// DecodeRecord is UnmarshalBinary returning a value.
func DecodeRecord(b []byte) (Record, error) {
	var r Record
	err := r.UnmarshalBinary(b)
	return r, err
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

func readBool(v byte, field string) (bool, error) {
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, fmt.Errorf("%w: %s flag %d", ErrCorruptRecord, field, v)
}

func putOptionalID(b []byte, o Optional[identity.ID]) {
	v, ok := o.Get()
	b[0] = boolByte(ok)
	if ok {
		copy(b[1:1+identity.Size], v[:])
	}
}

func putOptionalDigest(b []byte, o Optional[identity.Digest]) {
	v, ok := o.Get()
	b[0] = boolByte(ok)
	if ok {
		copy(b[1:1+identity.Size], v[:])
	}
}

func putOptionalTime(b []byte, o Optional[int64]) {
	v, ok := o.Get()
	b[0] = boolByte(ok)
	if ok {
		le.PutUint64(b[1:], uint64(v))
	}
}

func readOptionalID(b []byte, field string) (Optional[identity.ID], error) {
	ok, err := readBool(b[0], field)
	if err != nil || !ok {
		return Optional[identity.ID]{}, err
	}
	var v identity.ID
	copy(v[:], b[1:1+identity.Size])
	return Some(v), nil
}

func readOptionalDigest(b []byte, field string) (Optional[identity.Digest], error) {
	ok, err := readBool(b[0], field)
	if err != nil || !ok {
		return Optional[identity.Digest]{}, err
	}
	var v identity.Digest
	copy(v[:], b[1:1+identity.Size])
	return Some(v), nil
}

func readOptionalTime(b []byte, field string) (Optional[int64], error) {
	ok, err := readBool(b[0], field)
	if err != nil || !ok {
		return Optional[int64]{}, err
	}
	return Some(int64(le.Uint64(b[1:]))), nil
}
