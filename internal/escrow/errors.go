package escrow

import "errors"

// Kind groups errors by the remedy available to the caller.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuthorization
	KindState
	KindDeadline
	KindDispute
	KindInfrastructure
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindState:
		return "state"
	case KindDeadline:
		return "deadline"
	case KindDispute:
		return "dispute"
	case KindInfrastructure:
		return "infrastructure"
	}
	return "unknown"
}

// Error is a rejected escrow operation. Code is stable and safe to expose to
// API clients.
type Error struct {
	Kind Kind
	Code string
	msg  string
}

func (e *Error) Error() string { return e.msg }

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, msg: msg}
}

var (
	ErrInvalidAmount            = newError(KindValidation, "invalid_amount", "amount must be greater than zero")
	ErrAmountExceedsMaximum     = newError(KindValidation, "amount_exceeds_maximum", "amount exceeds maximum escrow amount")
	ErrMissingSequentialAddress = newError(KindValidation, "missing_sequential_address", "sequential escrow requires a sequential escrow address")
	ErrInvalidEvidenceHash      = newError(KindValidation, "invalid_evidence_hash", "evidence hash must not be all zero")
	ErrInvalidResolution        = newError(KindValidation, "invalid_resolution", "resolution requires a non-zero explanation hash and a valid decision")
	ErrIncorrectBond            = newError(KindValidation, "incorrect_bond", "incorrect dispute bond amount")
	ErrInvalidParties           = newError(KindValidation, "invalid_parties", "seller, buyer and arbitrator must be distinct non-zero identities")

	ErrUnauthorized = newError(KindAuthorization, "unauthorized", "caller is not authorized for this escrow operation")

	ErrInvalidState  = newError(KindState, "invalid_state", "invalid escrow state for this operation")
	ErrTerminalState = newError(KindState, "terminal_state", "escrow is in a terminal state")
	ErrStaleCounter  = newError(KindState, "stale_counter", "expected counter does not match current record")
	ErrAlreadyExists = newError(KindState, "already_exists", "escrow already exists")
	ErrNotFound      = newError(KindState, "not_found", "escrow not found")

	ErrDepositDeadlineExpired     = newError(KindDeadline, "deposit_deadline_expired", "deposit deadline has passed")
	ErrFiatDeadlineExpired        = newError(KindDeadline, "fiat_deadline_expired", "fiat payment deadline has passed")
	ErrResponseDeadlineExpired    = newError(KindDeadline, "response_deadline_expired", "dispute response window has closed")
	ErrArbitrationDeadlineExpired = newError(KindDeadline, "arbitration_deadline_expired", "arbitration window has closed")
	ErrDeadlineNotReached         = newError(KindDeadline, "deadline_not_reached", "deadline has not been reached yet")

	ErrMissingBond       = newError(KindDispute, "missing_bond", "opening a dispute requires a bond")
	ErrDuplicateEvidence = newError(KindDispute, "duplicate_evidence", "evidence already submitted by this party")

	ErrFeeOverflow       = newError(KindInfrastructure, "fee_overflow", "fee calculation overflow")
	ErrInsufficientFunds = newError(KindInfrastructure, "insufficient_funds", "insufficient funds to cover transfer")
	ErrAddressDerivation = newError(KindInfrastructure, "address_derivation", "record key derivation failed")
	ErrCorruptRecord     = newError(KindInfrastructure, "corrupt_record", "stored escrow record is malformed")
)

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf returns the stable code of the first *Error in err's chain, or
// "internal_error".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal_error"
}
