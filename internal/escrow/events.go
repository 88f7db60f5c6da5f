package escrow

import (
	"context"
	"time"

	"github.com/mbd888/fiatescrow/internal/identity"
)

// Event describes one accepted transition.
type Event struct {
	Type      string      `json:"type"`
	Key       Key         `json:"key"`
	State     State       `json:"state"`
	Counter   uint64      `json:"counter"`
	Seller    identity.ID `json:"seller"`
	Buyer     identity.ID `json:"buyer"`
	Transfers []Transfer  `json:"transfers,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Emitter receives an Event after each committed transition. Emit must not
// block; the transition is already durable when it is called.
type Emitter interface {
	EmitEscrowEvent(ctx context.Context, ev Event)
}

// FundsReserver earmarks party balances for transfers that are committed but
// not yet dispatched. When configured, a transition that pulls more than a
// party's unreserved balance is rejected with ErrInsufficientFunds instead of
// failing later at dispatch.
type FundsReserver interface {
	// Reserve holds every transfer's amount against its payer, or holds
	// nothing and returns an error wrapping ErrInsufficientFunds.
	Reserve(ctx context.Context, transfers []Transfer) error
	// Release drops the holds of transfers that were never committed.
	Release(ctx context.Context, transfers []Transfer)
}
