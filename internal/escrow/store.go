package escrow

import (
	"context"
	"fmt"

	"github.com/mbd888/fiatescrow/internal/identity"
)

// Store persists records and their transfer outbox.
//
// CompareAndSwap is the only way to mutate an existing record: it writes rec
// and enqueues transfers in one atomic unit, or fails with ErrStaleCounter
// when the stored counter differs from expected.
type Store interface {
	Insert(ctx context.Context, rec Record) error
	Get(ctx context.Context, key Key) (Record, error)
	CompareAndSwap(ctx context.Context, rec Record, expected uint64, transfers []Transfer) error
	ListByParty(ctx context.Context, party identity.ID, limit int) ([]Record, error)
	ListByState(ctx context.Context, state State, limit int) ([]Record, error)
	// ListByStateFrom pages through records in state in creation order,
	// skipping the first offset matches.
	ListByStateFrom(ctx context.Context, state State, offset, limit int) ([]Record, error)

	// PendingTransfers returns undispatched, unparked transfers in the order
	// they were enqueued.
	PendingTransfers(ctx context.Context, limit int) ([]Transfer, error)
	MarkTransferDone(ctx context.Context, id string) error

	// ParkTransfer takes a pending transfer out of the dispatch queue
	// together with every other pending transfer of its escrow. Transfers
	// enqueued for that escrow later are parked on arrival until
	// RequeueParked. Parking an already parked transfer is a no-op.
	ParkTransfer(ctx context.Context, id, reason string) error
	// ParkedTransfers returns parked transfers in the order they were
	// enqueued.
	ParkedTransfers(ctx context.Context, limit int) ([]ParkedTransfer, error)
	// RequeueParked returns an escrow's parked transfers to the dispatch
	// queue in their original order and reports how many moved.
	RequeueParked(ctx context.Context, key Key) (int, error)
}

// ParkedTransfer is a transfer the dispatcher stopped retrying.
type ParkedTransfer struct {
	Transfer
	Reason string `json:"reason"`
}

// DefaultListLimit caps list queries when the caller passes no limit.
const DefaultListLimit = 50

// Park reasons recorded for transfers that did not fail themselves.
const (
	parkedBehindPrefix = "blocked by "
	parkedOnArrival    = "escrow has parked transfers"
)

func blockedBy(id string) string { return parkedBehindPrefix + id }

func errUnknownTransfer(id string) error {
	return fmt.Errorf("escrow: unknown transfer %s", id)
}

func errTransferDispatched(id string) error {
	return fmt.Errorf("escrow: transfer %s already dispatched", id)
}
