package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreContract exercises the behaviour every Store backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()
	m := testMachine()

	t.Run("InsertAndGet", func(t *testing.T) {
		s := newStore(t)
		rec := createdRecord(t, hundred)
		require.NoError(t, s.Insert(ctx, rec))

		got, err := s.Get(ctx, rec.Key())
		require.NoError(t, err)
		assert.Equal(t, rec, got)

		assert.ErrorIs(t, s.Insert(ctx, rec), ErrAlreadyExists)

		_, err = s.Get(ctx, DeriveKey(99, 99))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("CompareAndSwap", func(t *testing.T) {
		s := newStore(t)
		rec := createdRecord(t, hundred)
		require.NoError(t, s.Insert(ctx, rec))

		tr, err := m.Fund(rec, Call{Caller: buyer}, t0)
		require.NoError(t, err)
		require.NoError(t, s.CompareAndSwap(ctx, tr.Record, 0, tr.Transfers))

		got, err := s.Get(ctx, rec.Key())
		require.NoError(t, err)
		assert.Equal(t, StateFunded, got.State)
		assert.Equal(t, uint64(1), got.Counter)

		// a second writer that read counter 0 loses
		err = s.CompareAndSwap(ctx, tr.Record, 0, tr.Transfers)
		assert.ErrorIs(t, err, ErrStaleCounter)

		missing := createdRecord(t, hundred)
		missing.EscrowID = 42
		assert.ErrorIs(t, s.CompareAndSwap(ctx, missing, 0, nil), ErrNotFound)
	})

	t.Run("Outbox", func(t *testing.T) {
		s := newStore(t)
		rec := createdRecord(t, hundred)
		require.NoError(t, s.Insert(ctx, rec))

		funded, err := m.Fund(rec, Call{Caller: buyer}, t0)
		require.NoError(t, err)
		require.NoError(t, s.CompareAndSwap(ctx, funded.Record, 0, funded.Transfers))

		cancelled, err := m.Cancel(funded.Record, Call{Caller: seller, Expected: 1}, t0.Add(time.Hour))
		require.NoError(t, err)
		require.NoError(t, s.CompareAndSwap(ctx, cancelled.Record, 1, cancelled.Transfers))

		pending, err := s.PendingTransfers(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, LegDeposit, pending[0].Leg)
		assert.Equal(t, LegRefund, pending[1].Leg)
		assert.Equal(t, funded.Transfers[0], pending[0])

		limited, err := s.PendingTransfers(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)

		require.NoError(t, s.MarkTransferDone(ctx, pending[0].ID))
		require.NoError(t, s.MarkTransferDone(ctx, pending[0].ID))
		assert.Error(t, s.MarkTransferDone(ctx, "no-such-transfer"))

		pending, err = s.PendingTransfers(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, LegRefund, pending[0].Leg)
	})

	t.Run("Lists", func(t *testing.T) {
		s := newStore(t)
		for i := uint64(1); i <= 3; i++ {
			tr, err := m.Create(seller, CreateParams{EscrowID: i, TradeID: i, Buyer: buyer, Amount: hundred}, t0)
			require.NoError(t, err)
			require.NoError(t, s.Insert(ctx, tr.Record))
		}
		first, err := s.Get(ctx, DeriveKey(1, 1))
		require.NoError(t, err)
		tr, err := m.Fund(first, Call{Caller: buyer}, t0)
		require.NoError(t, err)
		require.NoError(t, s.CompareAndSwap(ctx, tr.Record, 0, tr.Transfers))

		bySeller, err := s.ListByParty(ctx, seller, 10)
		require.NoError(t, err)
		assert.Len(t, bySeller, 3)

		byArbitrator, err := s.ListByParty(ctx, arbitrator, 2)
		require.NoError(t, err)
		assert.Len(t, byArbitrator, 2)

		none, err := s.ListByParty(ctx, outsider, 10)
		require.NoError(t, err)
		assert.Empty(t, none)

		created, err := s.ListByState(ctx, StateCreated, 10)
		require.NoError(t, err)
		assert.Len(t, created, 2)

		funded, err := s.ListByState(ctx, StateFunded, 10)
		require.NoError(t, err)
		require.Len(t, funded, 1)
		assert.Equal(t, uint64(1), funded[0].EscrowID)
	})
	t.Run("Parking", func(t *testing.T) {
		s := newStore(t)
		first := createdRecord(t, hundred)
		require.NoError(t, s.Insert(ctx, first))
		second, err := m.Create(seller, CreateParams{EscrowID: 2, TradeID: 2, Buyer: buyer, Amount: hundred}, t0)
		require.NoError(t, err)
		require.NoError(t, s.Insert(ctx, second.Record))

		funded, err := m.Fund(first, Call{Caller: buyer}, t0)
		require.NoError(t, err)
		require.NoError(t, s.CompareAndSwap(ctx, funded.Record, 0, funded.Transfers))
		disputed, err := m.OpenDispute(funded.Record, Call{Caller: buyer, Expected: 1}, 5_000000, t0.Add(time.Minute))
		require.NoError(t, err)
		require.NoError(t, s.CompareAndSwap(ctx, disputed.Record, 1, disputed.Transfers))
		other, err := m.Fund(second.Record, Call{Caller: buyer}, t0)
		require.NoError(t, err)
		require.NoError(t, s.CompareAndSwap(ctx, other.Record, 0, other.Transfers))

		deposit := funded.Transfers[0]
		require.NoError(t, s.ParkTransfer(ctx, deposit.ID, "insufficient funds"))
		require.NoError(t, s.ParkTransfer(ctx, deposit.ID, "again"))

		pending, err := s.PendingTransfers(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, other.Transfers[0], pending[0])

		parked, err := s.ParkedTransfers(ctx, 10)
		require.NoError(t, err)
		require.Len(t, parked, 2)
		assert.Equal(t, ParkedTransfer{Transfer: deposit, Reason: "insufficient funds"}, parked[0])
		assert.Equal(t, disputed.Transfers[0].ID, parked[1].ID)
		assert.Equal(t, blockedBy(deposit.ID), parked[1].Reason)

		// later legs of a parked escrow queue behind the parked ones
		evidence, err := m.SubmitEvidence(disputed.Record, Call{Caller: seller, Expected: 2}, testDigest(9), 5_000000, t0.Add(2*time.Minute))
		require.NoError(t, err)
		require.NoError(t, s.CompareAndSwap(ctx, evidence.Record, 2, evidence.Transfers))
		parked, err = s.ParkedTransfers(ctx, 10)
		require.NoError(t, err)
		require.Len(t, parked, 3)
		assert.Equal(t, LegSellerBond, parked[2].Leg)
		assert.Equal(t, parkedOnArrival, parked[2].Reason)
		pending, err = s.PendingTransfers(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, pending, 1)

		assert.Error(t, s.ParkTransfer(ctx, "no-such-transfer", "x"))
		require.NoError(t, s.MarkTransferDone(ctx, other.Transfers[0].ID))
		assert.Error(t, s.ParkTransfer(ctx, other.Transfers[0].ID, "x"))

		n, err := s.RequeueParked(ctx, first.Key())
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		pending, err = s.PendingTransfers(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 3)
		assert.Equal(t, []Leg{LegDeposit, LegBuyerBond, LegSellerBond},
			[]Leg{pending[0].Leg, pending[1].Leg, pending[2].Leg})
		parked, err = s.ParkedTransfers(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, parked)

		n, err = s.RequeueParked(ctx, first.Key())
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("ListByStateFrom", func(t *testing.T) {
		s := newStore(t)
		for i := uint64(1); i <= 5; i++ {
			tr, err := m.Create(seller, CreateParams{EscrowID: i, TradeID: i, Buyer: buyer, Amount: hundred}, t0)
			require.NoError(t, err)
			require.NoError(t, s.Insert(ctx, tr.Record))
		}

		var seen []uint64
		for offset := 0; ; offset += 2 {
			page, err := s.ListByStateFrom(ctx, StateCreated, offset, 2)
			require.NoError(t, err)
			for _, r := range page {
				seen = append(seen, r.EscrowID)
			}
			if len(page) < 2 {
				break
			}
		}
		assert.ElementsMatch(t, []uint64{1, 2, 3, 4, 5}, seen)

		beyond, err := s.ListByStateFrom(ctx, StateCreated, 10, 2)
		require.NoError(t, err)
		assert.Empty(t, beyond)
	})
}
