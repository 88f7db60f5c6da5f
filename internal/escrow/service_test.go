package escrow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fiatescrow/internal/identity"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []Event
}

func (e *recordingEmitter) EmitEscrowEvent(_ context.Context, ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *recordingEmitter) types() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, ev := range e.events {
		out = append(out, ev.Type)
	}
	return out
}

// heldFunds reserves against fixed balances the way the custody ledger does.
type heldFunds struct {
	mu   sync.Mutex
	free map[identity.ID]uint64
	held map[string]Transfer
}

func newHeldFunds(free map[identity.ID]uint64) *heldFunds {
	return &heldFunds{free: free, held: make(map[string]Transfer)}
}

func (f *heldFunds) Reserve(_ context.Context, transfers []Transfer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	need := make(map[identity.ID]uint64)
	for _, t := range transfers {
		need[t.From] += t.Amount
	}
	for payer, amount := range need {
		if f.free[payer] < amount {
			return ErrInsufficientFunds
		}
	}
	for _, t := range transfers {
		f.free[t.From] -= t.Amount
		f.held[t.ID] = t
	}
	return nil
}

func (f *heldFunds) Release(_ context.Context, transfers []Transfer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range transfers {
		if h, ok := f.held[t.ID]; ok {
			f.free[h.From] += h.Amount
			delete(f.held, t.ID)
		}
	}
}

func (f *heldFunds) available(id identity.ID) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.free[id]
}

// failingSwapStore rejects every CompareAndSwap after the record loads.
type failingSwapStore struct {
	*MemoryStore
	err error
}

func (s failingSwapStore) CompareAndSwap(context.Context, Record, uint64, []Transfer) error {
	return s.err
}

// testClock is a settable clock for deadline-driven tests.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestService() (*Service, *MemoryStore, *testClock) {
	store := NewMemoryStore()
	clock := &testClock{now: t0}
	svc := NewService(store, testMachine()).WithClock(clock.Now)
	return svc, store, clock
}

func createOne(t *testing.T, svc *Service) Record {
	t.Helper()
	rec, err := svc.Create(context.Background(), seller, CreateParams{EscrowID: 1, TradeID: 1, Buyer: buyer, Amount: hundred})
	require.NoError(t, err)
	return rec
}

func TestService_HappyPath(t *testing.T) {
	svc, store, clock := newTestService()
	emitter := &recordingEmitter{}
	svc.WithEmitter(emitter)
	ctx := context.Background()

	rec := createOne(t, svc)
	key := rec.Key()

	_, err := svc.Create(ctx, seller, CreateParams{EscrowID: 1, TradeID: 1, Buyer: buyer, Amount: hundred})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	clock.Advance(time.Minute)
	rec, err = svc.Fund(ctx, key, Call{Caller: buyer, Expected: 0})
	require.NoError(t, err)
	assert.Equal(t, StateFunded, rec.State)

	rec, err = svc.ConfirmFiat(ctx, key, Call{Caller: seller, Expected: 1})
	require.NoError(t, err)
	rec, err = svc.Release(ctx, key, Call{Caller: seller, Expected: 2})
	require.NoError(t, err)
	assert.Equal(t, StateReleased, rec.State)

	stored, err := svc.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, rec, stored)

	byIDs, err := svc.GetByIDs(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, rec, byIDs)

	pending, err := store.PendingTransfers(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, LegDeposit, pending[0].Leg)
	assert.Equal(t, LegPayout, pending[1].Leg)
	assert.Equal(t, LegFee, pending[2].Leg)

	assert.Equal(t, []string{"create", "fund", "confirm_fiat", "release"}, emitter.types())
}

func TestService_RejectedTransitionLeavesRecord(t *testing.T) {
	svc, store, _ := newTestService()
	emitter := &recordingEmitter{}
	svc.WithEmitter(emitter)
	ctx := context.Background()
	rec := createOne(t, svc)

	_, err := svc.Fund(ctx, rec.Key(), Call{Caller: seller, Expected: 0})
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = svc.Fund(ctx, rec.Key(), Call{Caller: buyer, Expected: 7})
	assert.ErrorIs(t, err, ErrStaleCounter)

	stored, err := svc.Get(ctx, rec.Key())
	require.NoError(t, err)
	assert.Equal(t, rec, stored)

	pending, err := store.PendingTransfers(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, []string{"create"}, emitter.types())
}

func TestService_NotFound(t *testing.T) {
	svc, _, _ := newTestService()
	_, err := svc.Fund(context.Background(), DeriveKey(9, 9), Call{Caller: buyer})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_InsufficientFunds(t *testing.T) {
	svc, _, _ := newTestService()
	svc.WithFundsReserver(newHeldFunds(map[identity.ID]uint64{seller: hundred - 1}))
	ctx := context.Background()
	rec := createOne(t, svc)

	_, err := svc.Fund(ctx, rec.Key(), Call{Caller: buyer, Expected: 0})
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	stored, err := svc.Get(ctx, rec.Key())
	require.NoError(t, err)
	assert.Equal(t, StateCreated, stored.State)

	svc.WithFundsReserver(newHeldFunds(map[identity.ID]uint64{seller: hundred}))
	_, err = svc.Fund(ctx, rec.Key(), Call{Caller: buyer, Expected: 0})
	assert.NoError(t, err)
}

func TestService_OneBalanceBacksOneEscrow(t *testing.T) {
	svc, store, _ := newTestService()
	funds := newHeldFunds(map[identity.ID]uint64{seller: hundred})
	svc.WithFundsReserver(funds)
	ctx := context.Background()

	var keys []Key
	for i := uint64(1); i <= 2; i++ {
		rec, err := svc.Create(ctx, seller, CreateParams{EscrowID: i, TradeID: i, Buyer: buyer, Amount: hundred})
		require.NoError(t, err)
		keys = append(keys, rec.Key())
	}

	_, err := svc.Fund(ctx, keys[0], Call{Caller: buyer, Expected: 0})
	require.NoError(t, err)
	// the first deposit has not been dispatched, but its hold still counts
	_, err = svc.Fund(ctx, keys[1], Call{Caller: buyer, Expected: 0})
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Zero(t, funds.available(seller))

	pending, err := store.PendingTransfers(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestService_FailedCommitReleasesHold(t *testing.T) {
	store := failingSwapStore{MemoryStore: NewMemoryStore(), err: ErrStaleCounter}
	funds := newHeldFunds(map[identity.ID]uint64{seller: hundred})
	svc := NewService(store, testMachine()).WithClock(func() time.Time { return t0 }).WithFundsReserver(funds)
	ctx := context.Background()
	rec := createOne(t, svc)

	_, err := svc.Fund(ctx, rec.Key(), Call{Caller: buyer, Expected: 0})
	assert.ErrorIs(t, err, ErrStaleCounter)
	assert.Equal(t, uint64(hundred), funds.available(seller))
	assert.Empty(t, funds.held)
}

func TestService_BondNeedsFunds(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	rec := createOne(t, svc)
	_, err := svc.Fund(ctx, rec.Key(), Call{Caller: buyer, Expected: 0})
	require.NoError(t, err)

	svc.WithFundsReserver(newHeldFunds(map[identity.ID]uint64{buyer: 1}))
	_, err = svc.OpenDispute(ctx, rec.Key(), Call{Caller: buyer, Expected: 1}, 5_000000)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	// payouts from custody are never held
	svc.WithFundsReserver(newHeldFunds(map[identity.ID]uint64{buyer: 5_000000}))
	_, err = svc.OpenDispute(ctx, rec.Key(), Call{Caller: buyer, Expected: 1}, 5_000000)
	assert.NoError(t, err)
}

func TestService_DisputeLifecycle(t *testing.T) {
	svc, _, clock := newTestService()
	ctx := context.Background()
	rec := createOne(t, svc)
	key := rec.Key()

	_, err := svc.Fund(ctx, key, Call{Caller: buyer, Expected: 0})
	require.NoError(t, err)
	_, err = svc.OpenDispute(ctx, key, Call{Caller: seller, Expected: 1}, 5_000000)
	require.NoError(t, err)
	clock.Advance(time.Hour)
	_, err = svc.SubmitEvidence(ctx, key, Call{Caller: buyer, Expected: 2}, testDigest(1), 5_000000)
	require.NoError(t, err)

	rec, err = svc.Resolve(ctx, key, Call{Caller: arbitrator, Expected: 3},
		Resolution{Decision: DecisionSplit, BuyerShare: 50_000000, Hash: testDigest(2)})
	require.NoError(t, err)
	assert.Equal(t, StateResolved, rec.State)
	assert.Equal(t, uint64(50_000000), rec.BuyerShare)

	_, err = svc.SettleLapsed(ctx, key, Call{Caller: outsider, Expected: 4})
	assert.ErrorIs(t, err, ErrTerminalState)
}

func TestService_ConcurrentFundSingleWinner(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()
	rec := createOne(t, svc)

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Fund(ctx, rec.Key(), Call{Caller: buyer, Expected: 0})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ErrStaleCounter)
	}
	assert.Equal(t, 1, ok)

	pending, err := store.PendingTransfers(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestService_CanceledContext(t *testing.T) {
	svc, _, _ := newTestService()
	rec := createOne(t, svc)

	unlock, err := svc.locks.Lock(context.Background(), rec.Key())
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = svc.Fund(ctx, rec.Key(), Call{Caller: buyer})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestService_Lists(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	createOne(t, svc)

	byParty, err := svc.ListByParty(ctx, buyer, 0)
	require.NoError(t, err)
	assert.Len(t, byParty, 1)

	byState, err := svc.ListByState(ctx, StateFunded, 0)
	require.NoError(t, err)
	assert.Empty(t, byState)
}
