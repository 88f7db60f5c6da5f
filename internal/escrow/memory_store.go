package escrow

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/mbd888/fiatescrow/internal/identity"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	records map[Key]Record
	order   []Key // insertion order, for stable listing

	// queue holds undispatched transfers in enqueue order. Dispatched
	// transfers leave the queue; only their IDs are kept so a repeated
	// mark or enqueue stays a no-op.
	queue      []*outboxEntry
	queued     map[string]*outboxEntry
	dispatched map[string]struct{}
	parkedKeys map[Key]bool

	mu sync.RWMutex
}

type outboxEntry struct {
	transfer Transfer
	reason   string // set while parked
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:    make(map[Key]Record),
		queued:     make(map[string]*outboxEntry),
		dispatched: make(map[string]struct{}),
		parkedKeys: make(map[Key]bool),
	}
}

func (m *MemoryStore) Insert(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := rec.Key()
	if _, ok := m.records[key]; ok {
		return ErrAlreadyExists
	}
	m.records[key] = rec
	m.order = append(m.order, key)
	return nil
}

// Get returns a copy; Record holds no shared references.
func (m *MemoryStore) Get(_ context.Context, key Key) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, rec Record, expected uint64, transfers []Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := rec.Key()
	cur, ok := m.records[key]
	if !ok {
		return ErrNotFound
	}
	if cur.Counter != expected {
		return fmt.Errorf("%w: stored %d, expected %d", ErrStaleCounter, cur.Counter, expected)
	}
	m.records[key] = rec
	for _, t := range transfers {
		if _, dup := m.queued[t.ID]; dup {
			continue
		}
		if _, done := m.dispatched[t.ID]; done {
			continue
		}
		e := &outboxEntry{transfer: t}
		if m.parkedKeys[t.Key] {
			e.reason = parkedOnArrival
		}
		m.queue = append(m.queue, e)
		m.queued[t.ID] = e
	}
	return nil
}

func (m *MemoryStore) ListByParty(_ context.Context, party identity.ID, limit int) ([]Record, error) {
	return m.list(limit, func(r Record) bool {
		return r.Seller == party || r.Buyer == party || r.Arbitrator == party
	}), nil
}

func (m *MemoryStore) ListByState(ctx context.Context, state State, limit int) ([]Record, error) {
	return m.ListByStateFrom(ctx, state, 0, limit)
}

func (m *MemoryStore) ListByStateFrom(_ context.Context, state State, offset, limit int) ([]Record, error) {
	return m.listFrom(offset, limit, func(r Record) bool { return r.State == state }), nil
}

func (m *MemoryStore) list(limit int, match func(Record) bool) []Record {
	return m.listFrom(0, limit, match)
}

func (m *MemoryStore) listFrom(offset, limit int, match func(Record) bool) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = DefaultListLimit
	}
	var result []Record
	for _, key := range m.order {
		r := m.records[key]
		if !match(r) {
			continue
		}
		if offset > 0 {
			offset--
			continue
		}
		result = append(result, r)
		if len(result) >= limit {
			break
		}
	}
	return result
}

func (m *MemoryStore) PendingTransfers(_ context.Context, limit int) ([]Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []Transfer
	for _, e := range m.queue {
		if e.reason != "" {
			continue
		}
		result = append(result, e.transfer)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) MarkTransferDone(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, done := m.dispatched[id]; done {
		return nil
	}
	e, ok := m.queued[id]
	if !ok {
		return errUnknownTransfer(id)
	}
	// the dispatcher marks in enqueue order, so this is usually the head
	if i := slices.Index(m.queue, e); i >= 0 {
		m.queue = slices.Delete(m.queue, i, i+1)
	}
	delete(m.queued, id)
	m.dispatched[id] = struct{}{}
	return nil
}

func (m *MemoryStore) ParkTransfer(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, done := m.dispatched[id]; done {
		return errTransferDispatched(id)
	}
	e, ok := m.queued[id]
	if !ok {
		return errUnknownTransfer(id)
	}
	if e.reason != "" {
		return nil
	}
	key := e.transfer.Key
	for _, other := range m.queue {
		if other.transfer.Key != key || other.reason != "" {
			continue
		}
		other.reason = blockedBy(id)
	}
	e.reason = reason
	m.parkedKeys[key] = true
	return nil
}

func (m *MemoryStore) ParkedTransfers(_ context.Context, limit int) ([]ParkedTransfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = DefaultListLimit
	}
	var result []ParkedTransfer
	for _, e := range m.queue {
		if e.reason == "" {
			continue
		}
		result = append(result, ParkedTransfer{Transfer: e.transfer, Reason: e.reason})
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) RequeueParked(_ context.Context, key Key) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, e := range m.queue {
		if e.transfer.Key == key && e.reason != "" {
			e.reason = ""
			n++
		}
	}
	delete(m.parkedKeys, key)
	return n, nil
}

var _ Store = (*MemoryStore)(nil)
