// Package custody moves escrowed funds between party accounts and the
// custody account.
//
// The escrow engine never touches balances. Each accepted transition
// enqueues transfers in the record store's outbox; the Dispatcher drains the
// outbox into a Ledger, which applies every transfer at most once.
package custody

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mbd888/fiatescrow/internal/escrow"
	"github.com/mbd888/fiatescrow/internal/identity"
)

// ErrZeroAmount is returned for transfers that move nothing.
var ErrZeroAmount = errors.New("custody: transfer amount must be positive")

// Ledger applies custody transfers.
//
// Apply must be idempotent by transfer ID: applying a transfer that was
// already applied returns nil without moving funds again. A payer that cannot
// cover the amount yields an error wrapping escrow.ErrInsufficientFunds.
type Ledger interface {
	Apply(ctx context.Context, t escrow.Transfer) error
	Balance(ctx context.Context, account identity.ID) (uint64, error)
}

// MemoryLedger is an in-memory Ledger for development and tests. It also
// serves as the service's escrow.FundsReserver: a hold earmarks part of a
// payer's balance for one committed transfer until Apply consumes it.
type MemoryLedger struct {
	mu       sync.RWMutex
	balances map[identity.ID]uint64
	held     map[identity.ID]uint64 // sum of holds per payer, never above balance
	holds    map[string]escrow.Transfer
	applied  map[string]struct{}
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[identity.ID]uint64),
		held:     make(map[identity.ID]uint64),
		holds:    make(map[string]escrow.Transfer),
		applied:  make(map[string]struct{}),
	}
}

// Credit adds amount to account from outside the escrow system, e.g. a
// deposit observed by an operator.
func (m *MemoryLedger) Credit(account identity.ID, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.balances[account]
	if bal+amount < bal {
		return fmt.Errorf("custody: balance overflow for %s", account)
	}
	m.balances[account] = bal + amount
	return nil
}

func (m *MemoryLedger) Apply(ctx context.Context, t escrow.Transfer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.Amount == 0 {
		return ErrZeroAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.applied[t.ID]; ok {
		return nil
	}
	// a transfer may spend its own hold but not anyone else's
	own := m.holds[t.ID].Amount
	from := m.balances[t.From]
	if spendable := m.spendable(t.From) + own; spendable < t.Amount {
		return fmt.Errorf("%w: %s has %d spendable, transfer %s needs %d",
			escrow.ErrInsufficientFunds, t.From, spendable, t.ID, t.Amount)
	}
	to := m.balances[t.To]
	if to+t.Amount < to {
		return fmt.Errorf("custody: balance overflow for %s", t.To)
	}
	m.dropHold(t.ID)
	m.balances[t.From] = from - t.Amount
	m.balances[t.To] += t.Amount
	m.applied[t.ID] = struct{}{}
	return nil
}

// Reserve implements escrow.FundsReserver. Transfers already held or
// applied are skipped, so a retried reservation holds nothing twice.
func (m *MemoryLedger) Reserve(ctx context.Context, transfers []escrow.Transfer) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	need := make(map[identity.ID]uint64)
	var fresh []escrow.Transfer
	for _, t := range transfers {
		if _, ok := m.holds[t.ID]; ok {
			continue
		}
		if _, ok := m.applied[t.ID]; ok {
			continue
		}
		need[t.From] += t.Amount
		fresh = append(fresh, t)
	}
	for payer, amount := range need {
		if spendable := m.spendable(payer); spendable < amount {
			return fmt.Errorf("%w: %s has %d, needs %d", escrow.ErrInsufficientFunds, payer, spendable, amount)
		}
	}
	for _, t := range fresh {
		m.holds[t.ID] = t
		m.held[t.From] += t.Amount
	}
	return nil
}

// Release implements escrow.FundsReserver.
func (m *MemoryLedger) Release(_ context.Context, transfers []escrow.Transfer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range transfers {
		m.dropHold(t.ID)
	}
}

func (m *MemoryLedger) spendable(account identity.ID) uint64 {
	bal, held := m.balances[account], m.held[account]
	if held >= bal {
		return 0
	}
	return bal - held
}

func (m *MemoryLedger) dropHold(id string) {
	h, ok := m.holds[id]
	if !ok {
		return
	}
	delete(m.holds, id)
	if m.held[h.From] <= h.Amount {
		delete(m.held, h.From)
		return
	}
	m.held[h.From] -= h.Amount
}

func (m *MemoryLedger) Balance(_ context.Context, account identity.ID) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[account], nil
}

// Available returns the part of party's balance not held for committed
// transfers.
func (m *MemoryLedger) Available(_ context.Context, party identity.ID) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.spendable(party), nil
}

// Applied reports whether the transfer with id has been applied.
func (m *MemoryLedger) Applied(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.applied[id]
	return ok
}

var (
	_ Ledger               = (*MemoryLedger)(nil)
	_ escrow.FundsReserver = (*MemoryLedger)(nil)
)
