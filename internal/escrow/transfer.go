package escrow

import (
	"fmt"

	"github.com/mbd888/fiatescrow/internal/identity"
)

// Leg names one transfer within a transition.
type Leg string

const (
	LegDeposit         Leg = "deposit"
	LegPayout          Leg = "payout"
	LegFee             Leg = "fee"
	LegRefund          Leg = "refund"
	LegBuyerBond       Leg = "bond-buyer"
	LegSellerBond      Leg = "bond-seller"
	LegBuyerPrincipal  Leg = "principal-buyer"
	LegSellerPrincipal Leg = "principal-seller"
	LegBuyerBondOut    Leg = "bond-buyer-out"
	LegSellerBondOut   Leg = "bond-seller-out"
)

// Transfer is a custody movement requested by a transition. It is stored
// atomically with the record and later applied by the custody dispatcher.
type Transfer struct {
	ID      string      `json:"id"`
	Key     Key         `json:"key"`
	Counter uint64      `json:"counter"`
	Leg     Leg         `json:"leg"`
	From    identity.ID `json:"from"`
	To      identity.ID `json:"to"`
	Amount  uint64      `json:"amount"`
}

// TransferID is deterministic so a retried dispatch is applied at most once.
func TransferID(key Key, counter uint64, leg Leg) string {
	return fmt.Sprintf("%s/%d/%s", key, counter, leg)
}

// transfers accumulates the legs of one transition, skipping zero amounts.
type transfers struct {
	key     Key
	counter uint64
	list    []Transfer
}

func newTransfers(key Key, counter uint64) *transfers {
	return &transfers{key: key, counter: counter}
}

func (t *transfers) add(leg Leg, from, to identity.ID, amount uint64) {
	if amount == 0 {
		return
	}
	t.list = append(t.list, Transfer{
		ID:      TransferID(t.key, t.counter, leg),
		Key:     t.key,
		Counter: t.counter,
		Leg:     leg,
		From:    from,
		To:      to,
		Amount:  amount,
	})
}
