package escrow

import (
	"time"

	"github.com/mbd888/fiatescrow/internal/identity"
	"github.com/mbd888/fiatescrow/internal/usdc"
)

// View is the JSON representation of a record. Amounts are decimal strings
// with six places; identifiers are strings so 64-bit values survive
// JavaScript clients.
type View struct {
	Key                string           `json:"key"`
	EscrowID           uint64           `json:"escrowId,string"`
	TradeID            uint64           `json:"tradeId,string"`
	Seller             identity.ID      `json:"seller"`
	Buyer              identity.ID      `json:"buyer"`
	Arbitrator         identity.ID      `json:"arbitrator"`
	Amount             string           `json:"amount"`
	Fee                string           `json:"fee"`
	DisputeBond        string           `json:"disputeBond"`
	Sequential         bool             `json:"sequential"`
	SequentialAddress  *identity.ID     `json:"sequentialAddress,omitempty"`
	State              State            `json:"state"`
	DepositDeadline    time.Time        `json:"depositDeadline"`
	FiatDeadline       *time.Time       `json:"fiatDeadline,omitempty"`
	FiatPaid           bool             `json:"fiatPaid"`
	DisputeInitiatedAt *time.Time       `json:"disputeInitiatedAt,omitempty"`
	DisputeInitiator   *identity.ID     `json:"disputeInitiator,omitempty"`
	BuyerEvidence      *identity.Digest `json:"buyerEvidence,omitempty"`
	SellerEvidence     *identity.Digest `json:"sellerEvidence,omitempty"`
	ResolutionHash     *identity.Digest `json:"resolutionHash,omitempty"`
	BuyerBond          string           `json:"buyerBond"`
	SellerBond         string           `json:"sellerBond"`
	Decision           Decision         `json:"decision"`
	BuyerShare         string           `json:"buyerShare,omitempty"`
	Counter            uint64           `json:"counter"`
}

// NewView renders r for API responses.
func NewView(r Record) View {
	bond, _ := DisputeBond(r.Amount)
	v := View{
		Key:             r.Key().String(),
		EscrowID:        r.EscrowID,
		TradeID:         r.TradeID,
		Seller:          r.Seller,
		Buyer:           r.Buyer,
		Arbitrator:      r.Arbitrator,
		Amount:          usdc.Format(r.Amount),
		Fee:             usdc.Format(r.Fee),
		DisputeBond:     usdc.Format(bond),
		Sequential:      r.Sequential,
		State:           r.State,
		DepositDeadline: time.Unix(r.DepositDeadline, 0).UTC(),
		FiatPaid:        r.FiatPaid,
		BuyerBond:       usdc.Format(r.BuyerBond),
		SellerBond:      usdc.Format(r.SellerBond),
		Decision:        r.Decision,
		Counter:         r.Counter,
	}
	if addr, ok := r.SequentialAddress.Get(); ok {
		v.SequentialAddress = &addr
	}
	if ts, ok := r.FiatDeadline.Get(); ok {
		t := time.Unix(ts, 0).UTC()
		v.FiatDeadline = &t
	}
	if ts, ok := r.DisputeInitiatedTime.Get(); ok {
		t := time.Unix(ts, 0).UTC()
		v.DisputeInitiatedAt = &t
	}
	if id, ok := r.DisputeInitiator.Get(); ok {
		v.DisputeInitiator = &id
	}
	if d, ok := r.BuyerEvidence.Get(); ok {
		v.BuyerEvidence = &d
	}
	if d, ok := r.SellerEvidence.Get(); ok {
		v.SellerEvidence = &d
	}
	if d, ok := r.ResolutionHash.Get(); ok {
		v.ResolutionHash = &d
	}
	if r.Decision == DecisionSplit {
		v.BuyerShare = usdc.Format(r.BuyerShare)
	}
	return v
}

// NewViews renders a slice of records.
func NewViews(records []Record) []View {
	out := make([]View, len(records))
	for i, r := range records {
		out[i] = NewView(r)
	}
	return out
}
