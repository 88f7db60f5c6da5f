package escrow

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Basis points charged on the principal.
const (
	FeeBasisPoints  = 100 // 1% protocol fee
	BondBasisPoints = 500 // 5% dispute bond

	basisPointDenominator = 10_000
)

// Fee returns amount*100/10000 with truncating division.
func Fee(amount uint64) (uint64, error) {
	return basisPoints(amount, FeeBasisPoints)
}

// DisputeBond returns amount*500/10000 with truncating division.
func DisputeBond(amount uint64) (uint64, error) {
	return basisPoints(amount, BondBasisPoints)
}

func basisPoints(amount, bps uint64) (uint64, error) {
	product, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(amount), uint256.NewInt(bps))
	if overflow {
		return 0, fmt.Errorf("%w: %d * %d", ErrFeeOverflow, amount, bps)
	}
	quotient := new(uint256.Int).Div(product, uint256.NewInt(basisPointDenominator))
	if !quotient.IsUint64() {
		return 0, fmt.Errorf("%w: %d bps of %d does not fit in 64 bits", ErrFeeOverflow, bps, amount)
	}
	return quotient.Uint64(), nil
}
