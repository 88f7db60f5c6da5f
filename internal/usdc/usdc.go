// Package usdc provides fixed-point parsing and formatting for escrow amounts.
//
// Amounts carry 6 implied decimal places and are held as uint64 in the
// smallest unit (1 USDC = 1,000,000 units).
package usdc

import (
	"strconv"
	"strings"
)

const Decimals = 6

// Unit is one whole token in smallest units.
const Unit uint64 = 1_000_000

// Parse converts a decimal string (e.g. "1.50") to smallest units (1500000).
// Returns (0, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded to 6 decimal places; more than 6 is
//     rejected rather than rounded
//   - Values that do not fit in uint64 are rejected
func Parse(s string) (uint64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, true
	}
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return 0, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	if whole == "" && frac == "" {
		return 0, false
	}

	if len(frac) > Decimals {
		return 0, false
	}
	for len(frac) < Decimals {
		frac += "0"
	}

	combined := strings.TrimLeft(whole+frac, "0")
	if combined == "" {
		return 0, true
	}
	v, err := strconv.ParseUint(combined, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Format converts smallest units to a decimal string with exactly 6 decimal
// places (e.g. "1.500000").
func Format(amount uint64) string {
	s := strconv.FormatUint(amount, 10)
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	return s[:decimal] + "." + s[decimal:]
}
