package venue

import "github.com/holiman/uint256"

// DefaultPrecisionUnit is the rounding grid applied to venue outputs: 10^10
// base units of an 18-decimal asset, i.e. eight significant fractional digits.
var DefaultPrecisionUnit = uint256.NewInt(10_000_000_000)

// RoundDown floors amount to a multiple of unit and returns the rounded
// amount with the discarded residue. A nil or zero unit disables rounding.
func RoundDown(amount, unit *uint256.Int) (rounded, dust *uint256.Int) {
	if amount == nil {
		return new(uint256.Int), new(uint256.Int)
	}
	if unit == nil || unit.IsZero() {
		return new(uint256.Int).Set(amount), new(uint256.Int)
	}
	dust = new(uint256.Int).Mod(amount, unit)
	rounded = new(uint256.Int).Sub(amount, dust)
	return rounded, dust
}

// MinimumOutput derives the slippage-bounded minimum from a quote:
// quoted * (10000 - bps) / 10000, truncated.
func MinimumOutput(quoted *uint256.Int, maxSlippageBps uint32) *uint256.Int {
	if quoted == nil {
		return new(uint256.Int)
	}
	if maxSlippageBps > BasisPoints {
		maxSlippageBps = BasisPoints
	}
	keep := uint256.NewInt(uint64(BasisPoints - maxSlippageBps))
	out, _ := new(uint256.Int).MulDivOverflow(quoted, keep, uint256.NewInt(BasisPoints))
	return out
}

// BasisPoints is the denominator for slippage tolerances.
const BasisPoints = 10_000
