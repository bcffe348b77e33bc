// Package fixedpoint implements the Q128.128 arithmetic used to track the
// weighted average execution price of recurring swap plans.
//
// A price is stored as an unsigned 256-bit integer whose low 128 bits hold the
// fractional part. The average is always recomputed from cumulative totals as
//
//	floor(totalReceived * 2^128 / totalSpent)
//
// using a 512-bit intermediate, so repeated executions never compound rounding
// error. Conversion back to a human decimal truncates toward zero; it never
// rounds to nearest. Both rules are part of the wire contract: independent
// implementations must produce identical integers and strings.
package fixedpoint

import (
	"errors"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// FractionalBits is the shift width of the fixed-point representation.
const FractionalBits = 128

// DefaultDisplayDigits is the number of fractional decimal digits produced by
// Display when callers do not request a specific precision.
const DefaultDisplayDigits = 18

// MaxDisplayDigits bounds the precision accepted by Display. 10^38 is the
// largest power of ten that keeps (fraction * 10^digits) below 2^256.
const MaxDisplayDigits = 38

var (
	// ErrPriceOverflow indicates the average price does not fit in 256 bits,
	// i.e. the integer part is 2^128 or larger.
	ErrPriceOverflow = errors.New("fixedpoint: average price overflows Q128.128")
	// ErrDigitsOutOfRange indicates an unsupported display precision.
	ErrDigitsOutOfRange = errors.New("fixedpoint: display digits out of range")
)

var (
	one        = uint256.NewInt(1)
	scale      = new(uint256.Int).Lsh(one, FractionalBits)
	fracMask   = new(uint256.Int).Sub(scale, one)
	ten        = uint256.NewInt(10)
	powersOf10 = buildPowersOf10()
)

func buildPowersOf10() [MaxDisplayDigits + 1]*uint256.Int {
	var out [MaxDisplayDigits + 1]*uint256.Int
	out[0] = uint256.NewInt(1)
	for i := 1; i <= MaxDisplayDigits; i++ {
		out[i] = new(uint256.Int).Mul(out[i-1], ten)
	}
	return out
}

// Zero returns the sentinel price used before any execution has been recorded.
func Zero() *uint256.Int { return new(uint256.Int) }

// One returns the fixed-point representation of 1.0.
func One() *uint256.Int { return new(uint256.Int).Set(scale) }

// AveragePrice recomputes the weighted average price from cumulative totals.
// A zero spent total yields the zero sentinel rather than an error.
func AveragePrice(totalReceived, totalSpent *uint256.Int) (*uint256.Int, error) {
	if totalSpent == nil || totalSpent.IsZero() {
		return Zero(), nil
	}
	if totalReceived == nil || totalReceived.IsZero() {
		return Zero(), nil
	}
	price, overflow := new(uint256.Int).MulDivOverflow(totalReceived, scale, totalSpent)
	if overflow {
		return nil, ErrPriceOverflow
	}
	return price, nil
}

// IntegerPart returns floor(price).
func IntegerPart(price *uint256.Int) *uint256.Int {
	if price == nil {
		return Zero()
	}
	return new(uint256.Int).Rsh(price, FractionalBits)
}

// Display renders the price as a decimal string with exactly digits
// fractional digits, truncating any remainder.
func Display(price *uint256.Int, digits int) (string, error) {
	if digits < 0 || digits > MaxDisplayDigits {
		return "", ErrDigitsOutOfRange
	}
	if price == nil {
		price = Zero()
	}
	integer := IntegerPart(price)
	if digits == 0 {
		return integer.Dec(), nil
	}
	frac := new(uint256.Int).And(price, fracMask)
	frac.Mul(frac, powersOf10[digits])
	frac.Rsh(frac, FractionalBits)

	fracStr := frac.Dec()
	var b strings.Builder
	b.Grow(len(integer.Dec()) + 1 + digits)
	b.WriteString(integer.Dec())
	b.WriteByte('.')
	for i := len(fracStr); i < digits; i++ {
		b.WriteByte('0')
	}
	b.WriteString(fracStr)
	return b.String(), nil
}

// MustDisplay is Display with DefaultDisplayDigits. It cannot fail.
func MustDisplay(price *uint256.Int) string {
	out, err := Display(price, DefaultDisplayDigits)
	if err != nil {
		panic(err)
	}
	return out
}

// ToDecimal converts the truncated display form into a decimal value.
func ToDecimal(price *uint256.Int, digits int) (decimal.Decimal, error) {
	s, err := Display(price, digits)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.RequireFromString(s), nil
}

// Scale converts a base-unit price (target units per source unit) into a
// human price by accounting for token decimals. The result is truncated to
// digits fractional places.
func Scale(price *uint256.Int, sourceDecimals, targetDecimals uint8, digits int) (decimal.Decimal, error) {
	raw, err := ToDecimal(price, MaxDisplayDigits)
	if err != nil {
		return decimal.Zero, err
	}
	shifted := raw.Shift(int32(sourceDecimals) - int32(targetDecimals))
	return shifted.Truncate(int32(digits)), nil
}
