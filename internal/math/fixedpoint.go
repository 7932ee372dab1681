package math

import (
	"math/big"
	"strings"
	"sync"

	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"
	"github.com/shopspring/decimal"

	"ForwardLedger/internal/types"
)

const (
	// FactorDecimals is the precision of the settlement factor.
	FactorDecimals = 24
	// BpsDenominator is 100% in basis points.
	BpsDenominator = 10_000
)

var (
	// FactorScale is 1.0 expressed as a settlement factor.
	FactorScale = sdkmath.NewIntWithDecimal(1, FactorDecimals)

	bpsDenominator = sdkmath.NewInt(BpsDenominator)

	// MaxAmount is the largest base-unit amount accepted on the wire (u128).
	MaxAmount = sdkmath.NewIntFromBigInt(new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1)))
)

// Pooled big.Int for intermediates wider than any single operand.
var widePool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getWide() *big.Int {
	return widePool.Get().(*big.Int)
}

func putWide(v *big.Int) {
	v.SetInt64(0)
	widePool.Put(v)
}

type RoundingMode int

const (
	RoundDown     RoundingMode = iota // truncate toward zero
	RoundHalfEven                     // banker's rounding
	RoundUp
)

// MulDiv computes a * b / denom with an unbounded intermediate product.
// Panics if denom is zero.
func MulDiv(a, b, denom sdkmath.Int, mode RoundingMode) sdkmath.Int {
	if denom.IsZero() {
		panic("fixedpoint: division by zero")
	}

	product := getWide()
	quotient := getWide()
	remainder := getWide()
	defer putWide(product)
	defer putWide(quotient)
	defer putWide(remainder)

	d := denom.BigInt()
	product.Mul(a.BigInt(), b.BigInt())
	quotient.QuoRem(product, d, remainder)

	if remainder.Sign() != 0 && product.Sign() == d.Sign() {
		switch mode {
		case RoundUp:
			quotient.Add(quotient, big.NewInt(1))
		case RoundHalfEven:
			twice := new(big.Int).Lsh(new(big.Int).Abs(remainder), 1)
			cmp := twice.Cmp(new(big.Int).Abs(d))
			if cmp > 0 || (cmp == 0 && quotient.Bit(0) == 1) {
				quotient.Add(quotient, big.NewInt(1))
			}
		}
	}

	// quotient goes back to the pool; the result must own its own copy
	return sdkmath.NewIntFromBigInt(new(big.Int).Set(quotient))
}

// FeeFromBps returns floor(amount * bps / 10000).
func FeeFromBps(amount sdkmath.Int, bps uint16) sdkmath.Int {
	return MulDiv(amount, sdkmath.NewInt(int64(bps)), bpsDenominator, RoundDown)
}

// SettlementFactor returns clamp((price - lower) / (upper - lower), 0, 1)
// scaled by FactorScale, truncated. Requires lower < upper.
func SettlementFactor(price, lower, upper sdkmath.Int) sdkmath.Int {
	if price.LTE(lower) {
		return sdkmath.ZeroInt()
	}
	if price.GTE(upper) {
		return FactorScale
	}
	return MulDiv(price.Sub(lower), FactorScale, upper.Sub(lower), RoundDown)
}

// LongValue is floor(amount * factor / FactorScale).
func LongValue(amount, factor sdkmath.Int) sdkmath.Int {
	return MulDiv(amount, factor, FactorScale, RoundDown)
}

// ShortValue is floor(amount * (FactorScale - factor) / FactorScale).
func ShortValue(amount, factor sdkmath.Int) sdkmath.Int {
	return MulDiv(amount, FactorScale.Sub(factor), FactorScale, RoundDown)
}

// ExceedsDeviation reports whether next differs from prev by more than
// maxBps basis points of prev. Exact, no division.
func ExceedsDeviation(prev, next sdkmath.Int, maxBps uint16) bool {
	diff := next.Sub(prev).Abs()
	return diff.Mul(bpsDenominator).GT(prev.MulRaw(int64(maxBps)))
}

// ParseAmount parses a base-unit integer string. Signs, decimal points and
// values above MaxAmount are rejected.
func ParseAmount(s string) (sdkmath.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsAny(s, "+-.eE ") {
		return sdkmath.Int{}, errorsmod.Wrapf(types.ErrInvalidAmount, "%q", s)
	}
	v, ok := sdkmath.NewIntFromString(s)
	if !ok || v.IsNegative() || v.GT(MaxAmount) {
		return sdkmath.Int{}, errorsmod.Wrapf(types.ErrInvalidAmount, "%q", s)
	}
	return v, nil
}

// FormatUnits renders a base-unit amount as a decimal string with the
// given precision, e.g. 375000 at 6 decimals is "0.375".
func FormatUnits(amount sdkmath.Int, decimals uint8) string {
	if amount.IsNil() {
		return "0"
	}
	return decimal.NewFromBigInt(amount.BigInt(), -int32(decimals)).String()
}
