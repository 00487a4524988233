package lending

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

const (
	// PriceDecimals is the fixed-point scale used by price feeds and exchange rates.
	PriceDecimals = 8
	// BasisPointsDenominator expresses 100% in basis points.
	BasisPointsDenominator = 10_000
	// maxDecimals bounds token precision so 10^decimals always fits in 256 bits.
	maxDecimals = 36
)

var (
	errNegativeAmount = errors.New("lending: amount must not be negative")
	errAmountOverflow = errors.New("lending: amount exceeds 256 bits")
	errInvalidAmount  = errors.New("lending: invalid amount")
)

// Amount is an exact integer quantity in the smallest unit of an asset. It is
// the only type that may be compared against contract state or submitted in a
// transaction.
type Amount struct {
	v uint256.Int
}

// NewAmount wraps a uint64 value.
func NewAmount(v uint64) Amount {
	var a Amount
	a.v.SetUint64(v)
	return a
}

// AmountFromBig converts a contract return value. Negative values and values
// wider than 256 bits are rejected.
func AmountFromBig(b *big.Int) (Amount, error) {
	if b == nil {
		return Amount{}, nil
	}
	if b.Sign() < 0 {
		return Amount{}, errNegativeAmount
	}
	var a Amount
	if overflow := a.v.SetFromBig(b); overflow {
		return Amount{}, errAmountOverflow
	}
	return a, nil
}

// MustAmount parses a base-10 integer string and panics on failure. Intended for
// constants and tests.
func MustAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// ParseAmount parses a base-10 integer string expressed in smallest units.
func ParseAmount(s string) (Amount, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return Amount{}, fmt.Errorf("%w: empty", errInvalidAmount)
	}
	var a Amount
	if err := a.v.SetFromDecimal(trimmed); err != nil {
		return Amount{}, fmt.Errorf("%w: %q", errInvalidAmount, s)
	}
	return a, nil
}

// ParseUnits parses a human decimal such as "1.25" into smallest units of an
// asset with the given precision. Digits beyond the precision are rejected
// rather than rounded.
func ParseUnits(s string, decimals uint8) (Amount, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return Amount{}, fmt.Errorf("%w: empty", errInvalidAmount)
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q", errInvalidAmount, s)
	}
	if d.IsNegative() {
		return Amount{}, errNegativeAmount
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return Amount{}, fmt.Errorf("%w: %q has more than %d decimals", errInvalidAmount, s, decimals)
	}
	return AmountFromBig(scaled.BigInt())
}

// Big returns a copy of the amount as a big.Int for ABI encoding.
func (a Amount) Big() *big.Int {
	return a.v.ToBig()
}

// Uint256 returns a copy of the underlying integer.
func (a Amount) Uint256() *uint256.Int {
	return new(uint256.Int).Set(&a.v)
}

func (a Amount) String() string {
	return a.v.Dec()
}

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool {
	return a.v.IsZero()
}

// Cmp compares two amounts and returns -1, 0 or +1.
func (a Amount) Cmp(b Amount) int {
	return a.v.Cmp(&b.v)
}

// Lt reports a < b.
func (a Amount) Lt(b Amount) bool { return a.v.Lt(&b.v) }

// Gte reports a >= b.
func (a Amount) Gte(b Amount) bool { return !a.v.Lt(&b.v) }

// Add returns a+b and whether the sum overflowed.
func (a Amount) Add(b Amount) (Amount, bool) {
	var out Amount
	_, overflow := out.v.AddOverflow(&a.v, &b.v)
	return out, overflow
}

// SubFloor returns a-b clamped at zero.
func (a Amount) SubFloor(b Amount) Amount {
	if a.v.Lt(&b.v) {
		return Amount{}
	}
	var out Amount
	out.v.Sub(&a.v, &b.v)
	return out
}

// MulDivFloor returns floor(a*mul/div) computed with a 512-bit intermediate.
// ok is false when div is zero or the result does not fit in 256 bits.
func (a Amount) MulDivFloor(mul, div Amount) (Amount, bool) {
	if div.IsZero() {
		return Amount{}, false
	}
	var out Amount
	_, overflow := out.v.MulDivOverflow(&a.v, &mul.v, &div.v)
	if overflow {
		return Amount{}, false
	}
	return out, true
}

// Display renders the amount as an approximate decimal for presentation. The
// returned value cannot be converted back into an Amount.
func (a Amount) Display(decimals uint8) DisplayValue {
	return DisplayValue{d: decimal.NewFromBigInt(a.v.ToBig(), -int32(decimals))}
}

// MarshalText encodes the amount as a base-10 string.
func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.v.Dec()), nil
}

// UnmarshalText decodes a base-10 string.
func (a *Amount) UnmarshalText(text []byte) error {
	parsed, err := ParseAmount(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// DisplayValue is an approximate, presentation-only quantity such as a USD
// value shown next to an amount. It deliberately offers no path back to Amount.
type DisplayValue struct {
	d decimal.Decimal
}

// StringFixed renders the value rounded to the given number of fractional digits.
func (v DisplayValue) StringFixed(places int32) string {
	return v.d.StringFixed(places)
}

func (v DisplayValue) String() string {
	return v.d.String()
}

// Float64 returns the nearest float for charting.
func (v DisplayValue) Float64() float64 {
	f, _ := v.d.Float64()
	return f
}

// MarshalText encodes the display value as a decimal string.
func (v DisplayValue) MarshalText() ([]byte, error) {
	return []byte(v.d.String()), nil
}

// pow10 returns 10^n as an Amount.
func pow10(n uint8) (Amount, bool) {
	if n > maxDecimals {
		return Amount{}, false
	}
	var out Amount
	out.v.Exp(uint256.NewInt(10), uint256.NewInt(uint64(n)))
	return out, true
}

// mulChecked returns a*b and false on overflow.
func mulChecked(a, b Amount) (Amount, bool) {
	var out Amount
	_, overflow := out.v.MulOverflow(&a.v, &b.v)
	return out, !overflow
}
