// Package fixedpoint implements the UQ112x112 binary fixed-point format used
// by constant-product price accumulators: an unsigned value scaled by 2^112.
package fixedpoint

import (
	"errors"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Resolution is the number of fractional bits.
const Resolution = 112

var (
	// ErrOverflow is returned when a result does not fit its target width.
	ErrOverflow = errors.New("fixedpoint: overflow")
	// ErrDivideByZero is returned when dividing by zero.
	ErrDivideByZero = errors.New("fixedpoint: divide by zero")
)

var (
	q112     = new(uint256.Int).Lsh(uint256.NewInt(1), Resolution)
	mask224  = new(uint256.Int).Rsh(new(uint256.Int).SetAllOne(), 256-224)
	decQ112  = decimal.NewFromBigInt(q112.ToBig(), 0)
	maxInput = 256 - Resolution
)

// UQ112x112 is an unsigned fixed-point number with 112 fractional bits.
// The zero value is 0.
type UQ112x112 struct {
	x uint256.Int
}

// One returns 1.0.
func One() UQ112x112 {
	return UQ112x112{x: *q112}
}

// Q112 returns 2^112 as an integer.
func Q112() *uint256.Int {
	return new(uint256.Int).Set(q112)
}

// FromRaw wraps an already-scaled value.
func FromRaw(raw *uint256.Int) UQ112x112 {
	return UQ112x112{x: *raw}
}

// Encode converts an integer into fixed-point form.
func Encode(n *uint256.Int) (UQ112x112, error) {
	if n.BitLen() > maxInput {
		return UQ112x112{}, ErrOverflow
	}
	var q UQ112x112
	q.x.Lsh(n, Resolution)
	return q, nil
}

// Fraction returns num/den in fixed-point form.
func Fraction(num, den *uint256.Int) (UQ112x112, error) {
	q, err := Encode(num)
	if err != nil {
		return UQ112x112{}, err
	}
	return q.Div(den)
}

// Truncate224 keeps the low 224 bits of raw, the width of an encoded price.
func Truncate224(raw *uint256.Int) UQ112x112 {
	var q UQ112x112
	q.x.And(raw, mask224)
	return q
}

// Raw returns a copy of the scaled integer.
func (q UQ112x112) Raw() *uint256.Int {
	return new(uint256.Int).Set(&q.x)
}

// IsZero reports whether q is 0.
func (q UQ112x112) IsZero() bool { return q.x.IsZero() }

// Eq reports whether q and o are equal.
func (q UQ112x112) Eq(o UQ112x112) bool { return q.x.Eq(&o.x) }

// Div divides q by an integer, truncating toward zero.
func (q UQ112x112) Div(den *uint256.Int) (UQ112x112, error) {
	if den.IsZero() {
		return UQ112x112{}, ErrDivideByZero
	}
	var out UQ112x112
	out.x.Div(&q.x, den)
	return out, nil
}

// MulUint returns floor(q*y), discarding the fractional remainder.
func (q UQ112x112) MulUint(y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulDivOverflow(&q.x, y, q112)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Mul multiplies two fixed-point values.
func (q UQ112x112) Mul(o UQ112x112) (UQ112x112, error) {
	z, err := q.MulUint(&o.x)
	if err != nil {
		return UQ112x112{}, err
	}
	return UQ112x112{x: *z}, nil
}

// Decode returns the integer part of q.
func (q UQ112x112) Decode() *uint256.Int {
	return new(uint256.Int).Rsh(&q.x, Resolution)
}

// Decimal renders q as a decimal number.
func (q UQ112x112) Decimal() decimal.Decimal {
	raw := decimal.NewFromBigInt(q.x.ToBig(), 0)
	return raw.DivRound(decQ112, 18)
}

// String returns the raw scaled integer in base 10.
func (q UQ112x112) String() string {
	return q.x.Dec()
}
