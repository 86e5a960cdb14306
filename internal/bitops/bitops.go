// Package bitops provides bit searches over 256-bit words.
package bitops

import (
	"errors"

	"github.com/holiman/uint256"
)

// ErrZeroInput is returned when a bit search is asked to scan an empty word.
var ErrZeroInput = errors.New("bitops: value 0 has no bits set")

// WordBits is the width of a bitmap word.
const WordBits = 256

var halvings = [...]uint{128, 64, 32, 16, 8, 4, 2, 1}

// HighestSetBit returns the index of the most significant set bit of x.
func HighestSetBit(x *uint256.Int) (uint, error) {
	if x.IsZero() {
		return 0, ErrZeroInput
	}
	var (
		v   = new(uint256.Int).Set(x)
		pos uint
		tmp uint256.Int
	)
	for _, shift := range halvings {
		tmp.Rsh(v, shift)
		if !tmp.IsZero() {
			v.Set(&tmp)
			pos += shift
		}
	}
	return pos, nil
}

// LowestSetBit returns the index of the least significant set bit of x.
func LowestSetBit(x *uint256.Int) (uint, error) {
	if x.IsZero() {
		return 0, ErrZeroInput
	}
	var (
		v    = new(uint256.Int).Set(x)
		pos  uint
		low  uint256.Int
		mask uint256.Int
	)
	for _, shift := range halvings {
		mask.Lsh(uint256.NewInt(1), shift)
		mask.SubUint64(&mask, 1)
		low.And(v, &mask)
		if low.IsZero() {
			v.Rsh(v, shift)
			pos += shift
		}
	}
	return pos, nil
}

// MaskAtOrBelow returns a word with bits [0, bit] set.
func MaskAtOrBelow(bit uint) *uint256.Int {
	if bit >= WordBits-1 {
		return new(uint256.Int).SetAllOne()
	}
	m := new(uint256.Int).Lsh(uint256.NewInt(1), bit+1)
	return m.SubUint64(m, 1)
}

// MaskAtOrAbove returns a word with bits [bit, 255] set.
func MaskAtOrAbove(bit uint) *uint256.Int {
	if bit == 0 {
		return new(uint256.Int).SetAllOne()
	}
	m := new(uint256.Int).Lsh(uint256.NewInt(1), bit)
	m.SubUint64(m, 1)
	return m.Not(m)
}

// SetBit returns x with the given bit set.
func SetBit(x *uint256.Int, bit uint) *uint256.Int {
	b := new(uint256.Int).Lsh(uint256.NewInt(1), bit)
	return x.Or(x, b)
}

// HasBit reports whether the given bit of x is set.
func HasBit(x *uint256.Int, bit uint) bool {
	var tmp uint256.Int
	tmp.Rsh(x, bit)
	return tmp.Uint64()&1 == 1
}
