package fixedpoint

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	q, err := Encode(uint256.NewInt(3))
	require.NoError(t, err)
	require.Equal(t, new(uint256.Int).Lsh(uint256.NewInt(3), 112), q.Raw())
	require.Equal(t, uint256.NewInt(3), q.Decode())

	max144 := new(uint256.Int).Lsh(uint256.NewInt(1), 144)
	max144.SubUint64(max144, 1)
	_, err = Encode(max144)
	require.NoError(t, err)

	tooWide := new(uint256.Int).Lsh(uint256.NewInt(1), 144)
	_, err = Encode(tooWide)
	require.ErrorIs(t, err, ErrOverflow)
}

func TestOne(t *testing.T) {
	require.Equal(t, Q112(), One().Raw())
	require.True(t, One().Eq(FromRaw(Q112())))
	require.True(t, decimal.NewFromInt(1).Equal(One().Decimal()))
}

func TestDivideByZero(t *testing.T) {
	_, err := One().Div(new(uint256.Int))
	require.ErrorIs(t, err, ErrDivideByZero)

	_, err = Fraction(uint256.NewInt(1), new(uint256.Int))
	require.ErrorIs(t, err, ErrDivideByZero)
}

func TestFraction(t *testing.T) {
	ten18 := uint256.NewInt(1_000_000_000_000_000_000)
	five := new(uint256.Int).Mul(uint256.NewInt(5), ten18)
	ten := new(uint256.Int).Mul(uint256.NewInt(10), ten18)

	q, err := Fraction(ten, five)
	require.NoError(t, err)
	two, _ := Encode(uint256.NewInt(2))
	require.True(t, q.Eq(two))
	require.Equal(t, "2", q.Decimal().String())

	third, err := Fraction(uint256.NewInt(1), uint256.NewInt(3))
	require.NoError(t, err)
	require.Equal(t, "0.333333333333333333", third.Decimal().String())
}

func TestMulUintTruncates(t *testing.T) {
	third, err := Fraction(uint256.NewInt(1), uint256.NewInt(3))
	require.NoError(t, err)

	got, err := third.MulUint(uint256.NewInt(3))
	require.NoError(t, err)
	// 1/3 is stored rounded down, so three thirds fall just short of one
	require.True(t, got.IsZero())

	got, err = third.MulUint(uint256.NewInt(300))
	require.NoError(t, err)
	require.Equal(t, uint256.NewInt(99), got)
}

func TestMulUintOverflow(t *testing.T) {
	big, err := Encode(new(uint256.Int).Lsh(uint256.NewInt(1), 143))
	require.NoError(t, err)
	_, err = big.MulUint(new(uint256.Int).Lsh(uint256.NewInt(1), 200))
	require.ErrorIs(t, err, ErrOverflow)
}

func TestMul(t *testing.T) {
	half, _ := Fraction(uint256.NewInt(1), uint256.NewInt(2))
	four, _ := Encode(uint256.NewInt(4))

	got, err := half.Mul(four)
	require.NoError(t, err)
	two, _ := Encode(uint256.NewInt(2))
	require.True(t, got.Eq(two))

	got, err = One().Mul(half)
	require.NoError(t, err)
	require.True(t, got.Eq(half))
}

func TestTruncate224(t *testing.T) {
	raw := new(uint256.Int).Lsh(uint256.NewInt(1), 230)
	raw.AddUint64(raw, 9)
	require.Equal(t, uint256.NewInt(9), Truncate224(raw).Raw())
}
