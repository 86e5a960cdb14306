package accumulator

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"indexed-twap/internal/fixedpoint"
)

type fakeBackend struct {
	t        *testing.T
	now      uint64
	pair     common.Address
	reserve0 *big.Int
	reserve1 *big.Int
	last     uint32
	price0   *big.Int
	price1   *big.Int
	calls    map[string]int
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(100), Time: f.now}, nil
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	if block == nil || block.Int64() != 100 {
		return nil, errors.New("call not pinned to latest block")
	}
	method := methodByID(f.t, msg.Data)
	f.calls[method.Name]++
	switch method.Name {
	case "getPair":
		return method.Outputs.Pack(f.pair)
	case "getReserves":
		return method.Outputs.Pack(f.reserve0, f.reserve1, f.last)
	case "price0CumulativeLast":
		return method.Outputs.Pack(f.price0)
	case "price1CumulativeLast":
		return method.Outputs.Pack(f.price1)
	}
	return nil, errors.New("unexpected method")
}

func methodByID(t *testing.T, data []byte) abi.Method {
	for _, contract := range []abi.ABI{factoryABI, pairABI} {
		for _, m := range contract.Methods {
			if bytes.Equal(m.ID, data[:4]) {
				return m
			}
		}
	}
	t.Fatalf("unknown selector %x", data[:4])
	return abi.Method{}
}

func newFakeBackend(t *testing.T) *fakeBackend {
	return &fakeBackend{
		t:        t,
		now:      10_000,
		pair:     common.HexToAddress("0x00000000000000000000000000000000000000ff"),
		reserve0: big.NewInt(5),
		reserve1: big.NewInt(10),
		last:     9_000,
		price0:   big.NewInt(0),
		price1:   big.NewInt(0),
		calls:    make(map[string]int),
	}
}

func TestChainMissingConfig(t *testing.T) {
	c := NewChain(ChainOptions{}, zerolog.Nop())
	_, err := c.CurrentCumulativePrices(context.Background(), tokenLow, tokenHigh)
	require.Error(t, err)

	c = NewChain(ChainOptions{FactoryAddress: "0x01"}, zerolog.Nop())
	_, err = c.CurrentCumulativePrices(context.Background(), tokenLow, tokenHigh)
	require.Error(t, err)
}

func TestChainCounterfactualAccumulation(t *testing.T) {
	backend := newFakeBackend(t)
	c := NewChainWithBackend(ChainOptions{FactoryAddress: "0x00000000000000000000000000000000000000fa"}, backend, zerolog.Nop())

	sample, err := c.CurrentCumulativePrices(context.Background(), tokenHigh, tokenLow)
	require.NoError(t, err)
	require.Equal(t, uint32(10_000), sample.Timestamp)

	// 1000 seconds at reserve1/reserve0 = 2
	want0 := new(uint256.Int).Mul(fixedpoint.Q112(), uint256.NewInt(2000))
	require.Equal(t, want0, &sample.Price0Cumulative)
	want1 := new(uint256.Int).Mul(new(uint256.Int).Rsh(fixedpoint.Q112(), 1), uint256.NewInt(1000))
	require.Equal(t, want1, &sample.Price1Cumulative)

	_, err = c.CurrentCumulativePrices(context.Background(), tokenLow, tokenHigh)
	require.NoError(t, err)
	require.Equal(t, 1, backend.calls["getPair"], "pair address should be cached")

	ts, err := c.Timestamp(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint32(10_000), ts)
}

func TestChainNoReserves(t *testing.T) {
	backend := newFakeBackend(t)
	backend.reserve0 = big.NewInt(0)
	c := NewChainWithBackend(ChainOptions{FactoryAddress: "0x00000000000000000000000000000000000000fa"}, backend, zerolog.Nop())
	_, err := c.CurrentCumulativePrices(context.Background(), tokenLow, tokenHigh)
	require.ErrorIs(t, err, ErrNoReserves)

	backend = newFakeBackend(t)
	backend.pair = common.Address{}
	c = NewChainWithBackend(ChainOptions{FactoryAddress: "0x00000000000000000000000000000000000000fa"}, backend, zerolog.Nop())
	_, err = c.CurrentCumulativePrices(context.Background(), tokenLow, tokenHigh)
	require.ErrorIs(t, err, ErrNoReserves)
}
