package accumulator

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ErrReserveOverflow is returned when a reserve would exceed 112 bits.
var ErrReserveOverflow = errors.New("accumulator: reserve overflow")

const maxReserveBits = 112

type pairKey struct {
	token0, token1 common.Address
}

type simulatedPair struct {
	reserve0, reserve1 uint256.Int
	price0, price1     uint256.Int
	last               uint32
}

// SimulatedExchange is an in-memory constant-product exchange with Uniswap V2
// accumulator semantics and a manually driven clock.
type SimulatedExchange struct {
	mu    sync.Mutex
	now   uint32
	pairs map[pairKey]*simulatedPair
}

// NewSimulatedExchange starts the clock at now.
func NewSimulatedExchange(now uint32) *SimulatedExchange {
	return &SimulatedExchange{now: now, pairs: make(map[pairKey]*simulatedPair)}
}

// Now returns the exchange clock.
func (x *SimulatedExchange) Now() uint32 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.now
}

// Advance moves the clock forward, wrapping at 2^32.
func (x *SimulatedExchange) Advance(seconds uint32) {
	x.mu.Lock()
	x.now += seconds
	x.mu.Unlock()
}

// AdvanceToNextWindow moves the clock to the start of the next window.
func (x *SimulatedExchange) AdvanceToNextWindow(windowSize uint32) {
	x.mu.Lock()
	x.now += windowSize - x.now%windowSize
	x.mu.Unlock()
}

// SetTime sets the clock.
func (x *SimulatedExchange) SetTime(now uint32) {
	x.mu.Lock()
	x.now = now
	x.mu.Unlock()
}

// AddLiquidity deposits amounts into the pair, creating it if needed.
func (x *SimulatedExchange) AddLiquidity(tokenA, tokenB common.Address, amountA, amountB *uint256.Int) error {
	return x.update(tokenA, tokenB, func(p *simulatedPair, aIsToken0 bool) (uint256.Int, uint256.Int) {
		var r0, r1 uint256.Int
		a0, a1 := amountA, amountB
		if !aIsToken0 {
			a0, a1 = amountB, amountA
		}
		r0.Add(&p.reserve0, a0)
		r1.Add(&p.reserve1, a1)
		return r0, r1
	})
}

// SetReserves overwrites the pair's reserves, like a donation followed by sync.
func (x *SimulatedExchange) SetReserves(tokenA, tokenB common.Address, reserveA, reserveB *uint256.Int) error {
	return x.update(tokenA, tokenB, func(_ *simulatedPair, aIsToken0 bool) (uint256.Int, uint256.Int) {
		if aIsToken0 {
			return *reserveA, *reserveB
		}
		return *reserveB, *reserveA
	})
}

func (x *SimulatedExchange) update(tokenA, tokenB common.Address, next func(*simulatedPair, bool) (uint256.Int, uint256.Int)) error {
	token0, token1, err := SortTokens(tokenA, tokenB)
	if err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	key := pairKey{token0, token1}
	p, ok := x.pairs[key]
	if !ok {
		p = &simulatedPair{}
	}
	r0, r1 := next(p, tokenA == token0)
	if r0.BitLen() > maxReserveBits || r1.BitLen() > maxReserveBits {
		return ErrReserveOverflow
	}
	if !p.reserve0.IsZero() && !p.reserve1.IsZero() {
		sample := Sample{Price0Cumulative: p.price0, Price1Cumulative: p.price1}
		if err := accumulate(&sample, &p.reserve0, &p.reserve1, p.last, x.now); err != nil {
			return err
		}
		p.price0, p.price1 = sample.Price0Cumulative, sample.Price1Cumulative
	}
	p.reserve0, p.reserve1 = r0, r1
	p.last = x.now
	x.pairs[key] = p
	return nil
}

// Reserves returns the pair's reserves ordered as tokenA, tokenB.
func (x *SimulatedExchange) Reserves(tokenA, tokenB common.Address) (*uint256.Int, *uint256.Int, error) {
	token0, token1, err := SortTokens(tokenA, tokenB)
	if err != nil {
		return nil, nil, err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	p, ok := x.pairs[pairKey{token0, token1}]
	if !ok {
		return new(uint256.Int), new(uint256.Int), nil
	}
	r0, r1 := new(uint256.Int).Set(&p.reserve0), new(uint256.Int).Set(&p.reserve1)
	if tokenA != token0 {
		r0, r1 = r1, r0
	}
	return r0, r1, nil
}

// CurrentCumulativePrices implements Source.
func (x *SimulatedExchange) CurrentCumulativePrices(_ context.Context, tokenA, tokenB common.Address) (Sample, error) {
	token0, token1, err := SortTokens(tokenA, tokenB)
	if err != nil {
		return Sample{}, err
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	p, ok := x.pairs[pairKey{token0, token1}]
	if !ok || p.reserve0.IsZero() || p.reserve1.IsZero() {
		return Sample{}, ErrNoReserves
	}
	sample := Sample{Price0Cumulative: p.price0, Price1Cumulative: p.price1, Timestamp: x.now}
	if err := accumulate(&sample, &p.reserve0, &p.reserve1, p.last, x.now); err != nil {
		return Sample{}, err
	}
	return sample, nil
}

// Timestamp implements Source.
func (x *SimulatedExchange) Timestamp(context.Context) (uint32, error) {
	return x.Now(), nil
}

var _ Source = (*SimulatedExchange)(nil)
