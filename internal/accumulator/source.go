// Package accumulator reads Uniswap V2 style cumulative prices and orients
// them into observations for a token against a quote numeraire.
package accumulator

import (
	"bytes"
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"indexed-twap/internal/fixedpoint"
	"indexed-twap/internal/observation"
)

var (
	// ErrNoReserves is returned for a pair that has never received liquidity.
	ErrNoReserves = errors.New("accumulator: pair has no reserves")
	// ErrIdenticalAddresses is returned when both tokens of a pair are the same.
	ErrIdenticalAddresses = errors.New("accumulator: identical addresses")
	// ErrZeroAddress is returned when a pair token is the zero address.
	ErrZeroAddress = errors.New("accumulator: zero address")
)

// Sample holds a pair's price accumulators in sorted token order at Timestamp.
type Sample struct {
	Price0Cumulative uint256.Int
	Price1Cumulative uint256.Int
	Timestamp        uint32
}

// Source provides current cumulative prices for token pairs.
type Source interface {
	// CurrentCumulativePrices returns the accumulators of the pair formed by
	// tokenA and tokenB as of the source's current time, including the
	// accumulation since the pair's last update. It fails with ErrNoReserves
	// if the pair has never held liquidity.
	CurrentCumulativePrices(ctx context.Context, tokenA, tokenB common.Address) (Sample, error)
	// Timestamp returns the source's current time truncated to 32 bits.
	Timestamp(ctx context.Context) (uint32, error)
}

// SortTokens returns the pair tokens in address order.
func SortTokens(tokenA, tokenB common.Address) (common.Address, common.Address, error) {
	if tokenA == tokenB {
		return common.Address{}, common.Address{}, ErrIdenticalAddresses
	}
	token0, token1 := tokenA, tokenB
	if bytes.Compare(tokenB[:], tokenA[:]) < 0 {
		token0, token1 = tokenB, tokenA
	}
	if token0 == (common.Address{}) {
		return common.Address{}, common.Address{}, ErrZeroAddress
	}
	return token0, token1, nil
}

// ObserveTwoWayPrice samples the pair of token and quote and orients the
// accumulators so that QuoteCumulative prices token in quote.
func ObserveTwoWayPrice(ctx context.Context, src Source, token, quote common.Address) (observation.Observation, error) {
	token0, _, err := SortTokens(token, quote)
	if err != nil {
		return observation.Observation{}, err
	}
	sample, err := src.CurrentCumulativePrices(ctx, token, quote)
	if err != nil {
		return observation.Observation{}, err
	}
	obs := observation.Observation{Timestamp: sample.Timestamp}
	if token == token0 {
		obs.QuoteCumulative = sample.Price0Cumulative
		obs.BaseCumulative = sample.Price1Cumulative
	} else {
		obs.QuoteCumulative = sample.Price1Cumulative
		obs.BaseCumulative = sample.Price0Cumulative
	}
	return obs, nil
}

// PairInitialized reports whether the pair of tokenA and tokenB can be sampled.
func PairInitialized(ctx context.Context, src Source, tokenA, tokenB common.Address) bool {
	_, err := src.CurrentCumulativePrices(ctx, tokenA, tokenB)
	return err == nil
}

// accumulate adds the counterfactual price growth between last and now to the
// sample's accumulators. Overflow wraps, matching the on-chain accumulators.
func accumulate(sample *Sample, reserve0, reserve1 *uint256.Int, last, now uint32) error {
	if last == now {
		return nil
	}
	elapsed := uint256.NewInt(uint64(now - last))
	price0, err := fixedpoint.Fraction(reserve1, reserve0)
	if err != nil {
		return err
	}
	price1, err := fixedpoint.Fraction(reserve0, reserve1)
	if err != nil {
		return err
	}
	growth := new(uint256.Int).Mul(price0.Raw(), elapsed)
	sample.Price0Cumulative.Add(&sample.Price0Cumulative, growth)
	growth.Mul(price1.Raw(), elapsed)
	sample.Price1Cumulative.Add(&sample.Price1Cumulative, growth)
	return nil
}
