// Package observation stores cumulative-price observations bucketed by time
// window and derives time-weighted average prices from pairs of them.
package observation

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"indexed-twap/internal/fixedpoint"
)

var (
	// ErrInvalidRange is returned when the minimum age exceeds the maximum age.
	ErrInvalidRange = errors.New("observation: minimum age can not be higher than maximum")
	// ErrNoPriceInRange is returned when no pair of observations satisfies an age range.
	ErrNoPriceInRange = errors.New("observation: no price found in provided range")
	// ErrNoObservationInWindow is returned when a window has no observation.
	ErrNoObservationInWindow = errors.New("observation: no price observed in given window")
)

// Observation is a point-in-time sample of a pair's price accumulators.
// QuoteCumulative accumulates the token's price in the quote numeraire and
// BaseCumulative the quote numeraire's price in the token, both as UQ112x112
// multiplied by seconds.
type Observation struct {
	Timestamp       uint32
	QuoteCumulative uint256.Int
	BaseCumulative  uint256.Int
}

// Age returns the seconds elapsed between the observation and now, modulo 2^32.
func (o Observation) Age(now uint32) uint32 {
	return now - o.Timestamp
}

// TwoWayPrice holds the average price of a token in the quote numeraire and
// of the quote numeraire in the token.
type TwoWayPrice struct {
	TokenAverage fixedpoint.UQ112x112
	QuoteAverage fixedpoint.UQ112x112
}

// IdentityPrice is the price of a numeraire in itself.
func IdentityPrice() TwoWayPrice {
	return TwoWayPrice{TokenAverage: fixedpoint.One(), QuoteAverage: fixedpoint.One()}
}

// ComputeAveragePrice derives the average price between two accumulator
// samples. The elapsed time wraps at 2^32 like the accumulator's timestamps.
func ComputeAveragePrice(startTimestamp uint32, startCumulative *uint256.Int, endTimestamp uint32, endCumulative *uint256.Int) (fixedpoint.UQ112x112, error) {
	elapsed := endTimestamp - startTimestamp
	if elapsed == 0 {
		return fixedpoint.UQ112x112{}, fmt.Errorf("compute average price: %w", fixedpoint.ErrDivideByZero)
	}
	delta := new(uint256.Int).Sub(endCumulative, startCumulative)
	delta.Div(delta, uint256.NewInt(uint64(elapsed)))
	return fixedpoint.Truncate224(delta), nil
}

// ComputeTwoWayAveragePrice derives both average prices between an older and
// a newer observation.
func ComputeTwoWayAveragePrice(older, newer Observation) (TwoWayPrice, error) {
	token, err := ComputeAveragePrice(older.Timestamp, &older.QuoteCumulative, newer.Timestamp, &newer.QuoteCumulative)
	if err != nil {
		return TwoWayPrice{}, err
	}
	quote, err := ComputeAveragePrice(older.Timestamp, &older.BaseCumulative, newer.Timestamp, &newer.BaseCumulative)
	if err != nil {
		return TwoWayPrice{}, err
	}
	return TwoWayPrice{TokenAverage: token, QuoteAverage: quote}, nil
}

// ComputeAverageTokenPrice derives the token's average price in the quote numeraire.
func ComputeAverageTokenPrice(older, newer Observation) (fixedpoint.UQ112x112, error) {
	return ComputeAveragePrice(older.Timestamp, &older.QuoteCumulative, newer.Timestamp, &newer.QuoteCumulative)
}

// ComputeAverageQuotePrice derives the quote numeraire's average price in the token.
func ComputeAverageQuotePrice(older, newer Observation) (fixedpoint.UQ112x112, error) {
	return ComputeAveragePrice(older.Timestamp, &older.BaseCumulative, newer.Timestamp, &newer.BaseCumulative)
}
