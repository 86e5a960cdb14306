package oracle

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"indexed-twap/internal/fixedpoint"
	"indexed-twap/internal/observation"
)

const (
	opTwoWayPrice = "two-way price"
	opTokenPrice  = "token price"
	opQuotePrice  = "quote price"
)

// TwoWayAveragePriceAt returns token's average prices for the age range
// [minAge, maxAge] measured from now. The quote numeraire always prices at
// exactly one.
func (o *Oracle) TwoWayAveragePriceAt(ctx context.Context, token common.Address, minAge, maxAge, now uint32) (observation.TwoWayPrice, error) {
	return o.twoWayAt(ctx, opTwoWayPrice, token, minAge, maxAge, now)
}

func (o *Oracle) twoWayAt(ctx context.Context, op string, token common.Address, minAge, maxAge, now uint32) (observation.TwoWayPrice, error) {
	if minAge > maxAge {
		return observation.TwoWayPrice{}, fmt.Errorf("oracle: %s: %w", op, observation.ErrInvalidRange)
	}
	if token == o.quote {
		return observation.IdentityPrice(), nil
	}
	var (
		price observation.TwoWayPrice
		err   error
	)
	if o.mode == QueryLive {
		price, err = o.livePrice(ctx, token, minAge, maxAge)
	} else {
		price, err = o.store.AveragePrice(token, minAge, maxAge, now)
	}
	o.metrics.IncQuery(op, err)
	if err != nil {
		return observation.TwoWayPrice{}, fmt.Errorf("oracle: %s: %w", op, err)
	}
	return price, nil
}

// livePrice averages from the newest qualifying observation up to a fresh
// sample; ages are measured from the sample's timestamp.
func (o *Oracle) livePrice(ctx context.Context, token common.Address, minAge, maxAge uint32) (observation.TwoWayPrice, error) {
	current, err := o.Sample(ctx, token)
	if err != nil {
		return observation.TwoWayPrice{}, err
	}
	previous, err := o.store.LatestObservationInRange(token, minAge, maxAge, current.Timestamp)
	if err != nil {
		return observation.TwoWayPrice{}, err
	}
	return observation.ComputeTwoWayAveragePrice(previous, current)
}

// checkRange validates ages before any per-token work.
func checkRange(op string, minAge, maxAge uint32) error {
	if minAge > maxAge {
		return fmt.Errorf("oracle: %s: %w", op, observation.ErrInvalidRange)
	}
	return nil
}

// TwoWayAveragePrice returns token's average prices in both directions.
func (o *Oracle) TwoWayAveragePrice(ctx context.Context, token common.Address, minAge, maxAge uint32) (observation.TwoWayPrice, error) {
	if err := checkRange(opTwoWayPrice, minAge, maxAge); err != nil {
		return observation.TwoWayPrice{}, err
	}
	now, err := o.Now(ctx)
	if err != nil {
		return observation.TwoWayPrice{}, err
	}
	return o.twoWayAt(ctx, opTwoWayPrice, token, minAge, maxAge, now)
}

// TwoWayAveragePrices applies TwoWayAveragePrice to each token at one instant.
func (o *Oracle) TwoWayAveragePrices(ctx context.Context, tokens []common.Address, minAge, maxAge uint32) ([]observation.TwoWayPrice, error) {
	return o.batch(ctx, opTwoWayPrice, tokens, minAge, maxAge)
}

func (o *Oracle) batch(ctx context.Context, op string, tokens []common.Address, minAge, maxAge uint32) ([]observation.TwoWayPrice, error) {
	if err := checkRange(op, minAge, maxAge); err != nil {
		return nil, err
	}
	now, err := o.Now(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]observation.TwoWayPrice, len(tokens))
	for i, token := range tokens {
		if out[i], err = o.twoWayAt(ctx, op, token, minAge, maxAge, now); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// AverageTokenPrice returns token's average price in the quote numeraire.
func (o *Oracle) AverageTokenPrice(ctx context.Context, token common.Address, minAge, maxAge uint32) (fixedpoint.UQ112x112, error) {
	prices, err := o.batch(ctx, opTokenPrice, []common.Address{token}, minAge, maxAge)
	if err != nil {
		return fixedpoint.UQ112x112{}, err
	}
	return prices[0].TokenAverage, nil
}

// AverageTokenPrices applies AverageTokenPrice to each token.
func (o *Oracle) AverageTokenPrices(ctx context.Context, tokens []common.Address, minAge, maxAge uint32) ([]fixedpoint.UQ112x112, error) {
	prices, err := o.batch(ctx, opTokenPrice, tokens, minAge, maxAge)
	if err != nil {
		return nil, err
	}
	return TokenAverages(prices), nil
}

// AverageQuotePrice returns the quote numeraire's average price in token.
func (o *Oracle) AverageQuotePrice(ctx context.Context, token common.Address, minAge, maxAge uint32) (fixedpoint.UQ112x112, error) {
	prices, err := o.batch(ctx, opQuotePrice, []common.Address{token}, minAge, maxAge)
	if err != nil {
		return fixedpoint.UQ112x112{}, err
	}
	return prices[0].QuoteAverage, nil
}

// AverageQuotePrices applies AverageQuotePrice to each token.
func (o *Oracle) AverageQuotePrices(ctx context.Context, tokens []common.Address, minAge, maxAge uint32) ([]fixedpoint.UQ112x112, error) {
	prices, err := o.batch(ctx, opQuotePrice, tokens, minAge, maxAge)
	if err != nil {
		return nil, err
	}
	return QuoteAverages(prices), nil
}

// ValueOfTokens converts amount of token into the quote numeraire.
func (o *Oracle) ValueOfTokens(ctx context.Context, token common.Address, amount *uint256.Int, minAge, maxAge uint32) (*uint256.Int, error) {
	values, err := o.ValueOfTokensBatch(ctx, []common.Address{token}, []*uint256.Int{amount}, minAge, maxAge)
	if err != nil {
		return nil, err
	}
	return values[0], nil
}

// ValueOfTokensBatch applies ValueOfTokens element-wise.
func (o *Oracle) ValueOfTokensBatch(ctx context.Context, tokens []common.Address, amounts []*uint256.Int, minAge, maxAge uint32) ([]*uint256.Int, error) {
	return o.values(ctx, opTokenPrice, tokens, amounts, minAge, maxAge, func(p observation.TwoWayPrice) fixedpoint.UQ112x112 {
		return p.TokenAverage
	})
}

// ValueOfQuote converts amount of the quote numeraire into token.
func (o *Oracle) ValueOfQuote(ctx context.Context, token common.Address, amount *uint256.Int, minAge, maxAge uint32) (*uint256.Int, error) {
	values, err := o.ValueOfQuoteBatch(ctx, []common.Address{token}, []*uint256.Int{amount}, minAge, maxAge)
	if err != nil {
		return nil, err
	}
	return values[0], nil
}

// ValueOfQuoteBatch applies ValueOfQuote element-wise.
func (o *Oracle) ValueOfQuoteBatch(ctx context.Context, tokens []common.Address, amounts []*uint256.Int, minAge, maxAge uint32) ([]*uint256.Int, error) {
	return o.values(ctx, opQuotePrice, tokens, amounts, minAge, maxAge, func(p observation.TwoWayPrice) fixedpoint.UQ112x112 {
		return p.QuoteAverage
	})
}

func (o *Oracle) values(ctx context.Context, op string, tokens []common.Address, amounts []*uint256.Int, minAge, maxAge uint32, pick func(observation.TwoWayPrice) fixedpoint.UQ112x112) ([]*uint256.Int, error) {
	if len(tokens) != len(amounts) {
		return nil, ErrLengthMismatch
	}
	prices, err := o.batch(ctx, op, tokens, minAge, maxAge)
	if err != nil {
		return nil, err
	}
	out := make([]*uint256.Int, len(tokens))
	for i, token := range tokens {
		if token == o.quote {
			out[i] = new(uint256.Int).Set(amounts[i])
			continue
		}
		if out[i], err = pick(prices[i]).MulUint(amounts[i]); err != nil {
			return nil, fmt.Errorf("oracle: value of %s: %w", token.Hex(), err)
		}
	}
	return out, nil
}

// TokenAverages extracts the forward prices.
func TokenAverages(prices []observation.TwoWayPrice) []fixedpoint.UQ112x112 {
	out := make([]fixedpoint.UQ112x112, len(prices))
	for i, p := range prices {
		out[i] = p.TokenAverage
	}
	return out
}

// QuoteAverages extracts the inverse prices.
func QuoteAverages(prices []observation.TwoWayPrice) []fixedpoint.UQ112x112 {
	out := make([]fixedpoint.UQ112x112, len(prices))
	for i, p := range prices {
		out[i] = p.QuoteAverage
	}
	return out
}
