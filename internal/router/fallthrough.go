package router

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"indexed-twap/internal/fixedpoint"
	"indexed-twap/internal/observation"
	"indexed-twap/internal/oracle"
)

// PriceOracle is the oracle surface the router drives.
type PriceOracle interface {
	Quote() common.Address
	Now(ctx context.Context) (uint32, error)
	Prepare(ctx context.Context, tokens []common.Address, now uint32) ([]oracle.Pending, []bool, error)
	Record(ctx context.Context, pending []oracle.Pending) []bool
	CanUpdatePrice(ctx context.Context, token common.Address) bool
	TwoWayAveragePriceAt(ctx context.Context, token common.Address, minAge, maxAge, now uint32) (observation.TwoWayPrice, error)
}

// RouteRecorder persists route changes. RecordRoutes must write all routes
// or none.
type RouteRecorder interface {
	RecordRoutes(ctx context.Context, tokens []common.Address, routes []Route) error
}

// Options configure a Fallthrough router.
type Options struct {
	Owner     common.Address
	Primary   PriceOracle
	Secondary PriceOracle
	Recorder  RouteRecorder
	Logger    zerolog.Logger
}

// Fallthrough prices tokens through the primary oracle unless they are
// routed through the secondary one.
type Fallthrough struct {
	owner     common.Address
	primary   PriceOracle
	secondary PriceOracle
	recorder  RouteRecorder
	logger    zerolog.Logger

	mu     sync.RWMutex
	routes map[common.Address]Route

	updateMu sync.Mutex
}

// New constructs a router with every token on the primary route.
func New(opts Options) *Fallthrough {
	return &Fallthrough{
		owner:     opts.Owner,
		primary:   opts.Primary,
		secondary: opts.Secondary,
		recorder:  opts.Recorder,
		logger:    opts.Logger.With().Str("component", "router").Logger(),
		routes:    make(map[common.Address]Route),
	}
}

// Owner returns the address allowed to change routes.
func (f *Fallthrough) Owner() common.Address { return f.owner }

// Primary returns the primary oracle.
func (f *Fallthrough) Primary() PriceOracle { return f.primary }

// Secondary returns the secondary oracle.
func (f *Fallthrough) Secondary() PriceOracle { return f.secondary }

// Route returns token's current route.
func (f *Fallthrough) Route(token common.Address) Route {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.routes[token]
}

// UseSecondary reports whether token is routed through the secondary oracle.
func (f *Fallthrough) UseSecondary(token common.Address) bool {
	return f.Route(token) == RouteSecondary
}

// Routes returns a copy of the tokens on a non-default route.
func (f *Fallthrough) Routes() map[common.Address]Route {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return maps.Clone(f.routes)
}

// SetRoute changes token's route. Only the owner may call it.
func (f *Fallthrough) SetRoute(ctx context.Context, caller, token common.Address, useSecondary bool) error {
	return f.SetRoutes(ctx, caller, []common.Address{token}, []bool{useSecondary})
}

// SetRoutes changes several routes. Every input is validated before any
// route changes.
func (f *Fallthrough) SetRoutes(ctx context.Context, caller common.Address, tokens []common.Address, useSecondary []bool) error {
	if caller != f.owner {
		return ErrNotOwner
	}
	if len(tokens) != len(useSecondary) {
		return ErrLengthMismatch
	}
	for _, token := range tokens {
		if token == f.primary.Quote() || token == f.secondary.Quote() {
			return fmt.Errorf("%w: %s", ErrInvalidToken, token.Hex())
		}
	}
	routes := make([]Route, len(tokens))
	for i := range tokens {
		routes[i] = RouteFor(useSecondary[i])
	}
	if f.recorder != nil {
		if err := f.recorder.RecordRoutes(ctx, tokens, routes); err != nil {
			return fmt.Errorf("persist routes: %w", err)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for i, token := range tokens {
		f.setLocked(token, routes[i])
		f.logger.Info().Str("token", token.Hex()).Bool("use_secondary", useSecondary[i]).Msg("route changed")
	}
	return nil
}

// Restore sets a persisted route without the owner check. Numeraires always
// stay on the primary route.
func (f *Fallthrough) Restore(token common.Address, route Route) {
	if token == f.primary.Quote() || token == f.secondary.Quote() {
		f.logger.Warn().Str("token", token.Hex()).Msg("ignoring route for numeraire")
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setLocked(token, route)
}

func (f *Fallthrough) setLocked(token common.Address, route Route) {
	if route == RoutePrimary {
		delete(f.routes, token)
		return
	}
	f.routes[token] = route
}

// UpdatePrice updates token through its route.
func (f *Fallthrough) UpdatePrice(ctx context.Context, token common.Address) (bool, error) {
	updated, err := f.UpdatePrices(ctx, []common.Address{token})
	if err != nil {
		return false, err
	}
	return updated[0], nil
}

// UpdatePrices updates each token through its route. If any token uses the
// secondary route, the secondary numeraire's price in the primary is also
// updated once. Every sample is fetched before anything is recorded.
func (f *Fallthrough) UpdatePrices(ctx context.Context, tokens []common.Address) ([]bool, error) {
	f.updateMu.Lock()
	defer f.updateMu.Unlock()

	var primaryTokens, secondaryTokens []common.Address
	var primaryIdx, secondaryIdx []int
	f.mu.RLock()
	for i, token := range tokens {
		if f.routes[token] == RouteSecondary {
			secondaryTokens = append(secondaryTokens, token)
			secondaryIdx = append(secondaryIdx, i)
		} else {
			primaryTokens = append(primaryTokens, token)
			primaryIdx = append(primaryIdx, i)
		}
	}
	f.mu.RUnlock()
	if len(secondaryTokens) > 0 {
		primaryTokens = append(primaryTokens, f.secondary.Quote())
	}

	now, err := f.primary.Now(ctx)
	if err != nil {
		return nil, err
	}
	primaryPending, primaryNeeded, err := f.primary.Prepare(ctx, primaryTokens, now)
	if err != nil {
		return nil, fmt.Errorf("update prices: %w", err)
	}
	secondaryPending, secondaryNeeded, err := f.secondary.Prepare(ctx, secondaryTokens, now)
	if err != nil {
		return nil, fmt.Errorf("update prices: %w", err)
	}

	primaryUpdated := expand(primaryNeeded, f.primary.Record(ctx, primaryPending))
	secondaryUpdated := expand(secondaryNeeded, f.secondary.Record(ctx, secondaryPending))

	updated := make([]bool, len(tokens))
	for j, i := range primaryIdx {
		updated[i] = primaryUpdated[j]
	}
	for j, i := range secondaryIdx {
		updated[i] = secondaryUpdated[j]
	}
	return updated, nil
}

// expand spreads the results of recording only the sampled tokens back over
// the full token list.
func expand(needed, recorded []bool) []bool {
	out := make([]bool, len(needed))
	j := 0
	for i, ok := range needed {
		if ok {
			out[i] = recorded[j]
			j++
		}
	}
	return out
}

// CanUpdatePrice reports whether token's oracle would record a new observation.
func (f *Fallthrough) CanUpdatePrice(ctx context.Context, token common.Address) bool {
	return f.oracleFor(f.Route(token)).CanUpdatePrice(ctx, token)
}

// CanUpdatePrices applies CanUpdatePrice to each token.
func (f *Fallthrough) CanUpdatePrices(ctx context.Context, tokens []common.Address) []bool {
	out := make([]bool, len(tokens))
	for i, token := range tokens {
		out[i] = f.CanUpdatePrice(ctx, token)
	}
	return out
}

func (f *Fallthrough) oracleFor(route Route) PriceOracle {
	if route == RouteSecondary {
		return f.secondary
	}
	return f.primary
}

func (f *Fallthrough) twoWayAt(ctx context.Context, token common.Address, minAge, maxAge, now uint32) (observation.TwoWayPrice, error) {
	if f.Route(token) == RoutePrimary {
		return f.primary.TwoWayAveragePriceAt(ctx, token, minAge, maxAge, now)
	}
	inSecondary, err := f.secondary.TwoWayAveragePriceAt(ctx, token, minAge, maxAge, now)
	if err != nil {
		return observation.TwoWayPrice{}, err
	}
	conversion, err := f.primary.TwoWayAveragePriceAt(ctx, f.secondary.Quote(), minAge, maxAge, now)
	if err != nil {
		return observation.TwoWayPrice{}, err
	}
	return Compose(inSecondary, conversion)
}

func (f *Fallthrough) batch(ctx context.Context, tokens []common.Address, minAge, maxAge uint32) ([]observation.TwoWayPrice, error) {
	if minAge > maxAge {
		return nil, fmt.Errorf("router: %w", observation.ErrInvalidRange)
	}
	now, err := f.primary.Now(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]observation.TwoWayPrice, len(tokens))
	for i, token := range tokens {
		if out[i], err = f.twoWayAt(ctx, token, minAge, maxAge, now); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// TwoWayAveragePrice returns token's average prices in the primary numeraire.
func (f *Fallthrough) TwoWayAveragePrice(ctx context.Context, token common.Address, minAge, maxAge uint32) (observation.TwoWayPrice, error) {
	prices, err := f.batch(ctx, []common.Address{token}, minAge, maxAge)
	if err != nil {
		return observation.TwoWayPrice{}, err
	}
	return prices[0], nil
}

// TwoWayAveragePrices applies TwoWayAveragePrice to each token.
func (f *Fallthrough) TwoWayAveragePrices(ctx context.Context, tokens []common.Address, minAge, maxAge uint32) ([]observation.TwoWayPrice, error) {
	return f.batch(ctx, tokens, minAge, maxAge)
}

// AverageTokenPrice returns token's average price in the primary numeraire.
func (f *Fallthrough) AverageTokenPrice(ctx context.Context, token common.Address, minAge, maxAge uint32) (fixedpoint.UQ112x112, error) {
	price, err := f.TwoWayAveragePrice(ctx, token, minAge, maxAge)
	return price.TokenAverage, err
}

// AverageTokenPrices applies AverageTokenPrice to each token.
func (f *Fallthrough) AverageTokenPrices(ctx context.Context, tokens []common.Address, minAge, maxAge uint32) ([]fixedpoint.UQ112x112, error) {
	prices, err := f.batch(ctx, tokens, minAge, maxAge)
	if err != nil {
		return nil, err
	}
	return oracle.TokenAverages(prices), nil
}

// AverageQuotePrice returns the primary numeraire's average price in token.
func (f *Fallthrough) AverageQuotePrice(ctx context.Context, token common.Address, minAge, maxAge uint32) (fixedpoint.UQ112x112, error) {
	price, err := f.TwoWayAveragePrice(ctx, token, minAge, maxAge)
	return price.QuoteAverage, err
}

// AverageQuotePrices applies AverageQuotePrice to each token.
func (f *Fallthrough) AverageQuotePrices(ctx context.Context, tokens []common.Address, minAge, maxAge uint32) ([]fixedpoint.UQ112x112, error) {
	prices, err := f.batch(ctx, tokens, minAge, maxAge)
	if err != nil {
		return nil, err
	}
	return oracle.QuoteAverages(prices), nil
}

// ValueOfTokens converts amount of token into the primary numeraire.
func (f *Fallthrough) ValueOfTokens(ctx context.Context, token common.Address, amount *uint256.Int, minAge, maxAge uint32) (*uint256.Int, error) {
	values, err := f.ValueOfTokensBatch(ctx, []common.Address{token}, []*uint256.Int{amount}, minAge, maxAge)
	if err != nil {
		return nil, err
	}
	return values[0], nil
}

// ValueOfTokensBatch applies ValueOfTokens element-wise.
func (f *Fallthrough) ValueOfTokensBatch(ctx context.Context, tokens []common.Address, amounts []*uint256.Int, minAge, maxAge uint32) ([]*uint256.Int, error) {
	return f.values(ctx, tokens, amounts, minAge, maxAge, func(p observation.TwoWayPrice) fixedpoint.UQ112x112 {
		return p.TokenAverage
	})
}

// ValueOfQuote converts amount of the primary numeraire into token.
func (f *Fallthrough) ValueOfQuote(ctx context.Context, token common.Address, amount *uint256.Int, minAge, maxAge uint32) (*uint256.Int, error) {
	values, err := f.ValueOfQuoteBatch(ctx, []common.Address{token}, []*uint256.Int{amount}, minAge, maxAge)
	if err != nil {
		return nil, err
	}
	return values[0], nil
}

// ValueOfQuoteBatch applies ValueOfQuote element-wise.
func (f *Fallthrough) ValueOfQuoteBatch(ctx context.Context, tokens []common.Address, amounts []*uint256.Int, minAge, maxAge uint32) ([]*uint256.Int, error) {
	return f.values(ctx, tokens, amounts, minAge, maxAge, func(p observation.TwoWayPrice) fixedpoint.UQ112x112 {
		return p.QuoteAverage
	})
}

func (f *Fallthrough) values(ctx context.Context, tokens []common.Address, amounts []*uint256.Int, minAge, maxAge uint32, pick func(observation.TwoWayPrice) fixedpoint.UQ112x112) ([]*uint256.Int, error) {
	if len(tokens) != len(amounts) {
		return nil, ErrLengthMismatch
	}
	prices, err := f.batch(ctx, tokens, minAge, maxAge)
	if err != nil {
		return nil, err
	}
	out := make([]*uint256.Int, len(tokens))
	for i, token := range tokens {
		if token == f.primary.Quote() {
			out[i] = new(uint256.Int).Set(amounts[i])
			continue
		}
		if out[i], err = pick(prices[i]).MulUint(amounts[i]); err != nil {
			return nil, fmt.Errorf("router: value of %s: %w", token.Hex(), err)
		}
	}
	return out, nil
}

var _ PriceOracle = (*oracle.Oracle)(nil)
