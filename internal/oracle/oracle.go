// Package oracle maintains windowed price observations for tokens against a
// single quote numeraire and answers time-weighted average price queries.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"indexed-twap/internal/accumulator"
	"indexed-twap/internal/metrics"
	"indexed-twap/internal/observation"
)

// ErrLengthMismatch is returned by batch queries whose parallel inputs differ in length.
var ErrLengthMismatch = errors.New("oracle: tokens and amounts have different lengths")

// Recorder persists newly recorded observations.
type Recorder interface {
	RecordObservation(ctx context.Context, quote, token common.Address, window uint32, obs observation.Observation) error
}

// QueryMode selects how the newer end of an averaging interval is obtained.
type QueryMode int

const (
	// QueryStored averages between two recorded observations.
	QueryStored QueryMode = iota
	// QueryLive averages between the newest qualifying recorded observation
	// and a sample taken from the source at query time.
	QueryLive
)

// ParseQueryMode maps a configuration value to a QueryMode.
func ParseQueryMode(s string) (QueryMode, error) {
	switch s {
	case "", "stored":
		return QueryStored, nil
	case "live":
		return QueryLive, nil
	}
	return QueryStored, fmt.Errorf("unknown query mode %q", s)
}

func (m QueryMode) String() string {
	if m == QueryLive {
		return "live"
	}
	return "stored"
}

// Options configure an Oracle.
type Options struct {
	Quote          common.Address
	QueryMode      QueryMode
	WindowSize     uint32
	MinUpdateDelay uint32
	Source         accumulator.Source
	Recorder       Recorder
	Metrics        *metrics.Metrics
	Logger         zerolog.Logger
}

// Oracle records observations of token/quote pairs from an accumulator
// source and derives average prices from them.
type Oracle struct {
	quote    common.Address
	mode     QueryMode
	store    *observation.Store
	source   accumulator.Source
	recorder Recorder
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	// updateMu serializes update batches so a batch's checks and writes are
	// not interleaved with another batch.
	updateMu sync.Mutex
}

// New constructs an oracle for opts.Quote.
func New(opts Options) *Oracle {
	return &Oracle{
		quote: opts.Quote,
		mode:  opts.QueryMode,
		store: observation.NewStore(observation.Options{
			WindowSize:     opts.WindowSize,
			MinUpdateDelay: opts.MinUpdateDelay,
		}),
		source:   opts.Source,
		recorder: opts.Recorder,
		metrics:  opts.Metrics,
		logger: opts.Logger.With().
			Str("component", "oracle").
			Str("quote", opts.Quote.Hex()).
			Logger(),
	}
}

// Quote returns the oracle's quote numeraire.
func (o *Oracle) Quote() common.Address { return o.quote }

// Store exposes the underlying observation store.
func (o *Oracle) Store() *observation.Store { return o.store }

// Now returns the source's current timestamp.
func (o *Oracle) Now(ctx context.Context) (uint32, error) {
	now, err := o.source.Timestamp(ctx)
	if err != nil {
		return 0, fmt.Errorf("read source timestamp: %w", err)
	}
	return now, nil
}

// Sample fetches the current observation of token against the quote.
func (o *Oracle) Sample(ctx context.Context, token common.Address) (observation.Observation, error) {
	return accumulator.ObserveTwoWayPrice(ctx, o.source, token, o.quote)
}

// Pending is a sampled but not yet recorded observation.
type Pending struct {
	Token       common.Address
	Observation observation.Observation
}

// Prepare fetches samples for every token that can currently be updated.
// Nothing is written. needed reports which tokens were sampled.
func (o *Oracle) Prepare(ctx context.Context, tokens []common.Address, now uint32) (pending []Pending, needed []bool, err error) {
	needed = make([]bool, len(tokens))
	for i, token := range tokens {
		if !o.store.CanRecordSample(token, now) {
			continue
		}
		obs, err := o.Sample(ctx, token)
		if err != nil {
			return nil, nil, fmt.Errorf("sample %s: %w", token.Hex(), err)
		}
		needed[i] = true
		pending = append(pending, Pending{Token: token, Observation: obs})
	}
	return pending, needed, nil
}

// Record commits sampled observations in order and persists the ones that
// were stored. It reports per entry whether it was stored.
func (o *Oracle) Record(ctx context.Context, pending []Pending) []bool {
	tokens := make([]common.Address, len(pending))
	samples := make([]observation.Observation, len(pending))
	for i, p := range pending {
		tokens[i], samples[i] = p.Token, p.Observation
	}
	updated := o.store.RecordSamples(tokens, samples)

	quote := o.quote.Hex()
	for i, ok := range updated {
		if !ok {
			o.metrics.IncUpdate(quote, metrics.ResultSkipped)
			continue
		}
		o.metrics.IncUpdate(quote, metrics.ResultUpdated)
		o.metrics.SetLastObservation(quote, tokens[i].Hex(), samples[i].Timestamp)
		o.persist(ctx, tokens[i], samples[i])
	}
	return updated
}

func (o *Oracle) persist(ctx context.Context, token common.Address, obs observation.Observation) {
	if o.recorder == nil {
		return
	}
	window := o.store.WindowOf(obs.Timestamp)
	if err := o.recorder.RecordObservation(ctx, o.quote, token, window, obs); err != nil {
		o.metrics.IncPersistFailure()
		o.logger.Error().Err(err).
			Str("token", token.Hex()).
			Uint32("window", window).
			Msg("persist observation failed")
	}
}

// UpdatePrice records a new observation for token if its current window
// has none and enough time passed since the last one.
func (o *Oracle) UpdatePrice(ctx context.Context, token common.Address) (bool, error) {
	updated, err := o.UpdatePrices(ctx, []common.Address{token})
	if err != nil {
		return false, err
	}
	return updated[0], nil
}

// UpdatePrices updates every token in order. All samples are fetched before
// any is recorded, so a failing pair leaves the oracle unchanged.
func (o *Oracle) UpdatePrices(ctx context.Context, tokens []common.Address) ([]bool, error) {
	o.updateMu.Lock()
	defer o.updateMu.Unlock()

	start := time.Now()
	defer func() { o.metrics.ObserveUpdateDuration(o.quote.Hex(), time.Since(start)) }()

	now, err := o.Now(ctx)
	if err != nil {
		return nil, err
	}
	pending, needed, err := o.Prepare(ctx, tokens, now)
	if err != nil {
		o.metrics.IncUpdate(o.quote.Hex(), metrics.ResultFailed)
		return nil, fmt.Errorf("update prices: %w", err)
	}
	recorded := o.Record(ctx, pending)

	updated := make([]bool, len(tokens))
	j := 0
	for i := range tokens {
		if needed[i] {
			updated[i] = recorded[j]
			j++
		}
	}
	o.logger.Debug().Int("tokens", len(tokens)).Int("sampled", len(pending)).Msg("prices updated")
	return updated, nil
}

// CanUpdatePrice reports whether UpdatePrice would record a new observation.
func (o *Oracle) CanUpdatePrice(ctx context.Context, token common.Address) bool {
	now, err := o.Now(ctx)
	if err != nil {
		return false
	}
	return o.canUpdateAt(ctx, token, now)
}

// CanUpdatePrices applies CanUpdatePrice to each token.
func (o *Oracle) CanUpdatePrices(ctx context.Context, tokens []common.Address) []bool {
	out := make([]bool, len(tokens))
	now, err := o.Now(ctx)
	if err != nil {
		return out
	}
	for i, token := range tokens {
		out[i] = o.canUpdateAt(ctx, token, now)
	}
	return out
}

func (o *Oracle) canUpdateAt(ctx context.Context, token common.Address, now uint32) bool {
	if !o.store.CanRecordSample(token, now) {
		return false
	}
	return accumulator.PairInitialized(ctx, o.source, token, o.quote)
}

// Restore loads a persisted observation without applying the window policy.
func (o *Oracle) Restore(token common.Address, obs observation.Observation) {
	o.store.Restore(token, obs)
}
