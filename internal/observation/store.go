package observation

import (
	"bytes"
	"slices"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"indexed-twap/internal/keyindex"
)

// DefaultWindowSize is one hour.
const DefaultWindowSize uint32 = 3600

// Options tune the store's window policy.
type Options struct {
	// WindowSize is the observation window length in seconds.
	WindowSize uint32
	// MinUpdateDelay is the minimum number of seconds between two
	// observations of the same token. Defaults to half a window.
	MinUpdateDelay uint32
}

// Windowed pairs an observation with its window key.
type Windowed struct {
	Window uint32
	Observation
}

type tokenSeries struct {
	values *keyindex.Map[Observation]
	latest uint32
}

// Store keeps at most one observation per token per window.
// All methods are safe for concurrent use.
type Store struct {
	windowSize uint32
	minDelay   uint32

	mu     sync.RWMutex
	series map[common.Address]*tokenSeries
}

// NewStore constructs an empty store.
func NewStore(opts Options) *Store {
	window := opts.WindowSize
	if window == 0 {
		window = DefaultWindowSize
	}
	delay := opts.MinUpdateDelay
	if delay == 0 {
		delay = window / 2
	}
	return &Store{
		windowSize: window,
		minDelay:   delay,
		series:     make(map[common.Address]*tokenSeries),
	}
}

// WindowSize returns the window length in seconds.
func (s *Store) WindowSize() uint32 { return s.windowSize }

// WindowOf returns the window key containing timestamp.
func (s *Store) WindowOf(timestamp uint32) uint32 { return timestamp / s.windowSize }

// CanRecordSample reports whether a sample taken at now would be recorded.
func (s *Store) CanRecordSample(token common.Address, now uint32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.canRecord(token, now)
}

func (s *Store) canRecord(token common.Address, now uint32) bool {
	ts, ok := s.series[token]
	if !ok {
		return true
	}
	window := s.WindowOf(now)
	if window < ts.latest || ts.values.Has(window) {
		return false
	}
	latest, _ := ts.values.Get(ts.latest)
	return latest.Age(now) >= s.minDelay
}

// RecordSample stores obs if its window has no observation yet and enough
// time has passed since the last one. It reports whether obs was stored.
func (s *Store) RecordSample(token common.Address, obs Observation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record(token, obs)
}

// RecordSamples applies RecordSample to each token in order under a single lock.
func (s *Store) RecordSamples(tokens []common.Address, samples []Observation) []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	updated := make([]bool, len(tokens))
	for i, token := range tokens {
		updated[i] = s.record(token, samples[i])
	}
	return updated
}

func (s *Store) record(token common.Address, obs Observation) bool {
	if !s.canRecord(token, obs.Timestamp) {
		return false
	}
	s.write(token, obs)
	return true
}

// Restore writes obs without applying the window policy. It is used to load
// persisted history.
func (s *Store) Restore(token common.Address, obs Observation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.write(token, obs)
}

func (s *Store) write(token common.Address, obs Observation) {
	ts, ok := s.series[token]
	if !ok {
		ts = &tokenSeries{values: keyindex.NewMap[Observation]()}
		s.series[token] = ts
	}
	window := s.WindowOf(obs.Timestamp)
	ts.values.Write(window, obs)
	if ts.values.Len() == 1 || window >= ts.latest {
		ts.latest = window
	}
}

// HasObservationInWindow reports whether token has an observation in window.
func (s *Store) HasObservationInWindow(token common.Address, window uint32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.series[token]
	return ok && ts.values.Has(window)
}

// ObservationInWindow returns token's observation in window.
func (s *Store) ObservationInWindow(token common.Address, window uint32) (Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ts, ok := s.series[token]; ok {
		if obs, found := ts.values.Get(window); found {
			return obs, nil
		}
	}
	return Observation{}, ErrNoObservationInWindow
}

// LatestObservation returns the observation in token's most recent window.
func (s *Store) LatestObservation(token common.Address) (Windowed, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.series[token]
	if !ok {
		return Windowed{}, false
	}
	obs, _ := ts.values.Get(ts.latest)
	return Windowed{Window: ts.latest, Observation: obs}, true
}

// ObservationsInRange returns token's observations in windows [from, to).
func (s *Store) ObservationsInRange(token common.Address, from, to uint32) ([]Windowed, error) {
	if from > to {
		return nil, ErrInvalidRange
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.series[token]
	if !ok {
		return nil, nil
	}
	entries, err := ts.values.EntriesInRange(from, to)
	if err != nil {
		return nil, err
	}
	var out []Windowed
	for window, obs := range entries {
		out = append(out, Windowed{Window: window, Observation: obs})
	}
	return out, nil
}

// Tokens returns every token with at least one observation, in address order.
func (s *Store) Tokens() []common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tokens := make([]common.Address, 0, len(s.series))
	for token := range s.series {
		tokens = append(tokens, token)
	}
	slices.SortFunc(tokens, func(a, b common.Address) int { return bytes.Compare(a[:], b[:]) })
	return tokens
}
