package observation

import (
	"github.com/ethereum/go-ethereum/common"

	"indexed-twap/internal/keyindex"
)

// AveragePrice returns token's two-way average price between the latest
// observation at least minAge seconds old and the earliest observation at
// most maxAge seconds old.
func (s *Store) AveragePrice(token common.Address, minAge, maxAge, now uint32) (TwoWayPrice, error) {
	if minAge > maxAge {
		return TwoWayPrice{}, ErrInvalidRange
	}
	older, newer, err := s.ObservationsForRange(token, minAge, maxAge, now)
	if err != nil {
		return TwoWayPrice{}, err
	}
	return ComputeTwoWayAveragePrice(older, newer)
}

// ObservationsForRange returns the pair of observations AveragePrice would use.
func (s *Store) ObservationsForRange(token common.Address, minAge, maxAge, now uint32) (older, newer Observation, err error) {
	if minAge > maxAge {
		return Observation{}, Observation{}, ErrInvalidRange
	}
	if minAge > now {
		return Observation{}, Observation{}, ErrNoPriceInRange
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ts, ok := s.series[token]
	if !ok || ts.values.Len() < 2 {
		return Observation{}, Observation{}, ErrNoPriceInRange
	}

	var oldest uint32
	if maxAge < now {
		oldest = now - maxAge
	}
	newKey := s.WindowOf(now - minAge)
	oldKey := s.WindowOf(oldest)

	newerKey, newer, ok := newestQualifying(ts.values, newKey, newKey-oldKey, now, minAge)
	if !ok || newer.Age(now) > maxAge {
		return Observation{}, Observation{}, ErrNoPriceInRange
	}
	olderKey, older, ok := oldestQualifying(ts.values, oldKey, newerKey-oldKey, now, maxAge)
	if !ok || olderKey >= newerKey {
		return Observation{}, Observation{}, ErrNoPriceInRange
	}
	return older, newer, nil
}

func newestQualifying(values *keyindex.Map[Observation], key, distance, now, minAge uint32) (uint32, Observation, bool) {
	if obs, ok := values.Get(key); ok && obs.Age(now) >= minAge {
		return key, obs, true
	}
	found, obs, ok, err := values.Previous(key, distance)
	if err != nil || !ok {
		return 0, Observation{}, false
	}
	return found, obs, true
}

func oldestQualifying(values *keyindex.Map[Observation], key, distance, now, maxAge uint32) (uint32, Observation, bool) {
	if obs, ok := values.Get(key); ok && obs.Age(now) <= maxAge {
		return key, obs, true
	}
	found, obs, ok, err := values.Next(key, distance)
	if err != nil || !ok {
		return 0, Observation{}, false
	}
	return found, obs, true
}

// LatestObservationInRange returns the newest observation whose age at now
// lies within [max(minAge, 1), maxAge].
func (s *Store) LatestObservationInRange(token common.Address, minAge, maxAge, now uint32) (Observation, error) {
	if minAge > maxAge {
		return Observation{}, ErrInvalidRange
	}
	if minAge == 0 {
		minAge = 1
	}
	if minAge > now || minAge > maxAge {
		return Observation{}, ErrNoPriceInRange
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ts, ok := s.series[token]
	if !ok {
		return Observation{}, ErrNoPriceInRange
	}
	var oldest uint32
	if maxAge < now {
		oldest = now - maxAge
	}
	newKey := s.WindowOf(now - minAge)
	oldKey := s.WindowOf(oldest)
	_, obs, ok := newestQualifying(ts.values, newKey, newKey-oldKey, now, minAge)
	if !ok || obs.Age(now) > maxAge {
		return Observation{}, ErrNoPriceInRange
	}
	return obs, nil
}
