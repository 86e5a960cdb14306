package observation

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"indexed-twap/internal/fixedpoint"
)

var token = common.HexToAddress("0x00000000000000000000000000000000000000aa")

// observationAt builds an observation whose accumulators grew at a constant
// price of tokenPrice (and 1/tokenPrice) since timestamp 0.
func observationAt(ts uint32, tokenPrice uint64) Observation {
	var obs Observation
	obs.Timestamp = ts
	q := fixedpoint.Q112()
	obs.QuoteCumulative.Mul(new(uint256.Int).Mul(q, uint256.NewInt(tokenPrice)), uint256.NewInt(uint64(ts)))
	obs.BaseCumulative.Mul(new(uint256.Int).Div(q, uint256.NewInt(tokenPrice)), uint256.NewInt(uint64(ts)))
	return obs
}

func TestComputeAveragePrice(t *testing.T) {
	// reserves of 5 token and 10 quote held for an hour
	price, err := fixedpoint.Fraction(uint256.NewInt(10), uint256.NewInt(5))
	require.NoError(t, err)
	end := new(uint256.Int).Mul(price.Raw(), uint256.NewInt(3600))

	avg, err := ComputeAveragePrice(0, new(uint256.Int), 3600, end)
	require.NoError(t, err)
	require.Equal(t, uint64(2), avg.Decode().Uint64())
	require.True(t, avg.Eq(price))
}

func TestComputeAveragePriceWrapsTimestamp(t *testing.T) {
	start := uint32(1<<32 - 100)
	cum := new(uint256.Int).Mul(fixedpoint.Q112(), uint256.NewInt(200))

	avg, err := ComputeAveragePrice(start, new(uint256.Int), 100, cum)
	require.NoError(t, err)
	require.True(t, avg.Eq(fixedpoint.One()))
}

func TestComputeAveragePriceZeroElapsed(t *testing.T) {
	_, err := ComputeAveragePrice(10, new(uint256.Int), 10, new(uint256.Int))
	require.ErrorIs(t, err, fixedpoint.ErrDivideByZero)
}

func TestRecordSampleOncePerWindow(t *testing.T) {
	s := NewStore(Options{})
	require.Equal(t, DefaultWindowSize, s.WindowSize())

	require.True(t, s.CanRecordSample(token, 100))
	require.True(t, s.RecordSample(token, observationAt(100, 2)))
	require.False(t, s.CanRecordSample(token, 200))
	require.False(t, s.RecordSample(token, observationAt(200, 2)))

	obs, err := s.ObservationInWindow(token, 0)
	require.NoError(t, err)
	require.Equal(t, uint32(100), obs.Timestamp)
}

func TestRecordSampleRequiresMinimumDelay(t *testing.T) {
	s := NewStore(Options{WindowSize: 3600})
	require.True(t, s.RecordSample(token, observationAt(3500, 2)))

	// next window, but only 200 seconds later
	require.False(t, s.CanRecordSample(token, 3700))
	require.False(t, s.RecordSample(token, observationAt(3700, 2)))

	require.True(t, s.CanRecordSample(token, 3500+1800))
	require.True(t, s.RecordSample(token, observationAt(3500+1800, 2)))
	require.True(t, s.HasObservationInWindow(token, 1))
}

func TestRecordSampleRejectsOlderWindow(t *testing.T) {
	s := NewStore(Options{})
	require.True(t, s.RecordSample(token, observationAt(10*DefaultWindowSize, 2)))

	stale := observationAt(5*DefaultWindowSize, 2)
	require.False(t, s.CanRecordSample(token, stale.Timestamp))
	require.False(t, s.RecordSample(token, stale))
	require.False(t, s.HasObservationInWindow(token, 5))

	latest, ok := s.LatestObservation(token)
	require.True(t, ok)
	require.Equal(t, uint32(10), latest.Window)
}

func TestObservationInWindowMissing(t *testing.T) {
	s := NewStore(Options{})
	_, err := s.ObservationInWindow(token, 4)
	require.ErrorIs(t, err, ErrNoObservationInWindow)
}

func TestAveragePriceInvalidRange(t *testing.T) {
	s := NewStore(Options{})
	_, err := s.AveragePrice(token, 10, 5, 10000)
	require.ErrorIs(t, err, ErrInvalidRange)
}

func TestAveragePrice(t *testing.T) {
	s := NewStore(Options{})
	require.True(t, s.RecordSample(token, observationAt(100, 4)))
	require.True(t, s.RecordSample(token, observationAt(3700, 4)))

	price, err := s.AveragePrice(token, 0, 3600, 3700)
	require.NoError(t, err)
	require.Equal(t, uint64(4), price.TokenAverage.Decode().Uint64())
	require.Equal(t, "0.25", price.QuoteAverage.Decimal().String())
}

func TestAveragePriceNoPriceInRange(t *testing.T) {
	s := NewStore(Options{})
	require.True(t, s.RecordSample(token, observationAt(100, 4)))
	require.True(t, s.RecordSample(token, observationAt(3700, 4)))

	cases := []struct {
		name           string
		minAge, maxAge uint32
		now            uint32
	}{
		{name: "oldest too old", minAge: 0, maxAge: 3599, now: 3700},
		{name: "newest too young", minAge: 1, maxAge: 3600, now: 3700},
		{name: "min age before epoch", minAge: 5000, maxAge: 6000, now: 3700},
		{name: "both too old", minAge: 0, maxAge: 100, now: 20000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.AveragePrice(token, tc.minAge, tc.maxAge, tc.now)
			require.ErrorIs(t, err, ErrNoPriceInRange)
		})
	}

	_, err := s.AveragePrice(common.HexToAddress("0x01"), 0, 3600, 3700)
	require.ErrorIs(t, err, ErrNoPriceInRange)
}

func TestAveragePriceSkipsEmptyWindows(t *testing.T) {
	s := NewStore(Options{})
	for _, ts := range []uint32{1000, 4600, 40000, 90000} {
		require.True(t, s.RecordSample(token, observationAt(ts, 3)))
	}

	now := uint32(100000)
	older, newer, err := s.ObservationsForRange(token, 20000, 99000, now)
	require.NoError(t, err)
	require.Equal(t, uint32(1000), older.Timestamp)
	require.Equal(t, uint32(40000), newer.Timestamp)

	older, newer, err = s.ObservationsForRange(token, 0, 96000, now)
	require.NoError(t, err)
	require.Equal(t, uint32(4600), older.Timestamp)
	require.Equal(t, uint32(90000), newer.Timestamp)

	price, err := s.AveragePrice(token, 0, 96000, now)
	require.NoError(t, err)
	require.Equal(t, uint64(3), price.TokenAverage.Decode().Uint64())
}

func TestRestoreAndRange(t *testing.T) {
	s := NewStore(Options{})
	s.Restore(token, observationAt(7300, 2))
	s.Restore(token, observationAt(100, 2))
	s.Restore(token, observationAt(3700, 2))

	latest, ok := s.LatestObservation(token)
	require.True(t, ok)
	require.Equal(t, uint32(2), latest.Window)
	require.Equal(t, uint32(7300), latest.Timestamp)

	got, err := s.ObservationsInRange(token, 0, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, uint32(0), got[0].Window)
	require.Equal(t, uint32(1), got[1].Window)

	_, err = s.ObservationsInRange(token, 3, 1)
	require.ErrorIs(t, err, ErrInvalidRange)
	require.Equal(t, []common.Address{token}, s.Tokens())
}

func TestRecordSamplesBatch(t *testing.T) {
	s := NewStore(Options{})
	other := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	require.True(t, s.RecordSample(token, observationAt(100, 2)))

	updated := s.RecordSamples(
		[]common.Address{token, other},
		[]Observation{observationAt(200, 2), observationAt(200, 5)},
	)
	require.Equal(t, []bool{false, true}, updated)
}

func TestLatestObservationInRange(t *testing.T) {
	s := NewStore(Options{})
	require.True(t, s.RecordSample(token, observationAt(100, 2)))
	require.True(t, s.RecordSample(token, observationAt(4000, 2)))

	obs, err := s.LatestObservationInRange(token, 0, 7200, 4000)
	require.NoError(t, err)
	require.Equal(t, uint32(100), obs.Timestamp, "an observation taken now is never returned")

	obs, err = s.LatestObservationInRange(token, 0, 1000, 4500)
	require.NoError(t, err)
	require.Equal(t, uint32(4000), obs.Timestamp)

	_, err = s.LatestObservationInRange(token, 0, 400, 4500)
	require.ErrorIs(t, err, ErrNoPriceInRange)

	_, err = s.LatestObservationInRange(token, 2, 1, 4500)
	require.ErrorIs(t, err, ErrInvalidRange)
}
