package keyindex

import (
	"math"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"
)

func filledMap(t *testing.T) *Map[uint32] {
	t.Helper()
	m := NewMap[uint32]()
	for i := uint32(0); i < 512; i++ {
		m.Write(i, i)
	}
	return m
}

func sparseMap(t *testing.T) *Map[uint32] {
	t.Helper()
	m := NewMap[uint32]()
	for i := uint32(0); i < 512; i += 32 {
		m.Write(i, i)
	}
	return m
}

func TestPreviousRejectsZero(t *testing.T) {
	m := NewMap[uint32]()
	_, _, _, err := m.Previous(0, 1)
	require.ErrorIs(t, err, ErrBelowZero)
	require.EqualError(t, err, "keyindex: can not query value prior to 0")

	_, _, _, err = filledMap(t).Previous(0, math.MaxUint32)
	require.ErrorIs(t, err, ErrBelowZero)
}

func TestPreviousReturnsFalseWhenSearchPassesZero(t *testing.T) {
	m := NewMap[uint32]()
	key, v, found, err := m.Previous(256, 256)
	require.NoError(t, err)
	require.False(t, found)
	require.Zero(t, key)
	require.Zero(t, v)

	_, _, found, err = m.Previous(300, 1000)
	require.NoError(t, err)
	require.False(t, found)
}

func TestPreviousInFilledIndex(t *testing.T) {
	m := filledMap(t)
	for i := uint32(511); i > 0; i-- {
		key, v, found, err := m.Previous(i, 1)
		require.NoError(t, err)
		require.True(t, found, "key %d", i)
		require.Equal(t, i-1, key)
		require.Equal(t, i-1, v)
	}
}

func TestPreviousOneKeyBehind(t *testing.T) {
	m := NewMap[uint32]()
	m.Write(0, 100)
	_, v, found, err := m.Previous(1, 1)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint32(100), v)
}

func TestPreviousRespectsMaxDistance(t *testing.T) {
	m := NewMap[uint32]()
	m.Write(0, 100)
	m.Write(1000, 200)

	_, v, found, err := m.Previous(1000, 999)
	require.NoError(t, err)
	require.False(t, found)
	require.Zero(t, v)

	key, v, found, err := m.Previous(1000, 1000)
	require.NoError(t, err)
	require.True(t, found)
	require.Zero(t, key)
	require.Equal(t, uint32(100), v)

	_, _, found, err = m.Previous(1000, 0)
	require.NoError(t, err)
	require.False(t, found)
}

func TestPreviousSkipsEmptyPages(t *testing.T) {
	m := NewMap[uint32]()
	m.Write(5, 5)
	m.Write(1<<20, 7)

	key, _, found, err := m.Previous(1<<24, math.MaxUint32)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint32(1<<20), key)

	key, _, found, err = m.Previous(1<<20, math.MaxUint32)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint32(5), key)

	// floor lands inside the page holding key 5 but above it
	_, _, found, err = m.Previous(1<<20, 1<<20-6)
	require.NoError(t, err)
	require.False(t, found)
}

func TestNextInFilledIndex(t *testing.T) {
	m := filledMap(t)
	for i := uint32(0); i < 511; i++ {
		key, v, found, err := m.Next(i, 1)
		require.NoError(t, err)
		require.True(t, found, "key %d", i)
		require.Equal(t, i+1, key)
		require.Equal(t, i+1, v)
	}
	_, _, found, err := m.Next(511, 1)
	require.NoError(t, err)
	require.False(t, found)
}

func TestNextOneKeyAhead(t *testing.T) {
	m := NewMap[uint32]()
	m.Write(1, 100)
	_, v, found, err := m.Next(0, 1)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint32(100), v)
}

func TestNextRespectsMaxDistance(t *testing.T) {
	m := NewMap[uint32]()
	m.Write(0, 100)
	m.Write(1000, 200)

	_, _, found, err := m.Next(0, 999)
	require.NoError(t, err)
	require.False(t, found)

	key, v, found, err := m.Next(0, 1000)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint32(1000), key)
	require.Equal(t, uint32(200), v)
}

func TestNextNearTopOfKeyspace(t *testing.T) {
	m := NewMap[uint32]()
	m.Write(math.MaxUint32, 1)

	key, _, found, err := m.Next(math.MaxUint32-10, math.MaxUint32)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint32(math.MaxUint32), key)

	_, _, found, err = m.Next(math.MaxUint32, 10)
	require.NoError(t, err)
	require.False(t, found)
}

func TestMarkKeyIsIdempotent(t *testing.T) {
	ix := New()
	ix.MarkKey(300)
	ix.MarkKey(300)
	require.Equal(t, 1, ix.Len())
	require.True(t, ix.HasKey(300))
	require.False(t, ix.HasKey(299))

	keys, err := ix.SetKeysInRange(0, 1024)
	require.NoError(t, err)
	require.Equal(t, []uint32{300}, slices.Collect(keys))
}

func TestSetKeysInRangeRejectsBadRange(t *testing.T) {
	_, err := New().SetKeysInRange(1, 0)
	require.ErrorIs(t, err, ErrInvalidRange)

	_, err = NewMap[uint32]().ValuesInRange(1, 0)
	require.ErrorIs(t, err, ErrInvalidRange)
}

func TestSetKeysInFilledRange(t *testing.T) {
	keys, err := filledMap(t).KeysInRange(0, 512)
	require.NoError(t, err)

	got := slices.Collect(keys)
	require.Len(t, got, 512)
	for i, k := range got {
		require.Equal(t, uint32(i), k)
	}
}

func TestSetKeysInSparseRange(t *testing.T) {
	m := sparseMap(t)
	keys, err := m.KeysInRange(0, 512)
	require.NoError(t, err)

	var want []uint32
	for i := uint32(0); i < 512; i += 32 {
		want = append(want, i)
	}
	require.Equal(t, want, slices.Collect(keys))
	// restartable
	require.Equal(t, want, slices.Collect(keys))
}

func TestSetKeysInRangeBoundaries(t *testing.T) {
	m := sparseMap(t)

	keys, err := m.KeysInRange(32, 64)
	require.NoError(t, err)
	require.Equal(t, []uint32{32}, slices.Collect(keys))

	keys, err = m.KeysInRange(33, 288)
	require.NoError(t, err)
	require.Equal(t, []uint32{64, 96, 128, 160, 192, 224, 256}, slices.Collect(keys))

	keys, err = m.KeysInRange(40, 40)
	require.NoError(t, err)
	require.Empty(t, slices.Collect(keys))
}

func TestSetKeysInRangeStopsEarly(t *testing.T) {
	keys, err := filledMap(t).KeysInRange(0, 512)
	require.NoError(t, err)

	var got []uint32
	for k := range keys {
		if k == 3 {
			break
		}
		got = append(got, k)
	}
	require.Equal(t, []uint32{0, 1, 2}, got)
}

func TestValuesInRange(t *testing.T) {
	values, err := filledMap(t).ValuesInRange(0, 512)
	require.NoError(t, err)
	got := slices.Collect(values)
	require.Len(t, got, 512)
	for i, v := range got {
		require.Equal(t, uint32(i), v)
	}
}

func TestWriteOverwritesValue(t *testing.T) {
	m := NewMap[string]()
	m.Write(7, "first")
	m.Write(7, "second")
	v, ok := m.Get(7)
	require.True(t, ok)
	require.Equal(t, "second", v)
	require.Equal(t, 1, m.Len())

	entries, err := m.EntriesInRange(0, 8)
	require.NoError(t, err)
	for k, v := range entries {
		require.Equal(t, uint32(7), k)
		require.Equal(t, "second", v)
	}
}
