package keyindex

import "iter"

// Map pairs an Index with one value per set key. Writing an existing key
// overwrites its value.
type Map[V any] struct {
	index  *Index
	values map[uint32]V
}

// NewMap constructs an empty Map.
func NewMap[V any]() *Map[V] {
	return &Map[V]{index: New(), values: make(map[uint32]V)}
}

// Write stores v at key and marks the key.
func (m *Map[V]) Write(key uint32, v V) {
	m.index.MarkKey(key)
	m.values[key] = v
}

// Get returns the value stored at key.
func (m *Map[V]) Get(key uint32) (V, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Has reports whether key holds a value.
func (m *Map[V]) Has(key uint32) bool { return m.index.HasKey(key) }

// Len returns the number of stored values.
func (m *Map[V]) Len() int { return m.index.Len() }

// Index exposes the underlying key index.
func (m *Map[V]) Index() *Index { return m.index }

// Previous returns the value at the nearest set key before from.
func (m *Map[V]) Previous(from, maxDistance uint32) (uint32, V, bool, error) {
	var zero V
	key, found, err := m.index.FindPrecedingKey(from, maxDistance)
	if err != nil || !found {
		return 0, zero, false, err
	}
	return key, m.values[key], true, nil
}

// Next returns the value at the nearest set key after from.
func (m *Map[V]) Next(from, maxDistance uint32) (uint32, V, bool, error) {
	var zero V
	key, found, err := m.index.FindFollowingKey(from, maxDistance)
	if err != nil || !found {
		return 0, zero, false, err
	}
	return key, m.values[key], true, nil
}

// KeysInRange returns the set keys in [lo, hi).
func (m *Map[V]) KeysInRange(lo, hi uint32) (iter.Seq[uint32], error) {
	return m.index.SetKeysInRange(lo, hi)
}

// ValuesInRange returns the values stored in [lo, hi) in key order.
func (m *Map[V]) ValuesInRange(lo, hi uint32) (iter.Seq[V], error) {
	keys, err := m.index.SetKeysInRange(lo, hi)
	if err != nil {
		return nil, err
	}
	return func(yield func(V) bool) {
		for k := range keys {
			if !yield(m.values[k]) {
				return
			}
		}
	}, nil
}

// EntriesInRange returns key/value pairs stored in [lo, hi) in key order.
func (m *Map[V]) EntriesInRange(lo, hi uint32) (iter.Seq2[uint32, V], error) {
	keys, err := m.index.SetKeysInRange(lo, hi)
	if err != nil {
		return nil, err
	}
	return func(yield func(uint32, V) bool) {
		for k := range keys {
			if !yield(k, m.values[k]) {
				return
			}
		}
	}, nil
}
