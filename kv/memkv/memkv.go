// Package memkv is an in-memory kv.Map that counts calls, for tests and
// throwaway indexes.
package memkv

import (
	"slices"
	"sort"
	"sync"

	"github.com/rpcpool/invindex/kv"
)

// Stats counts calls per operation.
type Stats struct {
	Gets    int
	Puts    int
	Removes int
	Appends int
	Forces  int
}

type Map struct {
	mu     sync.RWMutex
	data   map[string][]byte
	dirty  bool
	closed bool
	stats  Stats
}

var _ kv.Map = (*Map)(nil)

func New() *Map {
	return &Map{data: make(map[string][]byte)}
}

// Factory returns a kv.Factory that hands out fresh maps and remembers the
// last one.
func Factory(last **Map) kv.Factory {
	return func() (kv.Map, error) {
		m := New()
		if last != nil {
			*last = m
		}
		return m, nil
	}
}

func (m *Map) Get(key []byte) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, kv.ErrClosed
	}
	m.stats.Gets++
	v, ok := m.data[string(key)]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(v), true, nil
}

func (m *Map) Put(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return kv.ErrClosed
	}
	m.stats.Puts++
	m.data[string(key)] = slices.Clone(value)
	m.dirty = true
	return nil
}

func (m *Map) Remove(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return kv.ErrClosed
	}
	m.stats.Removes++
	delete(m.data, string(key))
	m.dirty = true
	return nil
}

func (m *Map) AppendData(key, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return kv.ErrClosed
	}
	m.stats.Appends++
	k := string(key)
	m.data[k] = append(slices.Clip(m.data[k]), data...)
	m.dirty = true
	return nil
}

// ProcessKeys visits keys in sorted order.
func (m *Map) ProcessKeys(fn func(key []byte) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return kv.ErrClosed
	}
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	m.mu.RUnlock()
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn([]byte(k)); err != nil {
			return err
		}
	}
	return nil
}

func (m *Map) MarkDirty() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirty = true
}

func (m *Map) IsDirty() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dirty
}

func (m *Map) Force() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return kv.ErrClosed
	}
	m.stats.Forces++
	m.dirty = false
	return nil
}

func (m *Map) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Map) CloseAndDelete() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.data = nil
	return nil
}

// Len returns the number of keys.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

func (m *Map) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// ResetStats zeroes the call counters.
func (m *Map) ResetStats() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = Stats{}
}
