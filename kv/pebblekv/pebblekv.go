// Package pebblekv is a kv.Map on a pebble database. AppendData is a pebble
// merge whose operands are concatenated oldest first.
package pebblekv

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/rpcpool/invindex/kv"
	"k8s.io/klog/v2"
)

// MergerName is persisted in the database options; databases written with a
// different merger cannot be reopened.
const MergerName = "invindex.concat"

type Map struct {
	dir    string
	db     *pebble.DB
	dirty  atomic.Bool
	closed atomic.Bool
}

var _ kv.Map = (*Map)(nil)

// Open opens or creates the database at dir.
func Open(dir string) (*Map, error) {
	opts := &pebble.Options{
		Merger: &pebble.Merger{
			Name:  MergerName,
			Merge: newConcatMerger,
		},
		Logger: klogLogger{},
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble database at %q: %w", dir, err)
	}
	return &Map{dir: dir, db: db}, nil
}

// Factory returns a kv.Factory opening dir.
func Factory(dir string) kv.Factory {
	return func() (kv.Map, error) {
		return Open(dir)
	}
}

func (m *Map) Get(key []byte) ([]byte, bool, error) {
	if m.closed.Load() {
		return nil, false, kv.ErrClosed
	}
	value, closer, err := m.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer closer.Close()
	return slices.Clone(value), true, nil
}

func (m *Map) Put(key, value []byte) error {
	if m.closed.Load() {
		return kv.ErrClosed
	}
	m.dirty.Store(true)
	return m.db.Set(key, value, pebble.NoSync)
}

func (m *Map) Remove(key []byte) error {
	if m.closed.Load() {
		return kv.ErrClosed
	}
	m.dirty.Store(true)
	return m.db.Delete(key, pebble.NoSync)
}

func (m *Map) AppendData(key, data []byte) error {
	if m.closed.Load() {
		return kv.ErrClosed
	}
	m.dirty.Store(true)
	return m.db.Merge(key, data, pebble.NoSync)
}

func (m *Map) ProcessKeys(fn func(key []byte) error) error {
	if m.closed.Load() {
		return kv.ErrClosed
	}
	it, err := m.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return err
	}
	for it.First(); it.Valid(); it.Next() {
		if err := fn(slices.Clone(it.Key())); err != nil {
			return errors.Join(err, it.Close())
		}
	}
	return it.Close()
}

func (m *Map) MarkDirty() {
	m.dirty.Store(true)
}

func (m *Map) IsDirty() bool {
	return m.dirty.Load()
}

// Force flushes the memtable, which makes every write so far durable.
func (m *Map) Force() error {
	if m.closed.Load() {
		return kv.ErrClosed
	}
	if err := m.db.Flush(); err != nil {
		return err
	}
	m.dirty.Store(false)
	return nil
}

func (m *Map) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	return m.db.Close()
}

func (m *Map) CloseAndDelete() error {
	return errors.Join(m.Close(), os.RemoveAll(m.dir))
}

// concatMerger collects merge operands and joins them oldest first.
type concatMerger struct {
	vals  [][]byte
	older bool
}

func newConcatMerger(key, value []byte) (pebble.ValueMerger, error) {
	return &concatMerger{vals: [][]byte{slices.Clone(value)}}, nil
}

func (c *concatMerger) MergeNewer(value []byte) error {
	c.vals = append(c.vals, slices.Clone(value))
	return nil
}

func (c *concatMerger) MergeOlder(value []byte) error {
	c.vals = append(c.vals, slices.Clone(value))
	c.older = true
	return nil
}

func (c *concatMerger) Finish(includesBase bool) ([]byte, io.Closer, error) {
	if c.older {
		slices.Reverse(c.vals)
	}
	return slices.Concat(c.vals...), nil, nil
}

type klogLogger struct{}

func (klogLogger) Infof(format string, args ...any) {
	klog.V(4).Infof(format, args...)
}

func (klogLogger) Errorf(format string, args ...any) {
	klog.Errorf(format, args...)
}

func (klogLogger) Fatalf(format string, args ...any) {
	klog.Fatalf(format, args...)
}
