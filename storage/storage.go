// Package storage implements the inverted index storage: key to value
// container, backed by a kv.Map and fronted by a bounded cache of
// change-tracking containers.
package storage

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/rpcpool/invindex/container"
	"github.com/rpcpool/invindex/externalizer"
	"github.com/rpcpool/invindex/indexconfig"
	"github.com/rpcpool/invindex/kv"
	"github.com/rpcpool/invindex/metrics"
	"k8s.io/klog/v2"
)

// IndexStorage maps keys to value containers. It is not synchronized:
// callers hold Lock() for reading or writing around every call.
type IndexStorage[K comparable, V comparable] interface {
	AddValue(key K, id int32, value V) error
	// UpdateValue rebinds id to value under key.
	UpdateValue(key K, id int32, value V) error
	RemoveAllValues(key K, id int32) error
	// Read returns the current container for key. It must not be mutated.
	Read(key K) (*container.Container[V], error)

	// Flush writes every pending change and keeps the cache.
	Flush() error
	// InvalidateCachedMappings writes every pending change and empties the
	// cache.
	InvalidateCachedMappings() error
	// ClearCaches drops the merged views of cached containers and flushes.
	ClearCaches() error
	// Clear deletes all data.
	Clear() error
	Close() error
	// ProcessKeys calls fn with every key that has stored data.
	ProcessKeys(fn func(key K) error) error

	Lock() *Lock
	ValueExternalizer() externalizer.DataExternalizer[V]
}

type entry[V comparable] struct {
	key     []byte
	tracker *container.ChangeTracking[V]
}

// MapIndexStorage is an IndexStorage on a kv.Map.
type MapIndexStorage[K comparable, V comparable] struct {
	conf     config
	cfg      indexconfig.Config
	keyDesc  externalizer.KeyDescriptor[K]
	valueExt externalizer.DataExternalizer[V]
	factory  kv.Factory
	lock     Lock
	checker  *container.SerializationChecker[V]

	// cacheMu guards the cache, which is touched by readers holding only
	// the shared lock.
	cacheMu  sync.Mutex
	m        kv.Map
	cache    *simplelru.LRU[string, *entry[V]]
	evictErr error
	closed   bool

	// unsaved holds evicted containers whose write failed. They are served
	// to readers and written again by the next flush.
	unsaved map[string]*entry[V]
}

var _ IndexStorage[string, string] = (*MapIndexStorage[string, string])(nil)

// New opens the map through factory. The factory is used again to recreate
// the map on Clear.
func New[K comparable, V comparable](
	factory kv.Factory,
	keyDesc externalizer.KeyDescriptor[K],
	valueExt externalizer.DataExternalizer[V],
	cfg indexconfig.Config,
	opts ...Option,
) (*MapIndexStorage[K, V], error) {
	cfg = cfg.WithDefaults()
	conf := config{
		name:      "index",
		cacheSize: cfg.CacheSize,
	}
	conf.apply(opts)
	if conf.cacheSize <= 0 {
		return nil, fmt.Errorf("cache size must be positive, got %d", conf.cacheSize)
	}

	s := &MapIndexStorage[K, V]{
		conf:     conf,
		cfg:      cfg,
		keyDesc:  keyDesc,
		valueExt: valueExt,
		factory:  factory,
		unsaved:  make(map[string]*entry[V]),
	}
	if cfg.CheckSerialization {
		s.checker = container.NewSerializationChecker(conf.name, valueExt)
	}
	m, err := factory()
	if err != nil {
		return nil, fmt.Errorf("failed to open map for %s: %w", conf.name, err)
	}
	s.m = m
	if s.cache, err = s.newCache(); err != nil {
		return nil, errors.Join(err, m.Close())
	}
	return s, nil
}

func (s *MapIndexStorage[K, V]) newCache() (*simplelru.LRU[string, *entry[V]], error) {
	return simplelru.NewLRU(s.conf.cacheSize, s.onEvict)
}

func (s *MapIndexStorage[K, V]) Lock() *Lock {
	return &s.lock
}

func (s *MapIndexStorage[K, V]) ValueExternalizer() externalizer.DataExternalizer[V] {
	return s.valueExt
}

func (s *MapIndexStorage[K, V]) IsReadOnly() bool {
	return s.conf.readOnly
}

func (s *MapIndexStorage[K, V]) Name() string {
	return s.conf.name
}

func (s *MapIndexStorage[K, V]) keyBytes(key K) ([]byte, error) {
	kb, err := externalizer.KeyBytes(s.keyDesc, key)
	if err != nil {
		return nil, fmt.Errorf("failed to encode key %v: %w", key, err)
	}
	return kb, nil
}

func (s *MapIndexStorage[K, V]) loader(kb []byte) container.Initializer[V] {
	return func() (*container.Container[V], error) {
		c := container.NewWithConfig[V](s.cfg)
		data, found, err := s.m.Get(kb)
		if err != nil {
			return nil, fmt.Errorf("failed to read key %x: %w", kb, err)
		}
		if !found {
			return c, nil
		}
		if err := c.ReadFrom(externalizer.NewDataInput(data), s.valueExt, nil); err != nil {
			return nil, fmt.Errorf("failed to decode key %x: %w", kb, err)
		}
		return c, nil
	}
}

// tracker returns the cached container for kb, loading it lazily. An error
// from a write triggered by evicting another key is returned along with the
// entry.
func (s *MapIndexStorage[K, V]) tracker(kb []byte) (*entry[V], error) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	return s.trackerLocked(kb)
}

func (s *MapIndexStorage[K, V]) trackerLocked(kb []byte) (*entry[V], error) {
	if s.closed {
		return nil, ErrClosed
	}
	ks := string(kb)
	if e, ok := s.cache.Get(ks); ok {
		metrics.StorageCacheLookups.WithLabelValues(s.conf.name, "hit").Inc()
		return e, nil
	}
	metrics.StorageCacheLookups.WithLabelValues(s.conf.name, "miss").Inc()
	e, ok := s.unsaved[ks]
	if ok {
		delete(s.unsaved, ks)
	} else {
		e = &entry[V]{key: kb, tracker: container.NewChangeTracking(s.cfg, s.loader(kb))}
	}
	s.cache.Add(ks, e)
	metrics.CachedContainers.WithLabelValues(s.conf.name).Set(float64(s.cache.Len()))
	return e, s.takeEvictErr()
}

func (s *MapIndexStorage[K, V]) isCached(kb []byte) bool {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if _, ok := s.unsaved[string(kb)]; ok {
		return true
	}
	return s.cache.Contains(string(kb))
}

func (s *MapIndexStorage[K, V]) takeEvictErr() error {
	err := s.evictErr
	s.evictErr = nil
	return err
}

func (s *MapIndexStorage[K, V]) onEvict(ks string, e *entry[V]) {
	if err := s.persist(e); err != nil {
		s.unsaved[ks] = e
		s.evictErr = errors.Join(s.evictErr, err)
	}
}

// UnsavedKeys returns the number of evicted containers still waiting to be
// written.
func (s *MapIndexStorage[K, V]) UnsavedKeys() int {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	return len(s.unsaved)
}

// persist writes the pending changes of e to the map.
func (s *MapIndexStorage[K, V]) persist(e *entry[V]) error {
	t := e.tracker
	if s.conf.readOnly || !t.IsDirty() {
		return nil
	}
	if s.conf.keyIsUniqueForIndexedFile {
		if t.ContainsOnlyInvalidatedChange() {
			return s.write("remove", e.key, func() error { return s.m.Remove(e.key) })
		}
		if t.ContainsCachedMergedData() {
			return s.putFull(e)
		}
	}
	if t.NeedsCompacting() {
		return s.putFull(e)
	}
	out := externalizer.NewDataOutput(64)
	if err := t.SaveDiffTo(out, s.valueExt); err != nil {
		return fmt.Errorf("failed to encode changes of key %x: %w", e.key, err)
	}
	if out.Len() == 0 {
		metrics.StorageWrites.WithLabelValues(s.conf.name, "skip").Inc()
		return nil
	}
	return s.write("append", e.key, func() error { return s.m.AppendData(e.key, out.Bytes()) })
}

func (s *MapIndexStorage[K, V]) putFull(e *entry[V]) error {
	merged, err := e.tracker.MergedData()
	if err != nil {
		return err
	}
	if s.checker != nil {
		s.checker.CheckContainer(merged)
	}
	if merged.Size() == 0 {
		return s.write("remove", e.key, func() error { return s.m.Remove(e.key) })
	}
	data, err := merged.Bytes(s.valueExt)
	if err != nil {
		return fmt.Errorf("failed to encode key %x: %w", e.key, err)
	}
	return s.write("put", e.key, func() error { return s.m.Put(e.key, data) })
}

func (s *MapIndexStorage[K, V]) write(mode string, kb []byte, fn func() error) error {
	metrics.StorageWrites.WithLabelValues(s.conf.name, mode).Inc()
	if err := fn(); err != nil {
		return fmt.Errorf("failed to %s key %x: %w", mode, kb, err)
	}
	return nil
}

func (s *MapIndexStorage[K, V]) AddValue(key K, id int32, value V) error {
	if s.conf.readOnly {
		return ErrReadOnly
	}
	kb, err := s.keyBytes(key)
	if err != nil {
		return err
	}
	if s.conf.keyIsUniqueForIndexedFile && !s.isCached(kb) {
		c := container.NewWithConfig[V](s.cfg)
		c.AddValue(id, value)
		data, err := c.Bytes(s.valueExt)
		if err != nil {
			return fmt.Errorf("failed to encode key %x: %w", kb, err)
		}
		return s.write("put", kb, func() error { return s.m.Put(kb, data) })
	}
	e, err := s.tracker(kb)
	if e != nil {
		e.tracker.AddValue(id, value)
	}
	return err
}

func (s *MapIndexStorage[K, V]) RemoveAllValues(key K, id int32) error {
	if s.conf.readOnly {
		return ErrReadOnly
	}
	kb, err := s.keyBytes(key)
	if err != nil {
		return err
	}
	e, err := s.tracker(kb)
	if e != nil {
		e.tracker.RemoveAssociatedValue(id)
	}
	return err
}

func (s *MapIndexStorage[K, V]) UpdateValue(key K, id int32, value V) error {
	if err := s.RemoveAllValues(key, id); err != nil {
		return err
	}
	return s.AddValue(key, id, value)
}

func (s *MapIndexStorage[K, V]) Read(key K) (*container.Container[V], error) {
	kb, err := s.keyBytes(key)
	if err != nil {
		return nil, err
	}
	// Readers share the storage lock, so merging is serialized here.
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	e, err := s.trackerLocked(kb)
	if e == nil {
		return nil, err
	}
	merged, mergeErr := e.tracker.MergedData()
	if mergeErr != nil {
		return nil, errors.Join(mergeErr, err)
	}
	if s.checker != nil {
		s.checker.CheckContainer(merged)
	}
	return merged, err
}

// flushLocked persists every cached container. cacheMu must be held.
func (s *MapIndexStorage[K, V]) flushLocked() error {
	if s.closed {
		return ErrClosed
	}
	if s.conf.readOnly {
		return nil
	}
	start := time.Now()
	defer func() {
		metrics.StorageFlushLatencyHistogram.WithLabelValues(s.conf.name).Observe(time.Since(start).Seconds())
	}()
	for ks, e := range s.unsaved {
		if err := s.persist(e); err != nil {
			return err
		}
		delete(s.unsaved, ks)
	}
	for _, ks := range s.cache.Keys() {
		e, ok := s.cache.Peek(ks)
		if !ok || !e.tracker.IsDirty() {
			continue
		}
		if err := s.persist(e); err != nil {
			return err
		}
		e.tracker.Persisted(s.loader(e.key))
	}
	return s.m.Force()
}

func (s *MapIndexStorage[K, V]) Flush() error {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	return s.flushLocked()
}

func (s *MapIndexStorage[K, V]) InvalidateCachedMappings() error {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.cache.Purge()
	metrics.CachedContainers.WithLabelValues(s.conf.name).Set(0)
	if err := s.takeEvictErr(); err != nil {
		return err
	}
	if s.conf.readOnly {
		return nil
	}
	return s.m.Force()
}

func (s *MapIndexStorage[K, V]) ClearCaches() error {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, e := range s.cache.Values() {
		e.tracker.DropMergedData()
	}
	return s.flushLocked()
}

// Clear deletes the map and starts over with an empty one. A failure to
// delete the old map is logged; the new map is opened regardless.
func (s *MapIndexStorage[K, V]) Clear() error {
	if s.conf.readOnly {
		return ErrReadOnly
	}
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.closed {
		return ErrClosed
	}
	cache, err := s.newCache()
	if err != nil {
		return err
	}
	s.cache = cache
	s.evictErr = nil
	clear(s.unsaved)
	metrics.CachedContainers.WithLabelValues(s.conf.name).Set(0)

	if err := s.m.CloseAndDelete(); err != nil {
		klog.Errorf("%s: failed to delete map, recreating anyway: %v", s.conf.name, err)
	}
	m, err := s.factory()
	if err != nil {
		s.closed = true
		return fmt.Errorf("failed to recreate map for %s: %w", s.conf.name, err)
	}
	s.m = m
	return nil
}

func (s *MapIndexStorage[K, V]) Close() error {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.closed {
		return nil
	}
	flushErr := s.flushLocked()
	s.closed = true
	return errors.Join(flushErr, s.m.Close())
}

// ProcessKeys flushes and then calls fn with every stored key.
func (s *MapIndexStorage[K, V]) ProcessKeys(fn func(key K) error) error {
	s.cacheMu.Lock()
	if err := s.flushLocked(); err != nil {
		s.cacheMu.Unlock()
		return err
	}
	m := s.m
	s.cacheMu.Unlock()
	return m.ProcessKeys(func(kb []byte) error {
		key, err := externalizer.ReadKey(s.keyDesc, kb)
		if err != nil {
			return fmt.Errorf("failed to decode key %x: %w", kb, err)
		}
		return fn(key)
	})
}

// CachedKeys returns the number of containers in the cache.
func (s *MapIndexStorage[K, V]) CachedKeys() int {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	return s.cache.Len()
}
