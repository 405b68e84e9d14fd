// Package cachedkv puts a bigcache read cache in front of a kv.Map.
package cachedkv

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/rpcpool/invindex/kv"
	"k8s.io/klog/v2"
)

// Map caches the values read from and written to the wrapped map. Appends
// drop the cached value, so the next Get reads it back whole.
type Map struct {
	m      kv.Map
	cache  *bigcache.BigCache
	closed atomic.Bool
}

var _ kv.Map = (*Map)(nil)

// Config returns the bigcache config used for a cache of at most maxMB
// megabytes. Entries never expire by age.
func Config(maxMB int) bigcache.Config {
	cfg := bigcache.DefaultConfig(24 * time.Hour)
	cfg.Shards = 64
	cfg.MaxEntriesInWindow = 1 << 14
	cfg.HardMaxCacheSize = maxMB
	cfg.CleanWindow = 0
	cfg.Verbose = false
	return cfg
}

func New(ctx context.Context, m kv.Map, config bigcache.Config) (*Map, error) {
	cache, err := bigcache.New(ctx, config)
	if err != nil {
		return nil, err
	}
	return &Map{m: m, cache: cache}, nil
}

// Factory wraps every map made by factory in a cache of at most maxMB megabytes.
func Factory(factory kv.Factory, maxMB int) kv.Factory {
	return func() (kv.Map, error) {
		m, err := factory()
		if err != nil {
			return nil, err
		}
		c, err := New(context.Background(), m, Config(maxMB))
		if err != nil {
			return nil, errors.Join(err, m.Close())
		}
		return c, nil
	}
}

func (c *Map) Get(key []byte) ([]byte, bool, error) {
	if c.closed.Load() {
		return nil, false, kv.ErrClosed
	}
	if v, err := c.cache.Get(string(key)); err == nil {
		return v, true, nil
	} else if !errors.Is(err, bigcache.ErrEntryNotFound) {
		return nil, false, err
	}
	v, found, err := c.m.Get(key)
	if err != nil || !found {
		return v, found, err
	}
	c.set(key, v)
	return v, true, nil
}

// set caches value. Values too large for a shard are left uncached.
func (c *Map) set(key, value []byte) {
	if err := c.cache.Set(string(key), value); err != nil && klog.V(5).Enabled() {
		klog.Infof("cachedkv: not caching %d bytes: %v", len(value), err)
	}
}

func (c *Map) Put(key, value []byte) error {
	c.drop(key)
	if err := c.m.Put(key, value); err != nil {
		return err
	}
	c.set(key, value)
	return nil
}

func (c *Map) Remove(key []byte) error {
	c.drop(key)
	return c.m.Remove(key)
}

func (c *Map) AppendData(key, data []byte) error {
	c.drop(key)
	return c.m.AppendData(key, data)
}

func (c *Map) drop(key []byte) {
	// Missing entries are not an error.
	c.cache.Delete(string(key))
}

func (c *Map) ProcessKeys(fn func(key []byte) error) error {
	return c.m.ProcessKeys(fn)
}

func (c *Map) MarkDirty()    { c.m.MarkDirty() }
func (c *Map) IsDirty() bool { return c.m.IsDirty() }
func (c *Map) Force() error  { return c.m.Force() }

func (c *Map) Close() error {
	return errors.Join(c.m.Close(), c.closeCache())
}

func (c *Map) CloseAndDelete() error {
	return errors.Join(c.m.CloseAndDelete(), c.closeCache())
}

func (c *Map) closeCache() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.cache.Close()
}

// Stats returns the cache hit and miss counts.
func (c *Map) Stats() bigcache.Stats {
	return c.cache.Stats()
}
