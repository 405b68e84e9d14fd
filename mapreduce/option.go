package mapreduce

import (
	"github.com/rpcpool/invindex/indexconfig"
	"github.com/rpcpool/invindex/memwatch"
)

type config struct {
	cfg     indexconfig.Config
	rebuild func(cause error)
	lowMem  *memwatch.Watcher
}

type Option func(*config)

// apply applies the given options to this config.
func (c *config) apply(opts []Option) {
	for _, opt := range opts {
		opt(c)
	}
}

func WithConfig(cfg indexconfig.Config) Option {
	return func(c *config) {
		c.cfg = cfg
	}
}

// WithRebuildRequester sets the func called when the index is found broken.
// Without one, the request is only logged.
func WithRebuildRequester(fn func(cause error)) Option {
	return func(c *config) {
		c.rebuild = fn
	}
}

// WithLowMemoryWatcher makes the index drop its caches when w fires.
func WithLowMemoryWatcher(w *memwatch.Watcher) Option {
	return func(c *config) {
		c.lowMem = w
	}
}
