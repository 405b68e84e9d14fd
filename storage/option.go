package storage

type config struct {
	name                      string
	cacheSize                 int
	keyIsUniqueForIndexedFile bool
	readOnly                  bool
}

type Option func(*config)

// apply applies the given options to this config.
func (c *config) apply(opts []Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Name labels the storage in logs and metrics.
func Name(name string) Option {
	return func(c *config) {
		c.name = name
	}
}

// CacheSize is the number of keys whose containers are kept in memory.
// It overrides indexconfig.Config.CacheSize.
func CacheSize(size int) Option {
	return func(c *config) {
		c.cacheSize = size
	}
}

// KeyIsUniqueForIndexedFile declares that a key is only ever produced by one
// input. Adds for keys that are not cached then go straight to the map.
func KeyIsUniqueForIndexedFile(unique bool) Option {
	return func(c *config) {
		c.keyIsUniqueForIndexedFile = unique
	}
}

// ReadOnly rejects every write.
func ReadOnly(readOnly bool) Option {
	return func(c *config) {
		c.readOnly = readOnly
	}
}
