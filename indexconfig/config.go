// Package indexconfig holds the immutable settings shared by the index
// packages. A Config is passed by value into constructors; nothing in the
// index packages reads process-wide debug switches.
package indexconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"
)

const (
	DefaultCacheSize          = 1024
	DefaultLowMemoryThreshold = 90.0
	DefaultLowMemoryInterval  = 10 * time.Second
)

// Config is the set of knobs recognized by the index packages.
type Config struct {
	// Debug enables the container self-checks (one value per input id).
	Debug bool `json:"debug" yaml:"debug"`
	// CheckSerialization round-trips every indexed value through its
	// externalizer and logs values that do not survive the trip.
	CheckSerialization bool `json:"check_serialization" yaml:"check_serialization"`
	// CacheSize is the number of change-tracking containers kept in memory
	// per storage before eviction writes them to the backing map.
	CacheSize int `json:"cache_size" yaml:"cache_size"`

	LowMemory struct {
		// Threshold is the used-memory percentage above which caches are dropped.
		// Zero disables the watcher.
		Threshold float64       `json:"threshold" yaml:"threshold"`
		Interval  time.Duration `json:"interval" yaml:"interval"`
	} `json:"low_memory" yaml:"low_memory"`
}

// Default returns the production configuration.
func Default() Config {
	c := Config{
		CacheSize: DefaultCacheSize,
	}
	c.LowMemory.Threshold = DefaultLowMemoryThreshold
	c.LowMemory.Interval = DefaultLowMemoryInterval
	return c
}

// DebugConfig returns the default configuration with every check enabled.
func DebugConfig() Config {
	c := Default()
	c.Debug = true
	c.CheckSerialization = true
	return c
}

// WithDefaults fills zero fields with their default values.
func (c Config) WithDefaults() Config {
	if c.CacheSize == 0 {
		c.CacheSize = DefaultCacheSize
	}
	if c.LowMemory.Interval == 0 {
		c.LowMemory.Interval = DefaultLowMemoryInterval
	}
	return c
}

func (c Config) Validate() error {
	if c.CacheSize < 0 {
		return fmt.Errorf("cache_size must not be negative, got %d", c.CacheSize)
	}
	if c.LowMemory.Threshold < 0 || c.LowMemory.Threshold > 100 {
		return fmt.Errorf("low_memory.threshold must be within [0, 100], got %v", c.LowMemory.Threshold)
	}
	if c.LowMemory.Interval < 0 {
		return errors.New("low_memory.interval must not be negative")
	}
	return nil
}

// Load reads a config file; the format is picked from the file extension.
// Fields absent from the file keep their default values.
func Load(configFilepath string) (Config, error) {
	config := Default()
	switch {
	case isJSONFile(configFilepath):
		if err := loadFromJSON(configFilepath, &config); err != nil {
			return Config{}, err
		}
	case isYAMLFile(configFilepath):
		if err := loadFromYAML(configFilepath, &config); err != nil {
			return Config{}, err
		}
	default:
		return Config{}, fmt.Errorf("config file %q must be JSON or YAML", configFilepath)
	}
	config = config.WithDefaults()
	if err := config.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %q: %w", configFilepath, err)
	}
	return config, nil
}

func isJSONFile(p string) bool {
	return strings.EqualFold(filepath.Ext(p), ".json")
}

func isYAMLFile(p string) bool {
	ext := strings.ToLower(filepath.Ext(p))
	return ext == ".yaml" || ext == ".yml"
}

var fasterJson = jsoniter.ConfigCompatibleWithStandardLibrary

// loadFromJSON loads a JSON file into dst (which must be a pointer).
func loadFromJSON(configFilepath string, dst any) error {
	file, err := os.Open(configFilepath)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()
	return fasterJson.NewDecoder(file).Decode(dst)
}

// loadFromYAML loads a YAML file into dst (which must be a pointer).
func loadFromYAML(configFilepath string, dst any) error {
	file, err := os.Open(configFilepath)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()
	return yaml.NewDecoder(file).Decode(dst)
}
