// Package kv defines the persistent byte map that index storages and
// forward indexes are built on.
package kv

import (
	"errors"
)

// ErrClosed is returned by operations on a closed map.
var ErrClosed = errors.New("map is closed")

// Map is a persistent key to bytes map.
//
// AppendData appends to the stored value instead of replacing it; readers see
// the concatenation of everything put and appended since the last Put. Values
// returned by Get are owned by the caller.
type Map interface {
	Get(key []byte) (value []byte, found bool, err error)
	Put(key, value []byte) error
	Remove(key []byte) error
	AppendData(key, data []byte) error
	// ProcessKeys calls fn for every live key until fn returns an error.
	ProcessKeys(fn func(key []byte) error) error

	MarkDirty()
	IsDirty() bool
	// Force makes every write so far durable.
	Force() error
	Close() error
	// CloseAndDelete closes the map and removes its files.
	CloseAndDelete() error
}

// Factory opens a fresh map. Storages use it to recreate their map after
// CloseAndDelete.
type Factory func() (Map, error)
