// Package forward stores, per input id, what the input produced last time,
// so an update can be diffed without scanning the inverted index.
package forward

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/rpcpool/invindex/externalizer"
	"github.com/rpcpool/invindex/kv"
)

// Index maps input ids to serialized data.
type Index interface {
	// Get returns nil when nothing is stored for id.
	Get(id int32) ([]byte, error)
	// Put stores data for id; nil or empty data removes the entry.
	Put(id int32, data []byte) error
	Flush() error
	Clear() error
	Close() error
}

// IntIndex maps input ids to a single int. Zero means nothing is stored.
type IntIndex interface {
	GetInt(id int32) (int32, error)
	PutInt(id int32, value int32) error
	Flush() error
	Clear() error
	Close() error
}

func idKey(id int32) []byte {
	return binary.BigEndian.AppendUint32(nil, uint32(id))
}

// KV is an Index and IntIndex on a kv.Map.
type KV struct {
	factory kv.Factory
	mu      sync.Mutex
	m       kv.Map
}

var (
	_ Index    = (*KV)(nil)
	_ IntIndex = (*KV)(nil)
)

func NewKV(factory kv.Factory) (*KV, error) {
	m, err := factory()
	if err != nil {
		return nil, fmt.Errorf("failed to open forward index: %w", err)
	}
	return &KV{factory: factory, m: m}, nil
}

func (f *KV) current() kv.Map {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.m
}

func (f *KV) Get(id int32) ([]byte, error) {
	data, found, err := f.current().Get(idKey(id))
	if err != nil || !found {
		return nil, err
	}
	return data, nil
}

func (f *KV) Put(id int32, data []byte) error {
	if len(data) == 0 {
		return f.current().Remove(idKey(id))
	}
	return f.current().Put(idKey(id), data)
}

func (f *KV) GetInt(id int32) (int32, error) {
	data, err := f.Get(id)
	if err != nil || data == nil {
		return 0, err
	}
	return externalizer.NewDataInput(data).ReadINT()
}

func (f *KV) PutInt(id int32, value int32) error {
	if value == 0 {
		return f.Put(id, nil)
	}
	out := externalizer.NewDataOutput(5)
	out.WriteINT(value)
	return f.Put(id, out.Bytes())
}

func (f *KV) Flush() error {
	return f.current().Force()
}

// Clear deletes the stored data. A failure to delete is returned after the
// map has been reopened.
func (f *KV) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	deleteErr := f.m.CloseAndDelete()
	m, err := f.factory()
	if err != nil {
		return errors.Join(deleteErr, fmt.Errorf("failed to reopen forward index: %w", err))
	}
	f.m = m
	return deleteErr
}

func (f *KV) Close() error {
	return f.current().Close()
}
