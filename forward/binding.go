package forward

import (
	"fmt"

	"github.com/rpcpool/invindex/diff"
)

// Binding couples a forward index with the accessor that reads and writes
// it. It is what an index pipeline talks to.
type Binding[K comparable, V comparable] interface {
	DiffBuilder(id int32) (diff.Builder[K, V], error)
	// PrepareUpdate serializes data right away and returns the write to run
	// once the inverted index has been updated.
	PrepareUpdate(id int32, data map[K]V) (func() error, error)
	Flush() error
	Clear() error
	Close() error
}

// Bind returns the Binding of a byte forward index.
func Bind[K comparable, V comparable](index Index, acc Accessor[K, V]) Binding[K, V] {
	return &binding[K, V]{index: index, acc: acc}
}

type binding[K comparable, V comparable] struct {
	index Index
	acc   Accessor[K, V]
}

func (b *binding[K, V]) DiffBuilder(id int32) (diff.Builder[K, V], error) {
	stored, err := b.index.Get(id)
	if err != nil {
		return nil, fmt.Errorf("failed to read forward data of input %d: %w", id, err)
	}
	return b.acc.DiffBuilder(id, stored)
}

func (b *binding[K, V]) PrepareUpdate(id int32, data map[K]V) (func() error, error) {
	serialized, err := b.acc.Serialize(data)
	if err != nil {
		return nil, err
	}
	return func() error { return b.index.Put(id, serialized) }, nil
}

func (b *binding[K, V]) Flush() error { return b.index.Flush() }
func (b *binding[K, V]) Clear() error { return b.index.Clear() }
func (b *binding[K, V]) Close() error { return b.index.Close() }

// BindInt returns the Binding of an int forward index.
func BindInt[K comparable, V comparable](index IntIndex, acc IntAccessor[K, V]) Binding[K, V] {
	return &intBinding[K, V]{index: index, acc: acc}
}

type intBinding[K comparable, V comparable] struct {
	index IntIndex
	acc   IntAccessor[K, V]
}

func (b *intBinding[K, V]) DiffBuilder(id int32) (diff.Builder[K, V], error) {
	stored, err := b.index.GetInt(id)
	if err != nil {
		return nil, fmt.Errorf("failed to read forward data of input %d: %w", id, err)
	}
	return b.acc.DiffBuilderFromInt(id, stored)
}

func (b *intBinding[K, V]) PrepareUpdate(id int32, data map[K]V) (func() error, error) {
	v, err := b.acc.SerializeInt(data)
	if err != nil {
		return nil, err
	}
	return func() error { return b.index.PutInt(id, v) }, nil
}

func (b *intBinding[K, V]) Flush() error { return b.index.Flush() }
func (b *intBinding[K, V]) Clear() error { return b.index.Clear() }
func (b *intBinding[K, V]) Close() error { return b.index.Close() }
