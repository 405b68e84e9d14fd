package forward

import (
	"fmt"

	"github.com/rpcpool/invindex/diff"
	"github.com/rpcpool/invindex/externalizer"
)

// Accessor converts an input's data to and from its forward index form.
type Accessor[K comparable, V comparable] interface {
	// Serialize returns nil for empty data.
	Serialize(data map[K]V) ([]byte, error)
	// DiffBuilder builds the differ for stored, which is nil when nothing
	// is stored.
	DiffBuilder(id int32, stored []byte) (diff.Builder[K, V], error)
}

// MapAccessor stores the full key/value map, so unchanged keys cost nothing
// on update.
type MapAccessor[K comparable, V comparable] struct {
	Keys   externalizer.KeyDescriptor[K]
	Values externalizer.DataExternalizer[V]
	Order  diff.KeyOrder[K]
}

func (a MapAccessor[K, V]) Serialize(data map[K]V) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	out := externalizer.NewDataOutput(16 * len(data))
	out.WriteINT(int32(len(data)))
	for _, e := range diff.Entries(data, a.Order) {
		if err := a.Keys.Save(out, e.Key); err != nil {
			return nil, fmt.Errorf("failed to save key %v: %w", e.Key, err)
		}
		if err := a.Values.Save(out, e.Value); err != nil {
			return nil, fmt.Errorf("failed to save value of key %v: %w", e.Key, err)
		}
	}
	return out.Bytes(), nil
}

// Entries decodes a map serialized by Serialize, in stored order.
func (a MapAccessor[K, V]) Entries(stored []byte) ([]diff.Entry[K, V], error) {
	in := externalizer.NewDataInput(stored)
	n, err := in.ReadINT()
	if err != nil {
		return nil, fmt.Errorf("failed to read entry count: %w", err)
	}
	if n < 0 {
		return nil, fmt.Errorf("negative entry count %d", n)
	}
	entries := make([]diff.Entry[K, V], 0, n)
	for i := range n {
		k, err := a.Keys.Read(in)
		if err != nil {
			return nil, fmt.Errorf("failed to read key %d: %w", i, err)
		}
		v, err := a.Values.Read(in)
		if err != nil {
			return nil, fmt.Errorf("failed to read value %d: %w", i, err)
		}
		entries = append(entries, diff.Entry[K, V]{Key: k, Value: v})
	}
	return entries, nil
}

func (a MapAccessor[K, V]) DiffBuilder(id int32, stored []byte) (diff.Builder[K, V], error) {
	if stored == nil {
		return diff.Empty[K, V]{InputID: id, Order: a.Order}, nil
	}
	entries, err := a.Entries(stored)
	if err != nil {
		return nil, err
	}
	return diff.Map[K, V]{InputID: id, Old: entries, Order: a.Order}, nil
}

// KeyCollectionAccessor stores only the keys. Every update removes all old
// keys and adds all new ones.
type KeyCollectionAccessor[K comparable, V comparable] struct {
	Keys  externalizer.KeyDescriptor[K]
	Order diff.KeyOrder[K]
}

func (a KeyCollectionAccessor[K, V]) Serialize(data map[K]V) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	out := externalizer.NewDataOutput(8 * len(data))
	out.WriteINT(int32(len(data)))
	for _, e := range diff.Entries(data, a.Order) {
		if err := a.Keys.Save(out, e.Key); err != nil {
			return nil, fmt.Errorf("failed to save key %v: %w", e.Key, err)
		}
	}
	return out.Bytes(), nil
}

func (a KeyCollectionAccessor[K, V]) KeysOf(stored []byte) ([]K, error) {
	in := externalizer.NewDataInput(stored)
	n, err := in.ReadINT()
	if err != nil {
		return nil, fmt.Errorf("failed to read key count: %w", err)
	}
	if n < 0 {
		return nil, fmt.Errorf("negative key count %d", n)
	}
	keys := make([]K, 0, n)
	for i := range n {
		k, err := a.Keys.Read(in)
		if err != nil {
			return nil, fmt.Errorf("failed to read key %d: %w", i, err)
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func (a KeyCollectionAccessor[K, V]) DiffBuilder(id int32, stored []byte) (diff.Builder[K, V], error) {
	if stored == nil {
		return diff.Empty[K, V]{InputID: id, Order: a.Order}, nil
	}
	keys, err := a.KeysOf(stored)
	if err != nil {
		return nil, err
	}
	return diff.Collection[K, V]{InputID: id, Keys: keys, Order: a.Order}, nil
}

// IntAccessor is the accessor of indexes whose inputs produce at most one
// key, and that key fits in an int32. Zero is reserved for no key.
type IntAccessor[K comparable, V comparable] struct {
	ToInt   func(data map[K]V) (int32, error)
	FromInt func(v int32) (K, error)
}

func (a IntAccessor[K, V]) SerializeInt(data map[K]V) (int32, error) {
	if len(data) == 0 {
		return 0, nil
	}
	if len(data) > 1 {
		return 0, fmt.Errorf("int forward index holds one key, got %d", len(data))
	}
	return a.ToInt(data)
}

func (a IntAccessor[K, V]) DiffBuilderFromInt(id int32, stored int32) (diff.Builder[K, V], error) {
	if stored == 0 {
		return diff.Empty[K, V]{InputID: id}, nil
	}
	key, err := a.FromInt(stored)
	if err != nil {
		return nil, fmt.Errorf("failed to decode stored key %d: %w", stored, err)
	}
	return diff.Collection[K, V]{InputID: id, Keys: []K{key}}, nil
}
