// Package diff computes the changes between the data an input produced last
// time and the data it produces now.
package diff

import (
	"context"
	"fmt"
	"slices"
)

type Kind uint8

const (
	Added Kind = iota + 1
	Updated
	Removed
)

func (k Kind) String() string {
	switch k {
	case Added:
		return "added"
	case Updated:
		return "updated"
	case Removed:
		return "removed"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Change is one key whose state changed for an input. Value is the zero
// value for removals.
type Change[K comparable, V comparable] struct {
	Kind    Kind
	Key     K
	Value   V
	InputID int32
}

func (c Change[K, V]) String() string {
	if c.Kind == Removed {
		return fmt.Sprintf("%s(%v, %d)", c.Kind, c.Key, c.InputID)
	}
	return fmt.Sprintf("%s(%v=%v, %d)", c.Kind, c.Key, c.Value, c.InputID)
}

// Entry is a stored key/value pair, kept in stored order.
type Entry[K comparable, V comparable] struct {
	Key   K
	Value V
}

// Builder produces the changes that turn the stored state of one input into
// newData. An empty result means nothing changed.
type Builder[K comparable, V comparable] interface {
	Differentiate(ctx context.Context, newData map[K]V) ([]Change[K, V], error)
}

// KeyOrder orders added keys. Without one, additions follow map iteration.
type KeyOrder[K comparable] func(a, b K) int

// checkEvery is how many entries are processed between context checks.
const checkEvery = 1024

type canceler struct {
	ctx context.Context
	n   int
}

func (c *canceler) tick() error {
	c.n++
	if c.n%checkEvery == 0 {
		return c.ctx.Err()
	}
	return nil
}

func appendAdded[K comparable, V comparable](
	cc *canceler,
	changes []Change[K, V],
	id int32,
	newData map[K]V,
	skip func(K) bool,
	order KeyOrder[K],
) ([]Change[K, V], error) {
	start := len(changes)
	for k, v := range newData {
		if err := cc.tick(); err != nil {
			return nil, err
		}
		if skip != nil && skip(k) {
			continue
		}
		changes = append(changes, Change[K, V]{Kind: Added, Key: k, Value: v, InputID: id})
	}
	if order != nil {
		slices.SortFunc(changes[start:], func(a, b Change[K, V]) int {
			return order(a.Key, b.Key)
		})
	}
	return changes, nil
}

// Empty is the builder for an input with nothing stored: every entry is
// added.
type Empty[K comparable, V comparable] struct {
	InputID int32
	Order   KeyOrder[K]
}

func (b Empty[K, V]) Differentiate(ctx context.Context, newData map[K]V) ([]Change[K, V], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return appendAdded(&canceler{ctx: ctx}, make([]Change[K, V], 0, len(newData)), b.InputID, newData, nil, b.Order)
}

// Collection is the builder for an input whose stored state is only its keys.
// Without the old values every stored key is removed and every new key is
// added.
type Collection[K comparable, V comparable] struct {
	InputID int32
	Keys    []K
	Order   KeyOrder[K]
}

func (b Collection[K, V]) Differentiate(ctx context.Context, newData map[K]V) ([]Change[K, V], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cc := &canceler{ctx: ctx}
	changes := make([]Change[K, V], 0, len(b.Keys)+len(newData))
	for _, k := range b.Keys {
		if err := cc.tick(); err != nil {
			return nil, err
		}
		changes = append(changes, Change[K, V]{Kind: Removed, Key: k, InputID: b.InputID})
	}
	return appendAdded(cc, changes, b.InputID, newData, nil, b.Order)
}

// Map is the builder for an input whose stored state is its full key/value
// map. Unchanged keys produce no change.
type Map[K comparable, V comparable] struct {
	InputID int32
	Old     []Entry[K, V]
	Order   KeyOrder[K]
}

func (b Map[K, V]) Differentiate(ctx context.Context, newData map[K]V) ([]Change[K, V], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cc := &canceler{ctx: ctx}
	var changes []Change[K, V]
	old := make(map[K]struct{}, len(b.Old))
	for _, e := range b.Old {
		if err := cc.tick(); err != nil {
			return nil, err
		}
		old[e.Key] = struct{}{}
		v, ok := newData[e.Key]
		switch {
		case !ok:
			changes = append(changes, Change[K, V]{Kind: Removed, Key: e.Key, InputID: b.InputID})
		case v != e.Value:
			changes = append(changes, Change[K, V]{Kind: Updated, Key: e.Key, Value: v, InputID: b.InputID})
		}
	}
	return appendAdded(cc, changes, b.InputID, newData, func(k K) bool {
		_, ok := old[k]
		return ok
	}, b.Order)
}

// Apply returns a copy of old with changes applied.
func Apply[K comparable, V comparable](old map[K]V, changes []Change[K, V]) map[K]V {
	out := make(map[K]V, len(old))
	for k, v := range old {
		out[k] = v
	}
	for _, c := range changes {
		switch c.Kind {
		case Added, Updated:
			out[c.Key] = c.Value
		case Removed:
			delete(out, c.Key)
		}
	}
	return out
}

// Entries returns the pairs of m, sorted by order when it is set.
func Entries[K comparable, V comparable](m map[K]V, order KeyOrder[K]) []Entry[K, V] {
	out := make([]Entry[K, V], 0, len(m))
	for k, v := range m {
		out = append(out, Entry[K, V]{Key: k, Value: v})
	}
	if order != nil {
		slices.SortFunc(out, func(a, b Entry[K, V]) int { return order(a.Key, b.Key) })
	}
	return out
}
