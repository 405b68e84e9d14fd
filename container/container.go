// Package container implements the per-key value containers of the inverted
// index: a sparse mapping from value to the set of input ids that produced
// it, plus a change-tracking wrapper that buffers edits on top of a lazily
// loaded base container.
package container

import (
	"fmt"
	"slices"

	"github.com/rpcpool/invindex/indexconfig"
	"github.com/rpcpool/invindex/metrics"
	"k8s.io/klog/v2"
)

// ValueContainer is the read side shared by Container and its snapshots.
type ValueContainer[V comparable] interface {
	Size() int
	ValueIterator() *ValueIterator[V]
	ForEach(fn func(value V, ids InputIDs) error) error
}

// Container maps values to input ids. An input id is associated with at
// most one value; callers remove the old association before adding a new one.
//
// Zero or one distinct value is stored inline. The map is only allocated when
// a second distinct value is added.
type Container[V comparable] struct {
	debug bool

	hasInline   bool
	inlineValue V
	inlineIDs   fileSet

	values map[V]*fileSet

	needsCompacting bool
}

var _ ValueContainer[string] = (*Container[string])(nil)

func New[V comparable]() *Container[V] {
	return &Container[V]{}
}

// NewWithConfig returns an empty container honoring cfg.Debug.
func NewWithConfig[V comparable](cfg indexconfig.Config) *Container[V] {
	return &Container[V]{debug: cfg.Debug}
}

// Size returns the number of distinct values.
func (c *Container[V]) Size() int {
	if c.values != nil {
		return len(c.values)
	}
	if c.hasInline {
		return 1
	}
	return 0
}

// NeedsCompacting reports whether reading this container dropped stale
// entries, so that rewriting it in full would shrink the stored form.
func (c *Container[V]) NeedsCompacting() bool {
	return c.needsCompacting
}

func (c *Container[V]) SetNeedsCompacting(v bool) {
	c.needsCompacting = v
}

func (c *Container[V]) fileSetOf(value V) *fileSet {
	if c.hasInline {
		if c.inlineValue == value {
			return &c.inlineIDs
		}
		return nil
	}
	return c.values[value]
}

// AddValue associates id with value.
//
// With debug checks on, an id already bound to a different value is logged
// as an error and rebound: the last write wins. Without debug checks the
// caller is trusted and no scan happens.
func (c *Container[V]) AddValue(id int32, value V) {
	CheckInputID(id)
	if c.debug {
		c.rebindIfNeeded(id, value)
	}
	c.addValue(id, value)
}

func (c *Container[V]) addValue(id int32, value V) {
	if fs := c.fileSetOf(value); fs != nil {
		fs.add(id)
		return
	}
	c.attach(value, singleFileSet(id))
}

func (c *Container[V]) attach(value V, fs fileSet) {
	switch {
	case c.values != nil:
		c.values[value] = &fs
	case !c.hasInline:
		c.hasInline = true
		c.inlineValue = value
		c.inlineIDs = fs
	default:
		prev := c.inlineIDs
		c.values = map[V]*fileSet{
			c.inlineValue: &prev,
			value:         &fs,
		}
		var zero V
		c.hasInline = false
		c.inlineValue = zero
		c.inlineIDs = fileSet{}
	}
}

func (c *Container[V]) detach(value V) {
	if c.hasInline {
		if c.inlineValue == value {
			var zero V
			c.hasInline = false
			c.inlineValue = zero
			c.inlineIDs = fileSet{}
		}
		return
	}
	delete(c.values, value)
	if len(c.values) == 0 {
		c.values = nil
	}
}

func (c *Container[V]) rebindIfNeeded(id int32, value V) {
	for v, fs := range c.all() {
		if v == value || !fs.contains(id) {
			continue
		}
		klog.Errorf("input id %d is already associated with value %v; rebinding it to %v", id, v, value)
		metrics.ConsistencyErrors.WithLabelValues("rebind").Inc()
		fs.remove(id)
		if fs.isEmpty() {
			c.detach(v)
		}
	}
}

func (c *Container[V]) boundElsewhere(id int32, value V) bool {
	for v, fs := range c.all() {
		if v != value && fs.contains(id) {
			return true
		}
	}
	return false
}

// all iterates the value entries. Mutating the container while iterating is
// only safe for the entry currently visited.
func (c *Container[V]) all() func(yield func(V, *fileSet) bool) {
	return func(yield func(V, *fileSet) bool) {
		if c.hasInline {
			yield(c.inlineValue, &c.inlineIDs)
			return
		}
		for v, fs := range c.values {
			if !yield(v, fs) {
				return
			}
		}
	}
}

// RemoveAssociatedValue drops id from whatever value it is associated with.
// It reports whether anything changed.
func (c *Container[V]) RemoveAssociatedValue(id int32) bool {
	var emptied []V
	changed := false
	for v, fs := range c.all() {
		if fs.remove(id) {
			changed = true
			if fs.isEmpty() {
				emptied = append(emptied, v)
			}
		}
	}
	for _, v := range emptied {
		c.detach(v)
	}
	return changed
}

// RemoveValue drops the association between id and value.
func (c *Container[V]) RemoveValue(id int32, value V) bool {
	fs := c.fileSetOf(value)
	if fs == nil || !fs.remove(id) {
		return false
	}
	if fs.isEmpty() {
		c.detach(value)
	}
	return true
}

// Clone returns a deep copy; later changes to either side are not visible to
// the other.
func (c *Container[V]) Clone() *Container[V] {
	out := &Container[V]{
		debug:           c.debug,
		hasInline:       c.hasInline,
		inlineValue:     c.inlineValue,
		inlineIDs:       c.inlineIDs.clone(),
		needsCompacting: c.needsCompacting,
	}
	if c.values != nil {
		out.values = make(map[V]*fileSet, len(c.values))
		for v, fs := range c.values {
			cloned := fs.clone()
			out.values[v] = &cloned
		}
	}
	return out
}

// ForEach calls fn for every value until fn returns an error.
func (c *Container[V]) ForEach(fn func(value V, ids InputIDs) error) error {
	for v, fs := range c.all() {
		if err := fn(v, InputIDs{fs: fs}); err != nil {
			return err
		}
	}
	return nil
}

// ValueIterator returns a new iterator over the current values. Every call
// starts from the beginning.
func (c *Container[V]) ValueIterator() *ValueIterator[V] {
	return &ValueIterator[V]{c: c, pos: -1}
}

// AsMap returns value -> ascending ids. Meant for tests and diagnostics.
func (c *Container[V]) AsMap() map[V][]int32 {
	out := make(map[V][]int32, c.Size())
	for v, fs := range c.all() {
		out[v] = InputIDs{fs: fs}.Slice()
	}
	return out
}

func (c *Container[V]) String() string {
	return fmt.Sprintf("Container%v", c.AsMap())
}

// ValueIterator walks the values of a container. The entry list is captured
// lazily on the first call to Next.
type ValueIterator[V comparable] struct {
	c      *Container[V]
	values []V
	sets   []*fileSet
	pos    int
}

func (it *ValueIterator[V]) Next() bool {
	if it.values == nil {
		it.values = make([]V, 0, it.c.Size())
		it.sets = make([]*fileSet, 0, it.c.Size())
		for v, fs := range it.c.all() {
			it.values = append(it.values, v)
			it.sets = append(it.sets, fs)
		}
	}
	if it.pos+1 >= len(it.values) {
		it.pos = len(it.values)
		return false
	}
	it.pos++
	return true
}

func (it *ValueIterator[V]) Value() V {
	return it.values[it.pos]
}

func (it *ValueIterator[V]) InputIDs() InputIDs {
	return InputIDs{fs: it.sets[it.pos]}
}

// Contains reports whether id is associated with the current value.
func (it *ValueIterator[V]) Contains(id int32) bool {
	return it.sets[it.pos].contains(id)
}

// Values returns the values in iteration order, mostly for tests.
func (c *Container[V]) Values() []V {
	out := make([]V, 0, c.Size())
	for v := range c.all() {
		out = append(out, v)
	}
	return slices.Clip(out)
}
