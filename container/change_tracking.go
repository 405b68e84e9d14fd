package container

import (
	"fmt"

	"github.com/RoaringBitmap/roaring"
	"github.com/rpcpool/invindex/externalizer"
	"github.com/rpcpool/invindex/indexconfig"
)

// Initializer loads the stored base container. It may hit the disk.
type Initializer[V comparable] func() (*Container[V], error)

// ChangeTracking records edits on top of a lazily loaded base container.
// The merged view (base plus edits) is computed on demand and cached; the
// cache can be dropped at any time as long as the pending edits are kept.
//
// ChangeTracking is not safe for concurrent use. Callers hold the storage
// lock around every call.
type ChangeTracking[V comparable] struct {
	cfg         indexconfig.Config
	initializer Initializer[V]

	added       *Container[V]
	invalidated *roaring.Bitmap
	merged      *Container[V]

	needsCompacting bool
}

func NewChangeTracking[V comparable](cfg indexconfig.Config, initializer Initializer[V]) *ChangeTracking[V] {
	return &ChangeTracking[V]{cfg: cfg, initializer: initializer}
}

func (t *ChangeTracking[V]) AddValue(id int32, value V) {
	if t.cfg.Debug && t.mayRebind(id, value) {
		// The stored base may bind id elsewhere. Invalidating it first makes
		// the appended diff reload with the same last-write-wins result.
		if t.invalidated == nil {
			t.invalidated = roaring.New()
		}
		t.invalidated.Add(uint32(id))
		if t.merged != nil {
			t.merged.rebindIfNeeded(id, value)
		}
	}
	if t.merged != nil {
		t.merged.AddValue(id, value)
	}
	if t.added == nil {
		t.added = NewWithConfig[V](t.cfg)
	}
	t.added.AddValue(id, value)
}

// mayRebind reports whether id could be bound to a value other than value.
// Without a cached merged view the base is unknown, so the answer is yes.
func (t *ChangeTracking[V]) mayRebind(id int32, value V) bool {
	if t.merged == nil {
		return true
	}
	return t.merged.boundElsewhere(id, value)
}

// RemoveAssociatedValue removes whatever value id is bound to.
func (t *ChangeTracking[V]) RemoveAssociatedValue(id int32) {
	CheckInputID(id)
	if t.merged != nil {
		t.merged.RemoveAssociatedValue(id)
	}
	if t.added != nil {
		t.added.RemoveAssociatedValue(id)
	}
	if t.invalidated == nil {
		t.invalidated = roaring.New()
	}
	t.invalidated.Add(uint32(id))
}

// MergedData returns the base container with the pending edits applied. The
// result is cached until DropMergedData; callers must not mutate it.
func (t *ChangeTracking[V]) MergedData() (*Container[V], error) {
	if t.merged != nil {
		return t.merged, nil
	}
	base, err := t.initializer()
	if err != nil {
		return nil, fmt.Errorf("failed to load base container: %w", err)
	}
	merged := base.Clone()
	if base.NeedsCompacting() {
		t.needsCompacting = true
	}

	var mapping *FileIDToValueMapping[V]
	if merged.Size() > mappingThreshold ||
		t.invalidatedCount() > mappingThreshold ||
		(t.added != nil && t.added.Size() > mappingThreshold) {
		mapping = NewFileIDToValueMapping(merged)
	}

	if t.invalidated != nil {
		it := t.invalidated.Iterator()
		for it.HasNext() {
			id := int32(it.Next())
			if mapping != nil {
				mapping.RemoveAssociatedValue(id)
			} else {
				merged.RemoveAssociatedValue(id)
			}
		}
	}
	if t.added != nil {
		for v, fs := range t.added.all() {
			fs.forEach(func(id int32) bool {
				if mapping != nil {
					mapping.AssociateValue(id, v)
				} else {
					merged.AddValue(id, v)
				}
				return true
			})
		}
	}
	t.merged = merged
	return merged, nil
}

func (t *ChangeTracking[V]) invalidatedCount() int {
	if t.invalidated == nil {
		return 0
	}
	return int(t.invalidated.GetCardinality())
}

// DropMergedData forgets the cached merged view. Pending edits are kept.
func (t *ChangeTracking[V]) DropMergedData() {
	t.merged = nil
}

// SaveTo writes the full merged view.
func (t *ChangeTracking[V]) SaveTo(out *externalizer.DataOutput, ext externalizer.DataExternalizer[V]) error {
	merged, err := t.MergedData()
	if err != nil {
		return err
	}
	return merged.SaveTo(out, ext)
}

// SaveDiffTo writes only the pending edits: one negated INT per invalidated
// id in ascending order, then the added values as a regular block. Appending
// the result to the stored bytes yields the merged state on the next read.
func (t *ChangeTracking[V]) SaveDiffTo(out *externalizer.DataOutput, ext externalizer.DataExternalizer[V]) error {
	if t.invalidated != nil {
		it := t.invalidated.Iterator()
		for it.HasNext() {
			out.WriteINT(-int32(it.Next()))
		}
	}
	if t.added != nil && t.added.Size() > 0 {
		return t.added.SaveTo(out, ext)
	}
	return nil
}

func (t *ChangeTracking[V]) IsDirty() bool {
	return (t.added != nil && t.added.Size() > 0) || t.invalidatedCount() > 0 || t.NeedsCompacting()
}

// ContainsOnlyInvalidatedChange reports whether the only pending edits are
// removals.
func (t *ChangeTracking[V]) ContainsOnlyInvalidatedChange() bool {
	return t.invalidatedCount() > 0 && (t.added == nil || t.added.Size() == 0)
}

func (t *ChangeTracking[V]) ContainsCachedMergedData() bool {
	return t.merged != nil
}

func (t *ChangeTracking[V]) NeedsCompacting() bool {
	return t.needsCompacting || (t.merged != nil && t.merged.NeedsCompacting())
}

func (t *ChangeTracking[V]) SetNeedsCompacting(v bool) {
	t.needsCompacting = v
	if !v && t.merged != nil {
		t.merged.SetNeedsCompacting(false)
	}
}

// Persisted resets the pending edits after they have been written. Later
// loads go through reload. The merged view, if cached, stays valid.
func (t *ChangeTracking[V]) Persisted(reload Initializer[V]) {
	t.added = nil
	t.invalidated = nil
	t.SetNeedsCompacting(false)
	if reload != nil {
		t.initializer = reload
	}
}
