package container

import (
	"sync"

	"github.com/rpcpool/invindex/externalizer"
)

// Locked serializes calls on a ChangeTracking container. It only protects
// the container itself: a caller that reads MergedData and then mutates it
// still races with other writers. Use the storage lock for real isolation.
type Locked[V comparable] struct {
	mu sync.Mutex
	t  *ChangeTracking[V]
}

func NewLocked[V comparable](t *ChangeTracking[V]) *Locked[V] {
	return &Locked[V]{t: t}
}

func (l *Locked[V]) AddValue(id int32, value V) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.t.AddValue(id, value)
}

func (l *Locked[V]) RemoveAssociatedValue(id int32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.t.RemoveAssociatedValue(id)
}

// Snapshot returns a private copy of the merged view.
func (l *Locked[V]) Snapshot() (*Container[V], error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	merged, err := l.t.MergedData()
	if err != nil {
		return nil, err
	}
	return merged.Clone(), nil
}

func (l *Locked[V]) SaveDiffTo(out *externalizer.DataOutput, ext externalizer.DataExternalizer[V]) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.t.SaveDiffTo(out, ext)
}

func (l *Locked[V]) IsDirty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.t.IsDirty()
}
