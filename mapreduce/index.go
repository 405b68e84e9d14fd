// Package mapreduce keeps an inverted index in sync with its inputs: it maps
// an input to key/value pairs, diffs them against what the forward index
// recorded for that input, applies the difference to the inverted index
// storage, and finally records the new state in the forward index.
package mapreduce

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rpcpool/invindex/container"
	"github.com/rpcpool/invindex/diff"
	"github.com/rpcpool/invindex/externalizer"
	"github.com/rpcpool/invindex/forward"
	"github.com/rpcpool/invindex/indexconfig"
	"github.com/rpcpool/invindex/metrics"
	"github.com/rpcpool/invindex/storage"
	"github.com/rpcpool/invindex/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"k8s.io/klog/v2"
)

// DataIndexer maps one input to the key/value pairs it contributes.
type DataIndexer[K comparable, V comparable, I any] interface {
	Map(ctx context.Context, input I) (map[K]V, error)
}

// IndexerFunc adapts a func to DataIndexer.
type IndexerFunc[K comparable, V comparable, I any] func(ctx context.Context, input I) (map[K]V, error)

func (f IndexerFunc[K, V, I]) Map(ctx context.Context, input I) (map[K]V, error) {
	return f(ctx, input)
}

// Extension describes an index.
type Extension[K comparable, V comparable, I any] struct {
	Name              string
	Version           int
	Indexer           DataIndexer[K, V, I]
	KeyDescriptor     externalizer.KeyDescriptor[K]
	ValueExternalizer externalizer.DataExternalizer[V]
	// KeyOrder, when set, orders added keys in change streams and in the
	// forward index.
	KeyOrder diff.KeyOrder[K]
}

// Index is a map/reduce index over inputs of type I.
type Index[K comparable, V comparable, I any] struct {
	ext     Extension[K, V, I]
	conf    config
	storage storage.IndexStorage[K, V]
	fwd     forward.Binding[K, V]
	checker *container.SerializationChecker[V]

	unregisterLowMem func()
	modStamp         atomic.Int64
	disposed         atomic.Bool
}

// New builds an index over st. fwd may be nil, in which case every update
// is treated as the first one for its input.
func New[K comparable, V comparable, I any](
	ext Extension[K, V, I],
	st storage.IndexStorage[K, V],
	fwd forward.Binding[K, V],
	opts ...Option,
) (*Index[K, V, I], error) {
	if ext.Name == "" {
		return nil, errors.New("index name must not be empty")
	}
	if ext.Indexer == nil {
		return nil, fmt.Errorf("index %s has no indexer", ext.Name)
	}
	conf := config{cfg: indexconfig.Default()}
	conf.apply(opts)

	idx := &Index[K, V, I]{
		ext:     ext,
		conf:    conf,
		storage: st,
		fwd:     fwd,
	}
	if conf.cfg.CheckSerialization {
		idx.checker = container.NewSerializationChecker(ext.Name, st.ValueExternalizer())
	}
	if conf.lowMem != nil {
		idx.unregisterLowMem = conf.lowMem.Register(func() {
			if err := idx.ClearCaches(context.Background()); err != nil && !errors.Is(err, ErrDisposed) {
				klog.Errorf("index %s: failed to clear caches on low memory: %v", ext.Name, err)
			}
		})
	}
	return idx, nil
}

func (idx *Index[K, V, I]) Name() string {
	return idx.ext.Name
}

func (idx *Index[K, V, I]) Extension() Extension[K, V, I] {
	return idx.ext
}

func (idx *Index[K, V, I]) Storage() storage.IndexStorage[K, V] {
	return idx.storage
}

// ModificationStamp changes whenever the index content changes.
func (idx *Index[K, V, I]) ModificationStamp() int64 {
	return idx.modStamp.Load()
}

func (idx *Index[K, V, I]) IsDisposed() bool {
	return idx.disposed.Load()
}

func (idx *Index[K, V, I]) checkOpen() error {
	if idx.disposed.Load() {
		return ErrDisposed
	}
	return nil
}

// MapInput runs the indexer on input. A nil input maps to no data. Indexer
// failures, including panics, come back as *MappingError; cancellation is
// returned as is.
func (idx *Index[K, V, I]) MapInput(ctx context.Context, id int32, input *I) (data map[K]V, err error) {
	container.CheckInputID(id)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if input == nil {
		return map[K]V{}, nil
	}

	defer func() {
		if r := recover(); r != nil {
			data, err = nil, idx.mappingError(id, fmt.Errorf("panic: %v", r))
		}
	}()
	data, err = idx.ext.Indexer.Map(ctx, *input)
	if err != nil {
		if IsCancellation(err) {
			return nil, err
		}
		return nil, idx.mappingError(id, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if data == nil {
		data = map[K]V{}
	}
	if idx.checker != nil {
		for _, v := range data {
			idx.checker.CheckValue(v)
		}
	}
	return data, nil
}

func (idx *Index[K, V, I]) mappingError(id int32, cause error) error {
	metrics.IndexMappingFailures.WithLabelValues(idx.ext.Name).Inc()
	return &MappingError{
		Index:        idx.ext.Name,
		ClassToBlame: fmt.Sprintf("%T", idx.ext.Indexer),
		InputID:      id,
		Cause:        cause,
	}
}

// PrepareUpdate builds the update that makes id map to data. The forward
// index data is serialized now; nothing is written until UpdateWith.
func (idx *Index[K, V, I]) PrepareUpdate(id int32, data map[K]V) (*UpdateData[K, V], error) {
	container.CheckInputID(id)
	if err := idx.checkOpen(); err != nil {
		return nil, err
	}
	u := &UpdateData[K, V]{
		index:         idx.ext.Name,
		inputID:       id,
		newData:       data,
		forwardUpdate: func() error { return nil },
	}
	if idx.fwd != nil {
		write, err := idx.fwd.PrepareUpdate(id, data)
		if err != nil {
			return nil, &StorageError{Index: idx.ext.Name, Cause: fmt.Errorf("failed to serialize forward data of input %d: %w", id, err)}
		}
		u.forwardUpdate = write
	}
	u.changes = func(ctx context.Context) ([]diff.Change[K, V], error) {
		builder, err := idx.diffBuilder(id)
		if err != nil {
			return nil, err
		}
		return builder.Differentiate(ctx, data)
	}
	return u, nil
}

func (idx *Index[K, V, I]) diffBuilder(id int32) (diff.Builder[K, V], error) {
	if idx.fwd == nil {
		return diff.Empty[K, V]{InputID: id, Order: idx.ext.KeyOrder}, nil
	}
	return idx.fwd.DiffBuilder(id)
}

// MapInputAndPrepareUpdate maps input and prepares the update for it.
func (idx *Index[K, V, I]) MapInputAndPrepareUpdate(ctx context.Context, id int32, input *I) (*UpdateData[K, V], error) {
	if err := idx.checkOpen(); err != nil {
		return nil, err
	}
	data, err := idx.MapInput(ctx, id, input)
	if err != nil {
		return nil, err
	}
	return idx.PrepareUpdate(id, data)
}

// UpdateWith applies u under the storage write lock. Cancellation is only
// honored while computing the changes; once they are being applied the
// update runs to completion. Any failure schedules a rebuild of the index.
func (idx *Index[K, V, I]) UpdateWith(ctx context.Context, u *UpdateData[K, V]) (err error) {
	if err := idx.checkOpen(); err != nil {
		return err
	}
	if err := u.take(); err != nil {
		return err
	}
	ctx, span := telemetry.StartIndexSpan(ctx, idx.ext.Name, "update", attribute.Int("input.id", int(u.inputID)))
	defer func() {
		telemetry.RecordError(span, err, "update failed")
		span.End()
	}()
	start := time.Now()

	lock := idx.storage.Lock()
	lock.Lock()
	defer lock.Unlock()

	changes, err := u.changes(ctx)
	if err != nil {
		if IsCancellation(err) {
			return err
		}
		return idx.failUpdate(fmt.Errorf("failed to compute changes of input %d: %w", u.inputID, err))
	}

	for _, c := range changes {
		if err := idx.apply(c); err != nil {
			if IsCancellation(err) {
				klog.Errorf("index %s: unexpected cancellation while applying input %d: %v", idx.ext.Name, u.inputID, err)
			}
			return idx.failUpdate(fmt.Errorf("failed to apply %s: %w", c, err))
		}
	}
	changed := len(changes) > 0
	if changed {
		if err := u.forwardUpdate(); err != nil {
			return idx.failUpdate(fmt.Errorf("failed to update forward index of input %d: %w", u.inputID, err))
		}
		idx.modStamp.Add(1)
	}

	metrics.IndexUpdates.WithLabelValues(idx.ext.Name, strconv.FormatBool(changed)).Inc()
	metrics.IndexUpdateLatencyHistogram.WithLabelValues(idx.ext.Name).Observe(time.Since(start).Seconds())
	if klog.V(5).Enabled() {
		klog.Infof("index %s: input %d applied %d changes", idx.ext.Name, u.inputID, len(changes))
	}
	return nil
}

func (idx *Index[K, V, I]) apply(c diff.Change[K, V]) error {
	switch c.Kind {
	case diff.Added:
		return idx.storage.AddValue(c.Key, c.InputID, c.Value)
	case diff.Updated:
		return idx.storage.UpdateValue(c.Key, c.InputID, c.Value)
	case diff.Removed:
		return idx.storage.RemoveAllValues(c.Key, c.InputID)
	default:
		return fmt.Errorf("unknown change kind %s", c.Kind)
	}
}

func (idx *Index[K, V, I]) failUpdate(cause error) error {
	se := &StorageError{Index: idx.ext.Name, Cause: cause}
	idx.requestRebuild(se)
	return se
}

func (idx *Index[K, V, I]) requestRebuild(cause error) {
	metrics.IndexRebuildRequests.WithLabelValues(idx.ext.Name).Inc()
	if idx.conf.rebuild != nil {
		idx.conf.rebuild(cause)
		return
	}
	klog.Errorf("index %s needs to be rebuilt: %v", idx.ext.Name, cause)
}

// GetData returns a copy of the container stored under key.
func (idx *Index[K, V, I]) GetData(ctx context.Context, key K) (*container.Container[V], error) {
	var out *container.Container[V]
	err := idx.read(ctx, key, func(c *container.Container[V]) error {
		out = c.Clone()
		return nil
	})
	return out, err
}

// ProcessData calls fn with the container stored under key while holding the
// storage read lock. fn must not keep the container.
func (idx *Index[K, V, I]) ProcessData(ctx context.Context, key K, fn func(c container.ValueContainer[V]) error) error {
	return idx.read(ctx, key, func(c *container.Container[V]) error {
		return fn(c)
	})
}

func (idx *Index[K, V, I]) read(ctx context.Context, key K, fn func(c *container.Container[V]) error) error {
	if err := idx.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	lock := idx.storage.Lock()
	lock.RLock()
	defer lock.RUnlock()
	c, err := idx.storage.Read(key)
	if err != nil {
		return &StorageError{Index: idx.ext.Name, Cause: err}
	}
	return fn(c)
}

// ProcessAllKeys calls fn with every key the index holds data for. Keys
// whose containers became empty may still be reported.
func (idx *Index[K, V, I]) ProcessAllKeys(ctx context.Context, fn func(key K) error) error {
	if err := idx.checkOpen(); err != nil {
		return err
	}
	lock := idx.storage.Lock()
	lock.RLock()
	defer lock.RUnlock()
	var n int
	var stopErr error
	err := idx.storage.ProcessKeys(func(key K) error {
		if n++; n%1024 == 0 {
			if stopErr = ctx.Err(); stopErr != nil {
				return stopErr
			}
		}
		stopErr = fn(key)
		return stopErr
	})
	if err != nil && stopErr == nil {
		return &StorageError{Index: idx.ext.Name, Cause: err}
	}
	return err
}

// Flush writes all pending changes of the inverted and forward indexes.
func (idx *Index[K, V, I]) Flush(ctx context.Context) error {
	if err := idx.checkOpen(); err != nil {
		return err
	}
	return telemetry.TraceExecutionTime(ctx, "index.flush", func(context.Context) error {
		lock := idx.storage.Lock()
		lock.RLock()
		defer lock.RUnlock()
		if err := idx.storage.Flush(); err != nil {
			return &StorageError{Index: idx.ext.Name, Cause: err}
		}
		if idx.fwd != nil {
			if err := idx.fwd.Flush(); err != nil {
				return &StorageError{Index: idx.ext.Name, Cause: err}
			}
		}
		return nil
	})
}

// Clear deletes all data of the index.
func (idx *Index[K, V, I]) Clear(ctx context.Context) error {
	if err := idx.checkOpen(); err != nil {
		return err
	}
	_, span := telemetry.StartIndexSpan(ctx, idx.ext.Name, "clear")
	defer span.End()

	lock := idx.storage.Lock()
	lock.Lock()
	defer lock.Unlock()
	var errs []error
	if err := idx.storage.Clear(); err != nil {
		errs = append(errs, err)
	}
	if idx.fwd != nil {
		if err := idx.fwd.Clear(); err != nil {
			errs = append(errs, err)
		}
	}
	idx.modStamp.Add(1)
	if err := errors.Join(errs...); err != nil {
		telemetry.RecordError(span, err, "clear failed")
		return &StorageError{Index: idx.ext.Name, Cause: err}
	}
	return nil
}

// ClearCaches drops the merged views held in memory and flushes. A failure
// schedules a rebuild.
func (idx *Index[K, V, I]) ClearCaches(ctx context.Context) error {
	if err := idx.checkOpen(); err != nil {
		return err
	}
	lock := idx.storage.Lock()
	lock.RLock()
	defer lock.RUnlock()
	// Dispose may have closed the storage while we waited for the lock.
	if err := idx.checkOpen(); err != nil {
		return err
	}
	if err := idx.storage.ClearCaches(); err != nil {
		se := &StorageError{Index: idx.ext.Name, Cause: err}
		idx.requestRebuild(se)
		return se
	}
	return nil
}

// Dispose closes the index. Only the first call has any effect. A failure to
// close the inverted index is logged and the forward index is still closed.
func (idx *Index[K, V, I]) Dispose() error {
	if !idx.disposed.CompareAndSwap(false, true) {
		return nil
	}
	if idx.unregisterLowMem != nil {
		idx.unregisterLowMem()
	}
	lock := idx.storage.Lock()
	lock.Lock()
	defer lock.Unlock()

	var errs []error
	if err := idx.storage.Close(); err != nil {
		klog.Errorf("index %s: failed to close storage: %v", idx.ext.Name, err)
		errs = append(errs, err)
	}
	if idx.fwd != nil {
		if err := idx.fwd.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
