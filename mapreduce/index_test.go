package mapreduce

import (
	"cmp"
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rpcpool/invindex/container"
	"github.com/rpcpool/invindex/diff"
	"github.com/rpcpool/invindex/externalizer"
	"github.com/rpcpool/invindex/forward"
	"github.com/rpcpool/invindex/indexconfig"
	"github.com/rpcpool/invindex/kv"
	"github.com/rpcpool/invindex/kv/logkv"
	"github.com/rpcpool/invindex/kv/memkv"
	"github.com/rpcpool/invindex/memwatch"
	"github.com/rpcpool/invindex/storage"
	"github.com/stretchr/testify/require"
)

type pairs = map[string]int32

func identityExtension(keys externalizer.KeyDescriptor[string]) Extension[string, int32, pairs] {
	return Extension[string, int32, pairs]{
		Name:    "pairs",
		Version: 1,
		Indexer: IndexerFunc[string, int32, pairs](func(_ context.Context, in pairs) (map[string]int32, error) {
			out := make(map[string]int32, len(in))
			for k, v := range in {
				out[k] = v
			}
			return out, nil
		}),
		KeyDescriptor:     keys,
		ValueExternalizer: externalizer.Int32{},
		KeyOrder:          cmp.Compare[string],
	}
}

type fixture struct {
	idx      *Index[string, int32, pairs]
	st       *storage.MapIndexStorage[string, int32]
	rebuilds []error
}

func newFixture(t *testing.T, keys externalizer.KeyDescriptor[string], opts ...Option) *fixture {
	f := &fixture{}
	ext := identityExtension(keys)
	st, err := storage.New(memkv.Factory(nil), keys, externalizer.Int32{}, indexconfig.DebugConfig(), storage.Name(ext.Name))
	require.NoError(t, err)
	fwdKV, err := forward.NewKV(memkv.Factory(nil))
	require.NoError(t, err)
	fwd := forward.Bind[string, int32](fwdKV, forward.MapAccessor[string, int32]{
		Keys:   keys,
		Values: externalizer.Int32{},
		Order:  ext.KeyOrder,
	})
	opts = append([]Option{
		WithConfig(indexconfig.DebugConfig()),
		WithRebuildRequester(func(cause error) { f.rebuilds = append(f.rebuilds, cause) }),
	}, opts...)
	f.idx, err = New(ext, storage.IndexStorage[string, int32](st), fwd, opts...)
	require.NoError(t, err)
	f.st = st
	t.Cleanup(func() { f.idx.Dispose() })
	return f
}

func (f *fixture) update(t *testing.T, id int32, in *pairs) {
	t.Helper()
	u, err := f.idx.MapInputAndPrepareUpdate(context.Background(), id, in)
	require.NoError(t, err)
	require.NoError(t, f.idx.UpdateWith(context.Background(), u))
}

func (f *fixture) get(t *testing.T, key string) map[int32][]int32 {
	t.Helper()
	c, err := f.idx.GetData(context.Background(), key)
	require.NoError(t, err)
	out := map[int32][]int32{}
	require.NoError(t, c.ForEach(func(v int32, ids container.InputIDs) error {
		out[v] = ids.Slice()
		return nil
	}))
	return out
}

func TestUpdateScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, externalizer.String{})

	f.update(t, 1, &pairs{"A": 1, "B": 2})
	require.NoError(t, f.idx.Flush(ctx))
	require.Equal(t, map[int32][]int32{1: {1}}, f.get(t, "A"))

	u, err := f.idx.MapInputAndPrepareUpdate(ctx, 1, &pairs{"A": 1, "C": 2})
	require.NoError(t, err)
	changes, err := u.changes(ctx)
	require.NoError(t, err)
	require.Equal(t, []diff.Change[string, int32]{
		{Kind: diff.Removed, Key: "B", InputID: 1},
		{Kind: diff.Added, Key: "C", Value: 2, InputID: 1},
	}, changes)

	u, err = f.idx.MapInputAndPrepareUpdate(ctx, 1, &pairs{"A": 1, "C": 2})
	require.NoError(t, err)
	require.NoError(t, f.idx.UpdateWith(ctx, u))
	require.Empty(t, f.get(t, "B"))
	require.Equal(t, map[int32][]int32{2: {1}}, f.get(t, "C"))
	require.Equal(t, map[int32][]int32{1: {1}}, f.get(t, "A"))
	require.Empty(t, f.rebuilds)
}

func TestUpdatedValue(t *testing.T) {
	f := newFixture(t, externalizer.String{})
	f.update(t, 1, &pairs{"A": 1})
	f.update(t, 2, &pairs{"A": 1})
	f.update(t, 1, &pairs{"A": 7})
	require.Equal(t, map[int32][]int32{1: {2}, 7: {1}}, f.get(t, "A"))
}

func TestNilInputRemovesEverything(t *testing.T) {
	f := newFixture(t, externalizer.String{})
	f.update(t, 3, &pairs{"A": 1, "B": 1})
	f.update(t, 3, nil)
	require.Empty(t, f.get(t, "A"))
	require.Empty(t, f.get(t, "B"))
}

func TestModificationStamp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, externalizer.String{})
	stamp := f.idx.ModificationStamp()

	f.update(t, 1, &pairs{"A": 1})
	require.Greater(t, f.idx.ModificationStamp(), stamp)
	stamp = f.idx.ModificationStamp()

	f.update(t, 1, &pairs{"A": 1})
	require.Equal(t, stamp, f.idx.ModificationStamp(), "no-op update")

	f.update(t, 1, &pairs{"A": 2})
	require.Greater(t, f.idx.ModificationStamp(), stamp)
	stamp = f.idx.ModificationStamp()

	require.NoError(t, f.idx.Clear(ctx))
	require.Greater(t, f.idx.ModificationStamp(), stamp)
	require.Empty(t, f.get(t, "A"))

	f.update(t, 1, &pairs{"A": 2})
	require.Equal(t, map[int32][]int32{2: {1}}, f.get(t, "A"))
}

func TestCaseInsensitiveKeys(t *testing.T) {
	f := newFixture(t, externalizer.CaseInsensitiveString{})
	f.update(t, 1, &pairs{"Foo": 1})
	f.update(t, 2, &pairs{"fOO": 1})
	require.Equal(t, map[int32][]int32{1: {1, 2}}, f.get(t, "FOO"))

	f.update(t, 1, &pairs{"bar": 1})
	require.Equal(t, map[int32][]int32{1: {2}}, f.get(t, "foo"))
}

func TestUpdateDataIsConsumedOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, externalizer.String{})
	u, err := f.idx.MapInputAndPrepareUpdate(ctx, 1, &pairs{"A": 1})
	require.NoError(t, err)
	require.Equal(t, int32(1), u.InputID())
	require.Equal(t, map[string]int32{"A": 1}, u.NewData())
	require.NoError(t, f.idx.UpdateWith(ctx, u))
	require.ErrorIs(t, f.idx.UpdateWith(ctx, u), ErrUpdateConsumed)
}

func TestMappingErrors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("bad input")
	ext := identityExtension(externalizer.String{})
	ext.Indexer = IndexerFunc[string, int32, pairs](func(ctx context.Context, in pairs) (map[string]int32, error) {
		switch {
		case in["panic"] != 0:
			panic("indexer bug")
		case in["cancel"] != 0:
			return nil, context.Canceled
		}
		return nil, boom
	})
	st, err := storage.New(memkv.Factory(nil), externalizer.String{}, externalizer.Int32{}, indexconfig.Default())
	require.NoError(t, err)
	idx, err := New(ext, storage.IndexStorage[string, int32](st), nil)
	require.NoError(t, err)
	defer idx.Dispose()

	_, err = idx.MapInput(ctx, 1, &pairs{"x": 1})
	var me *MappingError
	require.ErrorAs(t, err, &me)
	require.ErrorIs(t, err, boom)
	require.Equal(t, int32(1), me.InputID)
	require.Contains(t, me.ClassToBlame, "IndexerFunc")

	_, err = idx.MapInput(ctx, 2, &pairs{"panic": 1})
	require.ErrorAs(t, err, &me)
	require.ErrorContains(t, err, "indexer bug")

	_, err = idx.MapInput(ctx, 3, &pairs{"cancel": 1})
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, errors.As(err, &me))

	data, err := idx.MapInput(ctx, 4, nil)
	require.NoError(t, err)
	require.Empty(t, data)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = idx.MapInput(cancelled, 5, &pairs{"x": 1})
	require.ErrorIs(t, err, context.Canceled)
}

func TestCancelledUpdateDoesNotRebuild(t *testing.T) {
	f := newFixture(t, externalizer.String{})
	u, err := f.idx.MapInputAndPrepareUpdate(context.Background(), 1, &pairs{"A": 1})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, f.idx.UpdateWith(ctx, u), context.Canceled)
	require.Empty(t, f.rebuilds)
	require.Empty(t, f.get(t, "A"))
}

type failingStorage struct {
	storage.IndexStorage[string, int32]
	err error
}

func (s *failingStorage) AddValue(key string, id int32, value int32) error {
	return s.err
}

func (s *failingStorage) ClearCaches() error {
	return s.err
}

func TestFailedUpdateRequestsRebuild(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("disk gone")
	st, err := storage.New(memkv.Factory(nil), externalizer.String{}, externalizer.Int32{}, indexconfig.Default())
	require.NoError(t, err)
	var rebuilds []error
	idx, err := New(identityExtension(externalizer.String{}), &failingStorage{IndexStorage: st, err: boom}, nil,
		WithRebuildRequester(func(cause error) { rebuilds = append(rebuilds, cause) }))
	require.NoError(t, err)
	defer idx.Dispose()

	u, err := idx.MapInputAndPrepareUpdate(ctx, 1, &pairs{"A": 1})
	require.NoError(t, err)
	stamp := idx.ModificationStamp()
	err = idx.UpdateWith(ctx, u)
	var se *StorageError
	require.ErrorAs(t, err, &se)
	require.ErrorIs(t, err, boom)
	require.Len(t, rebuilds, 1)
	require.Equal(t, stamp, idx.ModificationStamp())

	require.ErrorIs(t, idx.ClearCaches(ctx), boom)
	require.Len(t, rebuilds, 2)
}

type appendFailingMap struct {
	*memkv.Map
	err error
}

func (m *appendFailingMap) AppendData(key, data []byte) error {
	if m.err != nil {
		return m.err
	}
	return m.Map.AppendData(key, data)
}

func TestFailedEvictionOnReadKeepsData(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("disk full")
	m := &appendFailingMap{Map: memkv.New(), err: boom}
	st, err := storage.New(func() (kv.Map, error) { return m, nil }, externalizer.String{}, externalizer.Int32{},
		indexconfig.Default(), storage.CacheSize(1))
	require.NoError(t, err)
	var rebuilds []error
	idx, err := New(identityExtension(externalizer.String{}), storage.IndexStorage[string, int32](st), nil,
		WithRebuildRequester(func(cause error) { rebuilds = append(rebuilds, cause) }))
	require.NoError(t, err)
	defer idx.Dispose()

	u, err := idx.MapInputAndPrepareUpdate(ctx, 1, &pairs{"a": 7})
	require.NoError(t, err)
	require.NoError(t, idx.UpdateWith(ctx, u))

	_, err = idx.GetData(ctx, "b")
	var se *StorageError
	require.ErrorAs(t, err, &se)
	require.ErrorIs(t, err, boom)

	c, err := idx.GetData(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, map[int32][]int32{7: {1}}, c.AsMap())

	m.err = nil
	require.NoError(t, idx.Flush(ctx))
	require.Zero(t, st.UnsavedKeys())
	require.Empty(t, rebuilds)
}

func TestDispose(t *testing.T) {
	ctx := context.Background()
	usage := 10.0
	w := memwatch.New(indexconfig.Default(), func(context.Context) (float64, error) { return usage, nil })
	f := newFixture(t, externalizer.String{}, WithLowMemoryWatcher(w))
	require.Equal(t, 1, w.Listeners())

	f.update(t, 1, &pairs{"A": 1})
	_, err := f.idx.GetData(ctx, "A")
	require.NoError(t, err)
	usage = 99
	fired, err := w.Check(ctx)
	require.NoError(t, err)
	require.True(t, fired)
	require.Empty(t, f.rebuilds)

	require.NoError(t, f.idx.Dispose())
	require.NoError(t, f.idx.Dispose())
	require.True(t, f.idx.IsDisposed())
	require.Zero(t, w.Listeners())

	_, err = f.idx.GetData(ctx, "A")
	require.ErrorIs(t, err, ErrDisposed)
	_, err = f.idx.MapInputAndPrepareUpdate(ctx, 1, &pairs{"A": 1})
	require.ErrorIs(t, err, ErrDisposed)
	require.ErrorIs(t, f.idx.Flush(ctx), ErrDisposed)
}

type lockSignalingStorage struct {
	storage.IndexStorage[string, int32]
	once   sync.Once
	locked chan struct{}
}

func (s *lockSignalingStorage) Lock() *storage.Lock {
	s.once.Do(func() { close(s.locked) })
	return s.IndexStorage.Lock()
}

func TestClearCachesDuringDispose(t *testing.T) {
	ctx := context.Background()
	st, err := storage.New(memkv.Factory(nil), externalizer.String{}, externalizer.Int32{}, indexconfig.Default())
	require.NoError(t, err)
	signaling := &lockSignalingStorage{IndexStorage: st, locked: make(chan struct{})}
	var rebuilds []error
	idx, err := New(identityExtension(externalizer.String{}), signaling, nil,
		WithRebuildRequester(func(cause error) { rebuilds = append(rebuilds, cause) }))
	require.NoError(t, err)

	lock := st.Lock()
	lock.Lock()
	clearErr := make(chan error, 1)
	go func() { clearErr <- idx.ClearCaches(ctx) }()
	<-signaling.locked

	disposeErr := make(chan error, 1)
	go func() { disposeErr <- idx.Dispose() }()
	require.Eventually(t, idx.IsDisposed, time.Second, time.Millisecond)
	lock.Unlock()

	require.ErrorIs(t, <-clearErr, ErrDisposed)
	require.NoError(t, <-disposeErr)
	require.Empty(t, rebuilds)
}

func TestIntForwardIndex(t *testing.T) {
	ctx := context.Background()
	ext := Extension[string, struct{}, string]{
		Name: "length",
		Indexer: IndexerFunc[string, struct{}, string](func(_ context.Context, in string) (map[string]struct{}, error) {
			return map[string]struct{}{strconv.Itoa(len(in)): {}}, nil
		}),
		KeyDescriptor:     externalizer.String{},
		ValueExternalizer: externalizer.Void{},
	}
	st, err := storage.New(memkv.Factory(nil), externalizer.String{}, externalizer.Void{}, indexconfig.Default(), storage.KeyIsUniqueForIndexedFile(false))
	require.NoError(t, err)
	fwdKV, err := forward.NewKV(memkv.Factory(nil))
	require.NoError(t, err)
	fwd := forward.BindInt(fwdKV, forward.IntAccessor[string, struct{}]{
		ToInt: func(data map[string]struct{}) (int32, error) {
			for k := range data {
				n, err := strconv.Atoi(k)
				return int32(n) + 1, err
			}
			return 0, nil
		},
		FromInt: func(v int32) (string, error) { return strconv.Itoa(int(v - 1)), nil },
	})
	idx, err := New(ext, storage.IndexStorage[string, struct{}](st), fwd)
	require.NoError(t, err)
	defer idx.Dispose()

	for _, step := range []struct {
		id    int32
		input string
	}{{1, "abc"}, {2, "xyz"}, {1, "abcd"}, {3, ""}} {
		u, err := idx.MapInputAndPrepareUpdate(ctx, step.id, &step.input)
		require.NoError(t, err)
		require.NoError(t, idx.UpdateWith(ctx, u))
	}
	ids := func(key string) []int32 {
		c, err := idx.GetData(ctx, key)
		require.NoError(t, err)
		var out []int32
		require.NoError(t, c.ForEach(func(_ struct{}, in container.InputIDs) error {
			out = append(out, in.Slice()...)
			return nil
		}))
		return out
	}
	require.Equal(t, []int32{2}, ids("3"))
	require.Equal(t, []int32{1}, ids("4"))
	require.Equal(t, []int32{3}, ids("0"))
}

func TestReopenFromDisk(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	open := func() *Index[string, int32, pairs] {
		ext := identityExtension(externalizer.String{})
		st, err := storage.New(logkv.Factory(filepath.Join(dir, "inverted.log")), externalizer.String{}, externalizer.Int32{}, indexconfig.Default(), storage.CacheSize(2))
		require.NoError(t, err)
		fwdKV, err := forward.NewKV(logkv.Factory(filepath.Join(dir, "forward.log")))
		require.NoError(t, err)
		idx, err := New(ext, storage.IndexStorage[string, int32](st), forward.Bind[string, int32](fwdKV, forward.MapAccessor[string, int32]{
			Keys: externalizer.String{}, Values: externalizer.Int32{}, Order: ext.KeyOrder,
		}))
		require.NoError(t, err)
		return idx
	}

	idx := open()
	for id := int32(1); id <= 20; id++ {
		u, err := idx.MapInputAndPrepareUpdate(ctx, id, &pairs{"even": id % 2, "all": 1, strconv.Itoa(int(id)): id})
		require.NoError(t, err)
		require.NoError(t, idx.UpdateWith(ctx, u))
	}
	require.NoError(t, idx.Flush(ctx))
	require.NoError(t, idx.Dispose())

	idx = open()
	defer idx.Dispose()
	u, err := idx.MapInputAndPrepareUpdate(ctx, 4, &pairs{"all": 1})
	require.NoError(t, err)
	require.NoError(t, idx.UpdateWith(ctx, u))

	c, err := idx.GetData(ctx, "all")
	require.NoError(t, err)
	require.Len(t, c.AsMap()[1], 20)
	c, err = idx.GetData(ctx, "even")
	require.NoError(t, err)
	require.Equal(t, map[int32][]int32{0: {2, 6, 8, 10, 12, 14, 16, 18, 20}, 1: {1, 3, 5, 7, 9, 11, 13, 15, 17, 19}}, c.AsMap())
	c, err = idx.GetData(ctx, "4")
	require.NoError(t, err)
	require.Zero(t, c.Size())
}

func TestProcessAllKeys(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, externalizer.String{})
	f.update(t, 1, &pairs{"A": 1, "B": 2})
	f.update(t, 2, &pairs{"C": 3})

	var keys []string
	require.NoError(t, f.idx.ProcessAllKeys(ctx, func(key string) error {
		keys = append(keys, key)
		return nil
	}))
	require.ElementsMatch(t, []string{"A", "B", "C"}, keys)

	stop := errors.New("stop")
	err := f.idx.ProcessAllKeys(ctx, func(string) error { return stop })
	require.ErrorIs(t, err, stop)
	var se *StorageError
	require.False(t, errors.As(err, &se))
}
