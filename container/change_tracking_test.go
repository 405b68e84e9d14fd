package container

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/rpcpool/invindex/externalizer"
	"github.com/rpcpool/invindex/indexconfig"
	"github.com/stretchr/testify/require"
)

func storedInitializer(t *testing.T, data []byte) Initializer[string] {
	return func() (*Container[string], error) {
		return Load(data, externalizer.String{}, nil)
	}
}

func baseBytes(t *testing.T, m map[string][]int32) []byte {
	c := New[string]()
	for v, ids := range m {
		for _, id := range ids {
			c.AddValue(id, v)
		}
	}
	data, err := c.Bytes(externalizer.String{})
	require.NoError(t, err)
	return data
}

func TestChangeTrackingMerge(t *testing.T) {
	base := baseBytes(t, map[string][]int32{"a": {1, 2}, "b": {3}})
	loads := 0
	tr := NewChangeTracking(indexconfig.Default(), func() (*Container[string], error) {
		loads++
		return Load(base, externalizer.String{}, nil)
	})
	require.False(t, tr.IsDirty())

	tr.RemoveAssociatedValue(2)
	tr.AddValue(4, "c")
	require.True(t, tr.IsDirty())
	require.False(t, tr.ContainsCachedMergedData())
	require.Equal(t, 0, loads)

	merged, err := tr.MergedData()
	require.NoError(t, err)
	want := map[string][]int32{"a": {1}, "b": {3}, "c": {4}}
	require.Equal(t, want, merged.AsMap())
	require.True(t, tr.ContainsCachedMergedData())

	again, err := tr.MergedData()
	require.NoError(t, err)
	require.Same(t, merged, again)
	require.Equal(t, 1, loads)

	tr.DropMergedData()
	require.True(t, tr.IsDirty())
	recomputed, err := tr.MergedData()
	require.NoError(t, err)
	require.Equal(t, want, recomputed.AsMap())
	require.Equal(t, 2, loads)

	t.Run("edits keep the cached view current", func(t *testing.T) {
		tr.RemoveAssociatedValue(3)
		tr.AddValue(5, "a")
		cached, err := tr.MergedData()
		require.NoError(t, err)
		require.Same(t, recomputed, cached)
		require.Equal(t, map[string][]int32{"a": {1, 5}, "c": {4}}, cached.AsMap())
	})
}

func TestChangeTrackingInitializerError(t *testing.T) {
	boom := errors.New("disk on fire")
	tr := NewChangeTracking(indexconfig.Default(), func() (*Container[string], error) {
		return nil, boom
	})
	tr.AddValue(1, "a")
	_, err := tr.MergedData()
	require.ErrorIs(t, err, boom)
	require.True(t, tr.IsDirty())
}

func TestChangeTrackingStateQueries(t *testing.T) {
	tr := NewChangeTracking(indexconfig.Default(), storedInitializer(t, nil))
	require.False(t, tr.ContainsOnlyInvalidatedChange())

	tr.RemoveAssociatedValue(1)
	require.True(t, tr.ContainsOnlyInvalidatedChange())

	tr.AddValue(1, "a")
	require.False(t, tr.ContainsOnlyInvalidatedChange())

	tr.Persisted(storedInitializer(t, baseBytes(t, map[string][]int32{"a": {1}})))
	require.False(t, tr.IsDirty())
	merged, err := tr.MergedData()
	require.NoError(t, err)
	require.Equal(t, map[string][]int32{"a": {1}}, merged.AsMap())

	tr.SetNeedsCompacting(true)
	require.True(t, tr.IsDirty())
	require.False(t, tr.ContainsOnlyInvalidatedChange())
}

func TestChangeTrackingPicksUpCompactionFromBase(t *testing.T) {
	ext := externalizer.String{}
	out := externalizer.NewDataOutput(32)
	out.WriteRaw(baseBytes(t, map[string][]int32{"a": {1, 2}}))
	out.WriteINT(-2)

	tr := NewChangeTracking(indexconfig.Default(), func() (*Container[string], error) {
		return Load(out.Bytes(), ext, nil)
	})
	require.False(t, tr.NeedsCompacting())
	_, err := tr.MergedData()
	require.NoError(t, err)
	require.True(t, tr.NeedsCompacting())
	require.True(t, tr.IsDirty())
}

func TestDiffMatchesFullSave(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		checkDiffMatchesFullSave(t, indexconfig.Default())
	})
	t.Run("debug rebinding", func(t *testing.T) {
		checkDiffMatchesFullSave(t, indexconfig.DebugConfig())
	})
}

// checkDiffMatchesFullSave applies random edits on top of a stored base and
// compares the appended diff with the full merged snapshot. With debug checks
// on, ids are also rebound without being removed first.
func checkDiffMatchesFullSave(t *testing.T, cfg indexconfig.Config) {
	ext := externalizer.String{}
	rng := rand.New(rand.NewSource(7))

	for round := range 50 {
		valueCount := 1 + rng.Intn(30)
		stored := New[string]()
		bound := map[int32]bool{}
		for id := int32(1); id <= 200; id++ {
			if rng.Intn(2) == 0 {
				stored.AddValue(id, fmt.Sprintf("v%d", rng.Intn(valueCount)))
				bound[id] = true
			}
		}
		base, err := stored.Bytes(ext)
		require.NoError(t, err)

		tr := NewChangeTracking(cfg, storedInitializer(t, base))
		for range rng.Intn(60) {
			id := int32(rng.Intn(200) + 1)
			mustRemove := bound[id] && !cfg.Debug
			if mustRemove || rng.Intn(2) == 0 {
				tr.RemoveAssociatedValue(id)
				bound[id] = false
			}
			if cfg.Debug && rng.Intn(4) == 0 {
				_, err := tr.MergedData()
				require.NoError(t, err)
			}
			if rng.Intn(3) > 0 {
				tr.AddValue(id, fmt.Sprintf("v%d", rng.Intn(valueCount)))
				bound[id] = true
			}
		}

		diff := externalizer.NewDataOutput(64)
		diff.WriteRaw(base)
		require.NoError(t, tr.SaveDiffTo(diff, ext))
		viaDiff, err := Load(diff.Bytes(), ext, nil)
		require.NoError(t, err)

		full := externalizer.NewDataOutput(64)
		require.NoError(t, tr.SaveTo(full, ext))
		viaFull, err := Load(full.Bytes(), ext, nil)
		require.NoError(t, err)

		require.Equal(t, viaFull.AsMap(), viaDiff.AsMap(), "round %d", round)
	}
}

func TestMergeWithReverseMapping(t *testing.T) {
	ext := externalizer.String{}
	stored := New[string]()
	for id := int32(1); id <= 100; id++ {
		stored.AddValue(id, fmt.Sprintf("v%d", id%40))
	}
	base, err := stored.Bytes(ext)
	require.NoError(t, err)

	edit := func(tr *ChangeTracking[string]) {
		for id := int32(1); id <= 100; id += 3 {
			tr.RemoveAssociatedValue(id)
			tr.AddValue(id, "moved")
		}
		tr.RemoveAssociatedValue(2)
	}

	big := NewChangeTracking(indexconfig.Default(), storedInitializer(t, base))
	edit(big)
	merged, err := big.MergedData()
	require.NoError(t, err)

	want := stored.Clone()
	for id := int32(1); id <= 100; id += 3 {
		want.RemoveAssociatedValue(id)
		want.AddValue(id, "moved")
	}
	want.RemoveAssociatedValue(2)
	require.Equal(t, want.AsMap(), merged.AsMap())
}

func TestSaveDiffSkipsEmptyAddedBlock(t *testing.T) {
	tr := NewChangeTracking(indexconfig.Default(), storedInitializer(t, nil))
	tr.RemoveAssociatedValue(9)
	tr.RemoveAssociatedValue(4)

	out := externalizer.NewDataOutput(8)
	require.NoError(t, tr.SaveDiffTo(out, externalizer.String{}))

	in := externalizer.NewDataInput(out.Bytes())
	first, err := in.ReadINT()
	require.NoError(t, err)
	second, err := in.ReadINT()
	require.NoError(t, err)
	require.Equal(t, []int32{-4, -9}, []int32{first, second})
	require.Zero(t, in.Available())
}

func TestLocked(t *testing.T) {
	l := NewLocked(NewChangeTracking(indexconfig.Default(), storedInitializer(t, nil)))
	done := make(chan struct{})
	for w := range 4 {
		go func() {
			defer func() { done <- struct{}{} }()
			for i := range 50 {
				l.AddValue(int32(w*100+i+1), fmt.Sprintf("w%d", w))
			}
		}()
	}
	for range 4 {
		<-done
	}
	require.True(t, l.IsDirty())
	snap, err := l.Snapshot()
	require.NoError(t, err)
	require.Equal(t, 4, snap.Size())
	for _, ids := range snap.AsMap() {
		require.Len(t, ids, 50)
	}
}

func TestSerializationChecker(t *testing.T) {
	good := NewSerializationChecker[string]("words", externalizer.String{})
	require.True(t, good.CheckValue("Hello"))

	lossy := NewSerializationChecker[string]("words", externalizer.CaseInsensitiveString{})
	require.True(t, lossy.CheckValue("hello"))
	require.False(t, lossy.CheckValue("Hello"))

	c := New[string]()
	c.AddValue(1, "ok")
	c.AddValue(2, "NotOk")
	require.False(t, lossy.CheckContainer(c))
	require.True(t, good.CheckContainer(c))
}
