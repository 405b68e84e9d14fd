package cachedkv

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rpcpool/invindex/kv"
	"github.com/rpcpool/invindex/kv/kvtest"
	"github.com/rpcpool/invindex/kv/logkv"
	"github.com/rpcpool/invindex/kv/memkv"
	"github.com/stretchr/testify/require"
)

func TestContract(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) (kv.Map, func() kv.Map) {
		path := filepath.Join(t.TempDir(), "cached.log")
		open := func() kv.Map {
			m, err := Factory(logkv.Factory(path), 1)()
			require.NoError(t, err)
			return m
		}
		return open(), open
	})
}

func TestReadsAreCached(t *testing.T) {
	backing := memkv.New()
	m, err := New(context.Background(), backing, Config(1))
	require.NoError(t, err)
	defer m.Close()

	key := []byte("k")
	require.NoError(t, backing.Put(key, []byte("v1")))
	backing.ResetStats()

	for range 3 {
		v, found, err := m.Get(key)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, "v1", string(v))
	}
	require.EqualValues(t, 1, backing.Stats().Gets)
	require.EqualValues(t, 2, m.Stats().Hits)

	require.NoError(t, m.AppendData(key, []byte("+")))
	v, _, err := m.Get(key)
	require.NoError(t, err)
	require.Equal(t, "v1+", string(v))
	require.EqualValues(t, 2, backing.Stats().Gets)

	require.NoError(t, m.Put(key, []byte("v2")))
	v, _, err = m.Get(key)
	require.NoError(t, err)
	require.Equal(t, "v2", string(v))
	require.EqualValues(t, 2, backing.Stats().Gets)

	require.NoError(t, m.Remove(key))
	_, found, err := m.Get(key)
	require.NoError(t, err)
	require.False(t, found)
}

func TestFactoryError(t *testing.T) {
	boom := errors.New("boom")
	_, err := Factory(func() (kv.Map, error) { return nil, boom }, 1)()
	require.ErrorIs(t, err, boom)
}
