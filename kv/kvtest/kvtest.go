// Package kvtest holds the behavior every kv.Map backend must share.
package kvtest

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/rpcpool/invindex/kv"
	"github.com/stretchr/testify/require"
)

// Opener opens a fresh, empty map. Calling reopen returns the same map after
// a Close, or nil when the backend does not persist.
type Opener func(t *testing.T) (m kv.Map, reopen func() kv.Map)

// Run exercises m against the kv.Map contract.
func Run(t *testing.T, open Opener) {
	t.Run("get missing", func(t *testing.T) {
		m, _ := open(t)
		defer m.Close()
		v, found, err := m.Get([]byte("nope"))
		require.NoError(t, err)
		require.False(t, found)
		require.Nil(t, v)
	})

	t.Run("put append remove", func(t *testing.T) {
		m, _ := open(t)
		defer m.Close()
		key := []byte("key")

		require.NoError(t, m.AppendData(key, []byte("a")))
		requireValue(t, m, key, "a")
		require.NoError(t, m.AppendData(key, []byte("b")))
		require.NoError(t, m.AppendData(key, []byte("c")))
		requireValue(t, m, key, "abc")

		require.NoError(t, m.Put(key, []byte("X")))
		requireValue(t, m, key, "X")
		require.NoError(t, m.AppendData(key, []byte("Y")))
		requireValue(t, m, key, "XY")

		require.NoError(t, m.Remove(key))
		_, found, err := m.Get(key)
		require.NoError(t, err)
		require.False(t, found)

		require.NoError(t, m.AppendData(key, []byte("Z")))
		requireValue(t, m, key, "Z")
	})

	t.Run("large values", func(t *testing.T) {
		m, _ := open(t)
		defer m.Close()
		big := bytes.Repeat([]byte("0123456789"), 1000)
		require.NoError(t, m.Put([]byte("big"), big))
		require.NoError(t, m.AppendData([]byte("big"), big))
		v, found, err := m.Get([]byte("big"))
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, append(bytes.Clone(big), big...), v)
	})

	t.Run("process keys", func(t *testing.T) {
		m, _ := open(t)
		defer m.Close()
		for i := range 10 {
			require.NoError(t, m.Put([]byte(fmt.Sprintf("k%02d", i)), []byte{byte(i)}))
		}
		require.NoError(t, m.Remove([]byte("k03")))

		var keys []string
		require.NoError(t, m.ProcessKeys(func(key []byte) error {
			keys = append(keys, string(key))
			return nil
		}))
		require.Equal(t, []string{"k00", "k01", "k02", "k04", "k05", "k06", "k07", "k08", "k09"}, keys)

		stop := fmt.Errorf("stop")
		count := 0
		err := m.ProcessKeys(func([]byte) error {
			count++
			return stop
		})
		require.ErrorIs(t, err, stop)
		require.Equal(t, 1, count)
	})

	t.Run("dirty tracking", func(t *testing.T) {
		m, _ := open(t)
		defer m.Close()
		require.NoError(t, m.Put([]byte("k"), []byte("v")))
		require.True(t, m.IsDirty())
		require.NoError(t, m.Force())
		require.False(t, m.IsDirty())
		m.MarkDirty()
		require.True(t, m.IsDirty())
	})

	t.Run("closed", func(t *testing.T) {
		m, _ := open(t)
		require.NoError(t, m.Close())
		_, _, err := m.Get([]byte("k"))
		require.ErrorIs(t, err, kv.ErrClosed)
		require.ErrorIs(t, m.Put([]byte("k"), nil), kv.ErrClosed)
	})

	t.Run("reopen", func(t *testing.T) {
		m, reopen := open(t)
		if reopen == nil {
			m.Close()
			t.Skip("backend does not persist")
		}
		require.NoError(t, m.Put([]byte("a"), []byte("1")))
		require.NoError(t, m.AppendData([]byte("a"), []byte("2")))
		require.NoError(t, m.Put([]byte("b"), []byte("3")))
		require.NoError(t, m.Remove([]byte("b")))
		require.NoError(t, m.Close())

		m = reopen()
		defer m.Close()
		requireValue(t, m, []byte("a"), "12")
		_, found, err := m.Get([]byte("b"))
		require.NoError(t, err)
		require.False(t, found)
	})
}

func requireValue(t *testing.T, m kv.Map, key []byte, want string) {
	t.Helper()
	v, found, err := m.Get(key)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, want, string(v))
}
