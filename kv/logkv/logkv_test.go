package logkv

import (
	"bytes"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/rpcpool/invindex/kv"
	"github.com/rpcpool/invindex/kv/kvtest"
	"github.com/stretchr/testify/require"
)

func TestContract(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) (kv.Map, func() kv.Map) {
		path := filepath.Join(t.TempDir(), "index.log")
		m, err := Open(path)
		require.NoError(t, err)
		return m, func() kv.Map {
			m, err := Open(path)
			require.NoError(t, err)
			return m
		}
	})
}

func TestFlags(t *testing.T) {
	var f flags
	f.set(flagCompressed, true)
	require.True(t, f.get(flagCompressed))
	require.False(t, f.get(flagTombstone))
	f.set(flagCompressed, false)
	require.Zero(t, f)
	require.Panics(t, func() { f.get(8) })
}

func TestRecordChecksum(t *testing.T) {
	buf := encodeRecord(record{key: []byte("k"), prev: 42, payload: []byte("payload")})
	// skip the length prefix
	body := bytes.Clone(buf[1:])
	rec, err := decodeRecord(body)
	require.NoError(t, err)
	require.Equal(t, "k", string(rec.key))
	require.Equal(t, uint64(42), rec.prev)
	require.Equal(t, "payload", string(rec.payload))

	body[3] ^= 0xff
	_, err = decodeRecord(body)
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestCompressedPayload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.log")
	m, err := Open(path)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("abcd"), 4*KiB)
	require.NoError(t, m.Put([]byte("k"), payload))
	require.NoError(t, m.Force())
	require.Less(t, m.Stats().Size, uint64(len(payload)))

	v, found, err := m.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, payload, v)
	require.NoError(t, m.Close())
}

func TestRecordShrinkExpand(t *testing.T) {
	small := record{key: []byte("k"), payload: []byte("short")}
	require.NoError(t, small.shrink())
	require.False(t, small.flags.get(flagCompressed))
	require.NoError(t, small.expand())
	require.Equal(t, []byte("short"), small.payload)

	payload := bytes.Repeat([]byte("xy"), compressMin)
	rec := record{key: []byte("k"), payload: slices.Clone(payload)}
	require.NoError(t, rec.shrink())
	require.True(t, rec.flags.get(flagCompressed))
	require.Less(t, len(rec.payload), len(payload))
	require.NoError(t, rec.expand())
	require.False(t, rec.flags.get(flagCompressed))
	require.Equal(t, payload, rec.payload)

	var bad record
	bad.flags.set(flagCompressed, true)
	bad.payload = []byte("not zstd")
	require.ErrorIs(t, bad.expand(), ErrCorrupted)
}

func TestTornTailIsDropped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.log")
	m, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, m.Put([]byte("a"), []byte("1")))
	require.NoError(t, m.Put([]byte("b"), []byte("2")))
	require.NoError(t, m.Close())

	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, fi.Size()-3))

	m, err = Open(path)
	require.NoError(t, err)
	defer m.Close()
	v, found, err := m.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "1", string(v))
	_, found, err = m.Get([]byte("b"))
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, m.AppendData([]byte("b"), []byte("3")))
	v, _, err = m.Get([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, "3", string(v))
}

func TestStats(t *testing.T) {
	m, err := Open(filepath.Join(t.TempDir(), "index.log"))
	require.NoError(t, err)
	defer m.Close()
	require.NoError(t, m.Put([]byte("a"), []byte("1")))
	require.NoError(t, m.AppendData([]byte("a"), []byte("2")))
	require.NoError(t, m.Put([]byte("a"), []byte("3")))
	require.NoError(t, m.Put([]byte("b"), []byte("4")))
	s := m.Stats()
	require.Equal(t, 2, s.Keys)
	require.Equal(t, uint64(1), s.Superseded)
}

func TestCloseAndDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.log")
	m, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, m.CloseAndDelete())
	_, err = os.Stat(path)
	require.ErrorIs(t, err, os.ErrNotExist)
}
