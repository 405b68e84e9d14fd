// Package logkv is a kv.Map kept in a single append-only file.
//
// Every Put, AppendData and Remove appends one record. Records of the same
// key form a chain through their prev offsets; a Put starts a new chain.
// The newest record of every live key is held in memory and rebuilt by
// scanning the file on open.
//
// Record layout:
//
//	uvarint length of the rest
//	flags (1 byte)
//	uvarint key length, key
//	prev record offset + 1 (8 bytes LE, 0 = end of chain)
//	payload (zstd when flagCompressed)
//	xxhash64 of everything from flags to payload (8 bytes LE)
package logkv

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/mostynb/zstdpool-freelist"
	"github.com/rpcpool/invindex/kv"
	"github.com/tidwall/hashmap"
	"k8s.io/klog/v2"
)

const (
	KiB = 1024
	MiB = 1024 * KiB
)

const (
	writeBufferSize = 4 * MiB
	maxRecordSize   = 256 * MiB
)

// ErrCorrupted is returned when a record fails its checksum.
var ErrCorrupted = errors.New("corrupted log record")

type Map struct {
	path string

	mu        sync.Mutex
	file      *os.File
	cache     *bufio.Writer
	offset    uint64
	unflushed bool
	dirty     bool
	closed    bool

	// heads maps a key to the offset + 1 of its newest record.
	heads *hashmap.Map[string, uint64]
	// TODO: rewrite live chains into a fresh file once dead chains dominate.
	dead uint64
}

var _ kv.Map = (*Map)(nil)

// Open opens or creates the log at path and indexes its records.
func Open(path string) (*Map, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	m := &Map{
		path:  path,
		file:  file,
		heads: hashmap.New[string, uint64](0),
	}
	if err := m.scan(); err != nil {
		return nil, errors.Join(fmt.Errorf("failed to scan %q: %w", path, err), file.Close())
	}
	if _, err := file.Seek(int64(m.offset), io.SeekStart); err != nil {
		return nil, errors.Join(err, file.Close())
	}
	m.cache = bufio.NewWriterSize(file, writeBufferSize)
	return m, nil
}

// Factory returns a kv.Factory opening path.
func Factory(path string) kv.Factory {
	return func() (kv.Map, error) {
		return Open(path)
	}
}

// scan rebuilds the heads from the file. A torn record at the tail, left by
// a crash mid-write, is cut off.
func (m *Map) scan() error {
	r := bufio.NewReaderSize(m.file, writeBufferSize)
	var offset uint64
	for {
		size, err := binary.ReadUvarint(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return m.truncateTail(offset, err)
		}
		if size > maxRecordSize {
			return m.truncateTail(offset, fmt.Errorf("record length %d too large", size))
		}
		body := make([]byte, size)
		if _, err := io.ReadFull(r, body); err != nil {
			return m.truncateTail(offset, err)
		}
		rec, err := decodeRecord(body)
		if err != nil {
			return m.truncateTail(offset, err)
		}
		m.track(string(rec.key), offset, rec.flags.get(flagTombstone), rec.prev == 0)
		offset += uint64(uvarintSize(size)) + size
	}
	m.offset = offset
	return nil
}

func (m *Map) truncateTail(offset uint64, cause error) error {
	klog.Warningf("logkv: dropping torn tail of %s at offset %d: %v", m.path, offset, cause)
	if err := m.file.Truncate(int64(offset)); err != nil {
		return err
	}
	m.offset = offset
	return nil
}

// track updates the heads for a record written at offset.
func (m *Map) track(key string, offset uint64, tombstone, chainStart bool) {
	if chainStart {
		if _, ok := m.heads.Get(key); ok {
			m.dead++
		}
	}
	if tombstone {
		m.heads.Delete(key)
		return
	}
	m.heads.Set(key, offset+1)
}

type record struct {
	flags   flags
	key     []byte
	prev    uint64
	payload []byte
}

func encodeRecord(rec record) []byte {
	body := make([]byte, 0, 1+binary.MaxVarintLen64+len(rec.key)+8+len(rec.payload)+8)
	body = append(body, byte(rec.flags))
	body = binary.AppendUvarint(body, uint64(len(rec.key)))
	body = append(body, rec.key...)
	body = binary.LittleEndian.AppendUint64(body, rec.prev)
	body = append(body, rec.payload...)
	body = binary.LittleEndian.AppendUint64(body, xxhash.Sum64(body))

	out := make([]byte, 0, binary.MaxVarintLen64+len(body))
	out = binary.AppendUvarint(out, uint64(len(body)))
	return append(out, body...)
}

func decodeRecord(body []byte) (record, error) {
	if len(body) < 1+1+8+8 {
		return record{}, fmt.Errorf("%w: record of %d bytes", ErrCorrupted, len(body))
	}
	sum := binary.LittleEndian.Uint64(body[len(body)-8:])
	body = body[:len(body)-8]
	if xxhash.Sum64(body) != sum {
		return record{}, fmt.Errorf("%w: checksum mismatch", ErrCorrupted)
	}
	rec := record{flags: flags(body[0])}
	keyLen, n := binary.Uvarint(body[1:])
	if n <= 0 || uint64(len(body)) < 1+uint64(n)+keyLen+8 {
		return record{}, fmt.Errorf("%w: bad key length", ErrCorrupted)
	}
	pos := 1 + n
	rec.key = body[pos : pos+int(keyLen)]
	pos += int(keyLen)
	rec.prev = binary.LittleEndian.Uint64(body[pos : pos+8])
	rec.payload = body[pos+8:]
	return rec, nil
}

func uvarintSize(n uint64) int {
	return len(binary.AppendUvarint(nil, n))
}

// compressMin is the smallest payload worth compressing.
const compressMin = 256

var (
	payloadEncoders = zstdpool.NewEncoderPool(zstd.WithEncoderLevel(zstd.SpeedFastest))
	payloadDecoders = zstdpool.NewDecoderPool()
)

// shrink compresses the payload of rec in place when that makes it smaller.
func (rec *record) shrink() error {
	if len(rec.payload) < compressMin {
		return nil
	}
	enc, err := payloadEncoders.Get(nil)
	if err != nil {
		return fmt.Errorf("failed to get zstd encoder: %w", err)
	}
	packed := enc.EncodeAll(rec.payload, make([]byte, 0, len(rec.payload)/2))
	payloadEncoders.Put(enc)
	if len(packed) < len(rec.payload) {
		rec.payload = packed
		rec.flags.set(flagCompressed, true)
	}
	return nil
}

// expand undoes shrink.
func (rec *record) expand() error {
	if !rec.flags.get(flagCompressed) {
		return nil
	}
	dec, err := payloadDecoders.Get(nil)
	if err != nil {
		return fmt.Errorf("failed to get zstd decoder: %w", err)
	}
	defer payloadDecoders.Put(dec)
	payload, err := dec.DecodeAll(rec.payload, nil)
	if err != nil {
		return fmt.Errorf("%w: bad compressed payload for key %x: %v", ErrCorrupted, rec.key, err)
	}
	rec.payload = payload
	rec.flags.set(flagCompressed, false)
	return nil
}

func (m *Map) write(rec record) error {
	if err := rec.shrink(); err != nil {
		return err
	}
	buf := encodeRecord(rec)
	n, err := m.cache.Write(buf)
	if err != nil {
		return err
	}
	start := m.offset
	m.offset += uint64(n)
	m.unflushed = true
	m.dirty = true
	m.track(string(rec.key), start, rec.flags.get(flagTombstone), rec.prev == 0)
	return nil
}

// readAt reads the record at offset. The write buffer must be flushed.
func (m *Map) readAt(offset uint64) (record, error) {
	lenBuf := make([]byte, binary.MaxVarintLen64)
	n, err := m.file.ReadAt(lenBuf, int64(offset))
	if err != nil && !(errors.Is(err, io.EOF) && n > 0) {
		return record{}, err
	}
	size, k := binary.Uvarint(lenBuf[:n])
	if k <= 0 {
		return record{}, fmt.Errorf("%w: invalid record length at %d", ErrCorrupted, offset)
	}
	if size > maxRecordSize {
		return record{}, fmt.Errorf("%w: record length %d too large", ErrCorrupted, size)
	}
	body := make([]byte, size)
	if _, err := m.file.ReadAt(body, int64(offset)+int64(k)); err != nil {
		return record{}, err
	}
	rec, err := decodeRecord(body)
	if err != nil {
		return record{}, fmt.Errorf("record at %d: %w", offset, err)
	}
	if err := rec.expand(); err != nil {
		return record{}, err
	}
	return rec, nil
}

func (m *Map) flushWrites() error {
	if !m.unflushed {
		return nil
	}
	if err := m.cache.Flush(); err != nil {
		return err
	}
	m.unflushed = false
	return nil
}

func (m *Map) Get(key []byte) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, kv.ErrClosed
	}
	head, ok := m.heads.Get(string(key))
	if !ok {
		return nil, false, nil
	}
	if err := m.flushWrites(); err != nil {
		return nil, false, err
	}
	var parts [][]byte
	for next := head; next != 0; {
		rec, err := m.readAt(next - 1)
		if err != nil {
			return nil, false, err
		}
		parts = append(parts, rec.payload)
		next = rec.prev
	}
	slices.Reverse(parts)
	return slices.Concat(parts...), true, nil
}

func (m *Map) Put(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return kv.ErrClosed
	}
	return m.write(record{key: key, payload: value})
}

func (m *Map) Remove(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return kv.ErrClosed
	}
	if _, ok := m.heads.Get(string(key)); !ok {
		return nil
	}
	var f flags
	f.set(flagTombstone, true)
	return m.write(record{flags: f, key: key})
}

func (m *Map) AppendData(key, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return kv.ErrClosed
	}
	head, _ := m.heads.Get(string(key))
	return m.write(record{key: key, prev: head, payload: data})
}

// ProcessKeys visits the live keys in sorted order.
func (m *Map) ProcessKeys(fn func(key []byte) error) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return kv.ErrClosed
	}
	keys := m.heads.Keys()
	m.mu.Unlock()
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn([]byte(k)); err != nil {
			return err
		}
	}
	return nil
}

func (m *Map) MarkDirty() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirty = true
}

func (m *Map) IsDirty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirty
}

// Force flushes buffered records and syncs the file.
func (m *Map) Force() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return kv.ErrClosed
	}
	if err := m.flushWrites(); err != nil {
		return err
	}
	if err := m.file.Sync(); err != nil {
		return err
	}
	m.dirty = false
	return nil
}

func (m *Map) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return errors.Join(m.cache.Flush(), m.file.Close())
}

func (m *Map) CloseAndDelete() error {
	return errors.Join(m.Close(), os.Remove(m.path))
}

// Stats describes the log file.
type Stats struct {
	Keys int
	Size uint64
	// Superseded counts chains replaced by a later Put or Remove. Their
	// records still take space in the file.
	Superseded uint64
}

func (m *Map) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Keys: m.heads.Len(), Size: m.offset, Superseded: m.dead}
}
