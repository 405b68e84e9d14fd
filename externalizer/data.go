// Package externalizer defines how keys and values are turned into bytes and
// back. Integers use Go's zig-zag varint encoding (encoding/binary), so small
// negative numbers stay short; the container diff format relies on that for
// its negated input ids.
package externalizer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
)

// ErrMalformedVarint is returned when a varint cannot be decoded.
var ErrMalformedVarint = errors.New("malformed varint")

// DataOutput is an append-only byte buffer.
type DataOutput struct {
	buf []byte
}

func NewDataOutput(capacity int) *DataOutput {
	return &DataOutput{buf: make([]byte, 0, capacity)}
}

// WriteINT writes a signed 32-bit integer as a zig-zag varint.
func (o *DataOutput) WriteINT(v int32) {
	o.buf = binary.AppendVarint(o.buf, int64(v))
}

func (o *DataOutput) WriteUvarint(v uint64) {
	o.buf = binary.AppendUvarint(o.buf, v)
}

// WriteBytes writes b prefixed with its length.
func (o *DataOutput) WriteBytes(b []byte) {
	o.buf = binary.AppendUvarint(o.buf, uint64(len(b)))
	o.buf = append(o.buf, b...)
}

// WriteString writes s prefixed with its length.
func (o *DataOutput) WriteString(s string) {
	o.buf = binary.AppendUvarint(o.buf, uint64(len(s)))
	o.buf = append(o.buf, s...)
}

// WriteRaw appends b with no length prefix.
func (o *DataOutput) WriteRaw(b []byte) {
	o.buf = append(o.buf, b...)
}

// Bytes returns the written bytes. The slice aliases the buffer until the
// next write.
func (o *DataOutput) Bytes() []byte {
	return o.buf
}

// CopyBytes returns a copy of the written bytes.
func (o *DataOutput) CopyBytes() []byte {
	return slices.Clone(o.buf)
}

func (o *DataOutput) Len() int {
	return len(o.buf)
}

func (o *DataOutput) Reset() {
	o.buf = o.buf[:0]
}

// DataInput reads values written by a DataOutput.
type DataInput struct {
	pos int
	buf []byte
}

func NewDataInput(buf []byte) *DataInput {
	return &DataInput{buf: buf}
}

// Available returns the number of unread bytes.
func (r *DataInput) Available() int {
	return len(r.buf) - r.pos
}

// ReadINT reads a zig-zag varint that must fit into an int32.
// It returns io.EOF when the input is exhausted.
func (r *DataInput) ReadINT() (int32, error) {
	if r.pos >= len(r.buf) {
		return 0, io.EOF
	}
	v, n := binary.Varint(r.buf[r.pos:])
	if n <= 0 {
		return 0, fmt.Errorf("at offset %d: %w", r.pos, ErrMalformedVarint)
	}
	if v < math.MinInt32 || v > math.MaxInt32 {
		return 0, fmt.Errorf("at offset %d: value %d overflows int32", r.pos, v)
	}
	r.pos += n
	return int32(v), nil
}

func (r *DataInput) ReadUvarint() (uint64, error) {
	if r.pos >= len(r.buf) {
		return 0, io.EOF
	}
	v, n := binary.Uvarint(r.buf[r.pos:])
	if n <= 0 {
		return 0, fmt.Errorf("at offset %d: %w", r.pos, ErrMalformedVarint)
	}
	r.pos += n
	return v, nil
}

// ReadBytes reads a length-prefixed byte slice. The result aliases the input.
func (r *DataInput) ReadBytes() ([]byte, error) {
	l, err := r.ReadUvarint()
	if err != nil {
		return nil, err
	}
	return r.ReadRaw(int(l))
}

// ReadRaw reads exactly n bytes. The result aliases the input.
func (r *DataInput) ReadRaw(n int) ([]byte, error) {
	if n < 0 || n > r.Available() {
		return nil, fmt.Errorf("at offset %d: want %d bytes, have %d: %w", r.pos, n, r.Available(), io.ErrUnexpectedEOF)
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *DataInput) ReadString() (string, error) {
	b, err := r.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}
