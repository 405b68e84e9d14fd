package externalizer

import (
	"fmt"
	"strings"
)

// DataExternalizer saves and reads one value. Read(Save(v)) must equal v.
type DataExternalizer[V any] interface {
	Save(out *DataOutput, v V) error
	Read(in *DataInput) (V, error)
}

// KeyDescriptor externalizes index keys. The saved bytes are the identity of
// a key inside storage: two keys that save to the same bytes are the same key.
type KeyDescriptor[K any] interface {
	DataExternalizer[K]
}

// KeyBytes returns the storage identity of k.
func KeyBytes[K any](desc KeyDescriptor[K], k K) ([]byte, error) {
	out := NewDataOutput(16)
	if err := desc.Save(out, k); err != nil {
		return nil, fmt.Errorf("error while saving key: %w", err)
	}
	return out.Bytes(), nil
}

// ReadKey decodes a key previously produced by KeyBytes.
func ReadKey[K any](desc KeyDescriptor[K], b []byte) (K, error) {
	return desc.Read(NewDataInput(b))
}

// String externalizes strings as length-prefixed UTF-8.
type String struct{}

func (String) Save(out *DataOutput, v string) error {
	out.WriteString(v)
	return nil
}

func (String) Read(in *DataInput) (string, error) {
	return in.ReadString()
}

// CaseInsensitiveString is a key descriptor that folds case, so "X" and "x"
// address the same key.
type CaseInsensitiveString struct{}

func (CaseInsensitiveString) Save(out *DataOutput, v string) error {
	out.WriteString(strings.ToLower(v))
	return nil
}

func (CaseInsensitiveString) Read(in *DataInput) (string, error) {
	return in.ReadString()
}

// Int32 externalizes int32 values as zig-zag varints.
type Int32 struct{}

func (Int32) Save(out *DataOutput, v int32) error {
	out.WriteINT(v)
	return nil
}

func (Int32) Read(in *DataInput) (int32, error) {
	return in.ReadINT()
}

// Void is the externalizer of indexes that carry no values.
type Void struct{}

func (Void) Save(*DataOutput, struct{}) error {
	return nil
}

func (Void) Read(*DataInput) (struct{}, error) {
	return struct{}{}, nil
}
