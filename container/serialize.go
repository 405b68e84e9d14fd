package container

import (
	"errors"
	"fmt"
	"math"

	"github.com/rpcpool/invindex/externalizer"
)

// ErrCorrupted is returned when a stored container cannot be decoded.
var ErrCorrupted = errors.New("corrupted value container")

// InputRemapping expands a stored id into the concrete input ids it stands
// for. It is applied to every id read from storage, including invalidations.
type InputRemapping func(id int32) ([]int32, error)

// SaveTo writes the container as one block:
//
//	INT size; size x { value; fileset }
//
// where fileset is INT id for a single id, or INT -n followed by n
// ascending deltas.
func (c *Container[V]) SaveTo(out *externalizer.DataOutput, ext externalizer.DataExternalizer[V]) error {
	out.WriteINT(int32(c.Size()))
	for v, fs := range c.all() {
		if err := ext.Save(out, v); err != nil {
			return fmt.Errorf("failed to save value %v: %w", v, err)
		}
		writeFileSet(out, fs)
	}
	return nil
}

func writeFileSet(out *externalizer.DataOutput, fs *fileSet) {
	if fs.kind == singleSet {
		out.WriteINT(fs.single)
		return
	}
	out.WriteINT(-int32(fs.size()))
	var prev int32
	fs.forEach(func(id int32) bool {
		out.WriteINT(id - prev)
		prev = id
		return true
	})
}

// ReadFrom applies every block of in to the container until the input is
// exhausted. A block starting with a negative INT removes that input id;
// removals that change the container mark it as needing compaction.
func (c *Container[V]) ReadFrom(in *externalizer.DataInput, ext externalizer.DataExternalizer[V], remap InputRemapping) error {
	for in.Available() > 0 {
		head, err := in.ReadINT()
		if err != nil {
			return fmt.Errorf("failed to read block header: %w", err)
		}
		if head < 0 {
			ids, err := remapID(-head, remap)
			if err != nil {
				return err
			}
			for _, id := range ids {
				if c.RemoveAssociatedValue(id) {
					c.needsCompacting = true
				}
			}
			continue
		}
		for i := int32(0); i < head; i++ {
			if err := c.readEntry(in, ext, remap); err != nil {
				return fmt.Errorf("failed to read entry %d of %d: %w", i, head, err)
			}
		}
	}
	return nil
}

func (c *Container[V]) readEntry(in *externalizer.DataInput, ext externalizer.DataExternalizer[V], remap InputRemapping) error {
	value, err := ext.Read(in)
	if err != nil {
		return fmt.Errorf("failed to read value: %w", err)
	}
	n, err := in.ReadINT()
	if err != nil {
		return fmt.Errorf("failed to read fileset header: %w", err)
	}
	if n == 0 || n == math.MinInt32 {
		return fmt.Errorf("%w: fileset header %d for value %v", ErrCorrupted, n, value)
	}
	if n > 0 {
		return c.addRemapped(n, value, remap)
	}
	var prev int32
	for j := int32(0); j < -n; j++ {
		delta, err := in.ReadINT()
		if err != nil {
			return fmt.Errorf("failed to read id %d of %d: %w", j, -n, err)
		}
		if delta <= 0 {
			return fmt.Errorf("%w: non ascending ids for value %v", ErrCorrupted, value)
		}
		prev += delta
		if err := c.addRemapped(prev, value, remap); err != nil {
			return err
		}
	}
	return nil
}

func (c *Container[V]) addRemapped(id int32, value V, remap InputRemapping) error {
	ids, err := remapID(id, remap)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if c.debug {
			c.rebindIfNeeded(id, value)
		}
		c.addValue(id, value)
	}
	return nil
}

func remapID(id int32, remap InputRemapping) ([]int32, error) {
	if id <= 0 {
		return nil, fmt.Errorf("%w: input id %d", ErrCorrupted, id)
	}
	if remap == nil {
		return []int32{id}, nil
	}
	ids, err := remap(id)
	if err != nil {
		return nil, fmt.Errorf("failed to remap input id %d: %w", id, err)
	}
	for _, mapped := range ids {
		if mapped <= 0 {
			return nil, fmt.Errorf("%w: input id %d remapped to %d", ErrCorrupted, id, mapped)
		}
	}
	return ids, nil
}

// Load decodes a stored container. A nil or empty buffer yields an empty
// container.
func Load[V comparable](data []byte, ext externalizer.DataExternalizer[V], remap InputRemapping) (*Container[V], error) {
	c := New[V]()
	if err := c.ReadFrom(externalizer.NewDataInput(data), ext, remap); err != nil {
		return nil, err
	}
	return c, nil
}

// Bytes returns the serialized form of c.
func (c *Container[V]) Bytes(ext externalizer.DataExternalizer[V]) ([]byte, error) {
	out := externalizer.NewDataOutput(16 * (c.Size() + 1))
	if err := c.SaveTo(out, ext); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
