package container

import (
	"bytes"

	"github.com/rpcpool/invindex/externalizer"
	"github.com/rpcpool/invindex/metrics"
	"k8s.io/klog/v2"
)

// SerializationChecker verifies that values survive a save/read round trip
// and that saving is byte stable. Failures are logged and counted, never
// returned.
type SerializationChecker[V comparable] struct {
	name string
	ext  externalizer.DataExternalizer[V]
}

func NewSerializationChecker[V comparable](name string, ext externalizer.DataExternalizer[V]) *SerializationChecker[V] {
	return &SerializationChecker[V]{name: name, ext: ext}
}

// CheckValue reports whether value round-trips.
func (c *SerializationChecker[V]) CheckValue(value V) bool {
	first := externalizer.NewDataOutput(32)
	if err := c.ext.Save(first, value); err != nil {
		return c.fail("save", value, err)
	}
	read, err := c.ext.Read(externalizer.NewDataInput(first.Bytes()))
	if err != nil {
		return c.fail("read", value, err)
	}
	if read != value {
		klog.Errorf("%s: value %v was read back as %v", c.name, value, read)
		metrics.ConsistencyErrors.WithLabelValues("serialization").Inc()
		return false
	}
	second := externalizer.NewDataOutput(first.Len())
	if err := c.ext.Save(second, read); err != nil {
		return c.fail("save", read, err)
	}
	if !bytes.Equal(first.Bytes(), second.Bytes()) {
		klog.Errorf("%s: value %v does not serialize to stable bytes", c.name, value)
		metrics.ConsistencyErrors.WithLabelValues("serialization").Inc()
		return false
	}
	return true
}

// CheckContainer checks every value of vc.
func (c *SerializationChecker[V]) CheckContainer(vc ValueContainer[V]) bool {
	ok := true
	it := vc.ValueIterator()
	for it.Next() {
		ok = c.CheckValue(it.Value()) && ok
	}
	return ok
}

func (c *SerializationChecker[V]) fail(op string, value V, err error) bool {
	klog.Errorf("%s: failed to %s value %v: %v", c.name, op, value, err)
	metrics.ConsistencyErrors.WithLabelValues("serialization").Inc()
	return false
}
