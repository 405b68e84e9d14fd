package container

// mappingThreshold is the size above which merging builds a reverse index
// instead of scanning values for every removed id.
const mappingThreshold = 20

// FileIDToValueMapping is a reverse index over a container: input id to the
// value it is associated with. Removals through it avoid scanning every value.
// The container must only be mutated through the mapping while it is in use.
type FileIDToValueMapping[V comparable] struct {
	c    *Container[V]
	byID map[int32]V
}

func NewFileIDToValueMapping[V comparable](c *Container[V]) *FileIDToValueMapping[V] {
	m := &FileIDToValueMapping[V]{c: c, byID: make(map[int32]V)}
	for v, fs := range c.all() {
		fs.forEach(func(id int32) bool {
			m.byID[id] = v
			return true
		})
	}
	return m
}

// AssociateValue binds id to value, dropping any previous binding of id.
func (m *FileIDToValueMapping[V]) AssociateValue(id int32, value V) {
	CheckInputID(id)
	if old, ok := m.byID[id]; ok {
		if old == value {
			return
		}
		if m.c.debug {
			m.c.rebindIfNeeded(id, value)
		} else {
			m.c.RemoveValue(id, old)
		}
	}
	m.byID[id] = value
	m.c.addValue(id, value)
}

func (m *FileIDToValueMapping[V]) RemoveAssociatedValue(id int32) bool {
	v, ok := m.byID[id]
	if !ok {
		return false
	}
	delete(m.byID, id)
	return m.c.RemoveValue(id, v)
}
