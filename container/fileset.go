package container

import (
	"fmt"

	"github.com/RoaringBitmap/roaring"
)

// CheckInputID panics when id is not a valid input id. Input ids are
// positive; zero and negatives are reserved by the diff encoding.
func CheckInputID(id int32) {
	if id <= 0 {
		panic(fmt.Errorf("input id must be positive, got %d", id))
	}
}

type fileSetKind uint8

const (
	emptySet fileSetKind = iota
	singleSet
	manySet
)

// fileSet holds the input ids associated with one value. One id is kept
// inline; the bitmap is only allocated once a second id shows up.
type fileSet struct {
	kind   fileSetKind
	single int32
	many   *roaring.Bitmap
}

func singleFileSet(id int32) fileSet {
	return fileSet{kind: singleSet, single: id}
}

func (s *fileSet) add(id int32) {
	switch s.kind {
	case emptySet:
		s.kind = singleSet
		s.single = id
	case singleSet:
		if s.single == id {
			return
		}
		s.many = roaring.BitmapOf(uint32(s.single), uint32(id))
		s.kind = manySet
		s.single = 0
	case manySet:
		s.many.Add(uint32(id))
	}
}

func (s *fileSet) remove(id int32) bool {
	switch s.kind {
	case singleSet:
		if s.single != id {
			return false
		}
		*s = fileSet{}
		return true
	case manySet:
		if !s.many.CheckedRemove(uint32(id)) {
			return false
		}
		if s.many.GetCardinality() == 1 {
			*s = singleFileSet(int32(s.many.Minimum()))
		}
		return true
	}
	return false
}

func (s *fileSet) contains(id int32) bool {
	switch s.kind {
	case singleSet:
		return s.single == id
	case manySet:
		return s.many.Contains(uint32(id))
	}
	return false
}

func (s *fileSet) size() int {
	switch s.kind {
	case singleSet:
		return 1
	case manySet:
		return int(s.many.GetCardinality())
	}
	return 0
}

func (s *fileSet) isEmpty() bool {
	return s.kind == emptySet
}

func (s *fileSet) clone() fileSet {
	if s.kind == manySet {
		return fileSet{kind: manySet, many: s.many.Clone()}
	}
	return *s
}

// forEach calls fn with the ids in ascending order until fn returns false.
func (s *fileSet) forEach(fn func(id int32) bool) {
	switch s.kind {
	case singleSet:
		fn(s.single)
	case manySet:
		it := s.many.Iterator()
		for it.HasNext() {
			if !fn(int32(it.Next())) {
				return
			}
		}
	}
}

// InputIDs is a read-only view of the ids associated with one value.
type InputIDs struct {
	fs *fileSet
}

func (ids InputIDs) Len() int {
	if ids.fs == nil {
		return 0
	}
	return ids.fs.size()
}

func (ids InputIDs) Contains(id int32) bool {
	return ids.fs != nil && ids.fs.contains(id)
}

// ForEach visits the ids in ascending order until fn returns false.
func (ids InputIDs) ForEach(fn func(id int32) bool) {
	if ids.fs != nil {
		ids.fs.forEach(fn)
	}
}

// Slice returns the ids in ascending order.
func (ids InputIDs) Slice() []int32 {
	out := make([]int32, 0, ids.Len())
	ids.ForEach(func(id int32) bool {
		out = append(out, id)
		return true
	})
	return out
}

// Iterator returns a fresh ascending iterator over the ids.
func (ids InputIDs) Iterator() *IDIterator {
	return &IDIterator{ids: ids.Slice()}
}

type IDIterator struct {
	ids []int32
	pos int
}

func (it *IDIterator) HasNext() bool {
	return it.pos < len(it.ids)
}

func (it *IDIterator) Next() int32 {
	id := it.ids[it.pos]
	it.pos++
	return id
}
