package logkv

import "fmt"

// flags is the per-record bit set.
type flags byte

const (
	flagTombstone = iota
	flagCompressed
)

func (b flags) get(index int) bool {
	if index < 0 || index >= 8 {
		panic(fmt.Errorf("index out of bounds: %d", index))
	}
	return b&(1<<uint(index)) != 0
}

func (b *flags) set(index int, value bool) {
	if index < 0 || index >= 8 {
		panic(fmt.Errorf("index out of bounds: %d", index))
	}
	if value {
		*b |= 1 << uint(index)
	} else {
		*b &= ^(1 << uint(index))
	}
}
