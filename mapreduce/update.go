package mapreduce

import (
	"context"
	"sync/atomic"

	"github.com/rpcpool/invindex/diff"
)

// UpdateData is the prepared update of one input: the changes against what
// the forward index holds, and the forward index write to run after them.
// It can be applied once.
type UpdateData[K comparable, V comparable] struct {
	index   string
	inputID int32
	newData map[K]V

	changes       func(ctx context.Context) ([]diff.Change[K, V], error)
	forwardUpdate func() error

	consumed atomic.Bool
}

func (u *UpdateData[K, V]) InputID() int32 {
	return u.inputID
}

// NewData returns the data the input maps to now. It must not be modified.
func (u *UpdateData[K, V]) NewData() map[K]V {
	return u.newData
}

func (u *UpdateData[K, V]) take() error {
	if !u.consumed.CompareAndSwap(false, true) {
		return ErrUpdateConsumed
	}
	return nil
}
