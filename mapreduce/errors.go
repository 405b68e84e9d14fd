package mapreduce

import (
	"context"
	"errors"
	"fmt"
)

type errorType string

func (e errorType) Error() string {
	return string(e)
}

// ErrDisposed is returned by operations on a disposed index.
const ErrDisposed = errorType("index is disposed")

// ErrUpdateConsumed is returned when an UpdateData is applied twice.
const ErrUpdateConsumed = errorType("update data already consumed")

// StorageError wraps a failure to read or write the index data. Update
// failures also schedule a rebuild of the whole index.
type StorageError struct {
	Index string
	Cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("index %s: storage error: %v", e.Index, e.Cause)
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// MappingError wraps a failure of the indexer. ClassToBlame names the
// indexer implementation.
type MappingError struct {
	Index        string
	ClassToBlame string
	InputID      int32
	Cause        error
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("index %s: %s failed to map input %d: %v", e.Index, e.ClassToBlame, e.InputID, e.Cause)
}

func (e *MappingError) Unwrap() error {
	return e.Cause
}

// IsCancellation reports whether err is a context cancellation or deadline.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
