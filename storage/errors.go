package storage

type errorType string

func (e errorType) Error() string {
	return string(e)
}

// ErrReadOnly is returned by writes to a read-only storage.
const ErrReadOnly = errorType("storage is read-only")

// ErrClosed is returned by operations on a closed storage.
const ErrClosed = errorType("storage is closed")
