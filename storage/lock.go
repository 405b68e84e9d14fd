package storage

import "sync"

// Lock is the read/write lock callers hold around storage calls. Storages do
// not take it themselves, so one logical update can span several calls.
type Lock struct {
	sync.RWMutex
}

// WithRead runs fn under the read lock.
func (l *Lock) WithRead(fn func() error) error {
	l.RLock()
	defer l.RUnlock()
	return fn()
}

// WithWrite runs fn under the write lock.
func (l *Lock) WithWrite(fn func() error) error {
	l.Lock()
	defer l.Unlock()
	return fn()
}
