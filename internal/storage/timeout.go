package storage

import (
	"fmt"
	"time"
)

// TimeoutDB bounds every operation on the wrapped DB. An operation that
// does not finish within the limit returns ErrTimeout; the underlying call
// is left to finish in the background.
type TimeoutDB struct {
	inner DB
	limit time.Duration
}

// NewTimeoutDB wraps inner. A non-positive limit disables the bound.
func NewTimeoutDB(inner DB, limit time.Duration) *TimeoutDB {
	return &TimeoutDB{inner: inner, limit: limit}
}

// Unwrap returns the wrapped DB.
func (t *TimeoutDB) Unwrap() DB { return t.inner }

func run[T any](t *TimeoutDB, op string, fn func() (T, error)) (T, error) {
	if t.limit <= 0 {
		return fn()
	}
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()

	timer := time.NewTimer(t.limit)
	defer timer.Stop()
	select {
	case r := <-done:
		return r.v, r.err
	case <-timer.C:
		var zero T
		return zero, fmt.Errorf("%s after %s: %w", op, t.limit, ErrTimeout)
	}
}

// Get retrieves a value by key.
func (t *TimeoutDB) Get(key []byte) ([]byte, error) {
	return run(t, "get", func() ([]byte, error) { return t.inner.Get(key) })
}

// Put stores a key-value pair.
func (t *TimeoutDB) Put(key, value []byte) error {
	_, err := run(t, "put", func() (struct{}, error) { return struct{}{}, t.inner.Put(key, value) })
	return err
}

// Delete removes a key.
func (t *TimeoutDB) Delete(key []byte) error {
	_, err := run(t, "delete", func() (struct{}, error) { return struct{}{}, t.inner.Delete(key) })
	return err
}

// Has checks if a key exists.
func (t *TimeoutDB) Has(key []byte) (bool, error) {
	return run(t, "has", func() (bool, error) { return t.inner.Has(key) })
}

// ForEach iterates over keys with the given prefix. The bound covers the
// whole iteration.
func (t *TimeoutDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	_, err := run(t, "foreach", func() (struct{}, error) { return struct{}{}, t.inner.ForEach(prefix, fn) })
	return err
}

// Close closes the wrapped DB.
func (t *TimeoutDB) Close() error {
	return t.inner.Close()
}

// NewBatch returns a batch whose Commit is bounded by the same limit.
func (t *TimeoutDB) NewBatch() Batch {
	return &timeoutBatch{inner: NewBatch(t.inner), db: t}
}

type timeoutBatch struct {
	inner Batch
	db    *TimeoutDB
}

func (tb *timeoutBatch) Put(key, value []byte) error { return tb.inner.Put(key, value) }
func (tb *timeoutBatch) Delete(key []byte) error     { return tb.inner.Delete(key) }

func (tb *timeoutBatch) Commit() error {
	_, err := run(tb.db, "commit", func() (struct{}, error) { return struct{}{}, tb.inner.Commit() })
	return err
}
