// Package callbuffer caches a single asynchronously acquired value and makes
// sure concurrent callers share one acquisition.
package callbuffer

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

const flightKey = "value"

// Buffer acquires a value at most once at a time. A successful result is
// cached for the lifetime of the buffer; a failure is handed to every caller
// waiting on that attempt and the next Get tries again.
type Buffer[T any] struct {
	acquire func(ctx context.Context) (T, error)
	group   singleflight.Group

	mu       sync.Mutex
	value    T
	acquired bool
	working  bool
}

// New creates a buffer around acquire.
func New[T any](acquire func(ctx context.Context) (T, error)) *Buffer[T] {
	return &Buffer[T]{acquire: acquire}
}

// Get returns the cached value or joins the acquisition in flight.
func (b *Buffer[T]) Get(ctx context.Context) (T, error) {
	if v, ok := b.Value(); ok {
		return v, nil
	}

	ch := b.group.DoChan(flightKey, func() (any, error) {
		b.mu.Lock()
		if b.acquired {
			v := b.value
			b.mu.Unlock()

			return v, nil
		}

		b.working = true
		b.mu.Unlock()

		v, err := b.acquire(ctx)

		b.mu.Lock()
		b.working = false

		if err == nil {
			b.value = v
			b.acquired = true
		}
		b.mu.Unlock()

		return v, err
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			var zero T

			return zero, res.Err
		}

		return res.Val.(T), nil
	case <-ctx.Done():
		var zero T

		return zero, ctx.Err()
	}
}

// HasValue reports whether a value has been acquired.
func (b *Buffer[T]) HasValue() bool {
	_, ok := b.Value()

	return ok
}

// Value returns the cached value without triggering an acquisition.
func (b *Buffer[T]) Value() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.value, b.acquired
}

// IsWorking reports whether an acquisition is in flight.
func (b *Buffer[T]) IsWorking() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.working
}
