package event

import (
	"context"
	"sync"
)

type waitResult[T any] struct {
	value T
	err   error
}

// Waiter is a one-shot registration for the next value fired on a Bus.
type Waiter[T any] struct {
	bus  *Bus[T]
	sub  Subscription
	ch   chan waitResult[T]
	once sync.Once
}

func (w *Waiter[T]) resolve(r waitResult[T]) {
	w.once.Do(func() {
		w.ch <- r
	})
}

// Wait blocks for the fired value, a Fail on the bus or ctx cancellation.
// On cancellation the waiter is removed from the bus.
func (w *Waiter[T]) Wait(ctx context.Context) (T, error) {
	select {
	case r := <-w.ch:
		return r.value, r.err
	case <-ctx.Done():
		w.bus.Unsubscribe(w.sub)

		var zero T

		return zero, ctx.Err()
	}
}

