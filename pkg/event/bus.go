// Package event provides a typed publish/subscribe primitive whose Fire call
// waits for every listener and reports their failures to the firer.
package event

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrBusFailed is returned to waiters rejected by Fail without a cause.
var ErrBusFailed = errors.New("event bus failed")

// Handler receives a fired value. A returned error is collected by Fire.
type Handler[T any] func(ctx context.Context, value T) error

// Subscription identifies a registered listener.
type Subscription uint64

type listener[T any] struct {
	id     Subscription
	fn     Handler[T]
	once   bool
	waiter *Waiter[T]
}

// Bus delivers values of type T to registered listeners.
// The zero value is not usable, use NewBus.
type Bus[T any] struct {
	mu        sync.Mutex
	nextID    Subscription
	listeners []listener[T]
}

// NewBus creates an empty bus.
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{}
}

// Subscribe registers a persistent listener.
func (b *Bus[T]) Subscribe(fn Handler[T]) Subscription {
	return b.add(fn, false, nil)
}

// Once registers a listener that is removed before its first invocation.
func (b *Bus[T]) Once(fn Handler[T]) Subscription {
	return b.add(fn, true, nil)
}

// Unsubscribe removes a listener. Unknown subscriptions are ignored.
func (b *Bus[T]) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, l := range b.listeners {
		if l.id == sub {
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)

			return
		}
	}
}

// Count returns the number of registered listeners, waiters included.
func (b *Bus[T]) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.listeners)
}

// NewWaiter registers a one-shot waiter for the next fired value.
// Registration happens immediately, so a value fired between NewWaiter and
// Waiter.Wait is not lost.
func (b *Bus[T]) NewWaiter() *Waiter[T] {
	w := &Waiter[T]{bus: b, ch: make(chan waitResult[T], 1)}
	w.sub = b.add(nil, true, w)

	return w
}

// Wait blocks until the next value is fired, the bus is failed or ctx ends.
func (b *Bus[T]) Wait(ctx context.Context) (T, error) {
	return b.NewWaiter().Wait(ctx)
}

// Fail rejects every pending waiter with err. Regular listeners stay registered.
func (b *Bus[T]) Fail(err error) {
	if err == nil {
		err = ErrBusFailed
	}

	b.mu.Lock()

	var waiters []*Waiter[T]

	kept := b.listeners[:0:0]

	for _, l := range b.listeners {
		if l.waiter != nil {
			waiters = append(waiters, l.waiter)

			continue
		}

		kept = append(kept, l)
	}

	b.listeners = kept
	b.mu.Unlock()

	for _, w := range waiters {
		w.resolve(waitResult[T]{err: err})
	}
}

// Fire invokes every listener registered at the time of the call, in
// registration order. One-shot listeners are removed before any of them runs,
// so a reentrant Fire from inside a listener never delivers to them twice.
// All listeners run even when some fail; a single failure is returned as is
// and several are combined into a *MultiError.
func (b *Bus[T]) Fire(ctx context.Context, value T) error {
	b.mu.Lock()
	if len(b.listeners) == 0 {
		b.mu.Unlock()

		return nil
	}

	snapshot := make([]listener[T], len(b.listeners))
	copy(snapshot, b.listeners)

	kept := b.listeners[:0:0]

	for _, l := range b.listeners {
		if !l.once {
			kept = append(kept, l)
		}
	}

	b.listeners = kept
	b.mu.Unlock()

	var errs []error

	for _, l := range snapshot {
		if l.waiter != nil {
			l.waiter.resolve(waitResult[T]{value: value})

			continue
		}

		if err := invoke(ctx, l.fn, value); err != nil {
			errs = append(errs, err)
		}
	}

	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	default:
		return &MultiError{Errors: errs}
	}
}

func (b *Bus[T]) add(fn Handler[T], once bool, w *Waiter[T]) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.listeners = append(b.listeners, listener[T]{id: b.nextID, fn: fn, once: once, waiter: w})

	return b.nextID
}

// invoke runs a listener, turning a panic into an error so one broken
// listener cannot take down the firer.
func invoke[T any](ctx context.Context, fn Handler[T], value T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()

	return fn(ctx, value)
}

// MultiError is returned by Fire when more than one listener failed.
type MultiError struct {
	Errors []error
}

// Error lists every listener failure, one per line.
func (e *MultiError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		msgs = append(msgs, err.Error())
	}

	return "multiple errors were thrown when firing event:\n" + strings.Join(msgs, "\n")
}

// Unwrap exposes the individual failures to errors.Is and errors.As.
func (e *MultiError) Unwrap() []error {
	return e.Errors
}

// PanicError wraps a value recovered from a panicking listener.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	if err, ok := e.Value.(error); ok {
		return "listener panicked: " + err.Error()
	}

	if s, ok := e.Value.(string); ok {
		return "listener panicked: " + s
	}

	return "listener panicked"
}
