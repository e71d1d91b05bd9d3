package sockchan

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Future is a value that is resolved exactly once, either with a result or
// with an error. Cancelling a Future fails it with ErrCancelled.
//
// Callbacks registered with OnComplete run on the goroutine that resolves
// the Future, or immediately on the caller if it is already resolved.
type Future[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	value     T
	err       error
	callbacks []func(T, error)
}

// NewFuture returns a pending Future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a Future already completed with v.
func Resolved[T any](v T) *Future[T] {
	f := NewFuture[T]()
	f.Resolve(v)
	return f
}

// Failed returns a Future already failed with err.
func Failed[T any](err error) *Future[T] {
	f := NewFuture[T]()
	f.Fail(err)
	return f
}

// Resolve completes the Future with v. It reports whether this call
// completed the Future.
func (f *Future[T]) Resolve(v T) bool {
	return f.complete(v, nil)
}

// Fail completes the Future with err. It reports whether this call
// completed the Future.
func (f *Future[T]) Fail(err error) bool {
	if err == nil {
		err = errors.New("future failed with nil error")
	}
	var zero T
	return f.complete(zero, err)
}

// Cancel fails the Future with ErrCancelled.
func (f *Future[T]) Cancel() bool {
	var zero T
	return f.complete(zero, ErrCancelled)
}

func (f *Future[T]) complete(v T, err error) bool {
	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		return false
	default:
	}
	f.value, f.err = v, err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb(v, err)
	}
	return true
}

// OnComplete registers cb to run once the Future is resolved.
func (f *Future[T]) OnComplete(cb func(T, error)) {
	f.mu.Lock()
	select {
	case <-f.done:
		v, err := f.value, f.err
		f.mu.Unlock()
		cb(v, err)
		return
	default:
	}
	f.callbacks = append(f.callbacks, cb)
	f.mu.Unlock()
}

// Done returns a channel that is closed once the Future is resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the Future is resolved.
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// IsCancelled reports whether the Future was cancelled.
func (f *Future[T]) IsCancelled() bool {
	if !f.IsDone() {
		return false
	}
	return errors.Is(f.err, ErrCancelled)
}

// Wait blocks until the Future is resolved or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
