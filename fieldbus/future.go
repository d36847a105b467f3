package fieldbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
)

// Future is the eventual result of an operation. It is resolved exactly once.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

// NewFuture creates an unresolved Future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// resolve stores the result. It reports false if the future was already resolved.
func (f *Future[T]) resolve(v T, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.val, f.err = v, err
		close(f.done)
		resolved = true
	})

	return resolved
}

// Done returns a channel closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// IsDone returns if the future is resolved.
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the result without blocking. ok is false while the future is unresolved.
func (f *Future[T]) Result() (v T, err error, ok bool) {
	if !f.IsDone() {
		return v, nil, false
	}

	return f.val, f.err, true
}

// Await blocks until the future is resolved or ctx is done.
// A canceled ctx abandons the wait only; the operation keeps its deadline.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Completion resolves the Future of one operation on behalf of ProtocolLogic.
//
// Completion methods must be called on the reactor goroutine. The first call to
// Succeed, Fail or ResolveAsync wins; later calls are ignored. Resolving a Completion
// ends its transaction, which admits the next queued operation.
type Completion[T any] struct {
	fut     *Future[T]
	tx      *Transaction
	timer   *clock.Timer
	offload func(func())
	done    bool

	// onFail and onRelease are connection hooks for metrics.
	onFail    func()
	onRelease func()
}

func newCompletion[T any](fut *Future[T], tx *Transaction, offload func(func())) *Completion[T] {
	return &Completion[T]{fut: fut, tx: tx, offload: offload}
}

// Done returns if the completion was already resolved.
func (c *Completion[T]) Done() bool { return c.done }

// Succeed resolves the operation with v.
func (c *Completion[T]) Succeed(v T) {
	c.finish(v, nil)
}

// Fail resolves the operation with err.
func (c *Completion[T]) Fail(err error) {
	var zero T
	c.finish(zero, err)
}

// ResolveAsync ends the transaction and resolves the operation with the result of fn,
// which runs on the worker pool. Use it for CPU heavy decoding of large responses.
func (c *Completion[T]) ResolveAsync(fn func() (T, error)) {
	if !c.claim() {
		return
	}

	fut := c.fut
	c.offload(func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				fut.resolve(zero, fmt.Errorf("decode panic: %v", r))
			}
		}()
		v, err := fn()
		if err != nil && c.onFail != nil {
			c.onFail()
		}
		fut.resolve(v, err)
	})
	c.release()
}

func (c *Completion[T]) finish(v T, err error) {
	if !c.claim() {
		return
	}
	if err != nil && c.onFail != nil {
		c.onFail()
	}
	c.fut.resolve(v, err)
	c.release()
}

// claim marks the completion done and stops its deadline.
func (c *Completion[T]) claim() bool {
	if c.done {
		return false
	}
	c.done = true

	if c.timer != nil {
		c.timer.Stop()
	}

	return true
}

// release ends the transaction, admitting the next queued operation.
func (c *Completion[T]) release() {
	if c.tx != nil {
		_ = c.tx.EndRequest()
	}
	if c.onRelease != nil {
		c.onRelease()
	}
}
