// Package bridge runs individual asynchronous network operations to completion
// from synchronous request-handling code.
//
// Each call drives exactly one operation in its own goroutine with a freshly
// derived context, so a re-entered handler never reuses a half-torn-down
// execution context. There is no retry at this layer; errors propagate to the
// caller as returned.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is returned by RunWithTimeout when the operation does not
// complete within its wall-clock budget.
var ErrTimeout = errors.New("bridge: operation timed out")

type outcome[T any] struct {
	value T
	err   error
}

// Run executes op to completion and returns its result. The operation runs in
// its own goroutine with a context derived from ctx; Run blocks until the
// operation finishes or ctx is cancelled.
func Run[T any](ctx context.Context, op func(context.Context) (T, error)) (T, error) {
	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan outcome[T], 1)
	go func() {
		value, err := op(opCtx)
		done <- outcome[T]{value: value, err: err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// RunWithTimeout behaves like Run but abandons the operation after timeout,
// returning ErrTimeout. Abandonment is best-effort: the operation's context is
// cancelled, but a remote peer may still complete the work with no local
// observer.
func RunWithTimeout[T any](ctx context.Context, timeout time.Duration, op func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return Run(ctx, op)
	}

	opCtx, cancel := context.WithCancel(ctx)

	done := make(chan outcome[T], 1)
	go func() {
		value, err := op(opCtx)
		done <- outcome[T]{value: value, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		cancel()
		return out.value, out.err
	case <-ctx.Done():
		cancel()
		var zero T
		return zero, ctx.Err()
	case <-timer.C:
		cancel()
		var zero T
		return zero, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
}
