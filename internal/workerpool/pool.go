// Package workerpool runs tasks on a fixed number of goroutines shared by
// every caller and hands back futures for their results.
package workerpool

import (
	"context"
	"runtime"

	"golang.org/x/sync/semaphore"
)

// Future is the pending result of a submitted task.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a future that is already complete.
func Resolved[T any](val T, err error) *Future[T] {
	f := newFuture[T]()
	f.complete(val, err)
	return f
}

func (f *Future[T]) complete(val T, err error) {
	f.val = val
	f.err = err
	close(f.done)
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Wait blocks until the task finishes or ctx is cancelled.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Pool bounds the number of tasks running at once.
type Pool struct {
	sem  *semaphore.Weighted
	size int
}

// New creates a pool with size workers; size <= 0 means GOMAXPROCS.
func New(size int) *Pool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	return &Pool{
		sem:  semaphore.NewWeighted(int64(size)),
		size: size,
	}
}

func (p *Pool) Size() int { return p.size }

// Submit schedules fn and returns its future. It blocks while every worker is
// busy. If ctx ends before a worker frees up, the future carries ctx.Err().
func Submit[T any](ctx context.Context, p *Pool, fn func(context.Context) (T, error)) *Future[T] {
	f := newFuture[T]()
	if err := p.sem.Acquire(ctx, 1); err != nil {
		var zero T
		f.complete(zero, err)
		return f
	}
	go func() {
		defer p.sem.Release(1)
		val, err := fn(ctx)
		f.complete(val, err)
	}()
	return f
}

// Settle waits for every future to finish without collecting results.
func Settle[T any](futures []*Future[T]) {
	for _, f := range futures {
		<-f.done
	}
}
