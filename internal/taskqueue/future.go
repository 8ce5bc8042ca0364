package taskqueue

import (
	"context"
	"sync"

	"github.com/casualjim/hoot/pkg/stdx"
)

type Future[T any] interface {
	// Get blocks until the task settles.
	Get() (T, error)
	// Await is Get bounded by ctx.
	Await(context.Context) (T, error)
	// Done is closed once the task settles.
	Done() <-chan struct{}
}

type Promise[T any] interface {
	Complete(T)
	Error(error)
}

type CompletableFuture[T any] interface {
	Future[T]
	Promise[T]
}

type future[T any] struct {
	done   chan struct{}
	once   sync.Once
	result T
	err    error
}

func NewFuture[T any]() CompletableFuture[T] {
	return &future[T]{done: make(chan struct{})}
}

// Rejected returns a future that already failed with err.
func Rejected[T any](err error) Future[T] {
	f := &future[T]{done: make(chan struct{})}
	f.Error(err)
	return f
}

func (f *future[T]) Get() (T, error) {
	<-f.done
	return f.result, f.err
}

func (f *future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return stdx.Zero[T](), ctx.Err()
	}
}

func (f *future[T]) Done() <-chan struct{} {
	return f.done
}

func (f *future[T]) Complete(value T) {
	f.once.Do(func() {
		f.result = value
		close(f.done)
	})
}

func (f *future[T]) Error(err error) {
	f.once.Do(func() {
		f.result = stdx.Zero[T]()
		f.err = err
		close(f.done)
	})
}
