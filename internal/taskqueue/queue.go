// Package taskqueue runs asynchronous tasks one at a time per key, in submission
// order, while tasks for different keys run concurrently.
package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/casualjim/hoot/pkg/slogx"
)

var ErrClosed = errors.New("task queue closed")

// PanicError is delivered to the caller of a task that panicked.
type PanicError struct {
	Key   string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task for %q panicked: %v", e.Key, e.Value)
}

type Task[T any] func(ctx context.Context) (T, error)

type job[T any] struct {
	ctx    context.Context
	task   Task[T]
	future CompletableFuture[T]
}

// lane holds the pending jobs of one key. A lane exists only while it has work;
// the worker removes it from the queue when it drains.
type lane[T any] struct {
	key     string
	pending []*job[T]
	idle    chan struct{}
}

type Queue[T any] struct {
	mu     sync.Mutex
	lanes  map[string]*lane[T]
	closed bool
	wg     sync.WaitGroup
}

func New[T any]() *Queue[T] {
	return &Queue[T]{
		lanes: make(map[string]*lane[T]),
	}
}

// Enqueue schedules task behind every task already queued for key and returns a
// future for its result. A task whose ctx is done by the time it is scheduled is
// rejected with ctx's error without running. A failing or panicking task only
// affects its own future; the next task for the key still runs.
func (q *Queue[T]) Enqueue(ctx context.Context, key string, task Task[T]) Future[T] {
	if task == nil {
		return Rejected[T](fmt.Errorf("task for %q is nil", key))
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return Rejected[T](ErrClosed)
	}

	j := &job[T]{ctx: ctx, task: task, future: NewFuture[T]()}
	l, ok := q.lanes[key]
	if !ok {
		l = &lane[T]{key: key, idle: make(chan struct{})}
		q.lanes[key] = l
		q.wg.Add(1)
		go q.work(l)
	}
	l.pending = append(l.pending, j)
	return j.future
}

// Idle blocks until key has no queued or running task. It returns immediately for
// keys that were never used.
func (q *Queue[T]) Idle(ctx context.Context, key string) error {
	q.mu.Lock()
	l, ok := q.lanes[key]
	q.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case <-l.idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of tasks queued or running for key.
func (q *Queue[T]) Pending(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l, ok := q.lanes[key]; ok {
		return len(l.pending)
	}
	return 0
}

// Close rejects new tasks and waits for the queued ones to finish or ctx to end.
func (q *Queue[T]) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue[T]) work(l *lane[T]) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		if len(l.pending) == 0 {
			delete(q.lanes, l.key)
			close(l.idle)
			q.mu.Unlock()
			return
		}
		j := l.pending[0]
		q.mu.Unlock()

		q.run(l.key, j)

		// the running job stays at the head of the lane until it settles so
		// Pending counts it
		q.mu.Lock()
		l.pending[0] = nil
		l.pending = l.pending[1:]
		q.mu.Unlock()
	}
}

func (q *Queue[T]) run(key string, j *job[T]) {
	if err := j.ctx.Err(); err != nil {
		j.future.Error(err)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			perr := &PanicError{Key: key, Value: r, Stack: debug.Stack()}
			slog.Error("task panicked", slogx.LoggerName("taskqueue"), slog.String("key", key), slogx.Error(perr))
			j.future.Error(perr)
		}
	}()

	result, err := j.task(j.ctx)
	if err != nil {
		j.future.Error(err)
		return
	}
	j.future.Complete(result)
}
