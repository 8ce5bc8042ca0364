// Package cancellation tracks the abort handles of in-flight completions, keyed by
// the id of the user message that triggered them.
package cancellation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/alphadose/haxmap"
)

// ErrCancelled is the cause recorded on a handle cancelled through the registry.
var ErrCancelled = errors.New("cancelled")

// Handle owns a single abort signal. Consumers poll Cancelled (or select on Done)
// at every suspension point and stop when it fires.
type Handle struct {
	key    string
	ctx    context.Context
	cancel context.CancelCauseFunc
	stop   func() bool
}

func newHandle(parent context.Context, key string, timeout time.Duration) *Handle {
	ctx, cancel := context.WithCancelCause(parent)
	h := &Handle{key: key, ctx: ctx, cancel: cancel, stop: func() bool { return false }}
	if timeout > 0 {
		timer := time.AfterFunc(timeout, func() { cancel(context.DeadlineExceeded) })
		h.stop = timer.Stop
	}
	return h
}

func (h *Handle) Key() string {
	return h.key
}

// Context returns a context that is cancelled together with the handle. Pass it
// to the provider call so the transport is torn down too.
func (h *Handle) Context() context.Context {
	return h.ctx
}

func (h *Handle) Done() <-chan struct{} {
	return h.ctx.Done()
}

func (h *Handle) Cancelled() bool {
	return h.ctx.Err() != nil
}

// Cause reports why the handle fired: ErrCancelled for an explicit cancel,
// context.DeadlineExceeded for a timeout, or the parent's cause. It is nil while
// the handle is live.
func (h *Handle) Cause() error {
	if h.ctx.Err() == nil {
		return nil
	}
	return context.Cause(h.ctx)
}

// TimedOut reports whether the handle fired because its timeout expired.
func (h *Handle) TimedOut() bool {
	return errors.Is(h.Cause(), context.DeadlineExceeded)
}

func (h *Handle) Cancel() {
	h.cancel(ErrCancelled)
}

func (h *Handle) release() {
	h.stop()
	h.cancel(context.Canceled)
}

// Registry maps correlation keys to handles. It is safe for concurrent use.
// Lookups are lock free; register and release serialize so a release can never
// remove a handle registered after it.
type Registry struct {
	handles *haxmap.Map[string, *Handle]
	mu      sync.Mutex
}

func New() *Registry {
	return &Registry{
		handles: haxmap.New[string, *Handle](),
	}
}

// Register creates a handle for key derived from ctx. A timeout > 0 cancels the
// handle when it expires. Registering a key that already has a handle replaces
// it; the previous handle stays live and is owned by whoever holds it.
func (r *Registry) Register(ctx context.Context, key string, timeout time.Duration) *Handle {
	h := newHandle(ctx, key, timeout)
	r.mu.Lock()
	r.handles.Set(key, h)
	r.mu.Unlock()
	return h
}

// Cancel signals the handle registered for key. It reports false when no handle
// is registered.
func (r *Registry) Cancel(key string) bool {
	h, ok := r.handles.Get(key)
	if !ok {
		return false
	}
	h.Cancel()
	return true
}

// Release removes h from the registry and frees its resources. Releasing a handle
// that has been replaced by a newer registration leaves the newer one in place.
func (r *Registry) Release(h *Handle) {
	if h == nil {
		return
	}
	r.mu.Lock()
	if current, ok := r.handles.Get(h.key); ok && current == h {
		r.handles.Del(h.key)
	}
	r.mu.Unlock()
	h.release()
}

// Has reports whether a handle is registered for key.
func (r *Registry) Has(key string) bool {
	_, ok := r.handles.Get(key)
	return ok
}

func (r *Registry) Len() int {
	return int(r.handles.Len())
}
