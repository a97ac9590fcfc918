package lua

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"
)

// ErrExecutorClosed is returned once an executor has stopped.
var ErrExecutorClosed = errors.New("lua executor is closed")

// op is one queued operation. done is buffered and receives exactly one
// value unless the executor stops before the op is dequeued.
type op struct {
	fn   func(L *lua.LState) error
	done chan error
}

// Executor owns a Lua state and runs every operation on it from a single
// goroutine. gopher-lua states are not goroutine-safe, while plugin handles
// are shared by any goroutine once a load returns.
type Executor struct {
	L *lua.LState

	ops      chan op
	stop     chan struct{}
	stopOnce sync.Once
	stopped  atomic.Bool
}

// NewExecutor creates an executor for L buffering up to queueSize
// operations. A non-positive size uses DefaultQueueSize.
func NewExecutor(L *lua.LState, queueSize int) *Executor {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Executor{
		L:    L,
		ops:  make(chan op, queueSize),
		stop: make(chan struct{}),
	}
}

// Run serves queued operations until ctx is done or Close is called. It must
// run on its own goroutine; that goroutine is the only one touching L.
func (e *Executor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			e.fail(ctx.Err())
			return
		case <-e.stop:
			e.fail(ErrExecutorClosed)
			return
		case o := <-e.ops:
			o.done <- e.call(o.fn)
		}
	}
}

func (e *Executor) call(fn func(L *lua.LState) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
		}
	}()
	return fn(e.L)
}

// panicError turns a recovered panic into an error. gopher-lua raises
// *lua.ApiError from Lua code; those pass through untouched.
func panicError(r any) error {
	switch v := r.(type) {
	case *lua.ApiError:
		return v
	case error:
		return fmt.Errorf("lua panic: %w", v)
	default:
		return fmt.Errorf("lua panic: %v", v)
	}
}

// fail answers every queued op with err.
func (e *Executor) fail(err error) {
	for {
		select {
		case o := <-e.ops:
			o.done <- err
		default:
			return
		}
	}
}

// Execute queues fn and blocks until it completes or ctx is done.
// When ctx ends while fn is queued or running, Execute returns ctx.Err();
// fn itself still runs to completion on the executor goroutine.
func (e *Executor) Execute(ctx context.Context, fn func(L *lua.LState) error) error {
	if e.stopped.Load() {
		return ErrExecutorClosed
	}

	o := op{fn: fn, done: make(chan error, 1)}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stop:
		return ErrExecutorClosed
	case e.ops <- o:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-o.done:
		return err
	case <-e.stop:
		// The op may have been served just before the stop.
		select {
		case err := <-o.done:
			return err
		default:
			return ErrExecutorClosed
		}
	}
}

// Pending returns the number of queued operations.
func (e *Executor) Pending() int {
	return len(e.ops)
}

// Close stops the executor. Operations still queued fail with
// ErrExecutorClosed.
func (e *Executor) Close() {
	e.stopOnce.Do(func() {
		e.stopped.Store(true)
		close(e.stop)
	})
}

// IsClosed reports whether Close has been called.
func (e *Executor) IsClosed() bool {
	return e.stopped.Load()
}
