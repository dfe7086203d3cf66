// Package task implements the awaitable unit of work (spec component
// C5): Task[T], suspension via a goroutine blocking at well-defined
// await points, exception propagation, and the foreground/background/
// delay hops every task body can use to move between worlds.
//
// Without stackful coroutines, a task's "suspension point" is realised
// as a real goroutine parked on a channel receive; the dispatcher (C4)
// wakes it by posting a closure that closes that channel. Grounded on
// eventloop/promise.go's settle-once/await-blocks shape, adapted from a
// JS-promise model to the spec's synchronous suspend/resume contract.
package task

import (
	"fmt"
	"sync"
	"time"

	"github.com/kestrel-mesh/wfdirect/dispatcher"
)

// Context is a task body's handle onto the dispatcher it runs under. It
// carries no per-task state of its own — every Context sharing a
// Dispatcher is interchangeable — but is threaded explicitly through
// task bodies the way spec.md's coroutines thread an implicit scheduler
// reference.
type Context struct {
	d *dispatcher.Dispatcher
}

// NewContext binds a Context to the given Dispatcher.
func NewContext(d *dispatcher.Dispatcher) *Context {
	return &Context{d: d}
}

// Dispatcher returns the bound Dispatcher.
func (c *Context) Dispatcher() *dispatcher.Dispatcher { return c.d }

// Foreground suspends the calling task and resumes it on the foreground
// world. A no-op if already there.
func (c *Context) Foreground() {
	if c.d.IsForeground() {
		return
	}
	done := make(chan struct{})
	c.d.PostForeground(func() { close(done) })
	<-done
}

// Background suspends the calling task and resumes it on a background
// worker.
func (c *Context) Background() {
	done := make(chan struct{})
	c.d.PostBackground(func() { close(done) })
	<-done
}

// Delay suspends the calling task and resumes it on the foreground after
// at least d has elapsed.
func (c *Context) Delay(d time.Duration) {
	done := make(chan struct{})
	c.d.PostDelayedCoroutine(d, func() { close(done) })
	<-done
}

// Task represents a unit of work that eventually produces a value of
// type T (or no value, for Task[struct{}]/Task[Void]). A task is either
// not yet started, running, suspended, or completed; once completed, any
// waiters are resumed exactly once.
type Task[T any] struct {
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	result    T
	err       error
}

// Void is the zero-size result type for tasks that produce no value,
// mirroring spec.md's Task<void>.
type Void = struct{}

// Go starts fn on its own goroutine and returns a Task tracking its
// eventual result. This is the task's "creation" per spec.md §3 — owned
// by the caller if it awaits the Task, or left to complete
// fire-and-forget if the caller discards it without awaiting (in which
// case register it with dispatcher.Scavenge to be reaped).
func Go[T any](ctx *Context, fn func(ctx *Context) (T, error)) *Task[T] {
	t := &Task[T]{done: make(chan struct{})}
	go func() {
		var (
			v   T
			err error
		)
		func() {
			defer func() {
				if r := recover(); r != nil {
					if e, ok := r.(error); ok {
						err = e
					} else {
						err = fmt.Errorf("task: panic: %v", r)
					}
				}
			}()
			v, err = fn(ctx)
		}()
		t.finish(v, err)
	}()
	return t
}

func (t *Task[T]) finish(v T, err error) {
	t.mu.Lock()
	t.result = v
	t.err = err
	t.mu.Unlock()
	t.closeOnce.Do(func() { close(t.done) })
}

// Done reports whether the task has completed.
func (t *Task[T]) Done() <-chan struct{} { return t.done }

// Await suspends the calling goroutine until t completes, then returns
// its value and error. Valid from any goroutine, including another
// task's body (the suspension point spec.md §4.5 describes as "awaiting
// a task").
func Await[T any](t *Task[T]) (T, error) {
	<-t.done
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.err
}

// GetResult is the synchronous bootstrap from non-task code described in
// spec.md §4.5: it pumps foreground messages until t completes, then
// returns the value or the stored error. If the calling goroutine is not
// the foreground, it simply blocks on Await instead (pumping would be
// meaningless off the loop goroutine).
func GetResult[T any](ctx *Context, t *Task[T]) (T, error) {
	if !ctx.d.IsForeground() {
		return Await(t)
	}
	ctx.d.PumpUntil(t.Done())
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.err
}
