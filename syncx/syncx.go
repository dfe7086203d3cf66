// Package syncx implements the scheduling primitives of spec component
// C7: a predicate-driven condition variable, a non-reentrant mutex built
// on top of it, and a bounded blocking queue built on top of both plus
// the task/service-adapter suspension machinery (C4-C6).
//
// Grounded on original_source/lib/cotask/CoEvent.h's CoConditionVariable
// (Wait/Notify/NotifyAll/Execute/Test, each serialised by one internal
// mutex, conditionTest re-evaluated on every Notify) and
// CoBlockingQueue.h (a pair of condition variables — one gating pushes,
// one gating takes — sharing one backing store and close flag).
package syncx

import (
	"sync"
	"time"

	"github.com/kestrel-mesh/wfdirect/errs"
	"github.com/kestrel-mesh/wfdirect/svcadapter"
	"github.com/kestrel-mesh/wfdirect/task"
)

// Predicate is evaluated under the CondVar's internal mutex, both when a
// waiter first arrives and again on every subsequent Notify/NotifyAll. It
// reports whether the waiter may proceed, optionally failing the waiter
// with err instead (used by CondVar-based queues to reject a suspended
// push/take once the queue has been closed).
type Predicate func() (proceed bool, err error)

type waiterEntry struct {
	predicate Predicate
	resume    func(error)
}

// CondVar is a scheduling primitive modelled on a Hoare condition
// variable: Notify and NotifyAll run their action and re-test waiters'
// predicates while holding the same internal mutex, so a predicate can
// safely consume the state it tests.
type CondVar struct {
	mu       sync.Mutex
	ready    bool
	closed   bool
	awaiters []*waiterEntry
}

// NewCondVar returns a ready-to-use CondVar.
func NewCondVar() *CondVar { return &CondVar{} }

// defaultPredicate implements the "one-slot binary semaphore" behaviour
// used when Wait/Notify are called without an explicit predicate/action:
// Notify sets a ready bit, and the first Wait to observe it consumes it.
func (cv *CondVar) defaultPredicate() (bool, error) {
	if cv.ready {
		cv.ready = false
		return true, nil
	}
	return false, nil
}

// Wait suspends the calling task until predicate returns true (proceed),
// an error (failing the wait immediately), or timeout elapses (a
// TimeoutError). A zero timeout means wait indefinitely. A nil predicate
// uses the default ready-bit semantics.
func (cv *CondVar) Wait(ctx *task.Context, timeout time.Duration, predicate Predicate) error {
	if predicate == nil {
		predicate = cv.defaultPredicate
	}

	cv.mu.Lock()
	if cv.closed {
		cv.mu.Unlock()
		return &errs.ClosedIOError{}
	}
	ok, err := predicate()
	if err != nil {
		cv.mu.Unlock()
		return err
	}
	if ok {
		cv.mu.Unlock()
		return nil
	}
	entry := &waiterEntry{predicate: predicate}
	cv.awaiters = append(cv.awaiters, entry)
	cv.mu.Unlock()

	_, err = svcadapter.Run(ctx, func(a *svcadapter.Adapter[task.Void]) {
		entry.resume = func(err error) {
			if err != nil {
				a.SetException(err)
			} else {
				a.SetComplete()
			}
		}
		a.SetCancel(func() bool {
			cv.mu.Lock()
			defer cv.mu.Unlock()
			return cv.removeAwaiterLocked(entry)
		})
		if timeout > 0 {
			a.RequestTimeout(timeout)
		}
	})
	return err
}

func (cv *CondVar) removeAwaiterLocked(entry *waiterEntry) bool {
	for i, e := range cv.awaiters {
		if e == entry {
			cv.awaiters = append(cv.awaiters[:i], cv.awaiters[i+1:]...)
			return true
		}
	}
	return false
}

// Notify runs action (or, if nil, sets the default ready bit) under the
// internal mutex, then resumes the first awaiter — in FIFO order —
// whose predicate now succeeds.
func (cv *CondVar) Notify(action func()) {
	cv.mu.Lock()
	if action != nil {
		action()
	} else {
		cv.ready = true
	}
	for i, e := range cv.awaiters {
		ok, err := e.predicate()
		if err == nil && !ok {
			continue
		}
		cv.awaiters = append(cv.awaiters[:i], cv.awaiters[i+1:]...)
		cv.mu.Unlock()
		e.resume(err)
		return
	}
	cv.mu.Unlock()
}

// NotifyAll runs action under the internal mutex, then resumes every
// awaiter whose predicate succeeds (or fails with an error) in one pass.
func (cv *CondVar) NotifyAll(action func()) {
	cv.mu.Lock()
	if action != nil {
		action()
	} else {
		cv.ready = true
	}
	type resolved struct {
		resume func(error)
		err    error
	}
	var toResume []resolved
	remaining := cv.awaiters[:0:0]
	for _, e := range cv.awaiters {
		ok, err := e.predicate()
		switch {
		case err != nil:
			toResume = append(toResume, resolved{e.resume, err})
		case ok:
			toResume = append(toResume, resolved{e.resume, nil})
		default:
			remaining = append(remaining, e)
		}
	}
	cv.awaiters = remaining
	cv.mu.Unlock()
	for _, r := range toResume {
		r.resume(r.err)
	}
}

// Execute runs action under the internal mutex without attempting to
// resume any awaiter.
func (cv *CondVar) Execute(action func()) {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	action()
}

// Test runs fn under cv's internal mutex and returns its result. A
// free function rather than a method because Go methods cannot carry
// their own type parameters.
func Test[T any](cv *CondVar, fn func() T) T {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	return fn()
}

// Close marks the CondVar closed and resumes every outstanding waiter
// with a closed-I/O error, matching spec.md's "destroying the CV with
// awaiters outstanding" contract. Idempotent.
func (cv *CondVar) Close() {
	cv.mu.Lock()
	if cv.closed {
		cv.mu.Unlock()
		return
	}
	cv.closed = true
	awaiters := cv.awaiters
	cv.awaiters = nil
	cv.mu.Unlock()
	for _, e := range awaiters {
		e.resume(&errs.ClosedIOError{})
	}
}

// Mutex is a non-reentrant lock built directly on CondVar, per
// CoEvent.h's CoMutex: Lock waits on the condition "not locked", Unlock
// notifies with the action "clear locked".
type Mutex struct {
	cv     *CondVar
	locked bool
}

// NewMutex returns an unlocked Mutex.
func NewMutex() *Mutex { return &Mutex{cv: NewCondVar()} }

// Lock suspends the calling task until the mutex can be acquired.
func (m *Mutex) Lock(ctx *task.Context, timeout time.Duration) error {
	return m.cv.Wait(ctx, timeout, func() (bool, error) {
		if m.locked {
			return false, nil
		}
		m.locked = true
		return true, nil
	})
}

// Unlock releases the mutex, waking at most one waiter. Calling Unlock
// without holding the lock is a caller error (mirrors the C++ original:
// it simply hands a waiter the lock it never held).
func (m *Mutex) Unlock() {
	m.cv.Notify(func() { m.locked = false })
}

// BoundedQueue is a fixed-capacity FIFO of owned items T, built on two
// CondVars the way CoBlockingQueue.h pairs a pushCv and a takeCv over one
// backing list and one closed flag.
type BoundedQueue[T any] struct {
	mu       sync.Mutex
	capacity int
	items    []T
	pushCv   *CondVar
	takeCv   *CondVar
	closed   bool
}

// NewBoundedQueue returns an empty queue bounded at capacity items.
func NewBoundedQueue[T any](capacity int) *BoundedQueue[T] {
	return &BoundedQueue[T]{
		capacity: capacity,
		pushCv:   NewCondVar(),
		takeCv:   NewCondVar(),
	}
}

// Push transfers ownership of item into the queue, suspending the
// calling task while the queue is full. Fails with a closed-I/O error if
// Close has been called.
func (q *BoundedQueue[T]) Push(ctx *task.Context, item T, timeout time.Duration) error {
	err := q.pushCv.Wait(ctx, timeout, func() (bool, error) {
		q.mu.Lock()
		defer q.mu.Unlock()
		if q.closed {
			return false, &errs.ClosedIOError{}
		}
		if len(q.items) >= q.capacity {
			return false, nil
		}
		q.items = append(q.items, item)
		return true, nil
	})
	if err == nil {
		q.takeCv.Notify(nil)
	}
	return err
}

// Take removes and returns one item, suspending the calling task while
// the queue is empty. Once the queue is closed, Take continues to drain
// whatever remains before failing with a closed-I/O error.
func (q *BoundedQueue[T]) Take(ctx *task.Context, timeout time.Duration) (T, error) {
	var out T
	err := q.takeCv.Wait(ctx, timeout, func() (bool, error) {
		q.mu.Lock()
		defer q.mu.Unlock()
		if len(q.items) == 0 {
			if q.closed {
				return false, &errs.ClosedIOError{}
			}
			return false, nil
		}
		out = q.items[0]
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		return true, nil
	})
	if err == nil {
		q.pushCv.Notify(nil)
	}
	return out, err
}

// TryPush attempts to add item without suspending: it fails immediately
// (ok=false, err=nil) if the queue is full, rather than waiting for
// room. Used where a full queue indicates a programming error rather
// than transient backpressure (spec.md §4.9's event-queue overflow).
func (q *BoundedQueue[T]) TryPush(item T) (ok bool, err error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, &errs.ClosedIOError{}
	}
	if len(q.items) >= q.capacity {
		q.mu.Unlock()
		return false, nil
	}
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.takeCv.Notify(nil)
	return true, nil
}

// Close wakes all pushers (who fail immediately with a closed-I/O error)
// and lets takers drain remaining items before they too fail. Idempotent.
func (q *BoundedQueue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.pushCv.NotifyAll(nil)
	q.takeCv.NotifyAll(nil)
}

// IsClosed reports whether Close has been called.
func (q *BoundedQueue[T]) IsClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// IsEmpty reports whether the queue currently holds no items.
func (q *BoundedQueue[T]) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0
}
