// Package svcadapter implements the service adapter (spec component C6):
// a generic bridge from callback-driven native operations into
// task-awaitables, with timeout and orderly cancellation, safely
// resumed on the world (foreground or background) the caller suspended
// from.
//
// The state machine is grounded on eventloop/state.go's FastState: a
// single integer state guarded by one mutex (the teacher uses pure CAS
// because LoopState's transitions are simple two-state swaps; this
// adapter's nine states and cross-checked cancellation races are easier
// to get right under an explicit mutex than a CAS loop, so the "guarded
// by a single per-adapter mutex" wording of spec.md §4.6 is taken
// literally rather than lock-free).
package svcadapter

import (
	"sync"
	"time"

	"github.com/kestrel-mesh/wfdirect/dispatcher"
	"github.com/kestrel-mesh/wfdirect/errs"
	"github.com/kestrel-mesh/wfdirect/task"
)

// state enumerates the adapter's lifecycle, per spec.md §4.6's table.
type state int8

const (
	stExecuting state = iota
	stExecutingResumed
	stExecutingTimedOut
	stExecutingTimedOutAndResumed
	stExecuted
	stResumedTimeoutInFlight
	stTimedOutResumeInFlight
	stResuming
	stResumed
)

func (s state) String() string {
	switch s {
	case stExecuting:
		return "Executing"
	case stExecutingResumed:
		return "ExecutingResumed"
	case stExecutingTimedOut:
		return "ExecutingTimedOut"
	case stExecutingTimedOutAndResumed:
		return "ExecutingTimedOutAndResumed"
	case stExecuted:
		return "Executed"
	case stResumedTimeoutInFlight:
		return "ResumedTimeoutInFlight"
	case stTimedOutResumeInFlight:
		return "TimedOutResumeInFlight"
	case stResuming:
		return "Resuming"
	case stResumed:
		return "Resumed"
	default:
		return "Unknown"
	}
}

// ExecuteFunc is the operation's entry point: called synchronously while
// the awaiter is being suspended. It must arrange for exactly one future
// call to a's SetResult/SetComplete/SetException, and should register its
// cancellation hook via a.SetCancel before returning (or before handing
// off to whatever goroutine will eventually call back).
type ExecuteFunc[T any] func(a *Adapter[T])

// Adapter bridges one callback-style operation into a suspend/resume
// pair. Not reusable — constructed fresh by Run for each operation.
type Adapter[T any] struct {
	mu       sync.Mutex
	st       state
	d        *dispatcher.Dispatcher
	fg       bool // origin world: true = foreground, false = background
	timerH   dispatcher.Handle
	hasTimer bool
	cancelOp    func() bool
	opCancelled bool // result of the single cancelOp attempt made when a timeout fires mid-Executing

	value T
	err   error

	resumeCh chan struct{}
}

// Run constructs an Adapter, calls exec synchronously, then suspends the
// calling goroutine until the operation (or a timeout) resumes it,
// returning the eventual value and error.
func Run[T any](ctx *task.Context, exec ExecuteFunc[T]) (T, error) {
	a := &Adapter[T]{
		d:        ctx.Dispatcher(),
		fg:       ctx.Dispatcher().IsForeground(),
		st:       stExecuting,
		resumeCh: make(chan struct{}),
	}
	exec(a)
	a.onExecuteReturned()
	<-a.resumeCh
	return a.value, a.err
}

// SetCancel registers the operation's cancellation hook. cancel must
// return true iff no future SetResult/SetComplete/SetException call will
// occur; false means a callback is already in flight and the adapter
// must race it out.
func (a *Adapter[T]) SetCancel(cancel func() bool) {
	a.mu.Lock()
	a.cancelOp = cancel
	a.mu.Unlock()
}

// RequestTimeout arms a one-shot timeout. Must be called only from
// inside exec. Zero disables the timeout; a negative duration forces an
// immediate timeout (a testing hook, per spec.md §4.6).
func (a *Adapter[T]) RequestTimeout(d time.Duration) {
	if d == 0 {
		return
	}
	a.mu.Lock()
	if a.st != stExecuting {
		// exec's callback already resumed the operation (from another
		// goroutine) before exec got around to calling RequestTimeout;
		// arming a timer now would only fire into a state that no
		// longer expects it, so there's nothing left to schedule.
		a.mu.Unlock()
		return
	}
	if d < 0 {
		a.mu.Unlock()
		a.d.PostForeground(a.timeoutEvent)
		return
	}
	a.timerH = a.d.PostDelayedFunction(d, a.timeoutEvent)
	a.hasTimer = true
	a.mu.Unlock()
}

// SetResult reports that the operation produced value v.
func (a *Adapter[T]) SetResult(v T) { a.resumeEvent(v, nil) }

// SetComplete reports that the operation finished with no value (for
// Task[Void]-shaped adapters).
func (a *Adapter[T]) SetComplete() {
	var zero T
	a.resumeEvent(zero, nil)
}

// SetException reports that the operation failed.
func (a *Adapter[T]) SetException(err error) {
	var zero T
	a.resumeEvent(zero, err)
}

// onExecuteReturned handles the "execute returns" event — exec (the
// ExecuteFunc passed to Run) has finished its synchronous setup.
func (a *Adapter[T]) onExecuteReturned() {
	a.mu.Lock()
	switch a.st {
	case stExecuting:
		a.st = stExecuted
		a.mu.Unlock()
	case stExecutingResumed:
		a.cancelTimerLocked()
		a.st = stResuming
		a.mu.Unlock()
		a.postResume()
	case stExecutingTimedOut:
		if a.opCancelled {
			a.st = stResuming
			a.mu.Unlock()
			a.postResume()
		} else {
			a.st = stTimedOutResumeInFlight
			a.mu.Unlock()
		}
	case stExecutingTimedOutAndResumed:
		// timeout wins; a.err already holds the timeout error.
		a.st = stResuming
		a.mu.Unlock()
		a.postResume()
	default:
		a.mu.Unlock()
		errs.Fatal("svcadapter", nil, "execute returned in unexpected state %v", a.st)
	}
}

// resumeEvent handles the operation calling back with a result.
func (a *Adapter[T]) resumeEvent(v T, err error) {
	a.mu.Lock()
	switch a.st {
	case stExecuting:
		a.value, a.err = v, err
		a.cancelTimerLocked()
		a.st = stExecutingResumed
		a.mu.Unlock()
	case stExecutingTimedOut:
		// timeout already recorded and wins; discard v/err.
		a.st = stExecutingTimedOutAndResumed
		a.mu.Unlock()
	case stExecuted:
		if a.cancelTimerLocked() {
			a.value, a.err = v, err
			a.st = stResuming
			a.mu.Unlock()
			a.postResume()
			return
		}
		a.value, a.err = v, err
		a.st = stResumedTimeoutInFlight
		a.mu.Unlock()
	case stTimedOutResumeInFlight:
		// timeout already committed as the result; discard v/err.
		a.st = stResuming
		a.mu.Unlock()
		a.postResume()
	default:
		a.mu.Unlock()
		errs.Fatal("svcadapter", nil, "operation resumed in unexpected state %v", a.st)
	}
}

// timeoutEvent handles the armed timer firing.
func (a *Adapter[T]) timeoutEvent() {
	a.mu.Lock()
	switch a.st {
	case stExecuting:
		a.err = &errs.TimeoutError{}
		a.opCancelled = a.cancelOpLocked()
		a.st = stExecutingTimedOut
		a.mu.Unlock()
	case stExecuted:
		var zero T
		if a.cancelOpLocked() {
			a.value, a.err = zero, &errs.TimeoutError{}
			a.st = stResuming
			a.mu.Unlock()
			a.postResume()
			return
		}
		a.value, a.err = zero, &errs.TimeoutError{}
		a.st = stTimedOutResumeInFlight
		a.mu.Unlock()
	case stResumedTimeoutInFlight:
		// normal resume already committed as the result; keep it.
		a.st = stResuming
		a.mu.Unlock()
		a.postResume()
	default:
		a.mu.Unlock()
		errs.Fatal("svcadapter", nil, "timeout fired in unexpected state %v", a.st)
	}
}

// cancelTimerLocked attempts to cancel the armed timer. Returns true if
// there was no timer to begin with, or if cancellation succeeded (the
// timeout callback is guaranteed never to fire).
func (a *Adapter[T]) cancelTimerLocked() bool {
	if !a.hasTimer {
		return true
	}
	ok := a.d.CancelDelayedFunction(a.timerH)
	a.hasTimer = false
	return ok
}

// cancelOpLocked attempts to cancel the operation. Returns false
// (conservatively) if no cancellation hook was ever registered.
func (a *Adapter[T]) cancelOpLocked() bool {
	if a.cancelOp == nil {
		return false
	}
	return a.cancelOp()
}

// postResume posts the continuation to the origin world and marks the
// adapter Resumed — the only state, other than never having suspended
// at all, in which destruction is valid per spec.md §3.
func (a *Adapter[T]) postResume() {
	a.mu.Lock()
	fg := a.fg
	a.mu.Unlock()

	finish := func() {
		a.mu.Lock()
		a.st = stResumed
		a.mu.Unlock()
		close(a.resumeCh)
	}
	if fg {
		a.d.PostForeground(finish)
	} else {
		a.d.PostBackground(finish)
	}
}
