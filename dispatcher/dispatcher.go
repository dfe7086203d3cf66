// Package dispatcher implements the foreground event loop and background
// worker pool (spec component C4): the ready queue, the merged
// delayed-coroutine/delayed-function timer queue, cross-thread posting,
// and quit signalling.
//
// Grounded on eventloop/loop.go's Loop: a goroutine-identity-based
// "am I the loop" check (getGoroutineID), a min-heap of timers drained
// before posted work each tick, and a channel-based wakeup for posts
// arriving while the loop sleeps. This package drops the teacher's
// extensive lock-free/cache-line-padding performance machinery (chunked
// ingress, microtask rings, fast-path mode) — the daemon core posts at a
// scale where a mutex-protected Fifo is more than sufficient, and the
// spec's own invariants (strict FIFO, timers before ready tasks each
// tick) are the thing that has to be right, not throughput.
package dispatcher

import (
	"container/heap"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrel-mesh/wfdirect/errs"
	"github.com/kestrel-mesh/wfdirect/fifo"
)

// Dispatcher is the process-wide scheduler: one foreground world plus a
// background worker pool, as described in spec.md §4.4.
type Dispatcher struct {
	mu       sync.Mutex
	ready    *fifo.Fifo[func()]
	timers   timerHeap
	byHandle map[Handle]*timerEntry
	nextID   uint64
	quit     bool
	idleWait time.Duration

	wake chan struct{}

	loopGoroutineID atomic.Uint64

	workers *workerPool

	scavengeMu sync.Mutex
	scavenge   []func()
}

// New constructs a Dispatcher with the given options applied.
func New(opts ...Option) *Dispatcher {
	cfg := resolveOptions(opts)
	return &Dispatcher{
		ready:    fifo.New[func()](64),
		byHandle: make(map[Handle]*timerEntry),
		idleWait: cfg.idleWait,
		wake:     make(chan struct{}, 1),
		workers:  newWorkerPool(cfg.workerCount),
	}
}

// PostForeground schedules fn to run on the foreground world, in FIFO
// order relative to other foreground posts.
func (d *Dispatcher) PostForeground(fn func()) {
	d.mu.Lock()
	d.ready.Push(fn)
	d.mu.Unlock()
	d.signal()
}

// PostBackground schedules fn on the background worker pool.
func (d *Dispatcher) PostBackground(fn func()) {
	d.workers.Submit(fn)
}

// PostDelayedFunction schedules fn to run on the foreground after delay
// has elapsed. Returns a handle usable with CancelDelayedFunction.
func (d *Dispatcher) PostDelayedFunction(delay time.Duration, fn func()) Handle {
	return d.scheduleTimer(delay, fn, kindFunction)
}

// PostDelayedCoroutine is PostDelayedFunction's sibling for task.Context's
// Delay hop, kept as a distinct queue identity so same-deadline ties
// break toward function timers per spec.md §4.4.
func (d *Dispatcher) PostDelayedCoroutine(delay time.Duration, fn func()) Handle {
	return d.scheduleTimer(delay, fn, kindCoroutine)
}

func (d *Dispatcher) scheduleTimer(delay time.Duration, fn func(), kind timerKind) Handle {
	d.mu.Lock()
	d.nextID++
	te := &timerEntry{
		handle:   Handle(d.nextID),
		deadline: time.Now().Add(delay),
		kind:     kind,
		fn:       fn,
	}
	heap.Push(&d.timers, te)
	d.byHandle[te.handle] = te
	d.mu.Unlock()
	d.signal()
	return te.handle
}

// CancelDelayedFunction cancels a pending timer. Returns true iff the
// callback had not yet started running.
func (d *Dispatcher) CancelDelayedFunction(h Handle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	te, ok := d.byHandle[h]
	if !ok {
		return false
	}
	te.cancelled.Store(true)
	delete(d.byHandle, h)
	return true
}

// PostQuit causes the current MessageLoop to return after draining the
// next wake.
func (d *Dispatcher) PostQuit() {
	d.mu.Lock()
	d.quit = true
	d.mu.Unlock()
	d.signal()
}

// IsForeground reports whether the calling goroutine is the one
// currently executing MessageLoop's ready-queue drain.
func (d *Dispatcher) IsForeground() bool {
	id := d.loopGoroutineID.Load()
	if id == 0 {
		return false
	}
	return getGoroutineID() == id
}

// MessageLoop runs the foreground loop until PostQuit is called. Nesting
// (calling MessageLoop re-entrantly from within a ready-queue callback)
// is forbidden; use PumpUntil for that case instead.
func (d *Dispatcher) MessageLoop() {
	self := getGoroutineID()
	d.loopGoroutineID.Store(self)
	defer d.loopGoroutineID.Store(0)

	for {
		d.mu.Lock()
		if d.quit {
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()
		d.tick(nil)
	}
}

// PumpUntil drains the foreground loop — timers, then ready tasks — on
// the calling goroutine until stop is closed or quit is posted. Used by
// task.GetResult to bootstrap a synchronous wait from non-task code
// without reentering MessageLoop itself.
func (d *Dispatcher) PumpUntil(stop <-chan struct{}) {
	self := getGoroutineID()
	prev := d.loopGoroutineID.Swap(self)
	defer d.loopGoroutineID.Store(prev)

	for {
		select {
		case <-stop:
			return
		default:
		}
		d.mu.Lock()
		if d.quit {
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()
		d.tick(stop)
	}
}

// tick runs one iteration of the loop body: drain expired timers, then
// at most one ready task, or sleep bounded by the next deadline (or
// idleWait if none) if nothing is due. stop, if non-nil, interrupts an
// idle sleep early.
func (d *Dispatcher) tick(stop <-chan struct{}) {
	d.mu.Lock()
	now := time.Now()
	var due []func()
	for d.timers.Len() > 0 && !d.timers[0].deadline.After(now) {
		te := heap.Pop(&d.timers).(*timerEntry)
		delete(d.byHandle, te.handle)
		if !te.cancelled.Load() {
			due = append(due, te.fn)
		}
	}

	var readyFn func()
	hasReady := false
	if len(due) == 0 && !d.ready.Empty() {
		readyFn = d.ready.Pop()
		hasReady = true
	}

	var wait time.Duration
	mustSleep := len(due) == 0 && !hasReady
	if mustSleep {
		wait = d.idleWait
		if d.timers.Len() > 0 {
			if u := time.Until(d.timers[0].deadline); u < wait {
				wait = u
			}
		}
		if wait < 0 {
			wait = 0
		}
	}
	d.mu.Unlock()

	d.scavengeOnce()

	for _, fn := range due {
		runGuarded(fn)
	}
	if hasReady {
		runGuarded(readyFn)
		return
	}
	if len(due) > 0 {
		return
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	if stop != nil {
		select {
		case <-d.wake:
		case <-timer.C:
		case <-stop:
		}
		return
	}
	select {
	case <-d.wake:
	case <-timer.C:
	}
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// SleepFor blocks the calling goroutine for at least duration. Off the
// foreground (background workers, task bodies on their own goroutines)
// this is a plain OS sleep. On the foreground loop goroutine a plain
// sleep would stall every timer and ready task, so it instead posts a
// delayed wake and pumps the loop via PumpUntil until that wake fires;
// a PostQuit during the sleep ends it early.
func (d *Dispatcher) SleepFor(duration time.Duration) {
	if !d.IsForeground() {
		time.Sleep(duration)
		return
	}
	done := make(chan struct{})
	d.PostDelayedFunction(duration, func() { close(done) })
	d.PumpUntil(done)
}

// SleepUntil blocks the calling goroutine until the given time.
func (d *Dispatcher) SleepUntil(t time.Time) {
	d.SleepFor(time.Until(t))
}

// StartThread takes ownership of a detached, fire-and-forget function and
// runs it on its own goroutine. A panic propagating out of fn is treated
// as the task's exception and terminates the process via the logger,
// per spec.md §4.4.
func (d *Dispatcher) StartThread(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				err, ok := r.(error)
				if !ok {
					err = &panicValue{r}
				}
				errs.Fatal("dispatcher", err, "detached task terminated with an exception")
			}
		}()
		fn()
	}()
}

type panicValue struct{ v any }

func (p *panicValue) Error() string { return formatPanic(p.v) }

func formatPanic(v any) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return "panic: " + toString(v)
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return "non-error panic value"
}

// Stop quiesces the worker pool and clears pending timers, matching
// spec.md §5's lifetime discipline ("destruction stops the pool first,
// then clears timers").
func (d *Dispatcher) Stop() {
	d.workers.Stop()
	d.mu.Lock()
	d.timers = nil
	d.byHandle = make(map[Handle]*timerEntry)
	d.mu.Unlock()
}

// ResizeWorkers adjusts the background pool to exactly n workers.
func (d *Dispatcher) ResizeWorkers(n int) {
	d.workers.Resize(n)
}

// Scavenge registers fn to run once on the foreground thread at the
// start of the next tick, used to reap bookkeeping for completed
// fire-and-forget tasks without blocking the caller. Grounded on
// eventloop/registry.go's ring-buffer scavenger, simplified to a plain
// slice: this runtime's scavenged set is bounded by outstanding detached
// tasks, not by every live promise in the process, so batching over a
// ring buffer buys nothing here.
func (d *Dispatcher) Scavenge(fn func()) {
	d.scavengeMu.Lock()
	d.scavenge = append(d.scavenge, fn)
	d.scavengeMu.Unlock()
}

func (d *Dispatcher) scavengeOnce() {
	d.scavengeMu.Lock()
	if len(d.scavenge) == 0 {
		d.scavengeMu.Unlock()
		return
	}
	batch := d.scavenge
	d.scavenge = nil
	d.scavengeMu.Unlock()
	for _, fn := range batch {
		fn()
	}
}

func runGuarded(fn func()) {
	if fn != nil {
		fn()
	}
}

// getGoroutineID returns the current goroutine's runtime ID, parsed out
// of runtime.Stack's "goroutine N [...]" header. Reused verbatim from
// eventloop/loop.go's identity check for "is this the loop thread".
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
