//go:build linux

// Package watcher implements the readiness watcher (spec component C3): a
// single dedicated goroutine multiplexing OS-level readiness notifications
// for many file descriptors and delivering per-handle callbacks.
//
// Grounded on eventloop/poller_linux.go's FastPoller (epoll_create1,
// EPOLL_CTL_ADD/MOD/DEL, EpollWait), but run as its own continuously
// blocking goroutine — the teacher embeds its poller inside the event
// loop's own tick; this daemon's C3 is a standalone thread per spec.md
// §4.3, so the event-driven wiring happens through callbacks posted back
// into the dispatcher instead.
package watcher

import (
	"errors"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/kestrel-mesh/wfdirect/errs"
)

// Events describes the readiness edges reported for a watched descriptor.
type Events struct {
	Read    bool
	Write   bool
	Error   bool
	Hangup  bool
}

// Callback receives the readiness tuple for a watched descriptor. Invoked
// on the watcher's own goroutine — callers that need to touch dispatcher
// state must post back to the appropriate world themselves.
type Callback func(Events)

// Handle is an opaque, strictly monotonically increasing, non-zero
// identifier for a watch registration.
type Handle uint64

// pollTimeoutMillis bounds every wait so Stop is always timely, per
// spec.md §4.3 ("bounded timeout (≤500 ms)").
const pollTimeoutMillis = 500

var errClosed = errors.New("watcher: closed")

type registration struct {
	handle Handle
	fd     int
	cb     Callback
}

// Watcher is a single-threaded OS-level readiness multiplexer.
type Watcher struct {
	mu       sync.Mutex
	regs     map[int]*registration // keyed by fd
	byHandle map[Handle]int        // handle -> fd, for unwatch
	nextH    Handle
	epfd     int
	stopCh   chan struct{}
	doneCh   chan struct{}
	started  bool
	stopped  bool
}

// New constructs an unstarted Watcher.
func New() *Watcher {
	return &Watcher{
		regs:     make(map[int]*registration),
		byHandle: make(map[Handle]int),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start creates the epoll instance and launches the watcher goroutine.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	w.epfd = epfd
	w.started = true
	go w.loop()
	return nil
}

// Stop requests cooperative termination and joins the watcher goroutine.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started || w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	unix.Close(w.epfd)
}

// Watch begins watching fd for read/write/error/hangup readiness.
// Edge-triggered: the OS reports readiness transitions, not level state.
// Watch itself never invokes the callback; a descriptor that is already
// ready when it's armed is reported on the watcher goroutine's next wait
// iteration. Callers pair each Watch with exactly one Unwatch.
func (w *Watcher) Watch(fd int, cb Callback) (Handle, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return 0, errClosed
	}
	if _, exists := w.regs[fd]; exists {
		return 0, errors.New("watcher: fd already registered")
	}

	w.nextH++
	h := w.nextH
	reg := &registration{handle: h, fd: fd, cb: cb}
	w.regs[fd] = reg
	w.byHandle[h] = fd

	ev := &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLERR | unix.EPOLLHUP | unix.EPOLLET,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(w.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		delete(w.regs, fd)
		delete(w.byHandle, h)
		return 0, err
	}
	return h, nil
}

// Unwatch removes the registration for handle. Returns true if it existed.
// After return, no further callbacks fire for that handle.
func (w *Watcher) Unwatch(h Handle) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	fd, ok := w.byHandle[h]
	if !ok {
		return false
	}
	delete(w.byHandle, h)
	delete(w.regs, fd)
	unix.EpollCtl(w.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	return true
}

// loop is the watcher thread: wait, demultiplex, dispatch, repeat.
func (w *Watcher) loop() {
	defer close(w.doneCh)
	events := make([]unix.EpollEvent, 256)
	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		n, err := unix.EpollWait(w.epfd, events, pollTimeoutMillis)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			// spec.md §4.3: "other wait errors are fatal (the process
			// terminates with a diagnostic)."
			errs.Fatal("watcher", err, "epoll_wait failed")
			return
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			w.mu.Lock()
			reg, ok := w.regs[fd]
			w.mu.Unlock()
			if !ok || reg.cb == nil {
				continue
			}
			reg.cb(decodeEvents(events[i].Events))
		}
	}
}

func decodeEvents(mask uint32) Events {
	return Events{
		Read:   mask&unix.EPOLLIN != 0,
		Write:  mask&unix.EPOLLOUT != 0,
		Error:  mask&unix.EPOLLERR != 0,
		Hangup: mask&unix.EPOLLHUP != 0,
	}
}
