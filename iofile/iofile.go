// Package iofile implements the async file (spec component C8): regular
// files and Unix sockets opened non-blocking and driven by the
// readiness watcher (C3), exposing suspend-until-ready read/write/line
// operations to task bodies.
//
// Grounded on original_source/lib/cotask/CoFile.h: a readCv/writeCv
// pair of condition variables gate read/write readiness (their default
// "ready bit" semantics absorb edge-triggered watcher callbacks without
// losing a wakeup that arrives before anyone is waiting), and a
// closeCv plus a pendingOperations counter — incremented by every
// outstanding call, decremented (and notified) when it returns — lets
// Close suspend until every in-flight operation has unwound before the
// file descriptor is actually closed.
package iofile

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kestrel-mesh/wfdirect/errs"
	"github.com/kestrel-mesh/wfdirect/syncx"
	"github.com/kestrel-mesh/wfdirect/task"
	"github.com/kestrel-mesh/wfdirect/watcher"
)

// OpenMode selects how Open prepares the underlying file descriptor.
type OpenMode int

const (
	Read OpenMode = iota
	Create
	Append
	ReadWrite
)

const lineBufferSize = 512

// AsyncFile wraps one non-blocking file descriptor watched by a
// *watcher.Watcher, exposing readiness-gated read/write operations to
// task bodies. Read, Recv, and ReadLine are not serialised against each
// other — spec.md's C8 contract is one reader at a time, same as the
// original — while Write, Send, and WriteLine are serialised by an
// internal mutex.
type AsyncFile struct {
	w *watcher.Watcher

	mu        sync.Mutex
	fd        int
	handle    watcher.Handle
	hasHandle bool

	// closed, closing, and pendingOps change as one atomic step and so
	// share closeCv's internal mutex (via Execute/Test), never a.mu:
	// beginOp's closed/closing check and its pendingOps increment must
	// happen together, or a concurrent Close can observe pendingOps==0
	// and close the descriptor out from under an operation that passed
	// the check but hadn't registered itself yet.
	closed  bool
	closing bool

	readCv  *syncx.CondVar
	writeCv *syncx.CondVar
	closeCv *syncx.CondVar

	pendingOps int

	writeMu *syncx.Mutex

	lineBuf  [lineBufferSize]byte
	lineHead int
	lineTail int
}

// New returns a closed AsyncFile watched via w once Open/Attach gives it
// a descriptor.
func New(w *watcher.Watcher) *AsyncFile {
	return &AsyncFile{
		w:       w,
		fd:      -1,
		closed:  true,
		readCv:  syncx.NewCondVar(),
		writeCv: syncx.NewCondVar(),
		closeCv: syncx.NewCondVar(),
		writeMu: syncx.NewMutex(),
	}
}

// IsOpen reports whether the file currently holds a descriptor.
func (a *AsyncFile) IsOpen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fd != -1
}

func openFlags(mode OpenMode) int {
	switch mode {
	case Create:
		return unix.O_WRONLY | unix.O_CREAT | unix.O_TRUNC
	case Append:
		return unix.O_WRONLY | unix.O_CREAT | unix.O_APPEND
	case ReadWrite:
		return unix.O_RDWR | unix.O_CREAT
	default:
		return unix.O_RDONLY
	}
}

// Open opens path in mode as a non-blocking, close-on-exec descriptor
// and attaches it.
func (a *AsyncFile) Open(path string, mode OpenMode) error {
	fd, err := unix.Open(path, openFlags(mode)|unix.O_NONBLOCK|unix.O_CLOEXEC, 0o644)
	if err != nil {
		return &errs.IOError{Cause: err, Message: "open " + path}
	}
	return a.Attach(fd)
}

// Attach adopts fd, closing and unwatching whatever descriptor was
// previously held.
func (a *AsyncFile) Attach(fd int) error {
	a.mu.Lock()
	oldFd, oldHandle, hadHandle := a.fd, a.handle, a.hasHandle
	a.fd = fd
	a.hasHandle = false
	a.mu.Unlock()
	a.closeCv.Execute(func() { a.closed = false })

	if hadHandle {
		a.w.Unwatch(oldHandle)
	}
	if oldFd != -1 {
		_ = unix.Close(oldFd)
	}

	h, err := a.w.Watch(fd, func(ev watcher.Events) {
		if ev.Read || ev.Error || ev.Hangup {
			a.readCv.Notify(nil)
		}
		if ev.Write || ev.Error {
			a.writeCv.Notify(nil)
		}
	})
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.handle = h
	a.hasHandle = true
	a.mu.Unlock()
	return nil
}

// Detach stops watching the current descriptor and returns it without
// closing it, leaving the AsyncFile closed.
func (a *AsyncFile) Detach() int {
	a.mu.Lock()
	fd, handle, hasHandle := a.fd, a.handle, a.hasHandle
	a.fd = -1
	a.hasHandle = false
	a.mu.Unlock()
	a.closeCv.Execute(func() { a.closed = true })
	if hasHandle {
		a.w.Unwatch(handle)
	}
	return fd
}

// beginOp registers one in-flight operation, rejecting it outright if
// the file is closed or a Close is already underway. The check and the
// increment run under the same closeCv.Execute call so they're atomic
// with respect to Close's own closed/closing/pendingOps handling.
func (a *AsyncFile) beginOp() error {
	var err error
	a.closeCv.Execute(func() {
		if a.closed || a.closing {
			err = &errs.ClosedIOError{}
			return
		}
		a.pendingOps++
	})
	return err
}

func (a *AsyncFile) endOp() {
	a.closeCv.Notify(func() { a.pendingOps-- })
}

func (a *AsyncFile) fdLocked() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fd
}

// Close unwatches and closes the descriptor, suspending the calling
// task until every in-flight operation has unwound. Outstanding reads
// and writes are woken immediately with a closed-I/O error. Idempotent.
func (a *AsyncFile) Close(ctx *task.Context) error {
	var alreadyClosed bool
	a.closeCv.Execute(func() {
		if a.closed {
			alreadyClosed = true
			return
		}
		a.closing = true
	})
	if alreadyClosed {
		return nil
	}

	a.mu.Lock()
	handle, hasHandle, fd := a.handle, a.hasHandle, a.fd
	a.mu.Unlock()

	if hasHandle {
		a.w.Unwatch(handle)
	}
	a.readCv.Close()
	a.writeCv.Close()

	// beginOp checks closed/closing and increments pendingOps under the
	// same closeCv lock as this predicate, so any operation that passed
	// beginOp before this point is already counted here, and none can
	// pass beginOp after closing was set above — the predicate seeing
	// pendingOps==0 is therefore a genuine drain, not a race window.
	err := a.closeCv.Wait(ctx, 0, func() (bool, error) {
		return a.pendingOps == 0, nil
	})

	a.closeCv.Execute(func() {
		a.closed = true
		a.closing = false
	})
	a.mu.Lock()
	a.fd = -1
	a.hasHandle = false
	a.mu.Unlock()

	if fd != -1 {
		_ = unix.Close(fd)
	}
	// closeCv.Wait only ever fails if closeCv itself was separately
	// closed (it isn't, here), so err is always nil in practice; still
	// surface it rather than swallow a future change in that contract.
	return err
}

func isRetryable(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}

// Read returns whatever bytes are immediately available, suspending
// (bounded by timeout, if positive) while none are. Zero means
// end-of-file.
func (a *AsyncFile) Read(ctx *task.Context, buf []byte, timeout time.Duration) (int, error) {
	if err := a.beginOp(); err != nil {
		return 0, err
	}
	defer a.endOp()

	for {
		n, err := unix.Read(a.fdLocked(), buf)
		if err == nil {
			return n, nil
		}
		if isRetryable(err) {
			if werr := a.readCv.Wait(ctx, timeout, nil); werr != nil {
				return 0, werr
			}
			continue
		}
		return 0, &errs.IOError{Cause: err, Message: "read"}
	}
}

// Recv behaves like Read but with datagram semantics: a zero-length
// read is a valid empty datagram, not necessarily end-of-file.
func (a *AsyncFile) Recv(ctx *task.Context, buf []byte, timeout time.Duration) (int, error) {
	if err := a.beginOp(); err != nil {
		return 0, err
	}
	defer a.endOp()

	for {
		n, _, err := unix.Recvfrom(a.fdLocked(), buf, 0)
		if err == nil {
			return n, nil
		}
		if isRetryable(err) {
			if werr := a.readCv.Wait(ctx, timeout, nil); werr != nil {
				return 0, werr
			}
			continue
		}
		return 0, &errs.IOError{Cause: err, Message: "recv"}
	}
}

// writeAll assumes writeMu is already held by the caller and writes the
// entire buffer, retrying on readiness as needed.
func (a *AsyncFile) writeAll(ctx *task.Context, data []byte, timeout time.Duration, datagram bool) error {
	if datagram {
		// A single datagram write, one send call regardless of length
		// (a zero-length datagram is a real, valid write).
		for {
			err := unix.Sendto(a.fdLocked(), data, 0, nil)
			if err == nil {
				return nil
			}
			if isRetryable(err) {
				if werr := a.writeCv.Wait(ctx, timeout, nil); werr != nil {
					return werr
				}
				continue
			}
			return &errs.IOError{Cause: err, Message: "send"}
		}
	}

	written := 0
	for written < len(data) {
		n, err := unix.Write(a.fdLocked(), data[written:])
		if err == nil {
			written += n
			continue
		}
		if isRetryable(err) {
			if werr := a.writeCv.Wait(ctx, timeout, nil); werr != nil {
				return werr
			}
			continue
		}
		return &errs.IOError{Cause: err, Message: "write"}
	}
	return nil
}

// Write writes the entire buffer, suspending on write readiness as
// needed, or fails. Retries EAGAIN/EWOULDBLOCK by awaiting write
// readiness.
func (a *AsyncFile) Write(ctx *task.Context, data []byte, timeout time.Duration) error {
	if err := a.beginOp(); err != nil {
		return err
	}
	defer a.endOp()
	if err := a.writeMu.Lock(ctx, 0); err != nil {
		return err
	}
	defer a.writeMu.Unlock()
	return a.writeAll(ctx, data, timeout, false)
}

// Send writes data as a single datagram (zero-length datagrams are
// valid and are actually transmitted).
func (a *AsyncFile) Send(ctx *task.Context, data []byte, timeout time.Duration) error {
	if err := a.beginOp(); err != nil {
		return err
	}
	defer a.endOp()
	if err := a.writeMu.Lock(ctx, 0); err != nil {
		return err
	}
	defer a.writeMu.Unlock()
	return a.writeAll(ctx, data, timeout, true)
}

// ReadLine reads a single newline-terminated line (the trailing newline
// is stripped) using an internal 512-byte buffer. Returns false only on
// end-of-file with no residual, unterminated data.
func (a *AsyncFile) ReadLine(ctx *task.Context, timeout time.Duration) (string, bool, error) {
	var sb strings.Builder
	for {
		for i := a.lineHead; i < a.lineTail; i++ {
			if a.lineBuf[i] == '\n' {
				sb.Write(a.lineBuf[a.lineHead:i])
				a.lineHead = i + 1
				return sb.String(), true, nil
			}
		}
		sb.Write(a.lineBuf[a.lineHead:a.lineTail])
		a.lineHead, a.lineTail = 0, 0

		n, err := a.Read(ctx, a.lineBuf[:], timeout)
		if err != nil {
			return "", false, err
		}
		if n == 0 {
			if sb.Len() == 0 {
				return "", false, nil
			}
			return sb.String(), true, nil
		}
		a.lineTail = n
	}
}

// WriteLine writes s followed by a newline, atomically with respect to
// other Write/Send/WriteLine callers.
func (a *AsyncFile) WriteLine(ctx *task.Context, s string, timeout time.Duration) error {
	if err := a.beginOp(); err != nil {
		return err
	}
	defer a.endOp()
	if err := a.writeMu.Lock(ctx, 0); err != nil {
		return err
	}
	defer a.writeMu.Unlock()
	return a.writeAll(ctx, append([]byte(s), '\n'), timeout, false)
}

// CreateSocketPair returns two connected, non-blocking, close-on-exec
// Unix stream AsyncFiles, each attached to one end.
func CreateSocketPair(w *watcher.Watcher) (a, b *AsyncFile, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, &errs.IOError{Cause: err, Message: "socketpair"}
	}
	a = New(w)
	b = New(w)
	if err := a.Attach(fds[0]); err != nil {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		return nil, nil, err
	}
	if err := b.Attach(fds[1]); err != nil {
		_ = unix.Close(fds[1])
		return nil, nil, err
	}
	return a, b, nil
}
