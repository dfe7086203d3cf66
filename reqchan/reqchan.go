// Package reqchan implements the request/response channel (spec
// component C9): a pair of non-blocking Unix datagram sockets to a
// wpa_supplicant-style control interface, one carrying synchronous
// command/reply traffic, the other an ATTACH'd asynchronous event
// stream drained by a background receive task and dispatched on the
// foreground by a handler task.
//
// Grounded on original_source/pipedal_p2pd/WpaCtrl.{h,cpp} (Open's
// process-private client bind path with its EADDRINUSE retry-twice,
// CoRequest's fatal "event landed on the request socket" check,
// AttachHelper's no-trailing-newline ATTACH/DETACH handshake) and
// wpap2pd/WpaChannel.cpp's ListSta (STA-FIRST/STA-NEXT pagination).
package reqchan

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kestrel-mesh/wfdirect/errs"
	"github.com/kestrel-mesh/wfdirect/iofile"
	"github.com/kestrel-mesh/wfdirect/logx"
	"github.com/kestrel-mesh/wfdirect/syncx"
	"github.com/kestrel-mesh/wfdirect/task"
	"github.com/kestrel-mesh/wfdirect/watcher"
)

const (
	replyBufferSize           = 4096
	defaultRequestTimeout     = 600 * time.Second
	defaultEventQueueCapacity = 512
	clientSocketDirDefault    = "/tmp"
)

// EventHandler is invoked, on the foreground, once per dequeued event.
type EventHandler func(Event)

// Option configures a Channel at Open time.
type Option func(*options)

type options struct {
	eventQueueCapacity int
	clientDir          string
}

// WithEventQueueCapacity overrides the bounded event queue's capacity
// (default 512, per spec.md §4.9).
func WithEventQueueCapacity(n int) Option {
	return func(o *options) { o.eventQueueCapacity = n }
}

// WithClientDir overrides the directory client-side socket names are
// bound under (default /tmp, per WpaCtrl.cpp's CONFIG_CTRL_IFACE_CLIENT_DIR).
func WithClientDir(dir string) Option {
	return func(o *options) { o.clientDir = dir }
}

func resolveOptions(opts []Option) *options {
	o := &options{
		eventQueueCapacity: defaultEventQueueCapacity,
		clientDir:          clientSocketDirDefault,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

var instanceID atomic.Uint64

// Channel is an open pair of command and event sockets to one control
// interface.
type Channel struct {
	w *watcher.Watcher

	cmd *iofile.AsyncFile
	evt *iofile.AsyncFile

	cmdMu *syncx.Mutex

	events  *syncx.BoundedQueue[Event]
	handler EventHandler

	recvTask    *task.Task[task.Void]
	handlerTask *task.Task[task.Void]

	serverPath string
}

// bindClientSocket creates a non-blocking, close-on-exec Unix datagram
// socket bound to a process-private path under dir and connected to
// serverPath. Mirrors WpaCtrl::Open's EADDRINUSE dance: on that error
// the stale path is unlinked and the bind retried, at most twice.
func bindClientSocket(dir, serverPath string) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, &errs.IOError{Cause: err, Message: "socket"}
	}

	clientPath := fmt.Sprintf("%s/hp2p-%d-%d", dir, os.Getpid(), instanceID.Add(1))

	local := &unix.SockaddrUnix{Name: clientPath}
	for tries := 0; ; tries++ {
		err = unix.Bind(fd, local)
		if err == nil {
			break
		}
		if err == unix.EADDRINUSE && tries < 2 {
			_ = unix.Unlink(clientPath)
			continue
		}
		_ = unix.Close(fd)
		return -1, &errs.IOError{Cause: err, Message: "bind " + clientPath}
	}

	dest := &unix.SockaddrUnix{Name: serverPath}
	if err := unix.Connect(fd, dest); err != nil {
		_ = unix.Close(fd)
		_ = unix.Unlink(clientPath)
		if err == unix.ENOENT {
			return -1, &errs.FileNotFoundError{Path: serverPath, Cause: err}
		}
		return -1, &errs.IOError{Cause: err, Message: "connect " + serverPath}
	}
	return fd, nil
}

// isEventFrame reports whether reply looks like an event that was
// misdelivered to a request/ATTACH reply socket: a `<P>TAG...` line or
// an `IFNAME=` prefixed one.
func isEventFrame(reply []byte) bool {
	if len(reply) > 0 && reply[0] == '<' {
		return true
	}
	return len(reply) > 7 && string(reply[:7]) == "IFNAME="
}

// Open connects both the command and event sockets to serverPath,
// performs the event socket's ATTACH handshake, and starts the receive
// and foreground handler tasks. handler is called once per event, on
// the foreground, until Close.
func Open(ctx *task.Context, w *watcher.Watcher, serverPath string, handler EventHandler, opts ...Option) (*Channel, error) {
	o := resolveOptions(opts)

	cmdFd, err := bindClientSocket(o.clientDir, serverPath)
	if err != nil {
		return nil, err
	}
	evtFd, err := bindClientSocket(o.clientDir, serverPath)
	if err != nil {
		_ = unix.Close(cmdFd)
		return nil, err
	}

	c := &Channel{
		w:          w,
		cmd:        iofile.New(w),
		evt:        iofile.New(w),
		cmdMu:      syncx.NewMutex(),
		events:     syncx.NewBoundedQueue[Event](o.eventQueueCapacity),
		handler:    handler,
		serverPath: serverPath,
	}
	if err := c.cmd.Attach(cmdFd); err != nil {
		_ = unix.Close(cmdFd)
		_ = unix.Close(evtFd)
		return nil, err
	}
	if err := c.evt.Attach(evtFd); err != nil {
		_ = unix.Close(evtFd)
		return nil, err
	}

	if err := c.attachHandshake(ctx); err != nil {
		_ = c.cmd.Close(ctx)
		_ = c.evt.Close(ctx)
		return nil, err
	}

	c.recvTask = task.Go(ctx, func(ctx *task.Context) (task.Void, error) {
		c.receiveLoop(ctx)
		return task.Void{}, nil
	})
	c.handlerTask = task.Go(ctx, func(ctx *task.Context) (task.Void, error) {
		ctx.Foreground()
		c.handlerLoop(ctx)
		return task.Void{}, nil
	})

	return c, nil
}

// attachHandshake sends ATTACH (deliberately without a trailing
// newline, per WpaCtrl::AttachHelper) on the event socket and waits for
// a literal "OK" reply. Only valid before the receive task starts
// pulling datagrams off the same socket.
func (c *Channel) attachHandshake(ctx *task.Context) error {
	const cmd = "ATTACH"
	if err := c.evt.Send(ctx, []byte(cmd), defaultRequestTimeout); err != nil {
		return err
	}
	buf := make([]byte, replyBufferSize)
	for {
		n, err := c.evt.Recv(ctx, buf, defaultRequestTimeout)
		if err != nil {
			return err
		}
		if n == 0 {
			return &errs.ClosedIOError{Message: cmd + ": peer closed"}
		}
		reply := buf[:n]
		if isEventFrame(reply) {
			errs.Fatal("reqchan", nil, "event arrived on the ATTACH handshake socket")
			return nil
		}
		if string(reply) == "OK\n" || string(reply) == "OK" {
			return nil
		}
		return &errs.RequestFailedError{Command: cmd, Reply: string(reply)}
	}
}

// receiveLoop runs on a background worker for the lifetime of the
// Channel, turning event datagrams into queued Events until the event
// socket is closed.
func (c *Channel) receiveLoop(ctx *task.Context) {
	buf := make([]byte, replyBufferSize)
	for {
		n, err := c.evt.Recv(ctx, buf, 0)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		ev, ok := ParseLine(string(buf[:n]))
		if !ok {
			continue
		}
		if pushed, err := c.events.TryPush(ev); err != nil {
			return
		} else if !pushed {
			errs.Fatal("reqchan", nil, "event queue overflowed: foreground handler is unresponsive")
			return
		}
	}
}

// handlerLoop runs on the foreground for the lifetime of the Channel,
// dequeuing events and invoking the subscriber hook on the same thread
// they'll act on.
func (c *Channel) handlerLoop(ctx *task.Context) {
	for {
		ev, err := c.events.Take(ctx, 0)
		if err != nil {
			return
		}
		if c.handler != nil {
			c.handler(ev)
		}
	}
}

// Close marks the channel disconnected, closes the event socket
// (waking the background receive task with a closed-I/O error), joins
// both the receive and foreground handler tasks, then closes the
// command socket. No DETACH handshake is attempted here — unlike Open's
// ATTACH, spec.md §4.9's close() doesn't wait on a reply, and doing so
// would contend with the receive task already draining the same
// socket. Safe to call once; a second call is a no-op beyond the
// already-closed AsyncFile semantics.
func (c *Channel) Close(ctx *task.Context) error {
	if err := c.evt.Close(ctx); err != nil {
		logx.Warnf("reqchan", "closing event socket: %v", err)
	}
	if c.recvTask != nil {
		_, _ = task.Await(c.recvTask)
	}

	c.events.Close()
	if c.handlerTask != nil {
		_, _ = task.Await(c.handlerTask)
	}

	return c.cmd.Close(ctx)
}

// Request sends text (its trailing newline, if any, stripped before
// transmission — the datagram interface doesn't want one) on the
// command socket and returns the reply split into lines. A reply whose
// first frame looks like an event is a fatal programming error: command
// and event traffic must never share a socket instance.
func (c *Channel) Request(ctx *task.Context, text string, timeout time.Duration) ([]string, error) {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	body := strings.TrimSuffix(text, "\n")

	if err := c.cmdMu.Lock(ctx, 0); err != nil {
		return nil, err
	}
	defer c.cmdMu.Unlock()

	if err := c.cmd.Send(ctx, []byte(body), timeout); err != nil {
		return nil, err
	}

	buf := make([]byte, replyBufferSize)
	for {
		n, err := c.cmd.Recv(ctx, buf, timeout)
		if err != nil {
			return nil, err
		}
		reply := buf[:n]
		if isEventFrame(reply) {
			errs.Fatal("reqchan", nil, "received an event message on the request socket: %q", string(reply))
			return nil, nil
		}
		lines := strings.Split(string(reply), "\n")
		if len(lines) > 0 && lines[len(lines)-1] == "" {
			lines = lines[:len(lines)-1]
		}
		return lines, nil
	}
}

// RequestOK sends text and requires the reply to be exactly the single
// line "OK".
func (c *Channel) RequestOK(ctx *task.Context, text string, timeout time.Duration) error {
	lines, err := c.Request(ctx, text, timeout)
	if err != nil {
		return err
	}
	if len(lines) == 1 && lines[0] == "OK" {
		return nil
	}
	return &errs.RequestFailedError{Command: text, Reply: strings.Join(lines, "\n")}
}

// RequestString sends text and requires exactly one reply line,
// optionally failing if that line is "FAIL" or "INVALID RESPONSE".
func (c *Channel) RequestString(ctx *task.Context, text string, timeout time.Duration, throwOnFail bool) (string, error) {
	lines, err := c.Request(ctx, text, timeout)
	if err != nil {
		return "", err
	}
	line := ""
	if len(lines) > 0 {
		line = lines[0]
	}
	if throwOnFail && (line == "FAIL" || line == "INVALID RESPONSE") {
		return "", &errs.RequestFailedError{Command: text, Reply: line}
	}
	return line, nil
}

// Ping sends PING and expects PONG; the always-on keep-alive task uses
// this to detect a wedged or dead supplicant.
func (c *Channel) Ping(ctx *task.Context, timeout time.Duration) error {
	reply, err := c.RequestString(ctx, "PING", timeout, false)
	if err != nil {
		return err
	}
	if reply != "PONG" {
		return &errs.RequestFailedError{Command: "PING", Reply: reply}
	}
	return nil
}

// Station is one connected-station record as returned by STA-FIRST/
// STA-NEXT, grounded on wpap2pd/WpaChannel.cpp's StationInfo.
type Station struct {
	Address string
	Named   []KeyValue
}

// GetNamedParameter returns the value of the first named field matching
// key, or "" if absent.
func (s Station) GetNamedParameter(key string) string {
	for _, kv := range s.Named {
		if kv.Key == key {
			return kv.Value
		}
	}
	return ""
}

func parseStation(reply string) (Station, bool) {
	lines := strings.Split(reply, "\n")
	var st Station
	for i, line := range lines {
		if line == "" {
			continue
		}
		if i == 0 {
			st.Address = line
			continue
		}
		if eq := strings.IndexByte(line, '='); eq >= 0 {
			st.Named = append(st.Named, KeyValue{Key: line[:eq], Value: line[eq+1:]})
		}
	}
	return st, st.Address != ""
}

// ListStations paginates through STA-FIRST/STA-NEXT until the
// supplicant reports no more stations.
func (c *Channel) ListStations(ctx *task.Context, timeout time.Duration) ([]Station, error) {
	var result []Station
	lines, err := c.Request(ctx, "STA-FIRST", timeout)
	if err != nil {
		return nil, err
	}
	for {
		reply := strings.Join(lines, "\n")
		if reply == "" || reply == "FAIL" {
			return result, nil
		}
		if reply == "UNKNOWN COMMAND" {
			return nil, &errs.RequestFailedError{Command: "STA-FIRST/STA-NEXT", Reply: reply}
		}
		st, ok := parseStation(reply)
		if !ok {
			return result, nil
		}
		result = append(result, st)

		lines, err = c.Request(ctx, "STA-NEXT "+st.Address, timeout)
		if err != nil {
			return nil, err
		}
	}
}

// quoteIfNeeded wraps value in single quotes (escaping embedded quotes
// and backslashes) if it contains whitespace, for building commands
// that embed SSIDs or passphrases. A thin convenience over QuoteString.
func quoteIfNeeded(value string) string {
	if !strings.ContainsAny(value, " \t") {
		return value
	}
	return QuoteString(value, '\'')
}

// BuildCommand joins name and args into a command line, quoting any
// argument containing whitespace.
func BuildCommand(name string, args ...string) string {
	var sb strings.Builder
	sb.WriteString(name)
	for _, a := range args {
		sb.WriteByte(' ')
		sb.WriteString(quoteIfNeeded(a))
	}
	return sb.String()
}
