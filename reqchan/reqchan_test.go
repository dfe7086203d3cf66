//go:build linux

package reqchan

import (
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-mesh/wfdirect/dispatcher"
	"github.com/kestrel-mesh/wfdirect/task"
	"github.com/kestrel-mesh/wfdirect/watcher"
)

// fakeServer stands in for wpa_supplicant's control-interface socket:
// one Unix datagram endpoint, remembering whichever client address last
// sent ATTACH so tests can push unsolicited events to it.
type fakeServer struct {
	conn *net.UnixConn

	mu        sync.Mutex
	eventAddr *net.UnixAddr
}

func startFakeServer(t *testing.T, path string) *fakeServer {
	t.Helper()
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	require.NoError(t, err)
	fs := &fakeServer{conn: conn}
	go fs.loop()
	t.Cleanup(func() { conn.Close() })
	return fs
}

func (fs *fakeServer) loop() {
	buf := make([]byte, replyBufferSize)
	for {
		n, addr, err := fs.conn.ReadFromUnix(buf)
		if err != nil {
			return
		}
		msg := string(buf[:n])
		switch {
		case msg == "ATTACH":
			fs.mu.Lock()
			fs.eventAddr = addr
			fs.mu.Unlock()
			_, _ = fs.conn.WriteToUnix([]byte("OK\n"), addr)
		case msg == "DETACH":
			_, _ = fs.conn.WriteToUnix([]byte("OK\n"), addr)
		case msg == "PING":
			_, _ = fs.conn.WriteToUnix([]byte("PONG\n"), addr)
		case msg == "TEST-OK":
			_, _ = fs.conn.WriteToUnix([]byte("OK\n"), addr)
		case msg == "TEST-FAIL":
			_, _ = fs.conn.WriteToUnix([]byte("FAIL\n"), addr)
		case msg == "STA-FIRST":
			_, _ = fs.conn.WriteToUnix([]byte("02:01:02:03:04:05\nrx_bytes=100"), addr)
		case strings.HasPrefix(msg, "STA-NEXT"):
			_, _ = fs.conn.WriteToUnix([]byte("FAIL"), addr)
		default:
			_, _ = fs.conn.WriteToUnix([]byte("UNKNOWN COMMAND"), addr)
		}
	}
}

func (fs *fakeServer) sendEvent(t *testing.T, line string) {
	t.Helper()
	fs.mu.Lock()
	addr := fs.eventAddr
	fs.mu.Unlock()
	require.NotNil(t, addr, "fake server never saw ATTACH")
	_, err := fs.conn.WriteToUnix([]byte(line), addr)
	require.NoError(t, err)
}

func newFixture(t *testing.T) (*dispatcher.Dispatcher, *task.Context, *watcher.Watcher, string) {
	t.Helper()
	w := watcher.New()
	require.NoError(t, w.Start())
	t.Cleanup(w.Stop)

	d := dispatcher.New(dispatcher.WithWorkerCount(2))
	t.Cleanup(d.Stop)
	// Open's handler task hops to the foreground before taking events,
	// and Close joins it, so the loop must be running.
	go d.MessageLoop()
	t.Cleanup(d.PostQuit)

	dir := t.TempDir()
	return d, task.NewContext(d), w, dir
}

func TestOpenAttachesAndPingSucceeds(t *testing.T) {
	_, ctx, w, dir := newFixture(t)
	serverPath := dir + "/ctrl"
	startFakeServer(t, serverPath)

	ch, err := Open(ctx, w, serverPath, nil, WithClientDir(dir))
	require.NoError(t, err)

	require.NoError(t, ch.Ping(ctx, time.Second))
	require.NoError(t, ch.Close(ctx))
}

func TestRequestOKAndRequestFailedError(t *testing.T) {
	_, ctx, w, dir := newFixture(t)
	serverPath := dir + "/ctrl"
	startFakeServer(t, serverPath)

	ch, err := Open(ctx, w, serverPath, nil, WithClientDir(dir))
	require.NoError(t, err)
	defer ch.Close(ctx)

	require.NoError(t, ch.RequestOK(ctx, "TEST-OK", time.Second))

	err = ch.RequestOK(ctx, "TEST-FAIL", time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TEST-FAIL")
}

func TestRequestStringThrowOnFail(t *testing.T) {
	_, ctx, w, dir := newFixture(t)
	serverPath := dir + "/ctrl"
	startFakeServer(t, serverPath)

	ch, err := Open(ctx, w, serverPath, nil, WithClientDir(dir))
	require.NoError(t, err)
	defer ch.Close(ctx)

	_, err = ch.RequestString(ctx, "TEST-FAIL", time.Second, true)
	require.Error(t, err)

	s, err := ch.RequestString(ctx, "TEST-FAIL", time.Second, false)
	require.NoError(t, err)
	assert.Equal(t, "FAIL", s)
}

func TestListStationsParsesStationRecords(t *testing.T) {
	_, ctx, w, dir := newFixture(t)
	serverPath := dir + "/ctrl"
	startFakeServer(t, serverPath)

	ch, err := Open(ctx, w, serverPath, nil, WithClientDir(dir))
	require.NoError(t, err)
	defer ch.Close(ctx)

	stations, err := ch.ListStations(ctx, time.Second)
	require.NoError(t, err)
	require.Len(t, stations, 1)
	assert.Equal(t, "02:01:02:03:04:05", stations[0].Address)
	assert.Equal(t, "100", stations[0].GetNamedParameter("rx_bytes"))
}

func TestEventsAreDispatchedToHandlerOnForeground(t *testing.T) {
	_, ctx, w, dir := newFixture(t)
	serverPath := dir + "/ctrl"
	fs := startFakeServer(t, serverPath)

	events := make(chan Event, 4)
	ch, err := Open(ctx, w, serverPath, func(ev Event) {
		events <- ev
	}, WithClientDir(dir))
	require.NoError(t, err)
	defer ch.Close(ctx)

	fs.sendEvent(t, "<2>CTRL-EVENT-CONNECTED 02:01:02:03:04:05 completed")

	select {
	case ev := <-events:
		assert.Equal(t, KindCtrlEventConnected, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("event was never dispatched to the handler")
	}
}

func TestCloseStopsFurtherRequests(t *testing.T) {
	_, ctx, w, dir := newFixture(t)
	serverPath := dir + "/ctrl"
	startFakeServer(t, serverPath)

	ch, err := Open(ctx, w, serverPath, nil, WithClientDir(dir))
	require.NoError(t, err)
	require.NoError(t, ch.Close(ctx))

	_, err = ch.Request(ctx, "PING", time.Second)
	require.Error(t, err)
}
