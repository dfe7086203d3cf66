package logx

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type spySink struct {
	level   Level
	entries []Entry
}

func (s *spySink) Enabled(level Level) bool { return level >= s.level }
func (s *spySink) Emit(e Entry)             { s.entries = append(s.entries, e) }

func TestLevelOrdering(t *testing.T) {
	assert.True(t, Debug < Info)
	assert.True(t, Info < Warning)
	assert.True(t, Warning < Error)
}

func TestSetSinkSwapsGlobalSink(t *testing.T) {
	orig := activeSink()
	defer SetSink(orig)

	spy := &spySink{level: Debug}
	SetSink(spy)

	Infof("dispatcher", "hello %s", "world")
	require.Len(t, spy.entries, 1)
	assert.Equal(t, Info, spy.entries[0].Level)
	assert.Equal(t, "dispatcher", spy.entries[0].Component)
	assert.Equal(t, "hello world", spy.entries[0].Message)
}

func TestEnabledFiltersBelowThreshold(t *testing.T) {
	orig := activeSink()
	defer SetSink(orig)

	spy := &spySink{level: Warning}
	SetSink(spy)

	Debugf("watcher", "noisy")
	Infof("watcher", "still noisy")
	require.Empty(t, spy.entries)

	Warnf("watcher", "audible")
	require.Len(t, spy.entries, 1)
}

func TestErrorfCarriesCause(t *testing.T) {
	orig := activeSink()
	defer SetSink(orig)

	spy := &spySink{level: Debug}
	SetSink(spy)

	cause := errors.New("epoll_ctl failed")
	Errorf("watcher", cause, "failed to arm fd %d", 7)

	require.Len(t, spy.entries, 1)
	assert.Equal(t, Error, spy.entries[0].Level)
	assert.ErrorIs(t, spy.entries[0].Err, cause)
}

func TestSetSinkNilRestoresConsole(t *testing.T) {
	orig := activeSink()
	defer SetSink(orig)

	SetSink(nil)
	_, ok := activeSink().(*ConsoleSink)
	assert.True(t, ok)
}

func TestConsoleSinkWritesLevelAndMessage(t *testing.T) {
	var buf bytes.Buffer
	sink := NewConsoleSink(&buf, Debug)

	orig := activeSink()
	defer SetSink(orig)
	SetSink(sink)

	WithFields(Warning, "reqchan", "queue near capacity", map[string]any{"depth": 480})

	out := buf.String()
	assert.True(t, strings.Contains(out, "WARNING"))
	assert.True(t, strings.Contains(out, "reqchan"))
	assert.True(t, strings.Contains(out, "queue near capacity"))
	assert.True(t, strings.Contains(out, "depth=480"))
}

func TestConsoleSinkRespectsMinimumLevel(t *testing.T) {
	var buf bytes.Buffer
	sink := NewConsoleSink(&buf, Error)
	assert.False(t, sink.Enabled(Warning))
	assert.True(t, sink.Enabled(Error))
}
