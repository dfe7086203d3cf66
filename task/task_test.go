package task

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-mesh/wfdirect/dispatcher"
)

func TestAwaitReturnsValue(t *testing.T) {
	d := dispatcher.New(dispatcher.WithWorkerCount(1))
	defer d.Stop()
	ctx := NewContext(d)

	tk := Go(ctx, func(ctx *Context) (int, error) {
		return 42, nil
	})

	v, err := Await(tk)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestAwaitPropagatesError(t *testing.T) {
	d := dispatcher.New(dispatcher.WithWorkerCount(1))
	defer d.Stop()
	ctx := NewContext(d)

	want := errors.New("operation failed")
	tk := Go(ctx, func(ctx *Context) (int, error) {
		return 0, want
	})

	_, err := Await(tk)
	assert.ErrorIs(t, err, want)
}

func TestPanicInTaskBodyBecomesError(t *testing.T) {
	d := dispatcher.New(dispatcher.WithWorkerCount(1))
	defer d.Stop()
	ctx := NewContext(d)

	tk := Go(ctx, func(ctx *Context) (int, error) {
		panic("boom")
	})

	_, err := Await(tk)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestForegroundHopLandsOnLoopGoroutine(t *testing.T) {
	d := dispatcher.New(dispatcher.WithWorkerCount(1))
	defer d.Stop()
	ctx := NewContext(d)

	results := make(chan bool, 1)
	tk := Go(ctx, func(ctx *Context) (Void, error) {
		ctx.Foreground()
		results <- d.IsForeground()
		return Void{}, nil
	})

	d.PostForeground(func() {})
	go func() {
		Await(tk)
		d.PostQuit()
	}()
	d.MessageLoop()

	select {
	case onFg := <-results:
		assert.True(t, onFg)
	case <-time.After(time.Second):
		t.Fatal("task never reached foreground")
	}
}

func TestBackgroundHopLeavesLoopGoroutine(t *testing.T) {
	d := dispatcher.New(dispatcher.WithWorkerCount(2))
	defer d.Stop()
	ctx := NewContext(d)

	results := make(chan bool, 1)
	tk := Go(ctx, func(ctx *Context) (Void, error) {
		ctx.Background()
		results <- d.IsForeground()
		return Void{}, nil
	})

	select {
	case onFg := <-results:
		assert.False(t, onFg)
	case <-time.After(time.Second):
		t.Fatal("task never reached background")
	}
	Await(tk)
}

func TestDelayHopWaitsAtLeastDuration(t *testing.T) {
	d := dispatcher.New(dispatcher.WithWorkerCount(1), dispatcher.WithPollTimeout(20*time.Millisecond))
	defer d.Stop()
	ctx := NewContext(d)

	start := time.Now()
	tk := Go(ctx, func(ctx *Context) (time.Duration, error) {
		ctx.Delay(30 * time.Millisecond)
		return time.Since(start), nil
	})

	go func() {
		Await(tk)
		d.PostQuit()
	}()
	d.MessageLoop()

	elapsed, err := Await(tk)
	require.NoError(t, err)
	assert.True(t, elapsed >= 30*time.Millisecond)
}

func TestGetResultPumpsForegroundUntilDone(t *testing.T) {
	d := dispatcher.New(dispatcher.WithWorkerCount(1))
	defer d.Stop()
	ctx := NewContext(d)

	d.PostForeground(func() {
		tk := Go(ctx, func(ctx *Context) (int, error) {
			ctx.Background()
			return 7, nil
		})
		v, err := GetResult(ctx, tk)
		require.NoError(t, err)
		assert.Equal(t, 7, v)
		d.PostQuit()
	})
	d.MessageLoop()
}
