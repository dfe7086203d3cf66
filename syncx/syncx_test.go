package syncx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-mesh/wfdirect/dispatcher"
	"github.com/kestrel-mesh/wfdirect/task"
)

func newCtx(t *testing.T) (*dispatcher.Dispatcher, *task.Context) {
	t.Helper()
	d := dispatcher.New(dispatcher.WithWorkerCount(2))
	t.Cleanup(d.Stop)
	return d, task.NewContext(d)
}

func TestCondVarDefaultPredicateActsAsBinarySemaphore(t *testing.T) {
	_, ctx := newCtx(t)
	cv := NewCondVar()

	// Notify before anyone waits sets the ready bit; the next Wait
	// consumes it without suspending.
	cv.Notify(nil)

	done := make(chan error, 1)
	task.Go(ctx, func(ctx *task.Context) (task.Void, error) {
		done <- cv.Wait(ctx, 0, nil)
		return task.Void{}, nil
	})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait never consumed the pre-set ready bit")
	}
}

func TestCondVarNotifyWakesOneWaiterFIFO(t *testing.T) {
	_, ctx := newCtx(t)
	cv := NewCondVar()

	var order []int
	results := make(chan int, 2)

	for i := 0; i < 2; i++ {
		i := i
		task.Go(ctx, func(ctx *task.Context) (task.Void, error) {
			err := cv.Wait(ctx, 0, nil)
			require.NoError(t, err)
			results <- i
			return task.Void{}, nil
		})
		// Let this waiter register before starting the next, so the
		// arrival order is 0 then 1.
		time.Sleep(20 * time.Millisecond)
	}

	cv.Notify(nil)
	order = append(order, <-results)
	cv.Notify(nil)
	order = append(order, <-results)

	assert.Equal(t, []int{0, 1}, order)
}

func TestCondVarWaitTimesOut(t *testing.T) {
	d, ctx := newCtx(t)
	go d.MessageLoop()
	defer d.PostQuit()

	cv := NewCondVar()
	start := time.Now()
	err := cv.Wait(ctx, 20*time.Millisecond, nil)
	require.Error(t, err)
	assert.True(t, time.Since(start) >= 20*time.Millisecond)
}

func TestCondVarPredicateConsumesSharedState(t *testing.T) {
	_, ctx := newCtx(t)
	cv := NewCondVar()
	tokens := 0

	done := make(chan error, 1)
	task.Go(ctx, func(ctx *task.Context) (task.Void, error) {
		done <- cv.Wait(ctx, 0, func() (bool, error) {
			if tokens > 0 {
				tokens--
				return true, nil
			}
			return false, nil
		})
		return task.Void{}, nil
	})

	time.Sleep(10 * time.Millisecond)
	cv.Notify(func() { tokens++ })

	select {
	case err := <-done:
		require.NoError(t, err)
		assert.Equal(t, 0, tokens)
	case <-time.After(time.Second):
		t.Fatal("waiter never resumed")
	}
}

func TestCondVarCloseResumesWaitersWithError(t *testing.T) {
	_, ctx := newCtx(t)
	cv := NewCondVar()

	done := make(chan error, 1)
	task.Go(ctx, func(ctx *task.Context) (task.Void, error) {
		done <- cv.Wait(ctx, 0, nil)
		return task.Void{}, nil
	})

	time.Sleep(10 * time.Millisecond)
	cv.Close()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("close never resumed the outstanding waiter")
	}

	// A CondVar closed once rejects further waits immediately.
	err := cv.Wait(ctx, 0, nil)
	require.Error(t, err)
}

func TestMutexSerialisesAccess(t *testing.T) {
	_, ctx := newCtx(t)
	m := NewMutex()

	counter := 0
	const n = 20
	done := make(chan struct{}, n)

	for i := 0; i < n; i++ {
		task.Go(ctx, func(ctx *task.Context) (task.Void, error) {
			require.NoError(t, m.Lock(ctx, 0))
			counter++
			m.Unlock()
			done <- struct{}{}
			return task.Void{}, nil
		})
	}

	for i := 0; i < n; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("task never completed")
		}
	}
	assert.Equal(t, n, counter)
}

func TestBoundedQueuePushTakeRoundTrip(t *testing.T) {
	_, ctx := newCtx(t)
	q := NewBoundedQueue[int](4)

	require.NoError(t, q.Push(ctx, 1, 0))
	require.NoError(t, q.Push(ctx, 2, 0))

	v, err := q.Take(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	v, err = q.Take(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	assert.True(t, q.IsEmpty())
}

func TestBoundedQueuePushBlocksWhenFullUntilTake(t *testing.T) {
	_, ctx := newCtx(t)
	q := NewBoundedQueue[int](1)
	require.NoError(t, q.Push(ctx, 1, 0))

	pushed := make(chan error, 1)
	task.Go(ctx, func(ctx *task.Context) (task.Void, error) {
		pushed <- q.Push(ctx, 2, 0)
		return task.Void{}, nil
	})

	select {
	case <-pushed:
		t.Fatal("push succeeded while queue was full")
	case <-time.After(20 * time.Millisecond):
	}

	v, err := q.Take(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	select {
	case err := <-pushed:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("push never unblocked after a take freed capacity")
	}
}

func TestBoundedQueueCloseWakesPushersAndDrainsTakers(t *testing.T) {
	_, ctx := newCtx(t)
	q := NewBoundedQueue[int](1)
	require.NoError(t, q.Push(ctx, 1, 0))

	pushed := make(chan error, 1)
	task.Go(ctx, func(ctx *task.Context) (task.Void, error) {
		pushed <- q.Push(ctx, 2, 0)
		return task.Void{}, nil
	})
	time.Sleep(10 * time.Millisecond)

	q.Close()

	select {
	case err := <-pushed:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("close never woke the blocked pusher")
	}

	// The one item pushed before Close is still drainable.
	v, err := q.Take(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	// Once drained, takers fail with the closed error too.
	_, err = q.Take(ctx, 0)
	require.Error(t, err)
	assert.True(t, q.IsClosed())
}
