package dispatcher

import (
	"sync/atomic"
	"time"
)

// Handle identifies a scheduled delayed function or delayed coroutine
// resume, returned by PostDelayedFunction/PostDelayedCoroutine.
type Handle uint64

// timerKind distinguishes the spec's two logically separate timer
// queues (delayed-coroutine, delayed-function) so ties at the same
// deadline break toward function timers, per spec.md §4.4 scheduling
// rule 1. Merged into a single heap.Interface-backed slice rather than
// two heaps compared head-to-head — equivalent draining order, simpler
// to maintain with container/heap.
type timerKind int8

const (
	kindFunction timerKind = iota
	kindCoroutine
)

type timerEntry struct {
	handle    Handle
	deadline  time.Time
	kind      timerKind
	fn        func()
	cancelled atomic.Bool
	index     int // heap.Interface bookkeeping
}

// timerHeap is a min-heap ordered by deadline, ties broken toward
// kindFunction. Grounded on eventloop/loop.go's timerHeap (container/heap
// over a min-heap-by-deadline slice).
type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].kind < h[j].kind
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	te := x.(*timerEntry)
	te.index = len(*h)
	*h = append(*h, te)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	te := old[n-1]
	old[n-1] = nil
	te.index = -1
	*h = old[:n-1]
	return te
}
