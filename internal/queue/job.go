package queue

import (
	"context"
	"errors"
	"time"
)

// Priority orders pending jobs. Higher values dispatch first; jobs of
// equal priority dispatch in enqueue order.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 5
	PriorityHigh   Priority = 10
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	default:
		return "UNKNOWN"
	}
}

// ErrQueueFull is returned by Enqueue when the pending depth has reached
// the configured bound. The job was not accepted and nothing was recorded.
var ErrQueueFull = errors.New("request queue is full")

// ErrQueueStopped is returned for jobs that could not run because the
// queue was shut down before they were dispatched.
var ErrQueueStopped = errors.New("request queue is stopped")

// outcome carries a finished job's result back to its enqueuer
type outcome struct {
	value        interface{}
	err          error
	dispatchedAt time.Time
}

// job is one pending unit of work awaiting dispatch
type job struct {
	id         string
	label      string
	priority   Priority
	fn         func(context.Context) (interface{}, error)
	ctx        context.Context
	resultCh   chan outcome
	enqueuedAt time.Time

	// heap bookkeeping
	seq   uint64
	index int
}

// pendingHeap orders jobs by priority (descending), then enqueue
// sequence (ascending) so equal priorities stay FIFO.
type pendingHeap []*job

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *pendingHeap) Push(x interface{}) {
	j := x.(*job)
	j.index = len(*h)
	*h = append(*h, j)
}

func (h *pendingHeap) Pop() interface{} {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*h = old[:n-1]
	return j
}
