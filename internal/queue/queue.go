// Package queue provides a bounded, prioritized request queue for work
// that must respect global concurrency and throughput limits, such as
// bulk lookups against the regulatory API. Enqueued jobs wait for a
// concurrency slot and a rate token before dispatch; callers block until
// their job finishes.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	appErrors "github.com/waghostel/medregagent/pkg/errors"
	"github.com/waghostel/medregagent/pkg/logging"
)

// State is the lifecycle state of a RequestQueue
type State int

const (
	// StateInitial - the queue accepts no work until started
	StateInitial State = iota
	// StateRunning - jobs are accepted and dispatched
	StateRunning
	// StateStopping - in-flight jobs are finishing, no new work accepted
	StateStopping
	// StateStopped - the queue is fully shut down
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "INITIAL"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Config bounds the queue's concurrency and throughput
type Config struct {
	// MaxConcurrent is the number of jobs allowed to run at once
	MaxConcurrent int `json:"max_concurrent"`
	// RatePerMinute caps dispatches per minute; zero or negative
	// disables the rate gate
	RatePerMinute int `json:"rate_per_minute"`
	// MaxDepth bounds the pending backlog; enqueues past it fail fast
	MaxDepth int `json:"max_depth"`
	// ShutdownGrace is how long Stop waits for in-flight jobs before
	// cancelling the undispatched backlog
	ShutdownGrace time.Duration `json:"shutdown_grace"`
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 5,
		RatePerMinute: 120,
		MaxDepth:      1000,
		ShutdownGrace: 30 * time.Second,
	}
}

// Stats is a point-in-time snapshot of queue activity
type Stats struct {
	State      string           `json:"state"`
	Depth      int              `json:"depth"`
	Running    int              `json:"running"`
	ByPriority map[Priority]int `json:"by_priority"`
	Dispatched uint64           `json:"dispatched"`
	Completed  uint64           `json:"completed"`
	Failed     uint64           `json:"failed"`
	Canceled   uint64           `json:"canceled"`
}

// RequestQueue is a priority job queue with a bounded backlog. A single
// dispatcher drains the backlog in priority order, holding a concurrency
// semaphore of MaxConcurrent and pacing dispatches against RatePerMinute.
type RequestQueue struct {
	config Config

	mu      sync.Mutex
	state   State
	pending pendingHeap
	seq     uint64
	running int

	dispatched uint64
	completed  uint64
	failed     uint64
	canceled   uint64

	wake     chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	wg       sync.WaitGroup
	sem      chan struct{}
	limiter  *rate.Limiter
	rateCtx  context.Context
	rateStop context.CancelFunc

	logger *logging.Logger
}

// NewRequestQueue creates a queue in the INITIAL state. Call Start to
// begin dispatching.
func NewRequestQueue(config Config) *RequestQueue {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if config.MaxDepth <= 0 {
		config.MaxDepth = DefaultConfig().MaxDepth
	}
	if config.ShutdownGrace <= 0 {
		config.ShutdownGrace = DefaultConfig().ShutdownGrace
	}

	limit := rate.Inf
	if config.RatePerMinute > 0 {
		limit = rate.Limit(float64(config.RatePerMinute) / 60.0)
	}

	return &RequestQueue{
		config:  config,
		pending: make(pendingHeap, 0),
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		sem:     make(chan struct{}, config.MaxConcurrent),
		limiter: rate.NewLimiter(limit, 1),
		logger:  logging.GetLogger(),
	}
}

// Start transitions the queue to RUNNING and launches the dispatcher.
// The context bounds the dispatcher's lifetime alongside Stop.
func (q *RequestQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.state != StateInitial {
		q.mu.Unlock()
		return appErrors.NewValidationError(
			fmt.Sprintf("request queue cannot start from state %s", q.state))
	}
	q.state = StateRunning
	q.rateCtx, q.rateStop = context.WithCancel(ctx)
	q.mu.Unlock()

	go func() {
		<-q.stopCh
		q.rateStop()
	}()
	go q.dispatch()

	q.logger.Info("Request queue started",
		"max_concurrent", q.config.MaxConcurrent,
		"rate_per_minute", q.config.RatePerMinute,
		"max_depth", q.config.MaxDepth,
	)
	return nil
}

// Enqueue submits fn and blocks until it completes, the queue shuts
// down, or ctx is cancelled. Jobs dispatch by priority, FIFO within a
// priority. A full backlog fails immediately with ErrQueueFull.
func (q *RequestQueue) Enqueue(ctx context.Context, label string, priority Priority, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	if fn == nil {
		return nil, appErrors.NewValidationError("job function cannot be nil")
	}

	j := &job{
		id:         uuid.New().String(),
		label:      label,
		priority:   priority,
		fn:         fn,
		ctx:        ctx,
		resultCh:   make(chan outcome, 1),
		enqueuedAt: time.Now(),
		index:      -1,
	}

	q.mu.Lock()
	switch q.state {
	case StateInitial:
		q.mu.Unlock()
		return nil, appErrors.NewValidationError("request queue has not been started")
	case StateStopping, StateStopped:
		q.mu.Unlock()
		return nil, ErrQueueStopped
	}
	if q.pending.Len() >= q.config.MaxDepth {
		q.mu.Unlock()
		return nil, ErrQueueFull
	}
	j.seq = q.seq
	q.seq++
	heap.Push(&q.pending, j)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	q.logger.LogQueueEvent(ctx, "enqueued", j.id, label, logrus.Fields{
		"priority": priority.String(),
	})

	select {
	case out := <-j.resultCh:
		return out.value, out.err
	case <-ctx.Done():
		q.abandon(j)
		return nil, ctx.Err()
	}
}

// Stop transitions the queue to STOPPING, lets in-flight jobs finish for
// up to the shutdown grace period, cancels the undispatched backlog, and
// finally transitions to STOPPED. The context bounds the total wait.
func (q *RequestQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.state != StateRunning {
		q.mu.Unlock()
		return appErrors.NewValidationError(
			fmt.Sprintf("request queue cannot stop from state %s", q.state))
	}
	q.state = StateStopping
	q.mu.Unlock()

	q.logger.Info("Request queue stopping")
	close(q.stopCh)
	<-q.doneCh

	inflight := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(inflight)
	}()

	grace := time.NewTimer(q.config.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-inflight:
	case <-grace.C:
	case <-ctx.Done():
	}

	q.cancelPending()

	// In-flight jobs are never killed; the caller's context bounds how
	// long we wait for them.
	select {
	case <-inflight:
	case <-ctx.Done():
		q.setState(StateStopped)
		return appErrors.NewTimeoutError("request queue shutdown")
	}

	q.setState(StateStopped)
	q.logger.Info("Request queue stopped")
	return nil
}

// State returns the queue's lifecycle state
func (q *RequestQueue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Stats returns a snapshot of the queue's backlog and counters
func (q *RequestQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	byPriority := make(map[Priority]int)
	for _, j := range q.pending {
		byPriority[j.priority]++
	}

	return Stats{
		State:      q.state.String(),
		Depth:      q.pending.Len(),
		Running:    q.running,
		ByPriority: byPriority,
		Dispatched: q.dispatched,
		Completed:  q.completed,
		Failed:     q.failed,
		Canceled:   q.canceled,
	}
}

// dispatch is the single dispatcher loop. The concurrency slot and rate
// token are acquired before a job is chosen so a high-priority arrival
// during the wait is never stuck behind an earlier pop.
func (q *RequestQueue) dispatch() {
	defer close(q.doneCh)

	for {
		if !q.waitPending() {
			return
		}

		select {
		case q.sem <- struct{}{}:
		case <-q.stopCh:
			return
		}

		if err := q.limiter.Wait(q.rateCtx); err != nil {
			<-q.sem
			return
		}

		j := q.popJob()
		if j == nil {
			// Every waiter was abandoned while we held the slot
			<-q.sem
			continue
		}

		// The enqueuer may have given up while the job waited
		if err := j.ctx.Err(); err != nil {
			q.deliverCancelled(j, err)
			<-q.sem
			continue
		}

		q.launch(j)
	}
}

// waitPending blocks until at least one job is pending. It returns false
// when the queue is shutting down.
func (q *RequestQueue) waitPending() bool {
	for {
		q.mu.Lock()
		pending := q.pending.Len()
		q.mu.Unlock()
		if pending > 0 {
			return true
		}

		select {
		case <-q.wake:
		case <-q.stopCh:
			return false
		case <-q.rateCtx.Done():
			return false
		}
	}
}

// popJob removes and returns the highest-priority pending job
func (q *RequestQueue) popJob() *job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.pending).(*job)
}

// launch runs a dispatched job on its own goroutine. The job runs under
// the enqueuer's context so a queue shutdown does not interrupt it.
func (q *RequestQueue) launch(j *job) {
	dispatchedAt := time.Now()

	q.mu.Lock()
	q.dispatched++
	q.running++
	q.mu.Unlock()

	q.logger.LogQueueEvent(j.ctx, "dispatched", j.id, j.label, logrus.Fields{
		"priority":  j.priority.String(),
		"wait_time": dispatchedAt.Sub(j.enqueuedAt).String(),
	})

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer func() { <-q.sem }()

		value, err := q.runJob(j)

		q.mu.Lock()
		q.running--
		if err != nil {
			q.failed++
		} else {
			q.completed++
		}
		q.mu.Unlock()

		event := "completed"
		if err != nil {
			event = "failed"
		}
		q.logger.LogQueueEvent(j.ctx, event, j.id, j.label, logrus.Fields{
			"duration": time.Since(dispatchedAt).String(),
		})

		j.resultCh <- outcome{value: value, err: err, dispatchedAt: dispatchedAt}
	}()
}

// runJob invokes the job function, converting a panic into an error so a
// bad job cannot take down the dispatcher's workers
func (q *RequestQueue) runJob(j *job) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Queued job panicked",
				"job_id", j.id,
				"label", j.label,
				"panic", fmt.Sprintf("%v", r),
			)
			err = appErrors.NewInternalError(fmt.Sprintf("job %s panicked", j.label))
		}
	}()
	return j.fn(j.ctx)
}

// abandon removes a job whose enqueuer stopped waiting. Jobs already
// dispatched are left to finish; their buffered result is discarded.
func (q *RequestQueue) abandon(j *job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j.index >= 0 {
		heap.Remove(&q.pending, j.index)
		q.canceled++
	}
}

// deliverCancelled resolves a job that will never run
func (q *RequestQueue) deliverCancelled(j *job, err error) {
	q.mu.Lock()
	q.canceled++
	q.mu.Unlock()
	j.resultCh <- outcome{err: err}
}

// cancelPending fails every undispatched job with ErrQueueStopped so
// blocked enqueuers unblock
func (q *RequestQueue) cancelPending() {
	q.mu.Lock()
	pending := make([]*job, 0, q.pending.Len())
	for q.pending.Len() > 0 {
		pending = append(pending, heap.Pop(&q.pending).(*job))
	}
	q.canceled += uint64(len(pending))
	q.mu.Unlock()

	for _, j := range pending {
		q.logger.LogQueueEvent(context.Background(), "canceled", j.id, j.label, logrus.Fields{
			"reason": "queue stopped",
		})
		j.resultCh <- outcome{err: ErrQueueStopped}
	}
}

func (q *RequestQueue) setState(s State) {
	q.mu.Lock()
	q.state = s
	q.mu.Unlock()
}
