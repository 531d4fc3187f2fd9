package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/devtrack/prmirror/pkg/ratelimit"
)

// Priority orders pending work. Lower values run first.
type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 2
	PriorityLow    Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// State tracks a work item through its life.
type State int

const (
	StatePending State = iota
	StateInFlight
	StateCompleted
	StateFailed
	StateCancelled
)

// TaskFunc is one unit of work. The context is the scheduler's run
// context; it is cancelled on shutdown.
type TaskFunc func(ctx context.Context) (interface{}, error)

// The scheduler only retries errors that opt in. The HTTP layer's
// taxonomy implements these without the scheduler importing it.
type retryableError interface {
	Retryable() bool
}

type rateLimitedError interface {
	RateLimitReset() time.Time
}

type outcome struct {
	value interface{}
	err   error
}

type item struct {
	id         int64
	priority   Priority
	enqueuedAt int64 // nanos, FIFO tiebreak within a priority
	seq        int64 // deterministic tiebreak on timestamp collision
	fn         TaskFunc
	state      State
	retryCount int
	future     chan outcome // buffered; nil for fire-and-forget
	cancelled  atomic.Bool
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	if h[i].enqueuedAt != h[j].enqueuedAt {
		return h[i].enqueuedAt < h[j].enqueuedAt
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x interface{}) { *h = append(*h, x.(*item)) }
func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Config tunes the scheduler.
type Config struct {
	// MaxConcurrent bounds items in flight at any instant.
	MaxConcurrent int
	// MaxRetries bounds retries per item before it fails for good.
	MaxRetries int
	// IdlePoll is how long the loop sleeps when the queue is empty.
	IdlePoll time.Duration
	// RateLimitBuffer is added past the reset instant on forced waits.
	RateLimitBuffer time.Duration
	// Pool is the quota pool the pacer is consulted for.
	Pool ratelimit.Pool
}

// DefaultConfig returns the stock scheduler tuning.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:   5,
		MaxRetries:      3,
		IdlePoll:        100 * time.Millisecond,
		RateLimitBuffer: 5 * time.Second,
		Pool:            ratelimit.PoolCore,
	}
}

// ExecutionRecord is one entry of the scheduler's execution trace.
type ExecutionRecord struct {
	ID       int64
	Priority Priority
	Retry    int
}

// Scheduler runs submitted closures in priority order, pacing each
// start through the pacer and bounding in-flight work with a counting
// semaphore. It is the only layer that retries.
type Scheduler struct {
	cfg   Config
	pacer *ratelimit.Pacer

	mu    sync.Mutex
	queue itemHeap
	trace []ExecutionRecord

	sem      *semaphore.Weighted
	inFlight atomic.Int32
	nextID   atomic.Int64
	nextSeq  atomic.Int64

	runCtx  context.Context
	cancel  context.CancelFunc
	started atomic.Bool
	closed  atomic.Bool
	wg      sync.WaitGroup // executor goroutines
	loopWG  sync.WaitGroup

	logger *logrus.Entry
	now    func() time.Time
}

// ErrShuttingDown is returned by Enqueue and Submit after Shutdown.
var ErrShuttingDown = errors.New("scheduler is shutting down")

// ErrRetriesExhausted wraps the last error once an item runs out of
// retries.
var ErrRetriesExhausted = errors.New("retries exhausted")

// New builds a scheduler. Start must be called before items run.
func New(pacer *ratelimit.Pacer, cfg Config, logger *logrus.Entry) *Scheduler {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.IdlePoll <= 0 {
		cfg.IdlePoll = def.IdlePoll
	}
	if cfg.RateLimitBuffer <= 0 {
		cfg.RateLimitBuffer = def.RateLimitBuffer
	}
	if cfg.Pool == "" {
		cfg.Pool = def.Pool
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:    cfg,
		pacer:  pacer,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		runCtx: ctx,
		cancel: cancel,
		logger: logger.WithField("component", "scheduler"),
		now:    time.Now,
	}
}

// Start launches the scheduling loop.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.loopWG.Add(1)
	go s.loop()
}

// Shutdown drains pending work until ctx expires, then cancels
// whatever is left. Pending items that never ran complete their
// futures with ErrShuttingDown.
func (s *Scheduler) Shutdown(ctx context.Context) {
	s.closed.Store(true)

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for {
			if s.QueueDepth() == 0 && s.InFlight() == 0 {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(20 * time.Millisecond):
			}
		}
	}()
	select {
	case <-drained:
	case <-ctx.Done():
	}

	s.cancel()
	s.loopWG.Wait()
	s.wg.Wait()

	s.mu.Lock()
	stragglers := s.queue
	s.queue = nil
	s.mu.Unlock()
	for _, it := range stragglers {
		it.state = StateCancelled
		it.complete(outcome{err: ErrShuttingDown})
	}
}

// Enqueue submits fire-and-forget work and returns its id.
func (s *Scheduler) Enqueue(fn TaskFunc, priority Priority) (int64, error) {
	it, err := s.push(fn, priority, false)
	if err != nil {
		return 0, err
	}
	return it.id, nil
}

// Submit enqueues work and waits for its outcome. A ctx timeout
// cancels the wait (and the item if it has not started), never the
// in-flight task itself.
func (s *Scheduler) Submit(ctx context.Context, fn TaskFunc, priority Priority) (interface{}, error) {
	it, err := s.push(fn, priority, true)
	if err != nil {
		return nil, err
	}
	select {
	case out := <-it.future:
		return out.value, out.err
	case <-ctx.Done():
		it.cancelled.Store(true)
		return nil, ctx.Err()
	}
}

func (s *Scheduler) push(fn TaskFunc, priority Priority, withFuture bool) (*item, error) {
	if s.closed.Load() {
		return nil, ErrShuttingDown
	}
	it := &item{
		id:         s.nextID.Add(1),
		priority:   priority,
		enqueuedAt: s.now().UnixNano(),
		seq:        s.nextSeq.Add(1),
		fn:         fn,
		state:      StatePending,
	}
	if withFuture {
		it.future = make(chan outcome, 1)
	}
	s.mu.Lock()
	heap.Push(&s.queue, it)
	s.mu.Unlock()
	return it, nil
}

func (s *Scheduler) requeue(it *item, priority Priority) {
	it.priority = priority
	it.state = StatePending
	it.seq = s.nextSeq.Add(1)
	s.mu.Lock()
	heap.Push(&s.queue, it)
	s.mu.Unlock()
}

func (s *Scheduler) pop() *item {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) > 0 {
		it := heap.Pop(&s.queue).(*item)
		if it.cancelled.Load() {
			it.state = StateCancelled
			continue
		}
		return it
	}
	return nil
}

func (s *Scheduler) loop() {
	defer s.loopWG.Done()
	for {
		if s.runCtx.Err() != nil {
			return
		}
		if s.QueueDepth() == 0 {
			if !sleepCtx(s.runCtx, s.cfg.IdlePoll) {
				return
			}
			continue
		}

		// The pacer gap is applied before selection so an item
		// enqueued during the sleep still wins on priority.
		if s.pacer != nil {
			if !sleepCtx(s.runCtx, s.pacer.RecommendedDelay(s.cfg.Pool)) {
				return
			}
		}

		it := s.pop()
		if it == nil {
			continue
		}
		if err := s.sem.Acquire(s.runCtx, 1); err != nil {
			s.requeue(it, it.priority)
			return
		}
		s.wg.Add(1)
		go s.run(it)
	}
}

func (s *Scheduler) run(it *item) {
	defer s.wg.Done()

	it.state = StateInFlight
	s.inFlight.Add(1)
	s.record(it)

	if s.pacer != nil {
		s.pacer.OnRequestStart()
	}
	value, err := it.fn(s.runCtx)
	if s.pacer != nil {
		// Headers from this request reach the monitor before the
		// permit frees the next selection.
		s.pacer.OnRequestComplete(nil)
	}

	s.inFlight.Add(-1)
	s.sem.Release(1)

	if err == nil {
		it.state = StateCompleted
		it.complete(outcome{value: value})
		return
	}
	s.handleFailure(it, err)
}

func (s *Scheduler) handleFailure(it *item, err error) {
	log := s.logger.WithFields(logrus.Fields{"task": it.id, "retry": it.retryCount}).WithError(err)

	var limited rateLimitedError
	if errors.As(err, &limited) {
		if s.pacer != nil {
			s.pacer.ForceWaitUntil(limited.RateLimitReset().Add(s.cfg.RateLimitBuffer))
		}
		it.retryCount++
		if it.retryCount > s.cfg.MaxRetries {
			log.Error("Rate limited task exhausted retries")
			s.fail(it, err)
			return
		}
		log.Warn("Task hit the rate limit, re-queueing at high priority")
		// The boost makes rate-limited work run first once the
		// forced wait elapses.
		s.requeue(it, PriorityHigh)
		return
	}

	var retryable retryableError
	if errors.As(err, &retryable) && retryable.Retryable() {
		it.retryCount++
		if it.retryCount > s.cfg.MaxRetries {
			log.Error("Task exhausted retries")
			s.fail(it, err)
			return
		}
		backoff := time.Duration(1<<uint(it.retryCount-1)) * time.Second
		if backoff > 60*time.Second {
			backoff = 60 * time.Second
		}
		log.WithField("backoff", backoff).Warn("Task failed, backing off before retry")
		if !sleepCtx(s.runCtx, backoff) {
			s.fail(it, err)
			return
		}
		s.requeue(it, it.priority)
		return
	}

	s.fail(it, err)
}

func (s *Scheduler) fail(it *item, err error) {
	it.state = StateFailed
	if it.retryCount > s.cfg.MaxRetries {
		err = fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, it.retryCount, err)
	}
	it.complete(outcome{err: err})
}

func (it *item) complete(out outcome) {
	if it.future != nil {
		it.future <- out
	}
}

func (s *Scheduler) record(it *item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trace = append(s.trace, ExecutionRecord{ID: it.id, Priority: it.priority, Retry: it.retryCount})
	if len(s.trace) > 1024 {
		s.trace = s.trace[len(s.trace)-1024:]
	}
}

// Trace returns a copy of the recent execution trace, in start order.
func (s *Scheduler) Trace() []ExecutionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ExecutionRecord, len(s.trace))
	copy(out, s.trace)
	return out
}

// QueueDepth returns the number of pending items.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// InFlight returns the number of items currently executing.
func (s *Scheduler) InFlight() int {
	return int(s.inFlight.Load())
}

// sleepCtx sleeps for d unless ctx is done first. Returns false on
// cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
