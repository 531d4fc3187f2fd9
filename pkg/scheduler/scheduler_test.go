package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/devtrack/prmirror/pkg/ratelimit"
)

func testScheduler(t *testing.T, cfg Config) *Scheduler {
	t.Helper()
	monitor := ratelimit.NewMonitor(ratelimit.DefaultThresholds(), nil)
	pacer := ratelimit.NewPacer(monitor, ratelimit.PacerConfig{
		MinInterval: time.Millisecond,
		MaxInterval: time.Second,
	}, nil)
	if cfg.IdlePoll == 0 {
		cfg.IdlePoll = time.Millisecond
	}
	s := New(pacer, cfg, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return s
}

type fakeRateLimitErr struct {
	reset time.Time
}

func (e *fakeRateLimitErr) Error() string             { return "rate limited" }
func (e *fakeRateLimitErr) Retryable() bool           { return true }
func (e *fakeRateLimitErr) RateLimitReset() time.Time { return e.reset }

type fakeTransientErr struct{}

func (e *fakeTransientErr) Error() string   { return "transient" }
func (e *fakeTransientErr) Retryable() bool { return true }

func TestSubmitReturnsTheResult(t *testing.T) {
	s := testScheduler(t, Config{})
	s.Start()

	value, err := s.Submit(context.Background(), func(context.Context) (interface{}, error) {
		return 42, nil
	}, PriorityNormal)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value != 42 {
		t.Errorf("expected 42, got %v", value)
	}
}

func TestSubmitPropagatesTheError(t *testing.T) {
	s := testScheduler(t, Config{})
	s.Start()

	boom := errors.New("boom")
	_, err := s.Submit(context.Background(), func(context.Context) (interface{}, error) {
		return nil, boom
	}, PriorityNormal)
	if !errors.Is(err, boom) {
		t.Errorf("expected the task error back, got %v", err)
	}
}

func TestPriorityOrderWithFIFOTiebreak(t *testing.T) {
	// Items are enqueued before the loop starts, so the first pops
	// must strictly follow (priority, enqueue order).
	s := testScheduler(t, Config{MaxConcurrent: 1})

	var mu sync.Mutex
	var order []string
	record := func(name string) TaskFunc {
		return func(context.Context) (interface{}, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		}
	}

	var wg sync.WaitGroup
	submit := func(name string, p Priority) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Submit(context.Background(), record(name), p); err != nil {
				t.Errorf("submit %s: %v", name, err)
			}
		}()
		// Give the submission a distinct enqueue time.
		time.Sleep(2 * time.Millisecond)
	}

	submit("low-1", PriorityLow)
	submit("normal-1", PriorityNormal)
	submit("high-1", PriorityHigh)
	submit("normal-2", PriorityNormal)
	submit("high-2", PriorityHigh)

	s.Start()
	wg.Wait()

	expected := []string{"high-1", "high-2", "normal-1", "normal-2", "low-1"}
	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff(expected, order); diff != "" {
		t.Errorf("execution order differs from expected: %s", diff)
	}
}

func TestConcurrencyNeverExceedsTheCap(t *testing.T) {
	const cap = 3
	s := testScheduler(t, Config{MaxConcurrent: cap})
	s.Start()

	var current, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Submit(context.Background(), func(context.Context) (interface{}, error) {
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				current.Add(-1)
				return nil, nil
			}, PriorityNormal)
		}()
	}
	wg.Wait()

	if p := peak.Load(); p > cap {
		t.Errorf("observed %d tasks in flight, cap is %d", p, cap)
	}
}

func TestRateLimitErrorForcesWaitAndBoostsPriority(t *testing.T) {
	monitor := ratelimit.NewMonitor(ratelimit.DefaultThresholds(), nil)
	pacer := ratelimit.NewPacer(monitor, ratelimit.PacerConfig{
		MinInterval: time.Millisecond,
		MaxInterval: 5 * time.Second,
	}, nil)
	s := New(pacer, Config{MaxConcurrent: 1, MaxRetries: 3, IdlePoll: time.Millisecond, RateLimitBuffer: 5 * time.Millisecond}, nil)
	s.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	}()

	reset := time.Now().Add(200 * time.Millisecond)
	var calls atomic.Int32
	start := time.Now()

	value, err := s.Submit(context.Background(), func(context.Context) (interface{}, error) {
		if calls.Add(1) == 1 {
			return nil, &fakeRateLimitErr{reset: reset}
		}
		return "done", nil
	}, PriorityNormal)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value != "done" {
		t.Errorf("expected done, got %v", value)
	}
	if calls.Load() != 2 {
		t.Errorf("expected exactly one retry, got %d calls", calls.Load())
	}

	// The retry must not run before reset + buffer.
	if elapsed := time.Since(start); elapsed < 205*time.Millisecond {
		t.Errorf("retry ran after %s, before the forced wait elapsed", elapsed)
	}

	// The retried execution shows up in the trace at high priority.
	trace := s.Trace()
	if len(trace) < 2 {
		t.Fatalf("expected two trace records, got %d", len(trace))
	}
	last := trace[len(trace)-1]
	if last.Priority != PriorityHigh {
		t.Errorf("expected the rate-limited retry at high priority, got %s", last.Priority)
	}
	if last.Retry != 1 {
		t.Errorf("expected retry count 1 in the trace, got %d", last.Retry)
	}
}

func TestTransientErrorsRetryUntilExhaustion(t *testing.T) {
	s := testScheduler(t, Config{MaxConcurrent: 1, MaxRetries: 2})
	s.Start()

	var calls atomic.Int32
	_, err := s.Submit(context.Background(), func(context.Context) (interface{}, error) {
		calls.Add(1)
		return nil, &fakeTransientErr{}
	}, PriorityNormal)

	if !errors.Is(err, ErrRetriesExhausted) {
		t.Errorf("expected ErrRetriesExhausted, got %v", err)
	}
	// Initial attempt plus MaxRetries retries.
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestNonRetryableErrorFailsImmediately(t *testing.T) {
	s := testScheduler(t, Config{MaxConcurrent: 1, MaxRetries: 3})
	s.Start()

	var calls atomic.Int32
	boom := fmt.Errorf("fatal")
	_, err := s.Submit(context.Background(), func(context.Context) (interface{}, error) {
		calls.Add(1)
		return nil, boom
	}, PriorityNormal)

	if !errors.Is(err, boom) {
		t.Errorf("expected the fatal error back, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("plain errors must not retry, got %d attempts", calls.Load())
	}
}

func TestSubmitTimeoutCancelsTheWaitNotTheWork(t *testing.T) {
	s := testScheduler(t, Config{MaxConcurrent: 1})
	s.Start()

	started := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		_, _ = s.Submit(context.Background(), func(context.Context) (interface{}, error) {
			close(started)
			time.Sleep(50 * time.Millisecond)
			close(finished)
			return nil, nil
		}, PriorityNormal)
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := s.Submit(ctx, func(context.Context) (interface{}, error) {
		return nil, nil
	}, PriorityNormal)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected a deadline error, got %v", err)
	}

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Error("in-flight work should run to completion despite the waiter timing out")
	}
}

func TestShutdownDrainsPendingWork(t *testing.T) {
	monitor := ratelimit.NewMonitor(ratelimit.DefaultThresholds(), nil)
	pacer := ratelimit.NewPacer(monitor, ratelimit.PacerConfig{MinInterval: time.Millisecond, MaxInterval: time.Second}, nil)
	s := New(pacer, Config{MaxConcurrent: 2, IdlePoll: time.Millisecond}, nil)
	s.Start()

	var done atomic.Int32
	for i := 0; i < 10; i++ {
		if _, err := s.Enqueue(func(context.Context) (interface{}, error) {
			done.Add(1)
			return nil, nil
		}, PriorityNormal); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Shutdown(ctx)

	if done.Load() != 10 {
		t.Errorf("expected all 10 items drained before shutdown, got %d", done.Load())
	}
	if _, err := s.Enqueue(func(context.Context) (interface{}, error) { return nil, nil }, PriorityNormal); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("expected ErrShuttingDown after shutdown, got %v", err)
	}
}
