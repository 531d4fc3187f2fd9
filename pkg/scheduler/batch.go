package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// BatchFailure records one failed batch item by its input index.
type BatchFailure struct {
	Index int
	Err   error
}

// BatchResult aggregates a batch run.
type BatchResult[R any] struct {
	Succeeded []R
	Failed    []BatchFailure
}

// BatchOptions tunes one ExecuteBatch call.
type BatchOptions struct {
	// Priority used for every scheduler submission.
	Priority Priority
	// MaxBatchSize bounds the number of items in flight through the
	// scheduler at once. Zero means 50.
	MaxBatchSize int
	// StopOnError halts between sub-batches after the first failure.
	StopOnError bool
	// ItemName labels log lines, e.g. "pull request".
	ItemName string
	// Progress, when set, is driven through the whole run.
	Progress *Progress
}

// BatchExecutor fans homogeneous work items out through the scheduler
// in bounded sub-batches. Cancel is cooperative: it stops new
// sub-batches, never in-flight items.
type BatchExecutor struct {
	sched     *Scheduler
	cancelled atomic.Bool
	logger    *logrus.Entry
}

// NewBatchExecutor wraps a scheduler.
func NewBatchExecutor(sched *Scheduler, logger *logrus.Entry) *BatchExecutor {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &BatchExecutor{sched: sched, logger: logger.WithField("component", "batch-executor")}
}

// Cancel prevents further sub-batches from starting.
func (e *BatchExecutor) Cancel() {
	e.cancelled.Store(true)
}

// Cancelled reports whether Cancel was called.
func (e *BatchExecutor) Cancelled() bool {
	return e.cancelled.Load()
}

// ExecuteBatch runs processor over every item via the scheduler and
// aggregates per-item outcomes. All items are attempted unless
// StopOnError is set or the executor is cancelled.
func ExecuteBatch[T, R any](ctx context.Context, e *BatchExecutor, items []T, processor func(context.Context, T) (R, error), opts BatchOptions) *BatchResult[R] {
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = 50
	}
	if opts.Priority == 0 {
		opts.Priority = PriorityNormal
	}
	name := opts.ItemName
	if name == "" {
		name = "item"
	}

	result := &BatchResult[R]{}
	if opts.Progress != nil {
		opts.Progress.SetTotal(len(items))
		opts.Progress.Start()
	}

	var stopped bool
	for start := 0; start < len(items); start += opts.MaxBatchSize {
		if e.cancelled.Load() {
			stopped = true
			break
		}
		if opts.StopOnError && len(result.Failed) > 0 {
			stopped = true
			break
		}
		end := start + opts.MaxBatchSize
		if end > len(items) {
			end = len(items)
		}
		runSubBatch(ctx, e, items[start:end], start, processor, opts, result)
	}

	if opts.Progress != nil {
		switch {
		case e.cancelled.Load():
			opts.Progress.Cancel()
		case stopped && len(result.Failed) > 0:
			opts.Progress.Fail(result.Failed[len(result.Failed)-1].Err)
		default:
			opts.Progress.Complete()
		}
	}

	e.logger.WithFields(logrus.Fields{
		"total":     len(items),
		"succeeded": len(result.Succeeded),
		"failed":    len(result.Failed),
		"item":      name,
	}).Debug("Batch finished")
	return result
}

func runSubBatch[T, R any](ctx context.Context, e *BatchExecutor, chunk []T, offset int, processor func(context.Context, T) (R, error), opts BatchOptions, result *BatchResult[R]) {
	type itemOutcome struct {
		index int
		value R
		err   error
	}
	outcomes := make([]itemOutcome, len(chunk))

	var wg sync.WaitGroup
	for i, it := range chunk {
		wg.Add(1)
		go func(i int, it T) {
			defer wg.Done()
			value, err := e.sched.Submit(ctx, func(taskCtx context.Context) (interface{}, error) {
				return processor(taskCtx, it)
			}, opts.Priority)
			out := itemOutcome{index: offset + i, err: err}
			if err == nil {
				typed, ok := value.(R)
				if !ok {
					out.err = fmt.Errorf("unexpected result type %T", value)
				} else {
					out.value = typed
				}
			}
			outcomes[i] = out
		}(i, it)
	}
	wg.Wait()

	for _, out := range outcomes {
		if out.err != nil {
			result.Failed = append(result.Failed, BatchFailure{Index: out.index, Err: out.err})
			if opts.Progress != nil {
				opts.Progress.IncrementFailed(out.err)
			}
			continue
		}
		result.Succeeded = append(result.Succeeded, out.value)
		if opts.Progress != nil {
			opts.Progress.Increment()
		}
	}
}
