package prsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/go-github/v66/github"
	"github.com/sirupsen/logrus"

	"github.com/devtrack/prmirror/pkg/githubclient"
	"github.com/devtrack/prmirror/pkg/scheduler"
	"github.com/devtrack/prmirror/pkg/store"
)

const discoveryMaxAttempts = 3

// BulkService syncs one repository: lazy discovery over the paged
// listing, then fan-out of per-PR ingestions through the scheduler.
type BulkService struct {
	gh      GitHub
	store   Store
	ingest  *Service
	sched   *scheduler.Scheduler
	commits *store.CommitManager

	logger         *logrus.Entry
	now            func() time.Time
	sleep          func(ctx context.Context, d time.Duration) error
	observeOutcome func(kind string)
}

// InstrumentOutcomes registers a hook receiving every per-PR outcome
// kind, e.g. a metrics counter.
func (b *BulkService) InstrumentOutcomes(fn func(kind string)) {
	b.observeOutcome = fn
}

// NewBulkService wires the bulk driver. The commit manager may be nil
// (e.g. dry runs), in which case no incremental commits happen.
func NewBulkService(gh GitHub, st Store, ingest *Service, sched *scheduler.Scheduler, commits *store.CommitManager, logger *logrus.Entry) *BulkService {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &BulkService{
		gh:      gh,
		store:   st,
		ingest:  ingest,
		sched:   sched,
		commits: commits,
		logger:  logger.WithField("component", "bulk-sync"),
		now:     time.Now,
		sleep:   sleepUntil,
	}
}

func sleepUntil(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SyncRepo discovers and ingests the PRs of one repository.
func (b *BulkService) SyncRepo(ctx context.Context, owner, repo string, cfg BulkConfig) (*BulkResult, error) {
	log := b.logger.WithField("repo", owner+"/"+repo)

	repoRow, _, err := b.store.EnsureRepository(ctx, owner, repo)
	if err != nil {
		return nil, err
	}

	numbers, err := b.discover(ctx, owner, repo, cfg)
	if err != nil {
		return nil, fmt.Errorf("discovery for %s/%s failed: %w", owner, repo, err)
	}
	log.WithField("candidates", len(numbers)).Info("Discovered pull requests")

	result := &BulkResult{Repository: owner + "/" + repo}
	if len(numbers) == 0 {
		return result, nil
	}

	priority := cfg.Priority
	if priority == 0 {
		priority = scheduler.PriorityNormal
	}
	progress := scheduler.NewProgress(owner+"/"+repo, b.logger)
	progress.Observe(func(s scheduler.ProgressSnapshot) {
		if s.State == scheduler.ProgressInProgress && (s.Completed+s.Failed)%25 == 0 && s.Completed+s.Failed > 0 {
			log.WithFields(logrus.Fields{"done": s.Completed + s.Failed, "total": s.Total}).Info("Sync progress")
		}
	})

	type prOutcome struct {
		Number  int
		Outcome Outcome
	}
	executor := scheduler.NewBatchExecutor(b.sched, b.logger)
	outcomes := scheduler.ExecuteBatch(ctx, executor, numbers, func(taskCtx context.Context, number int) (prOutcome, error) {
		outcome := b.ingest.IngestPR(taskCtx, owner, repo, number, cfg.DryRun)
		if outcome.Kind == OutcomeError && retryableErr(outcome.Err) {
			// Hand the error back to the scheduler so its ladder runs:
			// forced wait plus priority boost on rate limits, backoff
			// on transient failures. The sync failure is recorded only
			// once retries are exhausted.
			return prOutcome{}, outcome.Err
		}
		b.afterIngest(taskCtx, repoRow.ID, number, outcome, cfg.DryRun)
		return prOutcome{Number: number, Outcome: outcome}, nil
	}, scheduler.BatchOptions{
		Priority:     priority,
		MaxBatchSize: cfg.MaxBatchSize,
		ItemName:     "pull request",
		Progress:     progress,
	})

	for _, o := range outcomes.Succeeded {
		result.add(o.Number, o.Outcome)
	}
	for _, f := range outcomes.Failed {
		// Everything the scheduler gave up on lands here: exhausted
		// retries, shutdown, non-started items. All of it counts
		// against the PR and is persisted for the retry service.
		number := 0
		if f.Index < len(numbers) {
			number = numbers[f.Index]
		}
		if number != 0 {
			b.afterIngest(ctx, repoRow.ID, number, failed(f.Err), cfg.DryRun)
		}
		result.add(number, failed(f.Err))
	}

	if !cfg.DryRun {
		if b.commits != nil {
			if _, err := b.commits.Finalize(); err != nil {
				return result, err
			}
		}
		if err := b.store.TouchLastSynced(ctx, repoRow.ID, b.now().UTC()); err != nil {
			return result, err
		}
	}
	log.Info(result.String())
	return result, nil
}

// afterIngest is the per-item bookkeeping: successful writes notify
// the commit manager, error outcomes become sync-failure rows.
func (b *BulkService) afterIngest(ctx context.Context, repositoryID int64, number int, outcome Outcome, dryRun bool) {
	if b.observeOutcome != nil {
		b.observeOutcome(string(outcome.Kind))
	}
	if dryRun {
		return
	}
	switch outcome.Kind {
	case OutcomeCreated, OutcomeUpdated:
		if b.commits != nil {
			if _, err := b.commits.RecordSuccess(); err != nil {
				b.logger.WithError(err).Error("Incremental commit failed")
			}
		}
	case OutcomeError:
		if err := b.store.RecordFailure(ctx, repositoryID, number, outcome.Err.Error(), errorType(outcome.Err), b.now().UTC()); err != nil {
			b.logger.WithError(err).WithField("pr", number).Error("Could not record sync failure")
		}
	}
}

// discover enumerates candidate PR numbers. The listing is sorted by
// creation date descending, so the first entry older than Since ends
// the walk without touching further pages. Rate-limit errors retry up
// to discoveryMaxAttempts, sleeping until the reported reset.
func (b *BulkService) discover(ctx context.Context, owner, repo string, cfg BulkConfig) ([]int, error) {
	for attempt := 1; ; attempt++ {
		numbers, err := b.discoverOnce(ctx, owner, repo, cfg)
		if err == nil {
			return numbers, nil
		}
		var rateErr *githubclient.RateLimitError
		if !errors.As(err, &rateErr) || attempt >= discoveryMaxAttempts {
			return nil, err
		}
		wait := time.Until(rateErr.ResetAt) + 2*time.Second
		b.logger.WithFields(logrus.Fields{"attempt": attempt, "wait": wait}).Warn("Discovery rate limited, waiting for reset")
		if err := b.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

func (b *BulkService) discoverOnce(ctx context.Context, owner, repo string, cfg BulkConfig) ([]int, error) {
	listState := "all"
	if cfg.State == StateOpen {
		listState = "open"
	}
	iter := b.gh.ListPullRequests(ctx, owner, repo, listState)

	var numbers []int
	for {
		pr, ok, err := iter.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return numbers, nil
		}
		createdAt := pr.GetCreatedAt().Time
		if cfg.Since != nil && createdAt.Before(*cfg.Since) {
			// Sorted descending: nothing later can match.
			return numbers, nil
		}
		if cfg.Until != nil && createdAt.After(*cfg.Until) {
			continue
		}
		if !keepListed(pr, cfg.State) {
			continue
		}
		numbers = append(numbers, pr.GetNumber())
		if cfg.MaxPRs > 0 && len(numbers) >= cfg.MaxPRs {
			return numbers, nil
		}
	}
}

// keepListed applies the state filter on a listing entry. The list
// endpoint does not reliably expose merge status, so closed entries
// pass the merged filter and the per-PR fetch settles merged versus
// abandoned.
func keepListed(pr *github.PullRequest, state StateFilter) bool {
	switch state {
	case StateOpen:
		return strings.EqualFold(pr.GetState(), "open")
	case StateMerged:
		return pr.MergedAt != nil || strings.EqualFold(pr.GetState(), "closed")
	default:
		return true
	}
}
