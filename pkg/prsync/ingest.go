package prsync

import (
	"context"
	"errors"
	"time"

	"github.com/google/go-github/v66/github"
	"github.com/sirupsen/logrus"

	"github.com/devtrack/prmirror/pkg/githubclient"
	"github.com/devtrack/prmirror/pkg/store"
)

// PRIterator yields one listing entry at a time. The second return is
// false once the listing is exhausted.
type PRIterator interface {
	Next(ctx context.Context) (*github.PullRequest, bool, error)
}

// GitHub is the slice of the HTTP client the pipeline consumes.
type GitHub interface {
	FetchFull(ctx context.Context, owner, repo string, number int) (*githubclient.FullPullRequest, error)
	ListPullRequests(ctx context.Context, owner, repo, state string) PRIterator
}

// NewGitHub adapts the concrete client to the pipeline's interface.
func NewGitHub(c *githubclient.Client) GitHub {
	return githubAdapter{c}
}

type githubAdapter struct {
	*githubclient.Client
}

func (a githubAdapter) ListPullRequests(ctx context.Context, owner, repo, state string) PRIterator {
	return a.Client.ListPullRequests(ctx, owner, repo, state)
}

// Store is the slice of the persistence layer the pipeline consumes.
// *store.Session satisfies it.
type Store interface {
	EnsureRepository(ctx context.Context, owner, name string) (*store.Repository, bool, error)
	GetRepositoryByOwnerName(ctx context.Context, owner, name string) (*store.Repository, error)
	GetRepositoryByID(ctx context.Context, id int64) (*store.Repository, error)
	ListActiveRepositories(ctx context.Context) ([]store.Repository, error)
	TouchLastSynced(ctx context.Context, repositoryID int64, at time.Time) error

	GetPullRequest(ctx context.Context, repositoryID int64, number int) (*store.PullRequest, error)
	CreatePullRequest(ctx context.Context, pr *store.PullRequest) error
	UpdatePullRequest(ctx context.Context, pr *store.PullRequest) error
	ApplyMerge(ctx context.Context, prID int64, closeDate time.Time, mergedBy string, aiSummary *string) error

	RecordFailure(ctx context.Context, repositoryID int64, prNumber int, errorMessage, errorType string, failedAt time.Time) error
	ListPendingFailures(ctx context.Context, repositoryID *int64, limit int) ([]store.SyncFailure, error)
	MarkResolved(ctx context.Context, failureID int64, at time.Time) error
	MarkPermanent(ctx context.Context, failureID int64) error
	BumpRetry(ctx context.Context, failureID int64, errorMessage, errorType string, failedAt time.Time) error
}

// Summarizer optionally produces an AI summary for a merged PR. A nil
// return stores no summary.
type Summarizer func(ctx context.Context, full *githubclient.FullPullRequest) *string

// Service ingests single pull requests: fetch, transform, upsert.
// Errors never escape a per-PR attempt; they come back as an error
// outcome.
type Service struct {
	gh          GitHub
	store       Store
	gracePeriod time.Duration
	summarize   Summarizer

	logger *logrus.Entry
	now    func() time.Time
}

// NewService builds a per-PR ingestion service.
func NewService(gh GitHub, st Store, gracePeriod time.Duration, summarize Summarizer, logger *logrus.Entry) *Service {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if gracePeriod <= 0 {
		gracePeriod = 14 * 24 * time.Hour
	}
	return &Service{
		gh:          gh,
		store:       st,
		gracePeriod: gracePeriod,
		summarize:   summarize,
		logger:      logger.WithField("component", "pr-ingest"),
		now:         time.Now,
	}
}

// IngestPR mirrors one PR into the store. The returned outcome tags
// exactly what happened; the Error kind carries the cause.
func (s *Service) IngestPR(ctx context.Context, owner, repo string, number int, dryRun bool) Outcome {
	log := s.logger.WithFields(logrus.Fields{"repo": owner + "/" + repo, "pr": number})

	repoRow, repoCreated, err := s.store.EnsureRepository(ctx, owner, repo)
	if err != nil {
		return failed(err)
	}
	if repoCreated {
		log.Info("Created repository row on first observation")
	}

	full, err := s.gh.FetchFull(ctx, owner, repo, number)
	if err != nil {
		return failed(err)
	}

	state, isAbandoned := effectiveState(full.PullRequest)
	if isAbandoned {
		// Closed without a merge: never inserted, never updated. An
		// existing row (from when the PR was open) is returned as-is.
		existing, err := s.store.GetPullRequest(ctx, repoRow.ID, number)
		if err != nil && !isNotFound(err) {
			return failed(err)
		}
		log.Debug("Skipping abandoned pull request")
		return abandoned(existing)
	}

	incoming, err := transform(repoRow.ID, full, state)
	if err != nil {
		return failed(err)
	}

	existing, err := s.store.GetPullRequest(ctx, repoRow.ID, number)
	if err != nil && !isNotFound(err) {
		return failed(err)
	}

	if existing != nil {
		if existing.State == store.PRStateMerged && existing.CloseDate == nil {
			// Should be impossible for rows the core wrote; worth
			// noticing when it happens.
			log.Warn("Merged pull request stored without close date; treating as not frozen")
		}
		if existing.IsFrozen(s.now(), s.gracePeriod) {
			return frozen(existing)
		}
		if !existing.LastUpdateDate.Before(incoming.LastUpdateDate) {
			return unchanged(existing)
		}
	}

	if dryRun {
		if existing == nil {
			return created(incoming)
		}
		return updated(existing)
	}

	if existing == nil {
		if err := s.store.CreatePullRequest(ctx, incoming); err != nil {
			return failed(err)
		}
		if err := s.applyMerge(ctx, full, incoming); err != nil {
			return failed(err)
		}
		log.Info("Created pull request")
		return created(incoming)
	}

	incoming.ID = existing.ID
	if err := s.store.UpdatePullRequest(ctx, incoming); err != nil {
		return failed(err)
	}
	if existing.MergedBy == nil {
		if err := s.applyMerge(ctx, full, incoming); err != nil {
			return failed(err)
		}
	}
	log.Info("Updated pull request")
	return updated(incoming)
}

// applyMerge writes the merge-only fields when the incoming data is
// merged. merged_at wins over closed_at for the close date.
func (s *Service) applyMerge(ctx context.Context, full *githubclient.FullPullRequest, row *store.PullRequest) error {
	pr := full.PullRequest
	if !pr.GetMerged() {
		return nil
	}
	closed := closeDate(pr)
	if closed == nil {
		return &githubclient.ValidationError{Message: "merged pull request has neither merged_at nor closed_at"}
	}
	var summary *string
	if s.summarize != nil {
		summary = s.summarize(ctx, full)
	}
	when := closed.Time.UTC()
	if err := s.store.ApplyMerge(ctx, row.ID, when, pr.GetMergedBy().GetLogin(), summary); err != nil {
		return err
	}
	row.State = store.PRStateMerged
	row.CloseDate = &when
	mergedBy := pr.GetMergedBy().GetLogin()
	row.MergedBy = &mergedBy
	row.AISummary = summary
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
