package prsync

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// RetryResult summarizes one pass over pending sync failures.
type RetryResult struct {
	Attempted    int
	Resolved     int
	Permanent    int
	StillPending int
}

// RetryService re-ingests PRs whose last sync attempt failed
// permanently at the PR level. A success resolves the pending row; a
// failure either retires it as permanent or keeps it pending with a
// bumped retry count — always updating the existing row so the
// one-pending-per-PR invariant holds.
type RetryService struct {
	store      Store
	ingest     *Service
	maxRetries int

	logger *logrus.Entry
	now    func() time.Time
}

// NewRetryService builds the failure-retry service. maxRetries <= 0
// defaults to 3.
func NewRetryService(st Store, ingest *Service, maxRetries int, logger *logrus.Entry) *RetryService {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &RetryService{
		store:      st,
		ingest:     ingest,
		maxRetries: maxRetries,
		logger:     logger.WithField("component", "failure-retry"),
		now:        time.Now,
	}
}

// RetryPending retries pending failures, optionally scoped to one
// owner/name repository, at most limit of them (0 = all).
func (r *RetryService) RetryPending(ctx context.Context, repository string, limit int) (*RetryResult, error) {
	var repoID *int64
	if repository != "" {
		owner, name, err := splitRepo(repository)
		if err != nil {
			return nil, err
		}
		repoRow, err := r.store.GetRepositoryByOwnerName(ctx, owner, name)
		if err != nil {
			return nil, err
		}
		repoID = &repoRow.ID
	}

	pending, err := r.store.ListPendingFailures(ctx, repoID, limit)
	if err != nil {
		return nil, err
	}

	result := &RetryResult{}
	for _, failure := range pending {
		result.Attempted++
		if err := r.retryOne(ctx, failure.ID, failure.RepositoryID, failure.PRNumber, failure.RetryCount, result); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (r *RetryService) retryOne(ctx context.Context, failureID, repositoryID int64, prNumber, retryCount int, result *RetryResult) error {
	log := r.logger.WithFields(logrus.Fields{"failure": failureID, "pr": prNumber})

	repo, err := r.store.GetRepositoryByID(ctx, repositoryID)
	if err != nil {
		return err
	}

	outcome := r.ingest.IngestPR(ctx, repo.Owner, repo.Name, prNumber, false)
	if outcome.Kind != OutcomeError {
		log.WithField("outcome", string(outcome.Kind)).Info("Retried failure resolved")
		result.Resolved++
		return r.store.MarkResolved(ctx, failureID, r.now().UTC())
	}

	if retryCount+1 >= r.maxRetries {
		log.WithError(outcome.Err).Warn("Failure exhausted retries, marking permanent")
		result.Permanent++
		return r.store.MarkPermanent(ctx, failureID)
	}

	log.WithError(outcome.Err).Info("Retry failed again, keeping pending")
	result.StillPending++
	return r.store.BumpRetry(ctx, failureID, outcome.Err.Error(), errorType(outcome.Err), r.now().UTC())
}
