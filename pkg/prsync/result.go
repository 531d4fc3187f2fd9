package prsync

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/devtrack/prmirror/pkg/githubclient"
	"github.com/devtrack/prmirror/pkg/scheduler"
	"github.com/devtrack/prmirror/pkg/store"
)

// OutcomeKind tags the result of one per-PR ingestion. Exactly one
// kind applies per attempt.
type OutcomeKind string

const (
	OutcomeCreated          OutcomeKind = "created"
	OutcomeUpdated          OutcomeKind = "updated"
	OutcomeSkippedFrozen    OutcomeKind = "skipped_frozen"
	OutcomeSkippedUnchanged OutcomeKind = "skipped_unchanged"
	OutcomeSkippedAbandoned OutcomeKind = "skipped_abandoned"
	OutcomeError            OutcomeKind = "error"
)

// Outcome is the tagged result of ingesting one PR. PullRequest is the
// resulting or pre-existing row when one exists; Err is set only for
// OutcomeError.
type Outcome struct {
	Kind        OutcomeKind
	PullRequest *store.PullRequest
	Err         error
}

func created(pr *store.PullRequest) Outcome  { return Outcome{Kind: OutcomeCreated, PullRequest: pr} }
func updated(pr *store.PullRequest) Outcome  { return Outcome{Kind: OutcomeUpdated, PullRequest: pr} }
func frozen(pr *store.PullRequest) Outcome   { return Outcome{Kind: OutcomeSkippedFrozen, PullRequest: pr} }
func unchanged(pr *store.PullRequest) Outcome {
	return Outcome{Kind: OutcomeSkippedUnchanged, PullRequest: pr}
}
func abandoned(pr *store.PullRequest) Outcome {
	return Outcome{Kind: OutcomeSkippedAbandoned, PullRequest: pr}
}
func failed(err error) Outcome { return Outcome{Kind: OutcomeError, Err: err} }

// StateFilter selects which PRs bulk discovery keeps.
type StateFilter string

const (
	StateOpen   StateFilter = "open"
	StateMerged StateFilter = "merged"
	StateAll    StateFilter = "all"
)

// BulkConfig tunes one bulk per-repo sync.
type BulkConfig struct {
	// Since drops PRs created before it and stops discovery early
	// (the listing is sorted by creation date descending).
	Since *time.Time
	// Until drops PRs created after it.
	Until *time.Time
	// State filters discovery; the open/merged/abandoned distinction
	// for closed entries is deferred to per-PR fetch.
	State StateFilter
	// MaxPRs caps discovery. Zero means unlimited.
	MaxPRs int
	// DryRun ingests without writing.
	DryRun bool
	// Priority used for the per-PR scheduler submissions.
	Priority scheduler.Priority
	// MaxBatchSize bounds one executor sub-batch.
	MaxBatchSize int
}

// PRFailure is one failed PR in a bulk result.
type PRFailure struct {
	Number  int
	Message string
}

// BulkResult aggregates one repository's bulk sync.
type BulkResult struct {
	Repository       string
	Total            int
	Created          int
	Updated          int
	SkippedFrozen    int
	SkippedUnchanged int
	SkippedAbandoned int
	Failed           int
	Failures         []PRFailure
}

func (r *BulkResult) add(number int, outcome Outcome) {
	r.Total++
	switch outcome.Kind {
	case OutcomeCreated:
		r.Created++
	case OutcomeUpdated:
		r.Updated++
	case OutcomeSkippedFrozen:
		r.SkippedFrozen++
	case OutcomeSkippedUnchanged:
		r.SkippedUnchanged++
	case OutcomeSkippedAbandoned:
		r.SkippedAbandoned++
	case OutcomeError:
		r.Failed++
		r.Failures = append(r.Failures, PRFailure{Number: number, Message: outcome.Err.Error()})
	}
}

// String renders a one-line summary for logs.
func (r *BulkResult) String() string {
	return fmt.Sprintf("%s: %d PRs (%d created, %d updated, %d frozen, %d unchanged, %d abandoned, %d failed)",
		r.Repository, r.Total, r.Created, r.Updated, r.SkippedFrozen, r.SkippedUnchanged, r.SkippedAbandoned, r.Failed)
}

// RepoFailure is one repository whose sync failed at the repo level
// (e.g. discovery), as opposed to individual PR failures inside it.
type RepoFailure struct {
	Repository string
	Message    string
}

// MultiRepoResult aggregates a whole orchestrated run.
type MultiRepoResult struct {
	Results  []*BulkResult
	Failures []RepoFailure
}

// TotalFailed counts PR-level failures across all repositories.
func (m *MultiRepoResult) TotalFailed() int {
	n := 0
	for _, r := range m.Results {
		n += r.Failed
	}
	return n
}

// errorType renders a short class-name tag for a recorded failure,
// e.g. "NotFoundError". Wrapping is unwound so an error that crossed
// the scheduler keeps its original tag.
func errorType(err error) string {
	var (
		auth       *githubclient.AuthError
		rate       *githubclient.RateLimitError
		notFound   *githubclient.NotFoundError
		transport  *githubclient.TransportError
		validation *githubclient.ValidationError
	)
	switch {
	case errors.As(err, &auth):
		return "AuthError"
	case errors.As(err, &rate):
		return "RateLimitError"
	case errors.As(err, &notFound):
		return "NotFoundError"
	case errors.As(err, &transport):
		return "TransportError"
	case errors.As(err, &validation):
		return "ValidationError"
	}
	t := fmt.Sprintf("%T", err)
	t = strings.TrimPrefix(t, "*")
	if i := strings.LastIndex(t, "."); i >= 0 {
		t = t[i+1:]
	}
	return t
}

// retryableErr mirrors the scheduler's retry opt-in check.
func retryableErr(err error) bool {
	var r interface{ Retryable() bool }
	return errors.As(err, &r) && r.Retryable()
}
