package prsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/go-github/v66/github"

	"github.com/devtrack/prmirror/pkg/githubclient"
	"github.com/devtrack/prmirror/pkg/store"
)

type prKey struct {
	repo   int64
	number int
}

// fakeStore is an in-memory Store with the same visible semantics as
// the Postgres session: copies in, copies out, merge application only
// on rows without a merger.
type fakeStore struct {
	mu sync.Mutex

	repos    map[string]*store.Repository
	prs      map[prKey]*store.PullRequest
	failures []*store.SyncFailure
	touched  map[int64]time.Time

	nextRepoID    int64
	nextPRID      int64
	nextFailureID int64

	createErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		repos:   map[string]*store.Repository{},
		prs:     map[prKey]*store.PullRequest{},
		touched: map[int64]time.Time{},
	}
}

func (f *fakeStore) EnsureRepository(_ context.Context, owner, name string) (*store.Repository, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := owner + "/" + name
	if repo, ok := f.repos[key]; ok {
		clone := *repo
		return &clone, false, nil
	}
	f.nextRepoID++
	repo := &store.Repository{
		ID:       f.nextRepoID,
		Owner:    owner,
		Name:     name,
		FullName: key,
		IsActive: true,
	}
	f.repos[key] = repo
	clone := *repo
	return &clone, true, nil
}

func (f *fakeStore) GetRepositoryByOwnerName(_ context.Context, owner, name string) (*store.Repository, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if repo, ok := f.repos[owner+"/"+name]; ok {
		clone := *repo
		return &clone, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) GetRepositoryByID(_ context.Context, id int64) (*store.Repository, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, repo := range f.repos {
		if repo.ID == id {
			clone := *repo
			return &clone, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) ListActiveRepositories(context.Context) ([]store.Repository, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Repository
	for _, repo := range f.repos {
		if repo.IsActive {
			out = append(out, *repo)
		}
	}
	return out, nil
}

func (f *fakeStore) TouchLastSynced(_ context.Context, repositoryID int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched[repositoryID] = at
	return nil
}

func (f *fakeStore) GetPullRequest(_ context.Context, repositoryID int64, number int) (*store.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pr, ok := f.prs[prKey{repositoryID, number}]; ok {
		clone := *pr
		return &clone, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) CreatePullRequest(_ context.Context, pr *store.PullRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	key := prKey{pr.RepositoryID, pr.Number}
	if _, ok := f.prs[key]; ok {
		return fmt.Errorf("pull request %d already exists in repository %d", pr.Number, pr.RepositoryID)
	}
	f.nextPRID++
	pr.ID = f.nextPRID
	pr.CreatedAt = time.Now().UTC()
	pr.UpdatedAt = pr.CreatedAt
	clone := *pr
	f.prs[key] = &clone
	return nil
}

func (f *fakeStore) UpdatePullRequest(_ context.Context, pr *store.PullRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := f.findByID(pr.ID)
	if stored == nil {
		return store.ErrNotFound
	}
	stored.Title = pr.Title
	stored.Description = pr.Description
	stored.State = pr.State
	stored.LastUpdateDate = pr.LastUpdateDate
	stored.FilesChanged = pr.FilesChanged
	stored.LinesAdded = pr.LinesAdded
	stored.LinesDeleted = pr.LinesDeleted
	stored.CommitsCount = pr.CommitsCount
	stored.Labels = pr.Labels
	stored.Filenames = pr.Filenames
	stored.RequestedReviewers = pr.RequestedReviewers
	stored.Assignees = pr.Assignees
	stored.CommitsBreakdown = pr.CommitsBreakdown
	stored.Participants = pr.Participants
	stored.UpdatedAt = time.Now().UTC()
	pr.UpdatedAt = stored.UpdatedAt
	return nil
}

func (f *fakeStore) ApplyMerge(_ context.Context, prID int64, closeDate time.Time, mergedBy string, aiSummary *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := f.findByID(prID)
	if stored == nil || stored.MergedBy != nil {
		return nil
	}
	stored.State = store.PRStateMerged
	stored.CloseDate = &closeDate
	stored.MergedBy = &mergedBy
	if aiSummary != nil {
		stored.AISummary = aiSummary
	}
	return nil
}

func (f *fakeStore) findByID(id int64) *store.PullRequest {
	for _, pr := range f.prs {
		if pr.ID == id {
			return pr
		}
	}
	return nil
}

func (f *fakeStore) RecordFailure(_ context.Context, repositoryID int64, prNumber int, errorMessage, errorType string, failedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, failure := range f.failures {
		if failure.Status == store.FailurePending && failure.RepositoryID == repositoryID && failure.PRNumber == prNumber {
			failure.ErrorMessage = errorMessage
			failure.ErrorType = errorType
			failure.FailedAt = failedAt
			return nil
		}
	}
	f.nextFailureID++
	f.failures = append(f.failures, &store.SyncFailure{
		ID:           f.nextFailureID,
		RepositoryID: repositoryID,
		PRNumber:     prNumber,
		ErrorMessage: errorMessage,
		ErrorType:    errorType,
		Status:       store.FailurePending,
		FailedAt:     failedAt,
	})
	return nil
}

func (f *fakeStore) ListPendingFailures(_ context.Context, repositoryID *int64, limit int) ([]store.SyncFailure, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.SyncFailure
	for _, failure := range f.failures {
		if failure.Status != store.FailurePending {
			continue
		}
		if repositoryID != nil && failure.RepositoryID != *repositoryID {
			continue
		}
		out = append(out, *failure)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) MarkResolved(_ context.Context, failureID int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, failure := range f.failures {
		if failure.ID == failureID {
			failure.Status = store.FailureResolved
			failure.ResolvedAt = &at
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeStore) MarkPermanent(_ context.Context, failureID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, failure := range f.failures {
		if failure.ID == failureID {
			failure.Status = store.FailurePermanent
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeStore) BumpRetry(_ context.Context, failureID int64, errorMessage, errorType string, failedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, failure := range f.failures {
		if failure.ID == failureID {
			failure.RetryCount++
			failure.ErrorMessage = errorMessage
			failure.ErrorType = errorType
			failure.FailedAt = failedAt
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeStore) storedPR(repositoryID int64, number int) *store.PullRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pr, ok := f.prs[prKey{repositoryID, number}]; ok {
		clone := *pr
		return &clone
	}
	return nil
}

func (f *fakeStore) pendingFailures() []store.SyncFailure {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.SyncFailure
	for _, failure := range f.failures {
		if failure.Status == store.FailurePending {
			out = append(out, *failure)
		}
	}
	return out
}

// fakeGitHub serves canned per-PR bundles and one canned listing.
type fakeGitHub struct {
	mu sync.Mutex

	fulls     map[int]*githubclient.FullPullRequest
	fetchErrs map[int]error
	errBudget map[int]int // fetchErrs served at most this many times; absent means always

	listing  []*github.PullRequest
	listErrs []error

	nextCalls     int
	fetchCalls    int
	fetchByNumber map[int]int
}

func newFakeGitHub() *fakeGitHub {
	return &fakeGitHub{
		fulls:         map[int]*githubclient.FullPullRequest{},
		fetchErrs:     map[int]error{},
		errBudget:     map[int]int{},
		fetchByNumber: map[int]int{},
	}
}

func (g *fakeGitHub) FetchFull(_ context.Context, _, _ string, number int) (*githubclient.FullPullRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fetchCalls++
	g.fetchByNumber[number]++
	if err, ok := g.fetchErrs[number]; ok {
		if budget, limited := g.errBudget[number]; !limited || budget > 0 {
			if limited {
				g.errBudget[number] = budget - 1
			}
			return nil, err
		}
	}
	if full, ok := g.fulls[number]; ok {
		return full, nil
	}
	return nil, &githubclient.NotFoundError{Resource: fmt.Sprintf("#%d", number)}
}

func (g *fakeGitHub) fetches(number int) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fetchByNumber[number]
}

func (g *fakeGitHub) ListPullRequests(_ context.Context, _, _, _ string) PRIterator {
	g.mu.Lock()
	defer g.mu.Unlock()
	var err error
	if len(g.listErrs) > 0 {
		err = g.listErrs[0]
		g.listErrs = g.listErrs[1:]
	}
	return &fakeIterator{gh: g, entries: g.listing, err: err}
}

type fakeIterator struct {
	gh      *fakeGitHub
	entries []*github.PullRequest
	pos     int
	err     error
}

func (it *fakeIterator) Next(context.Context) (*github.PullRequest, bool, error) {
	it.gh.mu.Lock()
	it.gh.nextCalls++
	it.gh.mu.Unlock()
	if it.err != nil {
		return nil, false, it.err
	}
	if it.pos >= len(it.entries) {
		return nil, false, nil
	}
	pr := it.entries[it.pos]
	it.pos++
	return pr, true, nil
}

func ghUser(login string) *github.User {
	return &github.User{Login: github.String(login)}
}

func openPR(number int, created, updated time.Time, author string) *github.PullRequest {
	return &github.PullRequest{
		Number:    github.Int(number),
		State:     github.String("open"),
		Title:     github.String(fmt.Sprintf("change %d", number)),
		Body:      github.String("a body"),
		HTMLURL:   github.String(fmt.Sprintf("https://github.com/devtrack/demo/pull/%d", number)),
		CreatedAt: &github.Timestamp{Time: created},
		UpdatedAt: &github.Timestamp{Time: updated},
		User:      ghUser(author),
		Merged:    github.Bool(false),
	}
}

func mergedPR(number int, created, updated, mergedAt time.Time, author, merger string) *github.PullRequest {
	pr := openPR(number, created, updated, author)
	pr.State = github.String("closed")
	pr.Merged = github.Bool(true)
	pr.MergedAt = &github.Timestamp{Time: mergedAt}
	pr.MergedBy = ghUser(merger)
	return pr
}

func abandonedPR(number int, created, updated, closedAt time.Time, author string) *github.PullRequest {
	pr := openPR(number, created, updated, author)
	pr.State = github.String("closed")
	pr.ClosedAt = &github.Timestamp{Time: closedAt}
	return pr
}

func fullOf(pr *github.PullRequest) *githubclient.FullPullRequest {
	return &githubclient.FullPullRequest{PullRequest: pr}
}
