package githubclient

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-github/v66/github"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/devtrack/prmirror/pkg/ratelimit"
)

// Options configures the client.
type Options struct {
	// Token authenticates against the API. Empty means unauthenticated
	// (60 requests/hour), which is only useful for smoke tests.
	Token string
	// BaseURL overrides the API endpoint, for GitHub Enterprise or tests.
	BaseURL string
	// PerPage is the page size used for every list call.
	PerPage int
	// Timeout bounds a single HTTP round trip.
	Timeout time.Duration
}

// Client wraps go-github with the two hooks the ingestion core
// requires: every call consults the pacer before firing, and every
// response feeds its rate-limit headers back to the monitor.
type Client struct {
	gh      *github.Client
	pacer   *ratelimit.Pacer
	monitor *ratelimit.Monitor
	perPage int
	logger  *logrus.Entry
	observe func(seconds float64)
}

// InstrumentRequests registers a hook receiving the duration of every
// API round trip, in seconds.
func (c *Client) InstrumentRequests(fn func(seconds float64)) {
	c.observe = fn
}

// FullPullRequest is the 4-tuple a single PR ingestion needs.
type FullPullRequest struct {
	PullRequest *github.PullRequest
	Files       []*github.CommitFile
	Commits     []*github.RepositoryCommit
	Reviews     []*github.PullRequestReview
}

// New builds a client on top of a retrying HTTP transport.
func New(opts Options, pacer *ratelimit.Pacer, monitor *ratelimit.Monitor, logger *logrus.Entry) (*Client, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.PerPage <= 0 {
		opts.PerPage = 100
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.HTTPClient.Timeout = opts.Timeout
	rc.Logger = nil

	gh := github.NewClient(rc.StandardClient())
	if opts.Token != "" {
		gh = gh.WithAuthToken(opts.Token)
	}
	if opts.BaseURL != "" {
		var err error
		gh, err = gh.WithEnterpriseURLs(opts.BaseURL, opts.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid base URL %s: %w", opts.BaseURL, err)
		}
	}

	return &Client{
		gh:      gh,
		pacer:   pacer,
		monitor: monitor,
		perPage: opts.PerPage,
		logger:  logger.WithField("component", "github-client"),
	}, nil
}

// pace sleeps for the pacer's recommended delay, honoring cancellation.
func (c *Client) pace(ctx context.Context) error {
	if c.pacer == nil {
		return nil
	}
	delay := c.pacer.RecommendedDelay(ratelimit.PoolCore)
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// finish records the round trip, feeds response headers to the monitor
// and maps the error.
func (c *Client) finish(resource string, started time.Time, resp *github.Response, err error) error {
	if c.observe != nil {
		c.observe(time.Since(started).Seconds())
	}
	if c.monitor != nil && resp != nil && resp.Response != nil {
		c.monitor.UpdateFromHeaders(resp.Header)
	}
	return mapError(resource, resp, err)
}

// GetPullRequest fetches a single PR.
func (c *Client) GetPullRequest(ctx context.Context, owner, repo string, number int) (*github.PullRequest, error) {
	if err := c.pace(ctx); err != nil {
		return nil, err
	}
	started := time.Now()
	pr, resp, err := c.gh.PullRequests.Get(ctx, owner, repo, number)
	if err := c.finish(fmt.Sprintf("%s/%s#%d", owner, repo, number), started, resp, err); err != nil {
		return nil, err
	}
	return pr, nil
}

// ListFiles fetches the complete file list of a PR, following pagination.
func (c *Client) ListFiles(ctx context.Context, owner, repo string, number int) ([]*github.CommitFile, error) {
	var all []*github.CommitFile
	opts := &github.ListOptions{PerPage: c.perPage}
	for {
		if err := c.pace(ctx); err != nil {
			return nil, err
		}
		started := time.Now()
		files, resp, err := c.gh.PullRequests.ListFiles(ctx, owner, repo, number, opts)
		if err := c.finish(fmt.Sprintf("%s/%s#%d files", owner, repo, number), started, resp, err); err != nil {
			return nil, err
		}
		all = append(all, files...)
		if resp.NextPage == 0 {
			return all, nil
		}
		opts.Page = resp.NextPage
	}
}

// ListCommits fetches the complete commit list of a PR.
func (c *Client) ListCommits(ctx context.Context, owner, repo string, number int) ([]*github.RepositoryCommit, error) {
	var all []*github.RepositoryCommit
	opts := &github.ListOptions{PerPage: c.perPage}
	for {
		if err := c.pace(ctx); err != nil {
			return nil, err
		}
		started := time.Now()
		commits, resp, err := c.gh.PullRequests.ListCommits(ctx, owner, repo, number, opts)
		if err := c.finish(fmt.Sprintf("%s/%s#%d commits", owner, repo, number), started, resp, err); err != nil {
			return nil, err
		}
		all = append(all, commits...)
		if resp.NextPage == 0 {
			return all, nil
		}
		opts.Page = resp.NextPage
	}
}

// ListReviews fetches the complete review list of a PR.
func (c *Client) ListReviews(ctx context.Context, owner, repo string, number int) ([]*github.PullRequestReview, error) {
	var all []*github.PullRequestReview
	opts := &github.ListOptions{PerPage: c.perPage}
	for {
		if err := c.pace(ctx); err != nil {
			return nil, err
		}
		started := time.Now()
		reviews, resp, err := c.gh.PullRequests.ListReviews(ctx, owner, repo, number, opts)
		if err := c.finish(fmt.Sprintf("%s/%s#%d reviews", owner, repo, number), started, resp, err); err != nil {
			return nil, err
		}
		all = append(all, reviews...)
		if resp.NextPage == 0 {
			return all, nil
		}
		opts.Page = resp.NextPage
	}
}

// FetchFull fetches the PR plus its files, commits and reviews. It is
// the convenience the per-PR ingestion path consumes, equivalent to
// four sequential calls.
func (c *Client) FetchFull(ctx context.Context, owner, repo string, number int) (*FullPullRequest, error) {
	pr, err := c.GetPullRequest(ctx, owner, repo, number)
	if err != nil {
		return nil, err
	}
	files, err := c.ListFiles(ctx, owner, repo, number)
	if err != nil {
		return nil, err
	}
	commits, err := c.ListCommits(ctx, owner, repo, number)
	if err != nil {
		return nil, err
	}
	reviews, err := c.ListReviews(ctx, owner, repo, number)
	if err != nil {
		return nil, err
	}
	return &FullPullRequest{PullRequest: pr, Files: files, Commits: commits, Reviews: reviews}, nil
}

// ListPullRequests returns a lazy iterator over the repo's PRs sorted
// by creation date descending. Pages are fetched on demand, so a
// caller that stops early never drives the paginator past the page it
// stopped on.
func (c *Client) ListPullRequests(ctx context.Context, owner, repo, state string) *PRLister {
	return &PRLister{
		client:   c,
		owner:    owner,
		repo:     repo,
		state:    state,
		nextPage: 1,
	}
}

// PRLister pages through a pull request listing lazily.
type PRLister struct {
	client *Client
	owner  string
	repo   string
	state  string

	buffer   []*github.PullRequest
	nextPage int
	done     bool
}

// Next yields the next PR in the listing. The second return is false
// once the listing is exhausted.
func (l *PRLister) Next(ctx context.Context) (*github.PullRequest, bool, error) {
	if len(l.buffer) == 0 {
		if l.done {
			return nil, false, nil
		}
		if err := l.fetchPage(ctx); err != nil {
			return nil, false, err
		}
		if len(l.buffer) == 0 {
			return nil, false, nil
		}
	}
	pr := l.buffer[0]
	l.buffer = l.buffer[1:]
	return pr, true, nil
}

func (l *PRLister) fetchPage(ctx context.Context) error {
	if err := l.client.pace(ctx); err != nil {
		return err
	}
	opts := &github.PullRequestListOptions{
		State:     l.state,
		Sort:      "created",
		Direction: "desc",
		ListOptions: github.ListOptions{
			PerPage: l.client.perPage,
			Page:    l.nextPage,
		},
	}
	started := time.Now()
	prs, resp, err := l.client.gh.PullRequests.List(ctx, l.owner, l.repo, opts)
	if err := l.client.finish(fmt.Sprintf("%s/%s pulls", l.owner, l.repo), started, resp, err); err != nil {
		return err
	}
	l.buffer = prs
	if resp.NextPage == 0 {
		l.done = true
	} else {
		l.nextPage = resp.NextPage
	}
	return nil
}

// RateLimitSnapshots implements ratelimit.QuotaFetcher with the free
// rate_limit endpoint.
func (c *Client) RateLimitSnapshots(ctx context.Context) ([]ratelimit.Snapshot, error) {
	started := time.Now()
	limits, resp, err := c.gh.RateLimit.Get(ctx)
	if err := c.finish("rate_limit", started, resp, err); err != nil {
		return nil, err
	}
	var snapshots []ratelimit.Snapshot
	add := func(pool ratelimit.Pool, rate *github.Rate) {
		if rate == nil {
			return
		}
		snapshots = append(snapshots, ratelimit.Snapshot{
			Pool:      pool,
			Limit:     rate.Limit,
			Remaining: rate.Remaining,
			Used:      rate.Limit - rate.Remaining,
			ResetAt:   rate.Reset.Time,
		})
	}
	add(ratelimit.PoolCore, limits.Core)
	add(ratelimit.PoolSearch, limits.Search)
	add(ratelimit.PoolGraphQL, limits.GraphQL)
	return snapshots, nil
}

// RoundTripperFunc adapts a function to http.RoundTripper. Exposed for
// tests that need to stub the transport under the real client.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }
