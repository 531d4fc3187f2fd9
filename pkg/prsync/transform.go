package prsync

import (
	"sort"
	"strings"

	"github.com/google/go-github/v66/github"

	"github.com/devtrack/prmirror/pkg/githubclient"
	"github.com/devtrack/prmirror/pkg/store"
)

// Participant action tags.
const (
	actionAuthor          = "author"
	actionCommitter       = "committer"
	actionReviewer        = "reviewer"
	actionAssignee        = "assignee"
	actionReviewRequested = "review_requested"
)

// effectiveState derives the state the core records from the fetched
// PR. The third value marks an abandoned PR (closed upstream without a
// merge), which is never written.
func effectiveState(pr *github.PullRequest) (store.PRState, bool) {
	if pr.GetMerged() {
		return store.PRStateMerged, false
	}
	if strings.EqualFold(pr.GetState(), "closed") {
		return store.PRStateClosed, true
	}
	return store.PRStateOpen, false
}

// transform maps one fetched PR bundle onto a store row. It fills the
// immutable and synced fields; merge-only fields are applied
// separately so the create and update paths share it.
func transform(repositoryID int64, full *githubclient.FullPullRequest, state store.PRState) (*store.PullRequest, error) {
	pr := full.PullRequest
	if pr == nil || pr.Number == nil {
		return nil, &githubclient.ValidationError{Message: "pull request payload has no number"}
	}
	if pr.CreatedAt == nil {
		return nil, &githubclient.ValidationError{Message: "pull request payload has no creation date"}
	}

	row := &store.PullRequest{
		RepositoryID:   repositoryID,
		Number:         pr.GetNumber(),
		Title:          pr.GetTitle(),
		Description:    pr.GetBody(),
		State:          state,
		Link:           pr.GetHTMLURL(),
		OpenDate:       pr.GetCreatedAt().Time.UTC(),
		LastUpdateDate: pr.GetUpdatedAt().Time.UTC(),
		Submitter:      pr.GetUser().GetLogin(),
		FilesChanged:   pr.GetChangedFiles(),
		LinesAdded:     pr.GetAdditions(),
		LinesDeleted:   pr.GetDeletions(),
		CommitsCount:   pr.GetCommits(),
	}

	for _, label := range pr.Labels {
		row.Labels = append(row.Labels, label.GetName())
	}
	for _, f := range full.Files {
		row.Filenames = append(row.Filenames, f.GetFilename())
	}
	for _, u := range pr.RequestedReviewers {
		row.RequestedReviewers = append(row.RequestedReviewers, u.GetLogin())
	}
	for _, u := range pr.Assignees {
		row.Assignees = append(row.Assignees, u.GetLogin())
	}
	for _, c := range full.Commits {
		entry := store.CommitEntry{
			Date: c.GetCommit().GetAuthor().GetDate().Time.UTC(),
		}
		if login := c.GetAuthor().GetLogin(); login != "" {
			entry.Author = login
		} else {
			entry.Author = c.GetCommit().GetAuthor().GetName()
		}
		row.CommitsBreakdown = append(row.CommitsBreakdown, entry)
	}

	row.Participants = participants(full)
	return row, nil
}

// participants folds every actor on the PR into username -> sorted set
// of action tags.
func participants(full *githubclient.FullPullRequest) store.ParticipantMap {
	tags := map[string]map[string]struct{}{}
	add := func(user, action string) {
		if user == "" {
			return
		}
		if tags[user] == nil {
			tags[user] = map[string]struct{}{}
		}
		tags[user][action] = struct{}{}
	}

	pr := full.PullRequest
	add(pr.GetUser().GetLogin(), actionAuthor)
	for _, u := range pr.Assignees {
		add(u.GetLogin(), actionAssignee)
	}
	for _, u := range pr.RequestedReviewers {
		add(u.GetLogin(), actionReviewRequested)
	}
	for _, c := range full.Commits {
		add(c.GetAuthor().GetLogin(), actionCommitter)
	}
	for _, r := range full.Reviews {
		add(r.GetUser().GetLogin(), actionReviewer)
	}

	out := store.ParticipantMap{}
	for user, set := range tags {
		actions := make([]string, 0, len(set))
		for action := range set {
			actions = append(actions, action)
		}
		sort.Strings(actions)
		out[user] = actions
	}
	return out
}

// closeDate picks the instant a merged PR closed: merged_at when
// present, else closed_at.
func closeDate(pr *github.PullRequest) *github.Timestamp {
	if pr.MergedAt != nil {
		return pr.MergedAt
	}
	return pr.ClosedAt
}
