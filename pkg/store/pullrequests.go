package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

const pullRequestColumns = `id, repository_id, number, title, description, state, link,
	open_date, close_date, last_update_date, submitter, merged_by,
	files_changed, lines_added, lines_deleted, commits_count,
	labels, filenames, requested_reviewers, assignees, commits_breakdown, participants,
	ai_summary, created_at, updated_at`

// GetPullRequest looks a PR up by its (repository, number) identity.
func (s *Session) GetPullRequest(ctx context.Context, repositoryID int64, number int) (*PullRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pr PullRequest
	err := s.tx.GetContext(ctx, &pr,
		`SELECT `+pullRequestColumns+` FROM pull_requests
		 WHERE repository_id = $1 AND number = $2`, repositoryID, number)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "looking up pull request %d in repository %d", number, repositoryID)
	}
	return &pr, nil
}

// CreatePullRequest inserts a new PR row, immutable and synced fields
// together. The generated id and timestamps are written back into pr.
func (s *Session) CreatePullRequest(ctx context.Context, pr *PullRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.tx.QueryRowxContext(ctx,
		`INSERT INTO pull_requests (
			repository_id, number, title, description, state, link,
			open_date, close_date, last_update_date, submitter, merged_by,
			files_changed, lines_added, lines_deleted, commits_count,
			labels, filenames, requested_reviewers, assignees, commits_breakdown, participants,
			ai_summary
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		RETURNING id, created_at, updated_at`,
		pr.RepositoryID, pr.Number, pr.Title, pr.Description, pr.State, pr.Link,
		pr.OpenDate, pr.CloseDate, pr.LastUpdateDate, pr.Submitter, pr.MergedBy,
		pr.FilesChanged, pr.LinesAdded, pr.LinesDeleted, pr.CommitsCount,
		pr.Labels, pr.Filenames, pr.RequestedReviewers, pr.Assignees, pr.CommitsBreakdown, pr.Participants,
		pr.AISummary).
		Scan(&pr.ID, &pr.CreatedAt, &pr.UpdatedAt)
	if isUniqueViolation(err) {
		return errors.Wrapf(err, "pull request %d already exists in repository %d", pr.Number, pr.RepositoryID)
	}
	return errors.Wrapf(err, "creating pull request %d in repository %d", pr.Number, pr.RepositoryID)
}

// UpdatePullRequest overwrites the synced fields of an existing row.
// Immutable fields (number, link, open_date, submitter) are left alone.
func (s *Session) UpdatePullRequest(ctx context.Context, pr *PullRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.tx.QueryRowxContext(ctx,
		`UPDATE pull_requests SET
			title = $2, description = $3, state = $4, last_update_date = $5,
			files_changed = $6, lines_added = $7, lines_deleted = $8, commits_count = $9,
			labels = $10, filenames = $11, requested_reviewers = $12, assignees = $13,
			commits_breakdown = $14, participants = $15,
			updated_at = now()
		WHERE id = $1
		RETURNING updated_at`,
		pr.ID,
		pr.Title, pr.Description, pr.State, pr.LastUpdateDate,
		pr.FilesChanged, pr.LinesAdded, pr.LinesDeleted, pr.CommitsCount,
		pr.Labels, pr.Filenames, pr.RequestedReviewers, pr.Assignees,
		pr.CommitsBreakdown, pr.Participants).
		Scan(&pr.UpdatedAt)
	return errors.Wrapf(err, "updating pull request %d", pr.ID)
}

// ApplyMerge sets the merge-only fields on a row that does not carry
// them yet: close date, merger, and the optional AI summary.
func (s *Session) ApplyMerge(ctx context.Context, prID int64, closeDate time.Time, mergedBy string, aiSummary *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.tx.ExecContext(ctx,
		`UPDATE pull_requests SET
			state = $2, close_date = $3, merged_by = $4,
			ai_summary = COALESCE($5, ai_summary),
			updated_at = now()
		WHERE id = $1 AND merged_by IS NULL`,
		prID, PRStateMerged, closeDate, mergedBy, aiSummary)
	return errors.Wrapf(err, "applying merge to pull request %d", prID)
}
