package store

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

const syncFailureColumns = `id, repository_id, pr_number, error_message, error_type,
	retry_count, status, failed_at, resolved_at, created_at`

// RecordFailure upserts the PENDING failure row for a PR. The partial
// unique index on (repository_id, pr_number) WHERE status='PENDING'
// guarantees at most one pending row per PR; an existing one is
// updated in place rather than duplicated.
func (s *Session) RecordFailure(ctx context.Context, repositoryID int64, prNumber int, errorMessage, errorType string, failedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.tx.ExecContext(ctx,
		`INSERT INTO sync_failures (repository_id, pr_number, error_message, error_type, status, failed_at)
		 VALUES ($1, $2, $3, $4, 'PENDING', $5)
		 ON CONFLICT (repository_id, pr_number) WHERE status = 'PENDING'
		 DO UPDATE SET error_message = EXCLUDED.error_message,
		               error_type = EXCLUDED.error_type,
		               failed_at = EXCLUDED.failed_at`,
		repositoryID, prNumber, errorMessage, errorType, failedAt)
	return errors.Wrapf(err, "recording sync failure for PR %d in repository %d", prNumber, repositoryID)
}

// ListPendingFailures returns pending failures, optionally scoped to a
// repository, oldest first. A limit <= 0 means no limit.
func (s *Session) ListPendingFailures(ctx context.Context, repositoryID *int64, limit int) ([]SyncFailure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	query := `SELECT ` + syncFailureColumns + ` FROM sync_failures WHERE status = 'PENDING'`
	args := []interface{}{}
	if repositoryID != nil {
		query += ` AND repository_id = $1`
		args = append(args, *repositoryID)
	}
	query += ` ORDER BY failed_at ASC`
	if limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(limit)
	}
	var failures []SyncFailure
	if err := s.tx.SelectContext(ctx, &failures, query, args...); err != nil {
		return nil, errors.Wrap(err, "listing pending sync failures")
	}
	return failures, nil
}

// MarkResolved closes a pending failure after a successful retry.
func (s *Session) MarkResolved(ctx context.Context, failureID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.tx.ExecContext(ctx,
		`UPDATE sync_failures SET status = 'RESOLVED', resolved_at = $2 WHERE id = $1`,
		failureID, at)
	return errors.Wrapf(err, "resolving sync failure %d", failureID)
}

// MarkPermanent retires a pending failure that ran out of retries.
func (s *Session) MarkPermanent(ctx context.Context, failureID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.tx.ExecContext(ctx,
		`UPDATE sync_failures SET status = 'PERMANENT' WHERE id = $1`, failureID)
	return errors.Wrapf(err, "marking sync failure %d permanent", failureID)
}

// BumpRetry keeps a failure pending after another unsuccessful retry,
// recording the fresh error.
func (s *Session) BumpRetry(ctx context.Context, failureID int64, errorMessage, errorType string, failedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.tx.ExecContext(ctx,
		`UPDATE sync_failures SET retry_count = retry_count + 1,
		        error_message = $2, error_type = $3, failed_at = $4
		 WHERE id = $1`,
		failureID, errorMessage, errorType, failedAt)
	return errors.Wrapf(err, "bumping retry count for sync failure %d", failureID)
}
