package store

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestRecordFailureUpsertsThePendingRow(t *testing.T) {
	session, mock := mockSession(t)
	mock.ExpectExec(regexp.QuoteMeta(`ON CONFLICT (repository_id, pr_number) WHERE status = 'PENDING'`)).
		WithArgs(int64(1), 42, "boom", "TransportError", testInstant).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := session.RecordFailure(context.Background(), 1, 42, "boom", "TransportError", testInstant); err != nil {
		t.Fatalf("record failure failed: %v", err)
	}
	expectationsMet(t, mock)
}

func TestListPendingFailuresScopedToRepository(t *testing.T) {
	session, mock := mockSession(t)
	rows := sqlmock.NewRows([]string{
		"id", "repository_id", "pr_number", "error_message", "error_type",
		"retry_count", "status", "failed_at", "resolved_at", "created_at",
	}).
		AddRow(int64(5), int64(1), 42, "boom", "TransportError", 0, "PENDING", testInstant, nil, testInstant).
		AddRow(int64(6), int64(1), 43, "kaput", "ValidationError", 2, "PENDING", testInstant, nil, testInstant)
	mock.ExpectQuery(regexp.QuoteMeta(`AND repository_id = $1`)).
		WithArgs(int64(1)).
		WillReturnRows(rows)

	repoID := int64(1)
	failures, err := session.ListPendingFailures(context.Background(), &repoID, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failures) != 2 {
		t.Fatalf("expected 2 pending failures, got %d", len(failures))
	}
	if failures[0].PRNumber != 42 || failures[1].RetryCount != 2 {
		t.Errorf("unexpected rows: %+v", failures)
	}
	expectationsMet(t, mock)
}

func TestFailureStatusTransitions(t *testing.T) {
	session, mock := mockSession(t)

	mock.ExpectExec(regexp.QuoteMeta(`SET status = 'RESOLVED', resolved_at = $2`)).
		WithArgs(int64(5), testInstant).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := session.MarkResolved(context.Background(), 5, testInstant); err != nil {
		t.Fatalf("mark resolved failed: %v", err)
	}

	mock.ExpectExec(regexp.QuoteMeta(`SET status = 'PERMANENT'`)).
		WithArgs(int64(6)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := session.MarkPermanent(context.Background(), 6); err != nil {
		t.Fatalf("mark permanent failed: %v", err)
	}

	mock.ExpectExec(regexp.QuoteMeta(`SET retry_count = retry_count + 1`)).
		WithArgs(int64(7), "still broken", "TransportError", testInstant).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := session.BumpRetry(context.Background(), 7, "still broken", "TransportError", testInstant); err != nil {
		t.Fatalf("bump retry failed: %v", err)
	}
	expectationsMet(t, mock)
}
