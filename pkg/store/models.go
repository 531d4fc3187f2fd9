package store

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// PRState is the lifecycle state a mirrored pull request is stored
// with. CLOSED exists for historical rows only; the ingestion core
// never writes it (closed-unmerged PRs are skipped as abandoned).
type PRState string

const (
	PRStateOpen   PRState = "OPEN"
	PRStateMerged PRState = "MERGED"
	PRStateClosed PRState = "CLOSED"
)

// FailureStatus classifies a recorded sync failure.
type FailureStatus string

const (
	FailurePending   FailureStatus = "PENDING"
	FailureResolved  FailureStatus = "RESOLVED"
	FailurePermanent FailureStatus = "PERMANENT"
)

// Repository is one tracked GitHub repository.
type Repository struct {
	ID           int64      `db:"id"`
	Owner        string     `db:"owner"`
	Name         string     `db:"name"`
	FullName     string     `db:"full_name"`
	IsActive     bool       `db:"is_active"`
	LastSyncedAt *time.Time `db:"last_synced_at"`
	CreatedAt    time.Time  `db:"created_at"`
}

// CommitEntry is one element of a PR's commit breakdown.
type CommitEntry struct {
	Date   time.Time `json:"date"`
	Author string    `json:"author"`
}

// StringList stores a JSON array of strings in a jsonb column.
type StringList []string

// CommitBreakdown stores the ordered commit sequence in a jsonb column.
type CommitBreakdown []CommitEntry

// ParticipantMap maps a username to the sorted set of action tags the
// user performed on the PR (author, committer, reviewer, assignee,
// review_requested).
type ParticipantMap map[string][]string

func jsonValue(v interface{}) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling jsonb column")
	}
	return b, nil
}

func jsonScan(src, dst interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return errors.Wrap(json.Unmarshal(v, dst), "scanning jsonb column")
	case string:
		return errors.Wrap(json.Unmarshal([]byte(v), dst), "scanning jsonb column")
	default:
		return errors.Errorf("cannot scan %T into jsonb column", src)
	}
}

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		l = StringList{}
	}
	return jsonValue(l)
}

func (l *StringList) Scan(src interface{}) error { return jsonScan(src, l) }

func (b CommitBreakdown) Value() (driver.Value, error) {
	if b == nil {
		b = CommitBreakdown{}
	}
	return jsonValue(b)
}

func (b *CommitBreakdown) Scan(src interface{}) error { return jsonScan(src, b) }

func (m ParticipantMap) Value() (driver.Value, error) {
	if m == nil {
		m = ParticipantMap{}
	}
	return jsonValue(m)
}

func (m *ParticipantMap) Scan(src interface{}) error { return jsonScan(src, m) }

// PullRequest is one mirrored pull request. Identity is
// (RepositoryID, Number). Number, Link, OpenDate and Submitter are
// immutable after creation; the remaining synced fields are
// overwritten on every refresh while the row is writable.
type PullRequest struct {
	ID           int64   `db:"id"`
	RepositoryID int64   `db:"repository_id"`
	Number       int     `db:"number"`
	Title        string  `db:"title"`
	Description  string  `db:"description"`
	State        PRState `db:"state"`
	Link         string  `db:"link"`

	OpenDate       time.Time  `db:"open_date"`
	CloseDate      *time.Time `db:"close_date"`
	LastUpdateDate time.Time  `db:"last_update_date"`

	Submitter string  `db:"submitter"`
	MergedBy  *string `db:"merged_by"`

	FilesChanged int `db:"files_changed"`
	LinesAdded   int `db:"lines_added"`
	LinesDeleted int `db:"lines_deleted"`
	CommitsCount int `db:"commits_count"`

	Labels             StringList      `db:"labels"`
	Filenames          StringList      `db:"filenames"`
	RequestedReviewers StringList      `db:"requested_reviewers"`
	Assignees          StringList      `db:"assignees"`
	CommitsBreakdown   CommitBreakdown `db:"commits_breakdown"`
	Participants       ParticipantMap  `db:"participants"`

	AISummary *string `db:"ai_summary"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// IsMerged reports whether the stored row already represents a merged PR.
func (pr *PullRequest) IsMerged() bool {
	return pr.State == PRStateMerged
}

// IsFrozen reports whether the row is past the merge grace period and
// therefore read-only to the ingestion core. A merged row without a
// close date cannot be aged, so it stays writable; callers log that
// inconsistency.
func (pr *PullRequest) IsFrozen(now time.Time, gracePeriod time.Duration) bool {
	if pr.State != PRStateMerged || pr.CloseDate == nil {
		return false
	}
	return now.Sub(*pr.CloseDate) > gracePeriod
}

// SyncFailure is one permanently failed per-PR ingestion attempt,
// persisted for later retry. At most one PENDING row exists per
// (repository, pr_number); resolved and permanent rows accumulate as
// history.
type SyncFailure struct {
	ID           int64         `db:"id"`
	RepositoryID int64         `db:"repository_id"`
	PRNumber     int           `db:"pr_number"`
	ErrorMessage string        `db:"error_message"`
	ErrorType    string        `db:"error_type"`
	RetryCount   int           `db:"retry_count"`
	Status       FailureStatus `db:"status"`
	FailedAt     time.Time     `db:"failed_at"`
	ResolvedAt   *time.Time    `db:"resolved_at"`
	CreatedAt    time.Time     `db:"created_at"`
}
