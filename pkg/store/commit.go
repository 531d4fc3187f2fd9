package store

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// CommitManager turns a stream of successful write operations into
// periodic atomic commits: every batchSize-th success commits the
// session's transaction. On abrupt termination after K successes,
// floor(K/batchSize)*batchSize items are durable; at most the partial
// batch is lost.
type CommitManager struct {
	session   *Session
	batchSize int

	mu        sync.Mutex
	pending   int
	committed int
	onCommit  func(operations int)

	logger *logrus.Entry
}

// OnCommit registers a hook invoked after every successful commit with
// the number of operations it made durable.
func (m *CommitManager) OnCommit(fn func(operations int)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCommit = fn
}

// NewCommitManager wraps a session. A batchSize <= 0 defaults to 50.
func NewCommitManager(session *Session, batchSize int, logger *logrus.Entry) *CommitManager {
	if batchSize <= 0 {
		batchSize = 50
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &CommitManager{
		session:   session,
		batchSize: batchSize,
		logger:    logger.WithField("component", "commit-manager"),
	}
}

// RecordSuccess counts one successful write. When the count reaches
// the batch size, the pending batch is committed and its size
// returned; otherwise it returns 0.
func (m *CommitManager) RecordSuccess() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending++
	if m.pending < m.batchSize {
		return 0, nil
	}
	return m.commitLocked()
}

// Commit forces a commit of whatever is pending.
func (m *CommitManager) Commit() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == 0 {
		return 0, nil
	}
	return m.commitLocked()
}

// Finalize commits the trailing partial batch at the end of a run.
func (m *CommitManager) Finalize() (int, error) {
	return m.Commit()
}

// Committed reports the total number of operations made durable.
func (m *CommitManager) Committed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.committed
}

func (m *CommitManager) commitLocked() (int, error) {
	// Session.Commit takes the shared write lock, serializing with
	// in-flight repository flushes.
	if err := m.session.Commit(); err != nil {
		return 0, err
	}
	n := m.pending
	m.pending = 0
	m.committed += n
	if m.onCommit != nil {
		m.onCommit(n)
	}
	m.logger.WithField("operations", n).Debug("Committed batch")
	return n, nil
}
