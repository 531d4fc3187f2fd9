package store

import (
	"database/sql"
	"embed"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// ErrNotFound is returned by lookups that matched no row.
var ErrNotFound = errors.New("not found")

// Open connects to Postgres and verifies the connection.
func Open(databaseURL string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to database")
	}
	return db, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrationFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Wrap(err, "setting goose dialect")
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return errors.Wrap(err, "applying migrations")
	}
	return nil
}

// Session is one logical unit of work against the store. All writes
// execute inside the session's current transaction ("flush": SQL is
// sent, nothing durable yet); Commit makes them durable and opens a
// fresh transaction.
//
// A session is shared by concurrently running per-PR workers, so every
// statement and every commit serializes on the session's write lock.
type Session struct {
	db     *sqlx.DB
	mu     sync.Mutex
	tx     *sqlx.Tx
	logger *logrus.Entry
}

// NewSession begins a transaction and wraps it.
func NewSession(db *sqlx.DB, logger *logrus.Entry) (*Session, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	tx, err := db.Beginx()
	if err != nil {
		return nil, errors.Wrap(err, "beginning transaction")
	}
	return &Session{db: db, tx: tx, logger: logger.WithField("component", "store")}, nil
}

// WriteLock exposes the session-level lock so collaborators (the
// commit manager) can coordinate with repository flushes.
func (s *Session) WriteLock() *sync.Mutex { return &s.mu }

// Commit commits the current transaction and begins the next one.
func (s *Session) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked()
}

func (s *Session) commitLocked() error {
	if err := s.tx.Commit(); err != nil {
		return errors.Wrap(err, "committing transaction")
	}
	tx, err := s.db.Beginx()
	if err != nil {
		return errors.Wrap(err, "beginning next transaction")
	}
	s.tx = tx
	return nil
}

// Close rolls back whatever the last Commit did not cover.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return errors.Wrap(err, "rolling back session")
	}
	return nil
}
