package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
)

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// GetRepositoryByOwnerName looks a repository up by its identity pair.
func (s *Session) GetRepositoryByOwnerName(ctx context.Context, owner, name string) (*Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var repo Repository
	err := s.tx.GetContext(ctx, &repo,
		`SELECT id, owner, name, full_name, is_active, last_synced_at, created_at
		 FROM repositories WHERE owner = $1 AND name = $2`, owner, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "looking up repository %s/%s", owner, name)
	}
	return &repo, nil
}

// GetRepositoryByID looks a repository up by surrogate id.
func (s *Session) GetRepositoryByID(ctx context.Context, id int64) (*Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var repo Repository
	err := s.tx.GetContext(ctx, &repo,
		`SELECT id, owner, name, full_name, is_active, last_synced_at, created_at
		 FROM repositories WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "looking up repository %d", id)
	}
	return &repo, nil
}

// CreateRepository inserts a repository row.
func (s *Session) CreateRepository(ctx context.Context, owner, name string) (*Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	repo := Repository{
		Owner:    owner,
		Name:     name,
		FullName: fmt.Sprintf("%s/%s", owner, name),
		IsActive: true,
	}
	err := s.tx.QueryRowxContext(ctx,
		`INSERT INTO repositories (owner, name, full_name, is_active)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		repo.Owner, repo.Name, repo.FullName, repo.IsActive).
		Scan(&repo.ID, &repo.CreatedAt)
	if err != nil {
		return nil, errors.Wrapf(err, "creating repository %s", repo.FullName)
	}
	return &repo, nil
}

// EnsureRepository returns the repository row for (owner, name),
// creating it when absent. The boolean reports creation.
func (s *Session) EnsureRepository(ctx context.Context, owner, name string) (*Repository, bool, error) {
	repo, err := s.GetRepositoryByOwnerName(ctx, owner, name)
	if err == nil {
		return repo, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	repo, err = s.CreateRepository(ctx, owner, name)
	if err != nil {
		return nil, false, err
	}
	return repo, true, nil
}

// ListActiveRepositories returns all repositories flagged active.
func (s *Session) ListActiveRepositories(ctx context.Context) ([]Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var repos []Repository
	err := s.tx.SelectContext(ctx, &repos,
		`SELECT id, owner, name, full_name, is_active, last_synced_at, created_at
		 FROM repositories WHERE is_active ORDER BY full_name`)
	if err != nil {
		return nil, errors.Wrap(err, "listing active repositories")
	}
	return repos, nil
}

// TouchLastSynced records a successful sync pass for a repository.
func (s *Session) TouchLastSynced(ctx context.Context, repositoryID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.tx.ExecContext(ctx,
		`UPDATE repositories SET last_synced_at = $2 WHERE id = $1`, repositoryID, at)
	return errors.Wrapf(err, "touching last_synced_at for repository %d", repositoryID)
}
