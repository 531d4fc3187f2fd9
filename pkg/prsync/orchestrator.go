package prsync

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Orchestrator drives a bulk sync across many repositories. Repos run
// sequentially; a repo-level failure is recorded and the loop moves
// on, so one broken repo never sinks the run.
type Orchestrator struct {
	bulk    *BulkService
	store   Store
	tracked []string

	logger *logrus.Entry
}

// NewOrchestrator builds the multi-repo driver. tracked is the
// configured owner/name default set.
func NewOrchestrator(bulk *BulkService, st Store, tracked []string, logger *logrus.Entry) *Orchestrator {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Orchestrator{
		bulk:    bulk,
		store:   st,
		tracked: tracked,
		logger:  logger.WithField("component", "orchestrator"),
	}
}

// SyncAll syncs the given owner/name list, or the configured tracked
// set when repos is empty.
func (o *Orchestrator) SyncAll(ctx context.Context, repos []string, cfg BulkConfig) *MultiRepoResult {
	if len(repos) == 0 {
		repos = o.tracked
	}
	result := &MultiRepoResult{}
	for _, full := range repos {
		owner, name, err := splitRepo(full)
		if err != nil {
			result.Failures = append(result.Failures, RepoFailure{Repository: full, Message: err.Error()})
			continue
		}
		if _, _, err := o.store.EnsureRepository(ctx, owner, name); err != nil {
			result.Failures = append(result.Failures, RepoFailure{Repository: full, Message: err.Error()})
			continue
		}
		sub, err := o.bulk.SyncRepo(ctx, owner, name, cfg)
		if err != nil {
			o.logger.WithError(err).WithField("repo", full).Error("Repository sync failed")
			result.Failures = append(result.Failures, RepoFailure{Repository: full, Message: err.Error()})
			if sub != nil {
				result.Results = append(result.Results, sub)
			}
			continue
		}
		result.Results = append(result.Results, sub)
	}
	return result
}

func splitRepo(full string) (string, string, error) {
	parts := strings.Split(full, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("repository %q is not in owner/name form", full)
	}
	return parts[0], parts[1], nil
}
