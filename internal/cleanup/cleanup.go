// Package cleanup removes metadata records that no longer describe anything
// live. It never deletes containers or objects.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/deepfreeze/deepfreeze/internal/metadata"
	"github.com/deepfreeze/deepfreeze/internal/storage"
	"github.com/deepfreeze/deepfreeze/pkg/errors"
	"github.com/deepfreeze/deepfreeze/pkg/types"
)

// Option configures a Cleaner
type Option func(*Cleaner)

// WithClock sets the time source
func WithClock(c types.Clock) Option {
	return func(cl *Cleaner) { cl.clock = c }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(cl *Cleaner) { cl.logger = l }
}

// WithDryRun lists what would be removed without deleting it
func WithDryRun(dryRun bool) Option {
	return func(cl *Cleaner) { cl.dryRun = dryRun }
}

// Cleaner prunes refrozen thaw requests and retired repositories whose
// container was deleted by an operator.
type Cleaner struct {
	store    metadata.Store
	provider storage.Provider
	settings types.Settings

	clock  types.Clock
	logger *slog.Logger
	dryRun bool
}

// New creates a Cleaner
func New(store metadata.Store, provider storage.Provider, settings types.Settings, opts ...Option) *Cleaner {
	c := &Cleaner{
		store:    store,
		provider: provider,
		settings: settings,
		clock:    types.SystemClock{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Request tunes one cleanup run.
type Request struct {
	// RetentionDays overrides settings.RefrozenRetentionDays when set.
	RetentionDays *int
}

// Result lists what was removed, or would be in dry-run mode.
type Result struct {
	ThawRequests []string `json:"thaw_requests"`
	Repositories []string `json:"repositories"`
	// Expired are completed requests past expires_at that were never
	// refrozen. They are reported, not removed.
	Expired []string `json:"expired"`
	// Skipped are retired repositories without a container that the
	// cluster still has mounted.
	Skipped []string `json:"skipped"`
	DryRun  bool     `json:"dry_run"`
}

// Run removes eligible records. Failures are collected per record and
// returned as a *errors.BatchError along with the partial result.
func (c *Cleaner) Run(ctx context.Context, req Request) (*Result, error) {
	days := c.settings.RefrozenRetentionDays
	if req.RetentionDays != nil {
		days = *req.RetentionDays
	}
	if days < 0 {
		return nil, errors.Newf(errors.ErrCodeConfiguration, "refrozen retention days must not be negative, got %d", days).
			WithComponent("cleanup")
	}
	now := c.clock.Now()
	cutoff := now.Add(-time.Duration(days) * 24 * time.Hour)

	res := &Result{DryRun: c.dryRun}
	batch := errors.NewBatchError("cleanup")

	reqs, err := c.store.ListThawRequests(ctx, metadata.ThawFilter{})
	if err != nil {
		return nil, err
	}
	byRepo := map[string][]*types.ThawRequest{}
	for _, t := range reqs {
		byRepo[t.RepositoryID] = append(byRepo[t.RepositoryID], t)
		switch {
		case t.IsExpired(now):
			c.logger.Warn("Thaw request expired without refreeze", "request", t.ID, "expires_at", t.ExpiresAt)
			res.Expired = append(res.Expired, t.ID)
		case t.Status == types.ThawRefrozen && t.RefrozenAt != nil && t.RefrozenAt.Before(cutoff):
			if c.remove(ctx, batch, "thaw request", t.ID, c.store.DeleteThawRequest) {
				res.ThawRequests = append(res.ThawRequests, t.ID)
			}
		}
	}

	retired, err := c.store.ListRepositories(ctx, metadata.RepositoryFilter{
		Statuses: []types.RepositoryStatus{types.RepositoryRetired},
	})
	if err != nil {
		return nil, err
	}
	exists := map[string]bool{}
	for _, repo := range retired {
		present, seen := exists[repo.Container]
		if !seen {
			present, err = c.provider.ContainerExists(ctx, repo.Container)
			if err != nil {
				batch.Add(repo.ID, err)
				continue
			}
			exists[repo.Container] = present
		}
		if present {
			continue
		}
		if repo.Mounted {
			c.logger.Warn("Container gone but repository still mounted; run repair-metadata first",
				"repository", repo.Name, "container", repo.Container)
			res.Skipped = append(res.Skipped, repo.ID)
			continue
		}

		// terminal requests would otherwise point at nothing
		for _, t := range byRepo[repo.ID] {
			if t.IsTerminal() && !contains(res.ThawRequests, t.ID) {
				if c.remove(ctx, batch, "thaw request", t.ID, c.store.DeleteThawRequest) {
					res.ThawRequests = append(res.ThawRequests, t.ID)
				}
			}
		}
		if c.remove(ctx, batch, "repository", repo.ID, c.store.DeleteRepository) {
			res.Repositories = append(res.Repositories, repo.ID)
		}
	}

	c.logger.Info("Cleanup finished",
		"thaw_requests", len(res.ThawRequests),
		"repositories", len(res.Repositories),
		"expired", len(res.Expired),
		"dry_run", c.dryRun)
	return res, batch.ErrOrNil()
}

func (c *Cleaner) remove(ctx context.Context, batch *errors.BatchError, kind, id string, del func(context.Context, string) error) bool {
	if c.dryRun {
		c.logger.Info("Dry run: would delete record", "kind", kind, "id", id)
		return true
	}
	if err := del(ctx, id); err != nil {
		c.logger.Warn("Failed to delete record", "kind", kind, "id", id, "error", err)
		batch.Add(id, err)
		return false
	}
	c.logger.Debug("Deleted record", "kind", kind, "id", id)
	return true
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
