// Package thaw drives provider-side restores of retired repositories and
// their return to the archive tier.
package thaw

import (
	"context"
	"log/slog"
	"time"

	"github.com/deepfreeze/deepfreeze/internal/cluster"
	"github.com/deepfreeze/deepfreeze/internal/metadata"
	"github.com/deepfreeze/deepfreeze/internal/storage"
	"github.com/deepfreeze/deepfreeze/pkg/errors"
	"github.com/deepfreeze/deepfreeze/pkg/types"
)

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithClock sets the time source
func WithClock(c types.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithIDs sets the thaw request id generator
func WithIDs(g types.IDGenerator) Option {
	return func(o *Orchestrator) { o.ids = g }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithDryRun reports planned changes without writing metadata or calling
// mutating adapter operations.
func WithDryRun(dryRun bool) Option {
	return func(o *Orchestrator) { o.dryRun = dryRun }
}

// Orchestrator runs thaw, status checks and refreeze. It has no scheduler:
// restore progress advances only when CheckStatus is invoked.
type Orchestrator struct {
	store    metadata.Store
	provider storage.Provider
	cluster  cluster.Cluster
	settings types.Settings

	clock  types.Clock
	ids    types.IDGenerator
	logger *slog.Logger
	dryRun bool
}

// New creates an Orchestrator
func New(store metadata.Store, provider storage.Provider, c cluster.Cluster, settings types.Settings, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		provider: provider,
		cluster:  c,
		settings: settings,
		clock:    types.SystemClock{},
		ids:      types.UUIDGenerator{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Request selects what to thaw.
type Request struct {
	Range types.DateRange
	// Days and Tier override settings.RestoreDays and settings.RetrievalTier.
	Days int
	Tier string
}

// Outcome is the thaw request covering one repository.
type Outcome struct {
	Repository string             `json:"repository"`
	Request    *types.ThawRequest `json:"request,omitempty"`
	// Reused is set when an open request already covered the repository.
	Reused  bool `json:"reused"`
	Planned bool `json:"planned,omitempty"`
}

// Thaw starts a restore for every retired repository overlapping the
// range. Repositories that already have an open request get that request
// back instead of a new restore. Per-repository failures are returned as a
// *errors.BatchError after the remaining repositories were processed.
func (o *Orchestrator) Thaw(ctx context.Context, req Request) ([]Outcome, error) {
	if !req.Range.Valid() {
		return nil, errors.Newf(errors.ErrCodeConfiguration, "invalid date range %s..%s",
			req.Range.Start.Format("2006-01-02"), req.Range.End.Format("2006-01-02")).
			WithComponent("thaw")
	}
	now := o.clock.Now()

	repos, err := o.store.ListRepositories(ctx, metadata.RepositoryFilter{})
	if err != nil {
		return nil, err
	}

	var outcomes []Outcome
	batch := errors.NewBatchError("thaw")
	for _, repo := range repos {
		if repo.Status == types.RepositoryActive || repo.Status == types.RepositoryProvisioning {
			continue
		}
		if !repo.Range(now).Overlaps(req.Range) {
			continue
		}

		open, err := o.openRequest(ctx, repo.ID)
		if err != nil {
			batch.Add(repo.ID, err)
			continue
		}
		if open != nil {
			o.logger.Info("Reusing open thaw request", "request", open.ID, "repository", repo.Name, "status", open.Status)
			outcomes = append(outcomes, Outcome{Repository: repo.Name, Request: open, Reused: true})
			continue
		}
		if repo.Status != types.RepositoryRetired {
			batch.Add(repo.ID, errors.Newf(errors.ErrCodeInvalidState,
				"repository %s is %s without an open thaw request; run repair-metadata", repo.Name, repo.Status).
				WithComponent("thaw").WithEntity(repo.ID))
			continue
		}

		if o.dryRun {
			o.logger.Info("Dry run: would thaw repository", "repository", repo.Name, "container", repo.Container)
			outcomes = append(outcomes, Outcome{Repository: repo.Name, Planned: true})
			continue
		}

		t, err := o.start(ctx, repo, req, now)
		if err != nil {
			o.logger.Warn("Failed to start thaw", "repository", repo.Name, "error", err)
			batch.Add(repo.ID, err)
		}
		if t != nil {
			outcomes = append(outcomes, Outcome{Repository: repo.Name, Request: t})
		}
	}
	return outcomes, batch.ErrOrNil()
}

func (o *Orchestrator) openRequest(ctx context.Context, repoID string) (*types.ThawRequest, error) {
	open, err := o.store.ListThawRequests(ctx, metadata.ThawFilter{
		Statuses:     metadata.OpenThawStatuses,
		RepositoryID: repoID,
	})
	if err != nil || len(open) == 0 {
		return nil, err
	}
	return open[0], nil
}

// start records the request and the repository's thawing status, then
// asks the provider for the restore. A rejected restore fails the request
// and returns the repository to retired.
func (o *Orchestrator) start(ctx context.Context, repo *types.Repository, req Request, now time.Time) (*types.ThawRequest, error) {
	t := &types.ThawRequest{
		ID:           o.ids.NewID(),
		RepositoryID: repo.ID,
		RequestedAt:  now,
		StartDate:    req.Range.Start,
		EndDate:      req.Range.End,
		Status:       types.ThawPending,
	}
	if err := o.store.CreateThawRequest(ctx, t); err != nil {
		return nil, err
	}
	repo.Status = types.RepositoryThawing
	if err := o.store.UpdateRepository(ctx, repo); err != nil {
		return t, err
	}

	scope := storage.RestoreScope{
		BasePath: repo.BasePath,
		Days:     firstNonZero(req.Days, o.settings.RestoreDays),
		Tier:     firstNonEmpty(req.Tier, o.settings.RetrievalTier),
	}
	jobRef, err := o.provider.InitiateRestore(ctx, repo.Container, scope)
	if err != nil {
		return t, o.fail(ctx, t, repo, err.Error(), err)
	}

	t.ProviderJobRef = jobRef
	if err := o.store.UpdateThawRequest(ctx, t); err != nil {
		return t, err
	}
	o.logger.Info("Thaw started",
		"request", t.ID,
		"repository", repo.Name,
		"job", jobRef,
		"days", scope.Days,
		"tier", scope.Tier)
	return t, nil
}

// fail moves the request to failed and the repository back to retired.
// cause, when set, is returned so the caller reports the original error.
func (o *Orchestrator) fail(ctx context.Context, t *types.ThawRequest, repo *types.Repository, reason string, cause error) error {
	t.Status = types.ThawFailed
	t.FailureReason = reason
	if err := o.store.UpdateThawRequest(ctx, t); err != nil {
		return err
	}
	if repo != nil && repo.Status == types.RepositoryThawing {
		repo.Status = types.RepositoryRetired
		if err := o.store.UpdateRepository(ctx, repo); err != nil {
			return err
		}
	}
	o.logger.Warn("Thaw failed", "request", t.ID, "repository", t.RepositoryID, "reason", reason)
	return cause
}

func firstNonZero(v, fallback int) int {
	if v != 0 {
		return v
	}
	return fallback
}

func firstNonEmpty(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
