// Package rotation replaces the active snapshot repository with a new one,
// relinks ILM policies to it and unmounts repositories that fall outside
// the retention window.
package rotation

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/deepfreeze/deepfreeze/internal/cluster"
	"github.com/deepfreeze/deepfreeze/internal/metadata"
	"github.com/deepfreeze/deepfreeze/internal/storage"
	"github.com/deepfreeze/deepfreeze/pkg/errors"
	"github.com/deepfreeze/deepfreeze/pkg/types"
)

// Option configures a Rotator
type Option func(*Rotator)

// WithClock sets the time source
func WithClock(c types.Clock) Option {
	return func(r *Rotator) { r.clock = c }
}

// WithIDs sets the repository id generator
func WithIDs(g types.IDGenerator) Option {
	return func(r *Rotator) { r.ids = g }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(r *Rotator) { r.logger = l }
}

// WithDryRun makes Rotate and Setup report their plan without writing
// metadata or calling mutating adapter operations.
func WithDryRun(dryRun bool) Option {
	return func(r *Rotator) { r.dryRun = dryRun }
}

// WithRebindAttempts bounds the retries of a policy rebind that lost a race.
func WithRebindAttempts(n int) Option {
	return func(r *Rotator) { r.rebindAttempts = n }
}

// Rotator creates repositories and retires old ones.
type Rotator struct {
	store    metadata.Store
	provider storage.Provider
	cluster  cluster.Cluster
	settings types.Settings

	clock          types.Clock
	ids            types.IDGenerator
	logger         *slog.Logger
	dryRun         bool
	rebindAttempts int
}

// New creates a Rotator. settings are the persisted deepfreeze settings.
func New(store metadata.Store, provider storage.Provider, c cluster.Cluster, settings types.Settings, opts ...Option) *Rotator {
	r := &Rotator{
		store:          store,
		provider:       provider,
		cluster:        c,
		settings:       settings,
		clock:          types.SystemClock{},
		ids:            types.UUIDGenerator{},
		logger:         slog.Default(),
		rebindAttempts: 3,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Request carries per-invocation overrides.
type Request struct {
	// Keep overrides settings.KeepCount when non-nil.
	Keep   *int
	Period Period
}

// Plan is what a rotation does or, in dry-run mode, would do.
type Plan struct {
	Target   Target   `json:"target"`
	Previous string   `json:"previous,omitempty"`
	Rebind   []string `json:"rebind"`
	Unmount  []string `json:"unmount"`
	// Resumed is set when an interrupted rotation is being completed.
	Resumed bool `json:"resumed"`
	DryRun  bool `json:"dry_run"`
}

// Result reports a completed rotation.
type Result struct {
	Plan
	Repository *types.Repository `json:"repository,omitempty"`
	Unmounted  []string          `json:"unmounted"`
}

// Rotate runs one rotation. Unmount failures in the retention sweep are
// returned as a *errors.BatchError alongside a non-nil Result.
func (r *Rotator) Rotate(ctx context.Context, req Request) (*Result, error) {
	now := r.clock.Now()

	previous, err := metadata.Active(ctx, r.store)
	if err != nil {
		if errors.HasCode(err, errors.ErrCodeNotFound) {
			return nil, errors.NewError(errors.ErrCodeInvalidState, "no active repository; run setup first").
				WithComponent("rotation").WithCause(err)
		}
		return nil, err
	}

	next, resumed, err := r.resumable(ctx)
	if err != nil {
		return nil, err
	}

	plan := Plan{Previous: previous.Name, Resumed: resumed, DryRun: r.dryRun}
	if next != nil {
		plan.Target = Target{Name: next.Name, Container: next.Container, BasePath: next.BasePath}
	} else {
		taken, err := r.takenNames(ctx)
		if err != nil {
			return nil, err
		}
		suffix, err := nextSuffix(r.settings, taken, now, req.Period)
		if err != nil {
			return nil, err
		}
		plan.Target = targetFor(r.settings, suffix)
	}

	plan.Rebind, err = r.policiesBoundTo(ctx, previous)
	if err != nil {
		return nil, err
	}

	keep := r.settings.KeepCount
	if req.Keep != nil {
		keep = *req.Keep
	}
	sweep, err := r.sweepCandidates(ctx, keep)
	if err != nil {
		return nil, err
	}
	for _, repo := range sweep {
		plan.Unmount = append(plan.Unmount, repo.Name)
	}

	result := &Result{Plan: plan}
	if r.dryRun {
		r.logger.Info("Dry run: rotation planned",
			"repository", plan.Target.Name,
			"container", plan.Target.Container,
			"base_path", plan.Target.BasePath,
			"rebind", plan.Rebind,
			"unmount", plan.Unmount)
		return result, nil
	}

	if next == nil {
		next = r.newRepository(plan.Target, now)
		if err := r.store.CreateRepository(ctx, next); err != nil {
			return nil, err
		}
	}
	r.logger.Info("Rotating repository",
		"previous", previous.Name,
		"repository", next.Name,
		"resumed", resumed)

	if err := r.provision(ctx, next); err != nil {
		return nil, err
	}

	var bindings []types.ILMPolicyBinding
	for _, policy := range plan.Rebind {
		if err := cluster.RebindWithRetry(ctx, r.cluster, policy, []string{previous.Name}, next.Name, r.rebindAttempts, r.logger); err != nil {
			return nil, err
		}
		bindings = append(bindings, types.ILMPolicyBinding{PolicyName: policy, CurrentRepositoryID: next.ID})
	}

	next.Status = types.RepositoryActive
	previous.Status = types.RepositoryRetired
	end := now
	previous.EndDate = &end
	if err := r.store.CommitRotation(ctx, metadata.RotationCommit{
		Activated: next,
		Retired:   previous,
		Bindings:  bindings,
	}); err != nil {
		return nil, err
	}
	result.Repository = next

	batch := errors.NewBatchError("unmount")
	for _, repo := range sweep {
		if err := r.unmount(ctx, repo); err != nil {
			r.logger.Warn("Failed to unmount repository", "repository", repo.Name, "error", err)
			batch.Add(repo.ID, err)
			continue
		}
		result.Unmounted = append(result.Unmounted, repo.Name)
	}
	return result, batch.ErrOrNil()
}

// resumable returns the provisioning record left by an interrupted rotation.
func (r *Rotator) resumable(ctx context.Context) (*types.Repository, bool, error) {
	pending, err := r.store.ListRepositories(ctx, metadata.RepositoryFilter{
		Statuses: []types.RepositoryStatus{types.RepositoryProvisioning},
	})
	if err != nil {
		return nil, false, err
	}
	switch len(pending) {
	case 0:
		return nil, false, nil
	case 1:
		return pending[0], true, nil
	default:
		return nil, false, errors.Newf(errors.ErrCodeInvalidState, "%d rotations are in progress; run repair-metadata", len(pending)).
			WithComponent("rotation")
	}
}

func (r *Rotator) takenNames(ctx context.Context) (map[string]bool, error) {
	taken := map[string]bool{}
	repos, err := r.store.ListRepositories(ctx, metadata.RepositoryFilter{})
	if err != nil {
		return nil, err
	}
	for _, repo := range repos {
		taken[repo.Name] = true
	}
	infos, err := r.cluster.ListRepositories(ctx)
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		taken[info.Name] = true
	}
	return taken, nil
}

// policiesBoundTo lists every policy that must follow the active
// repository: recorded bindings plus any cluster policy referencing it.
func (r *Rotator) policiesBoundTo(ctx context.Context, active *types.Repository) ([]string, error) {
	seen := map[string]bool{}
	bindings, err := r.store.ListPolicyBindings(ctx)
	if err != nil {
		return nil, err
	}
	for _, b := range bindings {
		if b.CurrentRepositoryID == active.ID {
			seen[b.PolicyName] = true
		}
	}
	policies, err := r.cluster.ListPolicies(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range policies {
		if p.References(active.Name) {
			seen[p.Name] = true
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// sweepCandidates returns the oldest retired, mounted repositories beyond
// keep. It runs before the active repository is retired, so the one being
// retired is never part of its own rotation's sweep.
func (r *Rotator) sweepCandidates(ctx context.Context, keep int) ([]*types.Repository, error) {
	mounted := true
	retired, err := r.store.ListRepositories(ctx, metadata.RepositoryFilter{
		Statuses: []types.RepositoryStatus{types.RepositoryRetired},
		Mounted:  &mounted,
	})
	if err != nil {
		return nil, err
	}
	if keep < 0 {
		keep = 0
	}
	if len(retired) <= keep {
		return nil, nil
	}
	return retired[:len(retired)-keep], nil
}

func (r *Rotator) newRepository(t Target, now time.Time) *types.Repository {
	return &types.Repository{
		ID:           r.ids.NewID(),
		Name:         t.Name,
		Container:    t.Container,
		BasePath:     t.BasePath,
		Provider:     string(r.provider.Kind()),
		StorageClass: r.settings.StorageClass,
		Status:       types.RepositoryProvisioning,
		Mounted:      true,
		CreatedAt:    now,
		StartDate:    now,
	}
}

// provision creates the container and registers the repository. A
// repository name already mapped elsewhere drops the intent record.
func (r *Rotator) provision(ctx context.Context, repo *types.Repository) error {
	if _, err := r.provider.CreateContainer(ctx, storage.ContainerSpec{
		Name:         repo.Container,
		Region:       r.settings.Region,
		ACL:          r.settings.CannedACL,
		StorageClass: r.settings.StorageClass,
	}); err != nil {
		return err
	}

	err := r.cluster.EnsureRepository(ctx, cluster.RepositorySpec{
		Name:         repo.Name,
		Type:         cluster.RepositoryType(repo.Provider),
		Container:    repo.Container,
		BasePath:     repo.BasePath,
		CannedACL:    r.settings.CannedACL,
		StorageClass: r.settings.StorageClass,
	})
	if errors.HasCode(err, errors.ErrCodeRepositoryConflict) {
		if derr := r.store.DeleteRepository(ctx, repo.ID); derr != nil {
			r.logger.Warn("Failed to drop rotation intent record", "repository", repo.Name, "error", derr)
		}
	}
	return err
}

// unmount detaches one repository and pushes its objects to the archive
// class. The intent is recorded before the cluster call.
func (r *Rotator) unmount(ctx context.Context, repo *types.Repository) error {
	if repo.UnmountRequestedAt == nil {
		at := r.clock.Now()
		repo.UnmountRequestedAt = &at
		if err := r.store.UpdateRepository(ctx, repo); err != nil {
			return err
		}
	}
	if err := r.cluster.UnmountRepository(ctx, repo.Name); err != nil {
		return err
	}
	if err := r.provider.SetStorageClass(ctx, repo.Container, repo.BasePath, ""); err != nil {
		return err
	}
	repo.Mounted = false
	if err := r.store.UpdateRepository(ctx, repo); err != nil {
		return err
	}
	r.logger.Info("Unmounted repository", "repository", repo.Name, "container", repo.Container)
	return nil
}
