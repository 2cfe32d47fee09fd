// Package reconcile compares the metadata store with what the cluster and
// object storage report and, in apply mode, realigns them.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/deepfreeze/deepfreeze/internal/cluster"
	"github.com/deepfreeze/deepfreeze/internal/metadata"
	"github.com/deepfreeze/deepfreeze/internal/storage"
	"github.com/deepfreeze/deepfreeze/pkg/errors"
	"github.com/deepfreeze/deepfreeze/pkg/types"
)

// Class is a kind of drift.
type Class string

const (
	// OrphanedRecord is a repository record whose container is gone.
	OrphanedRecord Class = "orphaned_record"
	// UntrackedRepository is a managed-prefix cluster repository with no record.
	UntrackedRepository Class = "untracked_repository"
	// MisboundPolicy is an ILM policy or binding that does not target the
	// recorded active repository.
	MisboundPolicy Class = "misbound_policy"
	// StaleStatus is a record whose status, mount flag or container mapping
	// disagrees with the cluster.
	StaleStatus Class = "stale_status"
)

// Classes lists every drift class in report order.
var Classes = []Class{OrphanedRecord, UntrackedRepository, MisboundPolicy, StaleStatus}

// Finding is one discrepancy.
type Finding struct {
	Class    Class  `json:"class"`
	EntityID string `json:"entity_id"`
	Name     string `json:"name"`
	Detail   string `json:"detail"`
	Fixed    bool   `json:"fixed"`

	fix func(ctx context.Context) error
}

// Report is the result of a scan.
type Report struct {
	Findings []Finding `json:"findings"`
	DryRun   bool      `json:"dry_run"`
}

// Count returns the number of findings of class c.
func (r *Report) Count(c Class) int {
	n := 0
	for _, f := range r.Findings {
		if f.Class == c {
			n++
		}
	}
	return n
}

// Err returns DRIFT_DETECTED when findings remain uncorrected.
func (r *Report) Err() error {
	open := 0
	for _, f := range r.Findings {
		if !f.Fixed {
			open++
		}
	}
	if open == 0 {
		return nil
	}
	return errors.Newf(errors.ErrCodeDriftDetected, "%d discrepancies left uncorrected", open).
		WithComponent("reconcile").
		WithDetail("findings", open)
}

// Option configures a Reconciler
type Option func(*Reconciler)

// WithClock sets the time source
func WithClock(c types.Clock) Option {
	return func(r *Reconciler) { r.clock = c }
}

// WithIDs sets the id generator used for adopted repositories
func WithIDs(g types.IDGenerator) Option {
	return func(r *Reconciler) { r.ids = g }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// WithDryRun reports findings without correcting them
func WithDryRun(dryRun bool) Option {
	return func(r *Reconciler) { r.dryRun = dryRun }
}

// WithRebindAttempts bounds policy rebind retries
func WithRebindAttempts(n int) Option {
	return func(r *Reconciler) { r.rebindAttempts = n }
}

// Reconciler detects drift. It reads both adapters and writes only the
// metadata store, except for misbound policies which are rebound on the
// cluster because the store is authoritative for the active repository.
type Reconciler struct {
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

// New creates a Reconciler
func New(store metadata.Store, provider storage.Provider, c cluster.Cluster, settings types.Settings, opts ...Option) *Reconciler {
	r := &Reconciler{
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

// observed is the external truth a scan compares against.
type observed struct {
	repos      map[string]cluster.RepositoryInfo
	containers map[string]bool
	policies   []cluster.Policy
}

func (r *Reconciler) observe(ctx context.Context) (*observed, error) {
	infos, err := r.cluster.ListRepositories(ctx)
	if err != nil {
		return nil, err
	}
	containers, err := r.provider.ListContainers(ctx, r.settings.BucketNamePrefix)
	if err != nil {
		return nil, err
	}
	policies, err := r.cluster.ListPolicies(ctx)
	if err != nil {
		return nil, err
	}

	obs := &observed{
		repos:      make(map[string]cluster.RepositoryInfo, len(infos)),
		containers: make(map[string]bool, len(containers)),
		policies:   policies,
	}
	for _, info := range infos {
		obs.repos[info.Name] = info
	}
	for _, c := range containers {
		obs.containers[c] = true
	}
	return obs, nil
}

// Scan classifies every discrepancy and, unless in dry-run mode, fixes it.
// Fix failures are returned as a *errors.BatchError with the report.
func (r *Reconciler) Scan(ctx context.Context) (*Report, error) {
	obs, err := r.observe(ctx)
	if err != nil {
		return nil, err
	}
	repos, err := r.store.ListRepositories(ctx, metadata.RepositoryFilter{})
	if err != nil {
		return nil, err
	}
	requests, err := r.store.ListThawRequests(ctx, metadata.ThawFilter{})
	if err != nil {
		return nil, err
	}
	bindings, err := r.store.ListPolicyBindings(ctx)
	if err != nil {
		return nil, err
	}

	thawing := map[string]bool{}
	for _, t := range requests {
		if t.IsOpen() {
			thawing[t.RepositoryID] = true
		}
	}

	report := &Report{DryRun: r.dryRun}
	known := map[string]*types.Repository{}
	byID := map[string]*types.Repository{}
	for _, repo := range repos {
		known[repo.Name] = repo
		byID[repo.ID] = repo
		if repo.Status == types.RepositoryProvisioning {
			// an interrupted rotation; the next rotate resumes it
			continue
		}
		report.Findings = append(report.Findings, r.checkRepository(repo, obs, thawing)...)
	}
	report.Findings = append(report.Findings, r.unissued(requests, byID)...)
	report.Findings = append(report.Findings, r.untracked(obs, known)...)

	active, err := metadata.Active(ctx, r.store)
	switch {
	case err == nil:
		report.Findings = append(report.Findings, r.misbound(active, known, bindings, obs.policies)...)
	case errors.HasCode(err, errors.ErrCodeNotFound):
		r.logger.Warn("No active repository recorded; skipping policy checks")
	default:
		return nil, err
	}

	for _, f := range report.Findings {
		r.logger.Info("Drift detected", "class", f.Class, "entity", f.EntityID, "name", f.Name, "detail", f.Detail)
	}
	if r.dryRun {
		return report, nil
	}

	batch := errors.NewBatchError("repair_metadata")
	for i := range report.Findings {
		f := &report.Findings[i]
		if f.fix == nil {
			continue
		}
		if err := f.fix(ctx); err != nil {
			r.logger.Warn("Failed to correct drift", "class", f.Class, "entity", f.EntityID, "error", err)
			batch.Add(f.EntityID, err)
			continue
		}
		f.Fixed = true
	}
	return report, batch.ErrOrNil()
}

// checkRepository compares one record with the container listing and the
// cluster's repository registrations.
func (r *Reconciler) checkRepository(repo *types.Repository, obs *observed, thawing map[string]bool) []Finding {
	var out []Finding
	id := repo.ID

	if !obs.containers[repo.Container] {
		f := Finding{
			Class:    OrphanedRecord,
			EntityID: id,
			Name:     repo.Name,
			Detail:   fmt.Sprintf("container %s does not exist", repo.Container),
		}
		if repo.Status != types.RepositoryActive {
			f.fix = r.update(id, func(cur *types.Repository) {
				cur.Status = types.RepositoryRetired
				cur.Mounted = false
			})
		}
		out = append(out, f)
		// nothing else about a record without storage is meaningful
		return out
	}

	info, registered := obs.repos[repo.Name]
	switch {
	case registered && (info.Container != repo.Container || strings.Trim(info.BasePath, "/") != strings.Trim(repo.BasePath, "/")):
		out = append(out, Finding{
			Class:    StaleStatus,
			EntityID: id,
			Name:     repo.Name,
			Detail: fmt.Sprintf("cluster maps %s to %s/%s, metadata records %s/%s",
				repo.Name, info.Container, info.BasePath, repo.Container, repo.BasePath),
			fix: r.update(id, func(cur *types.Repository) {
				cur.Container = info.Container
				cur.BasePath = info.BasePath
				cur.Mounted = true
			}),
		})
	case registered && !repo.Mounted:
		out = append(out, Finding{
			Class:    StaleStatus,
			EntityID: id,
			Name:     repo.Name,
			Detail:   "repository is mounted but recorded as unmounted",
			fix:      r.update(id, func(cur *types.Repository) { cur.Mounted = true }),
		})
	case !registered && repo.Mounted:
		out = append(out, Finding{
			Class:    StaleStatus,
			EntityID: id,
			Name:     repo.Name,
			Detail:   "repository is recorded as mounted but the cluster does not have it",
			fix:      r.update(id, func(cur *types.Repository) { cur.Mounted = false }),
		})
	case registered && repo.Mounted && repo.UnmountRequestedAt != nil && repo.Status == types.RepositoryRetired:
		// the sweep recorded its intent but the cluster call never went
		// through; a thawed repository carries the flag legitimately
		out = append(out, Finding{
			Class:    StaleStatus,
			EntityID: id,
			Name:     repo.Name,
			Detail: fmt.Sprintf("unmount requested at %s but the repository is still mounted",
				repo.UnmountRequestedAt.UTC().Format(time.RFC3339)),
			fix: r.update(id, func(cur *types.Repository) { cur.UnmountRequestedAt = nil }),
		})
	}

	switch repo.Status {
	case types.RepositoryThawing, types.RepositoryThawed, types.RepositoryRefreezing:
		if !thawing[id] {
			out = append(out, Finding{
				Class:    StaleStatus,
				EntityID: id,
				Name:     repo.Name,
				Detail:   fmt.Sprintf("status %s without an open thaw request", repo.Status),
				fix:      r.update(id, func(cur *types.Repository) { cur.Status = types.RepositoryRetired }),
			})
		}
	}
	return out
}

// unissued reports pending thaw requests with no restore job recorded. Such
// a request was written before InitiateRestore and the run stopped before
// the job reference was saved, so thaw keeps reusing it and nothing ever
// polls a restore. The fix fails the request and returns a thawing
// repository to retired; the restore is not re-issued.
func (r *Reconciler) unissued(requests []*types.ThawRequest, byID map[string]*types.Repository) []Finding {
	var out []Finding
	for _, t := range requests {
		if t.Status != types.ThawPending || t.ProviderJobRef != "" {
			continue
		}
		name := t.RepositoryID
		if repo := byID[t.RepositoryID]; repo != nil {
			name = repo.Name
		}
		out = append(out, Finding{
			Class:    StaleStatus,
			EntityID: t.ID,
			Name:     name,
			Detail:   "thaw request is pending but no restore job was recorded",
			fix:      r.failThaw(t.ID, "no restore job was recorded"),
		})
	}
	return out
}

func (r *Reconciler) failThaw(id, reason string) func(context.Context) error {
	return func(ctx context.Context) error {
		t, err := r.store.GetThawRequest(ctx, id)
		if err != nil {
			return err
		}
		t.Status = types.ThawFailed
		t.FailureReason = reason
		if err := r.store.UpdateThawRequest(ctx, t); err != nil {
			return err
		}
		err = r.update(t.RepositoryID, func(cur *types.Repository) {
			if cur.Status == types.RepositoryThawing {
				cur.Status = types.RepositoryRetired
			}
		})(ctx)
		if errors.HasCode(err, errors.ErrCodeNotFound) {
			return nil
		}
		return err
	}
}

// untracked reports managed-prefix cluster repositories with no record and
// adopts them as retired, mounted repositories.
func (r *Reconciler) untracked(obs *observed, known map[string]*types.Repository) []Finding {
	prefix := r.settings.RepoNamePrefix + "-"
	names := make([]string, 0, len(obs.repos))
	for name := range obs.repos {
		if strings.HasPrefix(name, prefix) && known[name] == nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	out := make([]Finding, 0, len(names))
	for _, name := range names {
		info := obs.repos[name]
		out = append(out, Finding{
			Class:    UntrackedRepository,
			EntityID: name,
			Name:     name,
			Detail:   fmt.Sprintf("cluster repository on %s/%s has no metadata record", info.Container, info.BasePath),
			fix: func(ctx context.Context) error {
				now := r.clock.Now()
				return r.store.CreateRepository(ctx, &types.Repository{
					ID:           r.ids.NewID(),
					Name:         info.Name,
					Container:    info.Container,
					BasePath:     info.BasePath,
					Provider:     string(r.provider.Kind()),
					StorageClass: r.settings.StorageClass,
					Status:       types.RepositoryRetired,
					Mounted:      true,
					CreatedAt:    now,
					StartDate:    now,
				})
			},
		})
	}
	return out
}

// misbound reports policies that target a managed repository other than
// the active one, and recorded bindings pointing elsewhere. Each policy is
// reported once.
func (r *Reconciler) misbound(active *types.Repository, known map[string]*types.Repository, bindings []types.ILMPolicyBinding, policies []cluster.Policy) []Finding {
	details := map[string]string{}
	stale := map[string][]string{}

	for _, p := range policies {
		for _, repo := range p.Repositories {
			if repo != active.Name && known[repo] != nil {
				stale[p.Name] = append(stale[p.Name], repo)
			}
		}
		if len(stale[p.Name]) > 0 {
			details[p.Name] = fmt.Sprintf("policy targets %s instead of %s", strings.Join(stale[p.Name], ", "), active.Name)
		}
	}
	for _, b := range bindings {
		if b.CurrentRepositoryID == active.ID {
			continue
		}
		if _, seen := details[b.PolicyName]; !seen {
			details[b.PolicyName] = fmt.Sprintf("binding records repository %s instead of %s", b.CurrentRepositoryID, active.ID)
		}
	}

	names := make([]string, 0, len(details))
	for name := range details {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Finding, 0, len(names))
	for _, name := range names {
		policy := name
		out = append(out, Finding{
			Class:    MisboundPolicy,
			EntityID: policy,
			Name:     policy,
			Detail:   details[policy],
			fix: func(ctx context.Context) error {
				if len(stale[policy]) > 0 {
					if err := cluster.RebindWithRetry(ctx, r.cluster, policy, stale[policy], active.Name, r.rebindAttempts, r.logger); err != nil {
						return err
					}
				}
				return r.store.SavePolicyBinding(ctx, types.ILMPolicyBinding{PolicyName: policy, CurrentRepositoryID: active.ID})
			},
		})
	}
	return out
}

// update re-reads the record so several fixes to one repository each see
// the latest version.
func (r *Reconciler) update(id string, mutate func(*types.Repository)) func(context.Context) error {
	return func(ctx context.Context) error {
		cur, err := r.store.GetRepository(ctx, id)
		if err != nil {
			return err
		}
		mutate(cur)
		return r.store.UpdateRepository(ctx, cur)
	}
}
