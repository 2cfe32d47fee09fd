// Package status assembles a read-only view of a deepfreeze installation.
package status

import (
	"context"
	"log/slog"
	"strings"

	"github.com/deepfreeze/deepfreeze/internal/cluster"
	"github.com/deepfreeze/deepfreeze/internal/metadata"
	"github.com/deepfreeze/deepfreeze/internal/storage"
	"github.com/deepfreeze/deepfreeze/pkg/types"
)

// ThawEntry is a thaw request with its repository name resolved.
type ThawEntry struct {
	*types.ThawRequest
	Repository string `json:"repository"`
	// Expired marks a completed request past expires_at that was never
	// refrozen. It is reported for cleanup and never acted on.
	Expired bool `json:"expired"`
}

// Report is the output of the status command.
type Report struct {
	Settings     *types.Settings     `json:"settings"`
	Active       string              `json:"active,omitempty"`
	Repositories []*types.Repository `json:"repositories"`
	ThawRequests []ThawEntry         `json:"thaw_requests"`
	Containers   []string            `json:"containers"`
	Policies     []cluster.Policy    `json:"policies"`
}

// Counts returns the number of repositories per status.
func (r *Report) Counts() map[types.RepositoryStatus]int {
	out := map[types.RepositoryStatus]int{}
	for _, repo := range r.Repositories {
		out[repo.Status]++
	}
	return out
}

// ThawCounts returns the number of thaw requests per status.
func (r *Report) ThawCounts() map[types.ThawStatus]int {
	out := map[types.ThawStatus]int{}
	for _, t := range r.ThawRequests {
		out[t.Status]++
	}
	return out
}

// Reporter reads the metadata store and both adapters.
type Reporter struct {
	store    metadata.Store
	provider storage.Provider
	cluster  cluster.Cluster
	clock    types.Clock
	logger   *slog.Logger
}

// NewReporter creates a Reporter. A nil clock means the system clock.
func NewReporter(store metadata.Store, provider storage.Provider, c cluster.Cluster, clock types.Clock, logger *slog.Logger) *Reporter {
	if clock == nil {
		clock = types.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{store: store, provider: provider, cluster: c, clock: clock, logger: logger}
}

// Report builds the status report for settings.
func (r *Reporter) Report(ctx context.Context, settings *types.Settings) (*Report, error) {
	now := r.clock.Now()
	report := &Report{Settings: settings}

	repos, err := r.store.ListRepositories(ctx, metadata.RepositoryFilter{})
	if err != nil {
		return nil, err
	}
	metadata.SortRepositories(repos)
	report.Repositories = repos

	names := make(map[string]string, len(repos))
	for _, repo := range repos {
		names[repo.ID] = repo.Name
		if repo.Status == types.RepositoryActive {
			report.Active = repo.Name
		}
	}

	reqs, err := r.store.ListThawRequests(ctx, metadata.ThawFilter{})
	if err != nil {
		return nil, err
	}
	metadata.SortThawRequests(reqs)
	report.ThawRequests = Entries(reqs, names, now)

	report.Containers, err = r.provider.ListContainers(ctx, settings.BucketNamePrefix)
	if err != nil {
		return nil, err
	}

	policies, err := r.cluster.ListPolicies(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range policies {
		if managed(p, settings.RepoNamePrefix, names) {
			report.Policies = append(report.Policies, p)
		}
	}

	r.logger.Debug("Status collected",
		"repositories", len(report.Repositories),
		"thaw_requests", len(report.ThawRequests),
		"containers", len(report.Containers),
		"policies", len(report.Policies))
	return report, nil
}

func managed(p cluster.Policy, prefix string, known map[string]string) bool {
	for _, repo := range p.Repositories {
		if strings.HasPrefix(repo, prefix+"-") {
			return true
		}
		for _, name := range known {
			if name == repo {
				return true
			}
		}
	}
	return false
}
