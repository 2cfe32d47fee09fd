// Package cluster defines the search-cluster contract deepfreeze drives:
// snapshot repository registration and ILM policy binding.
package cluster

import (
	"context"
	"log/slog"

	"github.com/deepfreeze/deepfreeze/pkg/retry"
)

// RepositorySpec describes a snapshot repository to register.
type RepositorySpec struct {
	Name         string
	Type         string // s3, azure or gcs
	Container    string
	BasePath     string
	CannedACL    string
	StorageClass string
}

// RepositoryInfo is a repository as the cluster reports it.
type RepositoryInfo struct {
	Name      string
	Type      string
	Container string
	BasePath  string
}

// Policy is an ILM policy and the snapshot repositories its
// searchable_snapshot actions reference.
type Policy struct {
	Name         string   `json:"name"`
	Version      int64    `json:"version"`
	Repositories []string `json:"repositories"`
}

// References reports whether the policy points at repo.
func (p Policy) References(repo string) bool {
	for _, r := range p.Repositories {
		if r == repo {
			return true
		}
	}
	return false
}

// Cluster is the capability surface deepfreeze needs from Elasticsearch.
type Cluster interface {
	EnsureRepository(ctx context.Context, spec RepositorySpec) error
	UnmountRepository(ctx context.Context, name string) error
	ListRepositories(ctx context.Context) ([]RepositoryInfo, error)
	ListIndicesUsing(ctx context.Context, repo string) ([]string, error)
	ListPolicies(ctx context.Context) ([]Policy, error)
	// RebindILMPolicy moves the policy's searchable_snapshot actions that
	// target one of from onto repo. It makes a single read-modify-write
	// attempt and fails with CONCURRENT_MODIFICATION when the policy
	// changed underneath it.
	RebindILMPolicy(ctx context.Context, policy string, from []string, repo string) error
	PutILMPolicy(ctx context.Context, policy, repo string) error
	AttachPolicyToTemplate(ctx context.Context, template, policy string) error
}

// RepositoryType maps a provider kind to the repository plugin type.
func RepositoryType(provider string) string {
	switch provider {
	case "azure":
		return "azure"
	case "gcp":
		return "gcs"
	default:
		return "s3"
	}
}

// RebindWithRetry moves policy from the repositories in from to repo,
// re-reading and retrying on concurrent modification up to maxAttempts
// times.
func RebindWithRetry(ctx context.Context, c Cluster, policy string, from []string, repo string, maxAttempts int, logger *slog.Logger) error {
	p := retry.DefaultPolicy()
	if maxAttempts > 0 {
		p.Attempts = maxAttempts
	}
	if logger != nil {
		p.OnRetry = func(attempt int, err error) {
			logger.Warn("Policy changed during rebind, retrying",
				"policy", policy,
				"repository", repo,
				"attempt", attempt,
				"error", err)
		}
	}
	return retry.Run(ctx, p, func(ctx context.Context) error {
		return c.RebindILMPolicy(ctx, policy, from, repo)
	})
}
