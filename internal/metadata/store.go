// Package metadata defines the persisted record of repositories, thaw
// requests, ILM policy bindings and settings that every deepfreeze command
// reads before acting.
package metadata

import (
	"context"
	"sort"

	"github.com/deepfreeze/deepfreeze/pkg/errors"
	"github.com/deepfreeze/deepfreeze/pkg/types"
)

// RepositoryFilter narrows ListRepositories. Zero values match everything.
type RepositoryFilter struct {
	Statuses []types.RepositoryStatus
	Mounted  *bool
}

// Match reports whether r passes the filter.
func (f RepositoryFilter) Match(r *types.Repository) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if r.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Mounted != nil && r.Mounted != *f.Mounted {
		return false
	}
	return true
}

// ThawFilter narrows ListThawRequests. Zero values match everything.
type ThawFilter struct {
	Statuses     []types.ThawStatus
	RepositoryID string
}

// Match reports whether t passes the filter.
func (f ThawFilter) Match(t *types.ThawRequest) bool {
	if f.RepositoryID != "" && t.RepositoryID != f.RepositoryID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if t.Status == s {
			return true
		}
	}
	return false
}

// OpenThawStatuses are the statuses of requests that still hold their
// repository.
var OpenThawStatuses = []types.ThawStatus{types.ThawPending, types.ThawInProgress, types.ThawCompleted}

// RotationCommit is the write set that completes a rotation: the new
// repository becomes active, the previous one retires and policy bindings
// move over.
type RotationCommit struct {
	Activated *types.Repository
	Retired   *types.Repository
	Bindings  []types.ILMPolicyBinding
}

// Store persists deepfreeze state. Updates are optimistic: the caller's
// Version must match the stored one, and a successful write bumps it.
type Store interface {
	Init(ctx context.Context) error
	Close() error

	GetSettings(ctx context.Context) (*types.Settings, error)
	SaveSettings(ctx context.Context, s *types.Settings) error

	CreateRepository(ctx context.Context, r *types.Repository) error
	UpdateRepository(ctx context.Context, r *types.Repository) error
	GetRepository(ctx context.Context, id string) (*types.Repository, error)
	GetRepositoryByName(ctx context.Context, name string) (*types.Repository, error)
	ListRepositories(ctx context.Context, filter RepositoryFilter) ([]*types.Repository, error)
	DeleteRepository(ctx context.Context, id string) error

	CreateThawRequest(ctx context.Context, t *types.ThawRequest) error
	UpdateThawRequest(ctx context.Context, t *types.ThawRequest) error
	GetThawRequest(ctx context.Context, id string) (*types.ThawRequest, error)
	ListThawRequests(ctx context.Context, filter ThawFilter) ([]*types.ThawRequest, error)
	DeleteThawRequest(ctx context.Context, id string) error

	ListPolicyBindings(ctx context.Context) ([]types.ILMPolicyBinding, error)
	SavePolicyBinding(ctx context.Context, b types.ILMPolicyBinding) error
	DeletePolicyBinding(ctx context.Context, policyName string) error

	CommitRotation(ctx context.Context, c RotationCommit) error
}

// SortRepositories orders oldest first, ties broken by name.
func SortRepositories(repos []*types.Repository) {
	sort.SliceStable(repos, func(i, j int) bool {
		if !repos[i].CreatedAt.Equal(repos[j].CreatedAt) {
			return repos[i].CreatedAt.Before(repos[j].CreatedAt)
		}
		return repos[i].Name < repos[j].Name
	})
}

// SortThawRequests orders by request time, ties broken by id.
func SortThawRequests(reqs []*types.ThawRequest) {
	sort.SliceStable(reqs, func(i, j int) bool {
		if !reqs[i].RequestedAt.Equal(reqs[j].RequestedAt) {
			return reqs[i].RequestedAt.Before(reqs[j].RequestedAt)
		}
		return reqs[i].ID < reqs[j].ID
	})
}

// Active returns the single active repository.
func Active(ctx context.Context, s Store) (*types.Repository, error) {
	repos, err := s.ListRepositories(ctx, RepositoryFilter{Statuses: []types.RepositoryStatus{types.RepositoryActive}})
	if err != nil {
		return nil, err
	}
	switch len(repos) {
	case 0:
		return nil, errors.NewError(errors.ErrCodeNotFound, "no active repository").WithComponent("metadata")
	case 1:
		return repos[0], nil
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidState, "%d repositories are active", len(repos)).WithComponent("metadata")
	}
}

// NotFound builds the error stores return for a missing entity.
func NotFound(kind, id string) *errors.DeepfreezeError {
	return errors.Newf(errors.ErrCodeNotFound, "%s %s not found", kind, id).
		WithComponent("metadata").
		WithEntity(id)
}

// NameConflict builds the error stores return for a duplicate repository name.
func NameConflict(name string) *errors.DeepfreezeError {
	return errors.Newf(errors.ErrCodeRepositoryConflict, "repository %s already recorded", name).
		WithComponent("metadata").
		WithEntity(name)
}

// VersionConflict builds the error stores return when an update lost a race.
func VersionConflict(kind, id string, want int64) *errors.DeepfreezeError {
	return errors.Newf(errors.ErrCodeConcurrentModification, "%s %s changed since version %d", kind, id, want).
		WithComponent("metadata").
		WithEntity(id)
}

// StoreError wraps a backend failure.
func StoreError(err error, operation, entity string) *errors.DeepfreezeError {
	return errors.Wrap(err, errors.ErrCodeMetadataStore, operation+" failed").
		WithComponent("metadata").
		WithOperation(operation).
		WithEntity(entity)
}
