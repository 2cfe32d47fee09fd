package thaw

import (
	"context"

	"github.com/deepfreeze/deepfreeze/internal/metadata"
	"github.com/deepfreeze/deepfreeze/pkg/errors"
	"github.com/deepfreeze/deepfreeze/pkg/types"
)

// Refreeze returns the repository behind a completed thaw request to the
// archive tier. Pending and in-progress requests are rejected with
// INVALID_STATE; an already refrozen request is returned unchanged.
func (o *Orchestrator) Refreeze(ctx context.Context, id string) (*types.ThawRequest, error) {
	t, err := o.store.GetThawRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case types.ThawRefrozen:
		return t, nil
	case types.ThawCompleted:
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidState, "thaw request %s is %s; only completed requests can be refrozen", t.ID, t.Status).
			WithComponent("thaw").
			WithOperation("refreeze").
			WithEntity(t.ID)
	}

	repo, err := o.store.GetRepository(ctx, t.RepositoryID)
	if err != nil {
		return nil, err
	}

	if o.dryRun {
		o.logger.Info("Dry run: would refreeze repository", "request", t.ID, "repository", repo.Name)
		return t, nil
	}

	if repo.Status != types.RepositoryRefreezing {
		if !repo.CanTransition(types.RepositoryRefreezing) {
			return nil, errors.Newf(errors.ErrCodeInvalidState, "repository %s is %s and cannot be refrozen", repo.Name, repo.Status).
				WithComponent("thaw").
				WithOperation("refreeze").
				WithEntity(repo.ID)
		}
		repo.Status = types.RepositoryRefreezing
		if err := o.store.UpdateRepository(ctx, repo); err != nil {
			return nil, err
		}
	}

	// rotation unmounted this repository once; thawing mounted it again
	if repo.Mounted && repo.UnmountRequestedAt != nil {
		if err := o.cluster.UnmountRepository(ctx, repo.Name); err != nil {
			return nil, err
		}
		repo.Mounted = false
		if err := o.store.UpdateRepository(ctx, repo); err != nil {
			return nil, err
		}
	}
	if err := o.provider.Refreeze(ctx, repo.Container, repo.BasePath, ""); err != nil {
		return nil, err
	}

	now := o.clock.Now()
	t.Status = types.ThawRefrozen
	t.RefrozenAt = &now
	if err := o.store.UpdateThawRequest(ctx, t); err != nil {
		return nil, err
	}
	repo.Status = types.RepositoryRetired
	if err := o.store.UpdateRepository(ctx, repo); err != nil {
		return t, err
	}

	o.logger.Info("Repository refrozen", "request", t.ID, "repository", repo.Name)
	return t, nil
}

// RefreezeAll refreezes every completed request. Pending and in-progress
// requests are left alone.
func (o *Orchestrator) RefreezeAll(ctx context.Context) ([]*types.ThawRequest, error) {
	completed, err := o.store.ListThawRequests(ctx, metadata.ThawFilter{
		Statuses: []types.ThawStatus{types.ThawCompleted},
	})
	if err != nil {
		return nil, err
	}

	var out []*types.ThawRequest
	batch := errors.NewBatchError("refreeze")
	for _, t := range completed {
		refrozen, err := o.Refreeze(ctx, t.ID)
		if err != nil {
			o.logger.Warn("Failed to refreeze", "request", t.ID, "error", err)
			batch.Add(t.ID, err)
			continue
		}
		out = append(out, refrozen)
	}
	return out, batch.ErrOrNil()
}
