package thaw

import (
	"context"
	"fmt"
	"time"

	"github.com/deepfreeze/deepfreeze/internal/cluster"
	"github.com/deepfreeze/deepfreeze/internal/metadata"
	"github.com/deepfreeze/deepfreeze/internal/storage"
	"github.com/deepfreeze/deepfreeze/pkg/errors"
	"github.com/deepfreeze/deepfreeze/pkg/types"
)

// Check is the outcome of polling one thaw request.
type Check struct {
	Request  *types.ThawRequest    `json:"request"`
	Restore  storage.RestoreStatus `json:"restore"`
	Changed  bool                  `json:"changed"`
	Previous types.ThawStatus      `json:"previous"`
}

// CheckStatus polls the restore behind one thaw request and advances it:
// partial progress moves pending to in_progress, a finished restore
// completes the request and thaws the repository, and a failed restore
// fails the request and retires the repository again.
func (o *Orchestrator) CheckStatus(ctx context.Context, id string) (*Check, error) {
	t, err := o.store.GetThawRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	check := &Check{Request: t, Previous: t.Status}

	repo, err := o.store.GetRepository(ctx, t.RepositoryID)
	if err != nil {
		return nil, err
	}

	switch t.Status {
	case types.ThawCompleted:
		// a completed request whose repository was not yet marked thawed
		// was interrupted after the request write
		if repo.Status == types.RepositoryThawing && !o.dryRun {
			if err := o.markThawed(ctx, repo); err != nil {
				return nil, err
			}
			check.Changed = true
		}
		return check, nil
	case types.ThawPending, types.ThawInProgress:
	default:
		return check, nil
	}

	if t.ProviderJobRef == "" {
		if o.dryRun {
			return check, nil
		}
		check.Changed = true
		return check, o.fail(ctx, t, repo, "no restore job recorded", nil)
	}

	status, err := o.provider.PollRestore(ctx, t.ProviderJobRef)
	if err != nil {
		return nil, err
	}
	check.Restore = status
	o.logger.Debug("Polled restore",
		"request", t.ID,
		"state", status.State,
		"restored", status.Restored,
		"pending", status.Pending,
		"total", status.Total)

	if o.dryRun {
		return check, nil
	}

	now := o.clock.Now()
	switch status.State {
	case storage.RestorePending:
		if status.Progressing() && t.Status == types.ThawPending {
			t.Status = types.ThawInProgress
			if err := o.store.UpdateThawRequest(ctx, t); err != nil {
				return nil, err
			}
			check.Changed = true
		}
	case storage.RestoreReady:
		completed := now
		expires := completed.Add(time.Duration(o.settings.RefrozenRetentionDays) * 24 * time.Hour)
		t.Status = types.ThawCompleted
		t.CompletedAt = &completed
		t.ExpiresAt = &expires
		if err := o.store.UpdateThawRequest(ctx, t); err != nil {
			return nil, err
		}
		check.Changed = true
		if err := o.markThawed(ctx, repo); err != nil {
			return check, err
		}
		o.logger.Info("Thaw completed", "request", t.ID, "repository", repo.Name, "expires_at", expires)
	case storage.RestoreFailed:
		check.Changed = true
		reason := fmt.Sprintf("restore failed for %d of %d objects", status.Failed, status.Total)
		if err := o.fail(ctx, t, repo, reason, nil); err != nil {
			return check, err
		}
	}
	return check, nil
}

// markThawed mounts the repository again if rotation had unmounted it and
// records it as thawed.
func (o *Orchestrator) markThawed(ctx context.Context, repo *types.Repository) error {
	if !repo.Mounted {
		if err := o.cluster.EnsureRepository(ctx, cluster.RepositorySpec{
			Name:         repo.Name,
			Type:         cluster.RepositoryType(repo.Provider),
			Container:    repo.Container,
			BasePath:     repo.BasePath,
			CannedACL:    o.settings.CannedACL,
			StorageClass: o.settings.StorageClass,
		}); err != nil {
			return err
		}
		repo.Mounted = true
	}
	repo.Status = types.RepositoryThawed
	return o.store.UpdateRepository(ctx, repo)
}

// CheckAll polls every pending or in-progress request.
func (o *Orchestrator) CheckAll(ctx context.Context) ([]*Check, error) {
	open, err := o.store.ListThawRequests(ctx, metadata.ThawFilter{
		Statuses: []types.ThawStatus{types.ThawPending, types.ThawInProgress},
	})
	if err != nil {
		return nil, err
	}

	var checks []*Check
	batch := errors.NewBatchError("check_status")
	for _, t := range open {
		check, err := o.CheckStatus(ctx, t.ID)
		if check != nil {
			checks = append(checks, check)
		}
		batch.Add(t.ID, err)
	}
	return checks, batch.ErrOrNil()
}

// List returns thaw requests. Failed and refrozen requests are included
// only when includeClosed is set.
func (o *Orchestrator) List(ctx context.Context, includeClosed bool) ([]*types.ThawRequest, error) {
	filter := metadata.ThawFilter{}
	if !includeClosed {
		filter.Statuses = metadata.OpenThawStatuses
	}
	return o.store.ListThawRequests(ctx, filter)
}
