// Package storetest holds the behaviour every metadata.Store backend must
// share, run by each backend's own tests.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepfreeze/deepfreeze/internal/metadata"
	"github.com/deepfreeze/deepfreeze/pkg/errors"
	"github.com/deepfreeze/deepfreeze/pkg/types"
)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Repo builds a mounted repository fixture.
func Repo(id, name string, status types.RepositoryStatus, created time.Time) *types.Repository {
	return &types.Repository{
		ID:           id,
		Name:         name,
		Container:    name,
		BasePath:     "snapshots",
		Provider:     "aws",
		StorageClass: "intelligent_tiering",
		Status:       status,
		Mounted:      true,
		CreatedAt:    created,
		StartDate:    created,
	}
}

// Run exercises a fresh store produced by newStore.
func Run(t *testing.T, newStore func(t *testing.T) metadata.Store) {
	t.Run("Settings", func(t *testing.T) { testSettings(t, newStore(t)) })
	t.Run("RepositoryCRUD", func(t *testing.T) { testRepositoryCRUD(t, newStore(t)) })
	t.Run("RepositoryVersioning", func(t *testing.T) { testRepositoryVersioning(t, newStore(t)) })
	t.Run("RepositoryListing", func(t *testing.T) { testRepositoryListing(t, newStore(t)) })
	t.Run("ThawRequests", func(t *testing.T) { testThawRequests(t, newStore(t)) })
	t.Run("PolicyBindings", func(t *testing.T) { testPolicyBindings(t, newStore(t)) })
	t.Run("CommitRotation", func(t *testing.T) { testCommitRotation(t, newStore(t)) })
}

func testSettings(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	_, err := s.GetSettings(ctx)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))

	want := &types.Settings{
		KeepCount:             6,
		RotationStyle:         types.StyleOneUp,
		RotateBy:              types.RotateByBucket,
		RefrozenRetentionDays: 35,
		RepoNamePrefix:        "deepfreeze",
		BucketNamePrefix:      "deepfreeze",
		BasePathPrefix:        "snapshots",
		Provider:              "aws",
		StorageClass:          "intelligent_tiering",
		CannedACL:             "private",
		ILMPolicyName:         "deepfreeze-ilm-policy",
		RestoreDays:           30,
		RetrievalTier:         "Standard",
	}
	require.NoError(t, s.SaveSettings(ctx, want))
	got, err := s.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	want.KeepCount = 3
	require.NoError(t, s.SaveSettings(ctx, want))
	got, err = s.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, got.KeepCount)
}

func testRepositoryCRUD(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	r := Repo("id-1", "deepfreeze-000001", types.RepositoryActive, base)
	end := base.Add(24 * time.Hour)
	r.EndDate = &end

	require.NoError(t, s.CreateRepository(ctx, r))
	assert.Equal(t, int64(1), r.Version)

	got, err := s.GetRepository(ctx, "id-1")
	require.NoError(t, err)
	assert.Equal(t, r.Name, got.Name)
	assert.True(t, got.CreatedAt.Equal(base))
	require.NotNil(t, got.EndDate)
	assert.True(t, got.EndDate.Equal(end))
	assert.Equal(t, int64(1), got.Version)

	byName, err := s.GetRepositoryByName(ctx, "deepfreeze-000001")
	require.NoError(t, err)
	assert.Equal(t, "id-1", byName.ID)

	dup := Repo("id-2", "deepfreeze-000001", types.RepositoryProvisioning, base)
	err = s.CreateRepository(ctx, dup)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeRepositoryConflict))

	require.NoError(t, s.DeleteRepository(ctx, "id-1"))
	_, err = s.GetRepository(ctx, "id-1")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
	_, err = s.GetRepositoryByName(ctx, "deepfreeze-000001")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))

	// the name is free again once the record is gone
	require.NoError(t, s.CreateRepository(ctx, dup))
}

func testRepositoryVersioning(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	r := Repo("id-1", "deepfreeze-000001", types.RepositoryActive, base)
	require.NoError(t, s.CreateRepository(ctx, r))

	stale, err := s.GetRepository(ctx, "id-1")
	require.NoError(t, err)

	r.Status = types.RepositoryRetired
	require.NoError(t, s.UpdateRepository(ctx, r))
	assert.Equal(t, int64(2), r.Version)

	stale.Mounted = false
	err = s.UpdateRepository(ctx, stale)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConcurrentModification))

	got, err := s.GetRepository(ctx, "id-1")
	require.NoError(t, err)
	assert.Equal(t, types.RepositoryRetired, got.Status)
	assert.True(t, got.Mounted)

	missing := Repo("nope", "nope", types.RepositoryRetired, base)
	missing.Version = 1
	assert.True(t, errors.HasCode(s.UpdateRepository(ctx, missing), errors.ErrCodeNotFound))
}

func testRepositoryListing(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateRepository(ctx, Repo("c", "deepfreeze-000003", types.RepositoryActive, base.Add(2*time.Hour))))
	require.NoError(t, s.CreateRepository(ctx, Repo("b", "deepfreeze-000002", types.RepositoryRetired, base)))
	require.NoError(t, s.CreateRepository(ctx, Repo("a", "deepfreeze-000001", types.RepositoryRetired, base)))
	unmounted := Repo("d", "deepfreeze-000000", types.RepositoryRetired, base.Add(-time.Hour))
	unmounted.Mounted = false
	require.NoError(t, s.CreateRepository(ctx, unmounted))

	all, err := s.ListRepositories(ctx, metadata.RepositoryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, []string{"deepfreeze-000000", "deepfreeze-000001", "deepfreeze-000002", "deepfreeze-000003"}, names(all))

	mounted := true
	retired, err := s.ListRepositories(ctx, metadata.RepositoryFilter{
		Statuses: []types.RepositoryStatus{types.RepositoryRetired},
		Mounted:  &mounted,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"deepfreeze-000001", "deepfreeze-000002"}, names(retired))

	mounted = false
	archived, err := s.ListRepositories(ctx, metadata.RepositoryFilter{Mounted: &mounted})
	require.NoError(t, err)
	assert.Equal(t, []string{"deepfreeze-000000"}, names(archived))

	active, err := metadata.Active(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, "c", active.ID)
}

func testThawRequests(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	mk := func(id, repo string, status types.ThawStatus, at time.Time) *types.ThawRequest {
		return &types.ThawRequest{
			ID:           id,
			RepositoryID: repo,
			RequestedAt:  at,
			StartDate:    base,
			EndDate:      base.Add(30 * 24 * time.Hour),
			Status:       status,
		}
	}
	t1 := mk("t1", "r1", types.ThawPending, base.Add(time.Hour))
	t2 := mk("t2", "r2", types.ThawCompleted, base)
	t3 := mk("t3", "r1", types.ThawRefrozen, base.Add(2*time.Hour))
	for _, tr := range []*types.ThawRequest{t1, t2, t3} {
		require.NoError(t, s.CreateThawRequest(ctx, tr))
		assert.Equal(t, int64(1), tr.Version)
	}

	all, err := s.ListThawRequests(ctx, metadata.ThawFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"t2", "t1", "t3"}, thawIDs(all))

	open, err := s.ListThawRequests(ctx, metadata.ThawFilter{Statuses: metadata.OpenThawStatuses, RepositoryID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, thawIDs(open))

	stale, err := s.GetThawRequest(ctx, "t1")
	require.NoError(t, err)
	completed := base.Add(5 * time.Hour)
	t1.Status = types.ThawCompleted
	t1.CompletedAt = &completed
	t1.ProviderJobRef = "aws://b/snapshots"
	require.NoError(t, s.UpdateThawRequest(ctx, t1))

	got, err := s.GetThawRequest(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.ThawCompleted, got.Status)
	assert.Equal(t, "aws://b/snapshots", got.ProviderJobRef)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(completed))

	stale.Status = types.ThawFailed
	assert.True(t, errors.HasCode(s.UpdateThawRequest(ctx, stale), errors.ErrCodeConcurrentModification))

	require.NoError(t, s.DeleteThawRequest(ctx, "t3"))
	_, err = s.GetThawRequest(ctx, "t3")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
}

func testPolicyBindings(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	require.NoError(t, s.SavePolicyBinding(ctx, types.ILMPolicyBinding{PolicyName: "logs", CurrentRepositoryID: "r1"}))
	require.NoError(t, s.SavePolicyBinding(ctx, types.ILMPolicyBinding{PolicyName: "metrics", CurrentRepositoryID: "r1"}))
	require.NoError(t, s.SavePolicyBinding(ctx, types.ILMPolicyBinding{PolicyName: "logs", CurrentRepositoryID: "r2"}))

	bindings, err := s.ListPolicyBindings(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.ILMPolicyBinding{
		{PolicyName: "logs", CurrentRepositoryID: "r2"},
		{PolicyName: "metrics", CurrentRepositoryID: "r1"},
	}, bindings)

	require.NoError(t, s.DeletePolicyBinding(ctx, "metrics"))
	bindings, err = s.ListPolicyBindings(ctx)
	require.NoError(t, err)
	assert.Len(t, bindings, 1)
}

func testCommitRotation(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	prev := Repo("r1", "deepfreeze-000001", types.RepositoryActive, base)
	next := Repo("r2", "deepfreeze-000002", types.RepositoryProvisioning, base.Add(time.Hour))
	require.NoError(t, s.CreateRepository(ctx, prev))
	require.NoError(t, s.CreateRepository(ctx, next))
	require.NoError(t, s.SavePolicyBinding(ctx, types.ILMPolicyBinding{PolicyName: "logs", CurrentRepositoryID: "r1"}))

	stalePrev := *prev
	next.Status = types.RepositoryActive
	prev.Status = types.RepositoryRetired
	require.NoError(t, s.CommitRotation(ctx, metadata.RotationCommit{
		Activated: next,
		Retired:   prev,
		Bindings:  []types.ILMPolicyBinding{{PolicyName: "logs", CurrentRepositoryID: "r2"}},
	}))
	assert.Equal(t, int64(2), next.Version)
	assert.Equal(t, int64(2), prev.Version)

	active, err := metadata.Active(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, "r2", active.ID)
	bindings, err := s.ListPolicyBindings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "r2", bindings[0].CurrentRepositoryID)

	// a commit built from stale state is rejected
	other := Repo("r3", "deepfreeze-000003", types.RepositoryProvisioning, base.Add(2*time.Hour))
	require.NoError(t, s.CreateRepository(ctx, other))
	other.Status = types.RepositoryActive
	stalePrev.Status = types.RepositoryRetired
	err = s.CommitRotation(ctx, metadata.RotationCommit{Activated: other, Retired: &stalePrev})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConcurrentModification))
}

func names(repos []*types.Repository) []string {
	out := make([]string, len(repos))
	for i, r := range repos {
		out[i] = r.Name
	}
	return out
}

func thawIDs(reqs []*types.ThawRequest) []string {
	out := make([]string, len(reqs))
	for i, r := range reqs {
		out[i] = r.ID
	}
	return out
}
