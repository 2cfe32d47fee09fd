package rotation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepfreeze/deepfreeze/internal/cluster"
	"github.com/deepfreeze/deepfreeze/internal/cluster/clustertest"
	"github.com/deepfreeze/deepfreeze/internal/metadata"
	"github.com/deepfreeze/deepfreeze/internal/metadata/memstore"
	"github.com/deepfreeze/deepfreeze/internal/storage"
	"github.com/deepfreeze/deepfreeze/internal/storage/storagetest"
	"github.com/deepfreeze/deepfreeze/pkg/errors"
	"github.com/deepfreeze/deepfreeze/pkg/types"
	"github.com/deepfreeze/deepfreeze/pkg/utils"
)

type seqIDs struct{ n int }

func (s *seqIDs) NewID() string {
	s.n++
	return fmt.Sprintf("repo-%d", s.n)
}

type env struct {
	store    *memstore.Store
	provider *storagetest.Fake
	cluster  *clustertest.Fake
	clock    *types.FixedClock
	ids      *seqIDs
	settings types.Settings
}

func testSettings() types.Settings {
	return types.Settings{
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
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return &env{
		store:    memstore.New(),
		provider: storagetest.New(storage.KindAWS),
		cluster:  clustertest.New(),
		clock:    &types.FixedClock{T: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)},
		ids:      &seqIDs{},
		settings: testSettings(),
	}
}

func (e *env) rotator(opts ...Option) *Rotator {
	base := []Option{WithClock(e.clock), WithIDs(e.ids), WithLogger(utils.NopLogger())}
	return New(e.store, e.provider, e.cluster, e.settings, append(base, opts...)...)
}

// seedRetired records n retired, mounted repositories plus an active one,
// each one day apart, and registers them with the cluster.
func (e *env) seedRetired(t *testing.T, n int) *types.Repository {
	t.Helper()
	ctx := context.Background()
	start := e.clock.T.Add(-time.Duration(n+1) * 24 * time.Hour)
	var active *types.Repository
	for i := 1; i <= n+1; i++ {
		status := types.RepositoryRetired
		if i == n+1 {
			status = types.RepositoryActive
		}
		name := fmt.Sprintf("deepfreeze-%06d", i)
		repo := &types.Repository{
			ID:           fmt.Sprintf("seed-%d", i),
			Name:         name,
			Container:    name,
			BasePath:     "snapshots",
			Provider:     "aws",
			StorageClass: "intelligent_tiering",
			Status:       status,
			Mounted:      true,
			CreatedAt:    start.Add(time.Duration(i) * time.Hour),
			StartDate:    start,
		}
		require.NoError(t, e.store.CreateRepository(ctx, repo))
		e.provider.AddContainer(name, "STANDARD")
		e.cluster.AddRepository(cluster.RepositoryInfo{Name: name, Type: "s3", Container: name, BasePath: "snapshots"})
		active = repo
	}
	e.cluster.AddPolicy("deepfreeze-ilm-policy", active.Name)
	require.NoError(t, e.store.SavePolicyBinding(ctx, types.ILMPolicyBinding{
		PolicyName:          "deepfreeze-ilm-policy",
		CurrentRepositoryID: active.ID,
	}))
	return active
}

func activeCount(t *testing.T, s metadata.Store) int {
	t.Helper()
	repos, err := s.ListRepositories(context.Background(), metadata.RepositoryFilter{
		Statuses: []types.RepositoryStatus{types.RepositoryActive},
	})
	require.NoError(t, err)
	return len(repos)
}

func TestRotateCreatesNextRepository(t *testing.T) {
	e := newEnv(t)
	prev := e.seedRetired(t, 0)
	ctx := context.Background()

	res, err := e.rotator().Rotate(ctx, Request{})
	require.NoError(t, err)

	assert.Equal(t, "deepfreeze-000002", res.Target.Name)
	assert.Equal(t, "deepfreeze-000002", res.Target.Container)
	assert.Equal(t, "snapshots", res.Target.BasePath)
	assert.Equal(t, []string{"deepfreeze-ilm-policy"}, res.Rebind)
	assert.Equal(t, 1, activeCount(t, e.store))

	active, err := metadata.Active(ctx, e.store)
	require.NoError(t, err)
	assert.Equal(t, "deepfreeze-000002", active.Name)
	assert.Equal(t, e.clock.T, active.CreatedAt)

	old, err := e.store.GetRepository(ctx, prev.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RepositoryRetired, old.Status)
	require.NotNil(t, old.EndDate)
	assert.True(t, old.Mounted)

	assert.True(t, e.provider.Has("deepfreeze-000002"))
	assert.True(t, e.cluster.HasRepository("deepfreeze-000002"))
	assert.Equal(t, []string{"deepfreeze-000002"}, e.cluster.PolicyRepositories("deepfreeze-ilm-policy"))

	bindings, err := e.store.ListPolicyBindings(ctx)
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	assert.Equal(t, active.ID, bindings[0].CurrentRepositoryID)
}

func TestRotateKeepsNewestRetired(t *testing.T) {
	e := newEnv(t)
	e.settings.KeepCount = 3
	// active 000005 plus retired 000001..000004: the newest three of the
	// previously retired stay mounted and so does 000005, retired just now
	e.seedRetired(t, 4)
	ctx := context.Background()

	res, err := e.rotator().Rotate(ctx, Request{})
	require.NoError(t, err)
	assert.Equal(t, []string{"deepfreeze-000001"}, res.Unmount)
	assert.Equal(t, []string{"deepfreeze-000001"}, res.Unmounted)

	oldest, err := e.store.GetRepositoryByName(ctx, "deepfreeze-000001")
	require.NoError(t, err)
	assert.False(t, oldest.Mounted)
	assert.NotNil(t, oldest.UnmountRequestedAt)
	assert.Equal(t, types.RepositoryRetired, oldest.Status)
	assert.False(t, e.cluster.HasRepository("deepfreeze-000001"))
	assert.Equal(t, storagetest.ArchiveClass, e.provider.Class("deepfreeze-000001"))

	for _, name := range []string{"deepfreeze-000002", "deepfreeze-000003", "deepfreeze-000004", "deepfreeze-000005"} {
		repo, err := e.store.GetRepositoryByName(ctx, name)
		require.NoError(t, err)
		assert.True(t, repo.Mounted, name)
		assert.True(t, e.cluster.HasRepository(name), name)
	}
}

func TestRotateKeepZeroUnmountsEverythingButNew(t *testing.T) {
	e := newEnv(t)
	e.seedRetired(t, 2)
	ctx := context.Background()
	keep := 0

	res, err := e.rotator().Rotate(ctx, Request{Keep: &keep})
	require.NoError(t, err)
	assert.Equal(t, []string{"deepfreeze-000001", "deepfreeze-000002"}, res.Unmounted)

	repos, err := e.store.ListRepositories(ctx, metadata.RepositoryFilter{})
	require.NoError(t, err)
	for _, repo := range repos {
		switch repo.Name {
		case res.Target.Name:
			assert.Equal(t, types.RepositoryActive, repo.Status)
			assert.True(t, repo.Mounted)
		case "deepfreeze-000003":
			// retired by this rotation; swept by the next one
			assert.Equal(t, types.RepositoryRetired, repo.Status)
			assert.True(t, repo.Mounted)
		default:
			assert.Equal(t, types.RepositoryRetired, repo.Status, repo.Name)
			assert.False(t, repo.Mounted, repo.Name)
		}
	}
	assert.Equal(t, 1, activeCount(t, e.store))

	e.clock.Advance(24 * time.Hour)
	res, err = e.rotator().Rotate(ctx, Request{Keep: &keep})
	require.NoError(t, err)
	assert.Equal(t, []string{"deepfreeze-000003"}, res.Unmounted)
}

func TestRotateSequenceKeepsSingleActive(t *testing.T) {
	e := newEnv(t)
	e.seedRetired(t, 0)
	ctx := context.Background()
	r := e.rotator()

	for i := 0; i < 5; i++ {
		e.clock.Advance(24 * time.Hour)
		_, err := r.Rotate(ctx, Request{})
		require.NoError(t, err)
		assert.Equal(t, 1, activeCount(t, e.store))
	}
	active, err := metadata.Active(ctx, e.store)
	require.NoError(t, err)
	assert.Equal(t, "deepfreeze-000006", active.Name)
}

func TestRotateDryRunMakesNoChanges(t *testing.T) {
	e := newEnv(t)
	e.settings.KeepCount = 1
	e.seedRetired(t, 2)
	ctx := context.Background()
	e.provider.Reset()
	e.cluster.Reset()

	res, err := e.rotator(WithDryRun(true)).Rotate(ctx, Request{})
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Equal(t, "deepfreeze-000004", res.Target.Name)
	assert.Equal(t, []string{"deepfreeze-000001"}, res.Unmount)
	assert.Nil(t, res.Repository)

	assert.Zero(t, e.provider.MutatingCalls())
	assert.Zero(t, e.cluster.MutatingCalls())
	_, err = e.store.GetRepositoryByName(ctx, "deepfreeze-000004")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
}

func TestRotateWithoutSetup(t *testing.T) {
	e := newEnv(t)
	_, err := e.rotator().Rotate(context.Background(), Request{})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidState))
}

func TestRotateSkipsNamesTakenOnCluster(t *testing.T) {
	e := newEnv(t)
	e.seedRetired(t, 0)
	ctx := context.Background()
	// another process registered the next name on the cluster against a
	// different container
	e.cluster.AddRepository(cluster.RepositoryInfo{Name: "deepfreeze-000002", Container: "elsewhere", BasePath: "snapshots"})

	res, err := e.rotator().Rotate(ctx, Request{})
	require.NoError(t, err)
	// the cluster name is taken, so rotation moves past it
	assert.Equal(t, "deepfreeze-000003", res.Target.Name)
}

func TestRotateClusterConflictDropsIntent(t *testing.T) {
	e := newEnv(t)
	prev := e.seedRetired(t, 0)
	ctx := context.Background()
	e.cluster.FailOn("ensure_repository", errors.NewError(errors.ErrCodeRepositoryConflict, "taken"))

	_, err := e.rotator().Rotate(ctx, Request{})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeRepositoryConflict))

	_, err = e.store.GetRepositoryByName(ctx, "deepfreeze-000002")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
	active, err := metadata.Active(ctx, e.store)
	require.NoError(t, err)
	assert.Equal(t, prev.ID, active.ID)
}

func TestRotateResumesInterruptedRotation(t *testing.T) {
	e := newEnv(t)
	prev := e.seedRetired(t, 0)
	ctx := context.Background()
	e.cluster.FailOn("rebind_ilm_policy", errors.NewError(errors.ErrCodeCluster, "boom"))

	_, err := e.rotator().Rotate(ctx, Request{})
	require.Error(t, err)

	// the intent record survives and the previous repository is still active
	pending, err := e.store.GetRepositoryByName(ctx, "deepfreeze-000002")
	require.NoError(t, err)
	assert.Equal(t, types.RepositoryProvisioning, pending.Status)
	active, err := metadata.Active(ctx, e.store)
	require.NoError(t, err)
	assert.Equal(t, prev.ID, active.ID)

	e.cluster.FailOn("rebind_ilm_policy", nil)
	res, err := e.rotator().Rotate(ctx, Request{})
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.Equal(t, "deepfreeze-000002", res.Target.Name)
	assert.Equal(t, pending.ID, res.Repository.ID)
	assert.Equal(t, 1, activeCount(t, e.store))
}

func TestRotateRebindRetriesConcurrentModification(t *testing.T) {
	e := newEnv(t)
	e.seedRetired(t, 0)
	e.cluster.ConflictNext(1)

	_, err := e.rotator().Rotate(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, 2, e.cluster.Count("rebind_ilm_policy"))
	assert.Equal(t, []string{"deepfreeze-000002"}, e.cluster.PolicyRepositories("deepfreeze-ilm-policy"))
}

func TestRotateRebindGivesUpAfterBound(t *testing.T) {
	e := newEnv(t)
	prev := e.seedRetired(t, 0)
	ctx := context.Background()
	e.cluster.ConflictNext(10)

	_, err := e.rotator(WithRebindAttempts(2)).Rotate(ctx, Request{})
	require.Error(t, err)
	assert.Equal(t, 2, e.cluster.Count("rebind_ilm_policy"))

	active, err := metadata.Active(ctx, e.store)
	require.NoError(t, err)
	assert.Equal(t, prev.ID, active.ID)
}

func TestRotateCollectsUnmountFailures(t *testing.T) {
	e := newEnv(t)
	e.settings.KeepCount = 0
	e.seedRetired(t, 2)
	e.cluster.SetInUse("deepfreeze-000001", true)
	ctx := context.Background()

	res, err := e.rotator().Rotate(ctx, Request{})
	require.Error(t, err)
	require.NotNil(t, res)

	var batch *errors.BatchError
	require.True(t, errors.As(err, &batch))
	require.Len(t, batch.Items, 1)
	assert.Equal(t, "seed-1", batch.Items[0].EntityID)
	assert.Equal(t, errors.ErrCodeRepositoryInUse, batch.Items[0].Code)
	assert.Equal(t, []string{"deepfreeze-000002"}, res.Unmounted)

	// the failed item keeps its recorded intent so the next run resumes it
	stuck, err := e.store.GetRepository(ctx, "seed-1")
	require.NoError(t, err)
	assert.True(t, stuck.Mounted)
	assert.NotNil(t, stuck.UnmountRequestedAt)
	assert.Equal(t, 1, activeCount(t, e.store))
}

func TestRotatePathMode(t *testing.T) {
	e := newEnv(t)
	e.settings.RotateBy = types.RotateByPath
	e.seedRetired(t, 0)

	res, err := e.rotator().Rotate(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "deepfreeze", res.Target.Container)
	assert.Equal(t, "snapshots-000002", res.Target.BasePath)
}
