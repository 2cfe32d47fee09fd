package reconcile

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
	"github.com/deepfreeze/deepfreeze/internal/rotation"
	"github.com/deepfreeze/deepfreeze/internal/storage"
	"github.com/deepfreeze/deepfreeze/internal/storage/storagetest"
	"github.com/deepfreeze/deepfreeze/pkg/errors"
	"github.com/deepfreeze/deepfreeze/pkg/types"
	"github.com/deepfreeze/deepfreeze/pkg/utils"
)

type seqIDs struct{ n int }

func (s *seqIDs) NewID() string {
	s.n++
	return fmt.Sprintf("id-%d", s.n)
}

type env struct {
	store    *memstore.Store
	provider *storagetest.Fake
	cluster  *clustertest.Fake
	clock    *types.FixedClock
	ids      *seqIDs
	settings types.Settings
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return &env{
		store:    memstore.New(),
		provider: storagetest.New(storage.KindAWS),
		cluster:  clustertest.New(),
		clock:    &types.FixedClock{T: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		ids:      &seqIDs{},
		settings: types.Settings{
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
			RestoreDays:           7,
			RetrievalTier:         "Standard",
		},
	}
}

func (e *env) reconciler(opts ...Option) *Reconciler {
	base := []Option{WithClock(e.clock), WithIDs(e.ids), WithLogger(utils.NopLogger())}
	return New(e.store, e.provider, e.cluster, e.settings, append(base, opts...)...)
}

// bootstrap runs setup followed by n rotations, one day apart.
func (e *env) bootstrap(t *testing.T, rotations int) {
	t.Helper()
	ctx := context.Background()
	r := rotation.New(e.store, e.provider, e.cluster, e.settings,
		rotation.WithClock(e.clock), rotation.WithIDs(e.ids), rotation.WithLogger(utils.NopLogger()))
	_, err := r.Setup(ctx, rotation.Period{})
	require.NoError(t, err)
	for i := 0; i < rotations; i++ {
		e.clock.Advance(24 * time.Hour)
		_, err := r.Rotate(ctx, rotation.Request{})
		require.NoError(t, err)
	}
	e.provider.Reset()
	e.cluster.Reset()
}

func (e *env) repo(t *testing.T, name string) *types.Repository {
	t.Helper()
	r, err := e.store.GetRepositoryByName(context.Background(), name)
	require.NoError(t, err)
	return r
}

func TestNoDriftAfterSetupAndRotation(t *testing.T) {
	e := newEnv(t)
	e.bootstrap(t, 3)

	report, err := e.reconciler(WithDryRun(true)).Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Findings)
	assert.NoError(t, report.Err())
}

func TestPolicyBoundToRetiredRepository(t *testing.T) {
	e := newEnv(t)
	e.bootstrap(t, 2)
	ctx := context.Background()

	// someone pointed the policy back at a retired repository
	e.cluster.AddPolicy("deepfreeze-ilm-policy", "deepfreeze-000001")
	e.provider.Reset()
	e.cluster.Reset()

	report, err := e.reconciler(WithDryRun(true)).Scan(ctx)
	require.NoError(t, err)
	require.Len(t, report.Findings, 1)
	f := report.Findings[0]
	assert.Equal(t, MisboundPolicy, f.Class)
	assert.Equal(t, "deepfreeze-ilm-policy", f.EntityID)
	assert.False(t, f.Fixed)
	assert.True(t, report.DryRun)
	assert.True(t, errors.HasCode(report.Err(), errors.ErrCodeDriftDetected))
	assert.Equal(t, 5, errors.ExitCode(report.Err()))

	assert.Zero(t, e.provider.MutatingCalls())
	assert.Zero(t, e.cluster.MutatingCalls())
	assert.Equal(t, []string{"deepfreeze-000001"}, e.cluster.PolicyRepositories("deepfreeze-ilm-policy"))
}

func TestRepairRebindsMisboundPolicy(t *testing.T) {
	e := newEnv(t)
	e.bootstrap(t, 2)
	ctx := context.Background()
	e.cluster.AddPolicy("deepfreeze-ilm-policy", "deepfreeze-000001")

	report, err := e.reconciler().Scan(ctx)
	require.NoError(t, err)
	require.Len(t, report.Findings, 1)
	assert.True(t, report.Findings[0].Fixed)
	assert.NoError(t, report.Err())
	assert.Equal(t, []string{"deepfreeze-000003"}, e.cluster.PolicyRepositories("deepfreeze-ilm-policy"))

	again, err := e.reconciler(WithDryRun(true)).Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, again.Findings)
}

func TestRepairKeepsForeignPolicyTargets(t *testing.T) {
	e := newEnv(t)
	e.bootstrap(t, 2)
	ctx := context.Background()
	e.cluster.AddPolicy("deepfreeze-ilm-policy", "found-snapshots", "deepfreeze-000002")

	report, err := e.reconciler().Scan(ctx)
	require.NoError(t, err)
	require.Len(t, report.Findings, 1)
	assert.True(t, report.Findings[0].Fixed)
	assert.Equal(t, []string{"found-snapshots", "deepfreeze-000003"}, e.cluster.PolicyRepositories("deepfreeze-ilm-policy"))
}

func TestRepairFixesStaleBinding(t *testing.T) {
	e := newEnv(t)
	e.bootstrap(t, 1)
	ctx := context.Background()
	old := e.repo(t, "deepfreeze-000001")
	require.NoError(t, e.store.SavePolicyBinding(ctx, types.ILMPolicyBinding{
		PolicyName:          "deepfreeze-ilm-policy",
		CurrentRepositoryID: old.ID,
	}))

	report, err := e.reconciler().Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(MisboundPolicy))

	active, err := metadata.Active(ctx, e.store)
	require.NoError(t, err)
	bindings, err := e.store.ListPolicyBindings(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.ILMPolicyBinding{{PolicyName: "deepfreeze-ilm-policy", CurrentRepositoryID: active.ID}}, bindings)
}

func TestOrphanedRecord(t *testing.T) {
	e := newEnv(t)
	e.bootstrap(t, 1)
	ctx := context.Background()
	e.provider.RemoveContainer("deepfreeze-000001")
	e.cluster.RemoveRepository("deepfreeze-000001")

	dry, err := e.reconciler(WithDryRun(true)).Scan(ctx)
	require.NoError(t, err)
	require.Len(t, dry.Findings, 1)
	assert.Equal(t, OrphanedRecord, dry.Findings[0].Class)
	assert.True(t, e.repo(t, "deepfreeze-000001").Mounted)

	report, err := e.reconciler().Scan(ctx)
	require.NoError(t, err)
	assert.True(t, report.Findings[0].Fixed)
	repo := e.repo(t, "deepfreeze-000001")
	assert.Equal(t, types.RepositoryRetired, repo.Status)
	assert.False(t, repo.Mounted)
}

func TestOrphanedActiveRecordIsReportedOnly(t *testing.T) {
	e := newEnv(t)
	e.bootstrap(t, 0)
	e.provider.RemoveContainer("deepfreeze-000001")

	report, err := e.reconciler().Scan(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Count(OrphanedRecord))
	assert.False(t, report.Findings[0].Fixed)
	assert.True(t, errors.HasCode(report.Err(), errors.ErrCodeDriftDetected))
	assert.Equal(t, types.RepositoryActive, e.repo(t, "deepfreeze-000001").Status)
}

func TestUntrackedRepositoryIsAdopted(t *testing.T) {
	e := newEnv(t)
	e.bootstrap(t, 0)
	ctx := context.Background()
	e.provider.AddContainer("deepfreeze-legacy", storagetest.ArchiveClass)
	e.cluster.AddRepository(cluster.RepositoryInfo{Name: "deepfreeze-legacy", Type: "s3", Container: "deepfreeze-legacy", BasePath: "snapshots"})
	e.cluster.AddRepository(cluster.RepositoryInfo{Name: "found-snapshots", Type: "s3", Container: "other", BasePath: "x"})

	report, err := e.reconciler().Scan(ctx)
	require.NoError(t, err)
	require.Len(t, report.Findings, 1)
	assert.Equal(t, UntrackedRepository, report.Findings[0].Class)
	assert.Equal(t, "deepfreeze-legacy", report.Findings[0].Name)

	adopted := e.repo(t, "deepfreeze-legacy")
	assert.Equal(t, types.RepositoryRetired, adopted.Status)
	assert.True(t, adopted.Mounted)
	assert.Equal(t, "aws", adopted.Provider)
	assert.Equal(t, e.clock.T, adopted.CreatedAt)
}

func TestStaleMountFlag(t *testing.T) {
	e := newEnv(t)
	e.bootstrap(t, 1)
	ctx := context.Background()
	e.cluster.RemoveRepository("deepfreeze-000001")

	report, err := e.reconciler().Scan(ctx)
	require.NoError(t, err)
	require.Len(t, report.Findings, 1)
	assert.Equal(t, StaleStatus, report.Findings[0].Class)
	assert.False(t, e.repo(t, "deepfreeze-000001").Mounted)
}

func TestStaleContainerMapping(t *testing.T) {
	e := newEnv(t)
	e.bootstrap(t, 1)
	ctx := context.Background()
	e.provider.AddContainer("deepfreeze-moved", storagetest.ArchiveClass)
	e.cluster.AddRepository(cluster.RepositoryInfo{Name: "deepfreeze-000001", Type: "s3", Container: "deepfreeze-moved", BasePath: "other"})

	report, err := e.reconciler().Scan(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Count(StaleStatus))
	repo := e.repo(t, "deepfreeze-000001")
	assert.Equal(t, "deepfreeze-moved", repo.Container)
	assert.Equal(t, "other", repo.BasePath)
}

func TestThawStatusWithoutRequest(t *testing.T) {
	e := newEnv(t)
	e.bootstrap(t, 1)
	ctx := context.Background()
	repo := e.repo(t, "deepfreeze-000001")
	repo.Status = types.RepositoryThawing
	require.NoError(t, e.store.UpdateRepository(ctx, repo))

	report, err := e.reconciler().Scan(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Count(StaleStatus))
	assert.Equal(t, types.RepositoryRetired, e.repo(t, "deepfreeze-000001").Status)
}

func TestThawingWithOpenRequestIsNotDrift(t *testing.T) {
	e := newEnv(t)
	e.bootstrap(t, 1)
	ctx := context.Background()
	repo := e.repo(t, "deepfreeze-000001")
	repo.Status = types.RepositoryThawing
	require.NoError(t, e.store.UpdateRepository(ctx, repo))
	require.NoError(t, e.store.CreateThawRequest(ctx, &types.ThawRequest{
		ID:           "thaw-1",
		RepositoryID: repo.ID,
		RequestedAt:  e.clock.T,
		StartDate:    e.clock.T.AddDate(0, -1, 0),
		EndDate:        e.clock.T,
		Status:         types.ThawPending,
		ProviderJobRef: "aws://deepfreeze-000001/snapshots",
	}))

	report, err := e.reconciler(WithDryRun(true)).Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Findings)
}

func TestPendingThawWithoutRestoreJob(t *testing.T) {
	e := newEnv(t)
	e.bootstrap(t, 1)
	ctx := context.Background()
	repo := e.repo(t, "deepfreeze-000001")
	repo.Status = types.RepositoryThawing
	require.NoError(t, e.store.UpdateRepository(ctx, repo))
	// recorded, but the run stopped before InitiateRestore
	require.NoError(t, e.store.CreateThawRequest(ctx, &types.ThawRequest{
		ID:           "thaw-1",
		RepositoryID: repo.ID,
		RequestedAt:  e.clock.T,
		StartDate:    e.clock.T.AddDate(0, -1, 0),
		EndDate:      e.clock.T,
		Status:       types.ThawPending,
	}))

	dry, err := e.reconciler(WithDryRun(true)).Scan(ctx)
	require.NoError(t, err)
	require.Len(t, dry.Findings, 1)
	assert.Equal(t, StaleStatus, dry.Findings[0].Class)
	assert.Equal(t, "thaw-1", dry.Findings[0].EntityID)
	assert.Equal(t, "deepfreeze-000001", dry.Findings[0].Name)

	report, err := e.reconciler().Scan(ctx)
	require.NoError(t, err)
	require.Len(t, report.Findings, 1)
	assert.True(t, report.Findings[0].Fixed)

	got, err := e.store.GetThawRequest(ctx, "thaw-1")
	require.NoError(t, err)
	assert.Equal(t, types.ThawFailed, got.Status)
	assert.NotEmpty(t, got.FailureReason)
	assert.Equal(t, types.RepositoryRetired, e.repo(t, "deepfreeze-000001").Status)
	assert.Zero(t, e.provider.MutatingCalls())

	again, err := e.reconciler(WithDryRun(true)).Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, again.Findings)
}

func TestInterruptedUnmountIntent(t *testing.T) {
	e := newEnv(t)
	e.bootstrap(t, 1)
	ctx := context.Background()
	// the sweep recorded its intent, then the cluster call failed
	repo := e.repo(t, "deepfreeze-000001")
	at := e.clock.T
	repo.UnmountRequestedAt = &at
	require.NoError(t, e.store.UpdateRepository(ctx, repo))

	report, err := e.reconciler().Scan(ctx)
	require.NoError(t, err)
	require.Len(t, report.Findings, 1)
	assert.Equal(t, StaleStatus, report.Findings[0].Class)
	assert.True(t, report.Findings[0].Fixed)

	got := e.repo(t, "deepfreeze-000001")
	assert.Nil(t, got.UnmountRequestedAt)
	assert.True(t, got.Mounted)
	assert.True(t, e.cluster.HasRepository("deepfreeze-000001"))
	assert.Zero(t, e.cluster.MutatingCalls())
}

func TestThawedRepositoryKeepsUnmountIntent(t *testing.T) {
	e := newEnv(t)
	e.bootstrap(t, 1)
	ctx := context.Background()
	repo := e.repo(t, "deepfreeze-000001")
	at := e.clock.T
	repo.UnmountRequestedAt = &at
	repo.Status = types.RepositoryThawed
	require.NoError(t, e.store.UpdateRepository(ctx, repo))
	require.NoError(t, e.store.CreateThawRequest(ctx, &types.ThawRequest{
		ID:             "thaw-1",
		RepositoryID:   repo.ID,
		RequestedAt:    e.clock.T,
		StartDate:      e.clock.T.AddDate(0, -1, 0),
		EndDate:        e.clock.T,
		Status:         types.ThawCompleted,
		ProviderJobRef: "aws://deepfreeze-000001/snapshots",
	}))

	report, err := e.reconciler(WithDryRun(true)).Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Findings)
}

func TestProvisioningRecordIsSkipped(t *testing.T) {
	e := newEnv(t)
	e.bootstrap(t, 0)
	ctx := context.Background()
	require.NoError(t, e.store.CreateRepository(ctx, &types.Repository{
		ID:        "pending",
		Name:      "deepfreeze-000002",
		Container: "deepfreeze-000002",
		BasePath:  "snapshots",
		Provider:  "aws",
		Status:    types.RepositoryProvisioning,
		CreatedAt: e.clock.T,
		StartDate: e.clock.T,
	}))

	report, err := e.reconciler(WithDryRun(true)).Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Findings)
}

func TestFixFailuresAreCollected(t *testing.T) {
	e := newEnv(t)
	e.bootstrap(t, 1)
	ctx := context.Background()
	e.cluster.AddPolicy("deepfreeze-ilm-policy", "deepfreeze-000001")
	e.cluster.RemoveRepository("deepfreeze-000001")
	e.cluster.FailOn("rebind_ilm_policy", errors.NewError(errors.ErrCodeCluster, "cluster unavailable"))

	report, err := e.reconciler().Scan(ctx)
	require.Error(t, err)
	var batch *errors.BatchError
	require.True(t, errors.As(err, &batch))
	require.Len(t, batch.Items, 1)
	assert.Equal(t, "deepfreeze-ilm-policy", batch.Items[0].EntityID)

	require.Len(t, report.Findings, 2)
	assert.Equal(t, 1, report.Count(StaleStatus))
	for _, f := range report.Findings {
		assert.Equal(t, f.Class == StaleStatus, f.Fixed, f.Class)
	}
}

func TestScanFailsWhenClusterUnreachable(t *testing.T) {
	e := newEnv(t)
	e.bootstrap(t, 0)
	e.cluster.FailOn("list_repositories", errors.NewError(errors.ErrCodeCluster, "connection refused"))

	_, err := e.reconciler().Scan(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeCluster))
}
