package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepfreeze/deepfreeze/internal/metadata"
	"github.com/deepfreeze/deepfreeze/internal/metadata/memstore"
	"github.com/deepfreeze/deepfreeze/internal/storage"
	"github.com/deepfreeze/deepfreeze/internal/storage/storagetest"
	"github.com/deepfreeze/deepfreeze/pkg/errors"
	"github.com/deepfreeze/deepfreeze/pkg/types"
	"github.com/deepfreeze/deepfreeze/pkg/utils"
)

var now = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	store    *memstore.Store
	provider *storagetest.Fake
	clock    *types.FixedClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		store:    memstore.New(),
		provider: storagetest.New(storage.KindAWS),
		clock:    &types.FixedClock{T: now},
	}

	repos := []*types.Repository{
		{ID: "r1", Name: "deepfreeze-000001", Container: "deepfreeze-000001", Status: types.RepositoryRetired},
		{ID: "r2", Name: "deepfreeze-000002", Container: "deepfreeze-000002", Status: types.RepositoryRetired},
		{ID: "r3", Name: "deepfreeze-000003", Container: "deepfreeze-000003", Status: types.RepositoryActive, Mounted: true},
	}
	for i, r := range repos {
		r.BasePath = "snapshots"
		r.Provider = "aws"
		r.CreatedAt = now.AddDate(0, -3+i, 0)
		r.StartDate = r.CreatedAt
		require.NoError(t, f.store.CreateRepository(ctx, r))
	}
	// r1's container was deleted by an operator
	f.provider.AddContainer("deepfreeze-000002", storagetest.ArchiveClass)
	f.provider.AddContainer("deepfreeze-000003", "STANDARD")

	old := now.AddDate(0, 0, -40)
	recent := now.AddDate(0, 0, -5)
	expired := now.AddDate(0, 0, -1)
	reqs := []*types.ThawRequest{
		{ID: "t-old", RepositoryID: "r2", Status: types.ThawRefrozen, RefrozenAt: &old},
		{ID: "t-recent", RepositoryID: "r2", Status: types.ThawRefrozen, RefrozenAt: &recent},
		{ID: "t-expired", RepositoryID: "r2", Status: types.ThawCompleted, ExpiresAt: &expired},
		{ID: "t-orphan", RepositoryID: "r1", Status: types.ThawFailed},
	}
	for _, tr := range reqs {
		tr.RequestedAt = now.AddDate(0, -2, 0)
		tr.StartDate = now.AddDate(0, -6, 0)
		tr.EndDate = now.AddDate(0, -5, 0)
		require.NoError(t, f.store.CreateThawRequest(ctx, tr))
	}
	return f
}

func (f *fixture) cleaner(opts ...Option) *Cleaner {
	settings := types.Settings{RefrozenRetentionDays: 35}
	base := []Option{WithClock(f.clock), WithLogger(utils.NopLogger())}
	return New(f.store, f.provider, settings, append(base, opts...)...)
}

func TestCleanupRemovesEligibleRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.cleaner().Run(ctx, Request{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"t-old", "t-orphan"}, res.ThawRequests)
	assert.Equal(t, []string{"r1"}, res.Repositories)
	assert.Equal(t, []string{"t-expired"}, res.Expired)

	_, err = f.store.GetRepository(ctx, "r1")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
	left, err := f.store.ListThawRequests(ctx, metadata.ThawFilter{})
	require.NoError(t, err)
	ids := make([]string, 0, len(left))
	for _, tr := range left {
		ids = append(ids, tr.ID)
	}
	assert.ElementsMatch(t, []string{"t-recent", "t-expired"}, ids)

	// expired requests are flagged, never actioned
	expired, err := f.store.GetThawRequest(ctx, "t-expired")
	require.NoError(t, err)
	assert.Equal(t, types.ThawCompleted, expired.Status)
	assert.Zero(t, f.provider.MutatingCalls())
}

func TestCleanupRetentionOverride(t *testing.T) {
	f := newFixture(t)
	days := 1

	res, err := f.cleaner().Run(context.Background(), Request{RetentionDays: &days})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"t-old", "t-recent", "t-orphan"}, res.ThawRequests)
}

func TestCleanupRejectsNegativeRetention(t *testing.T) {
	f := newFixture(t)
	days := -1

	_, err := f.cleaner().Run(context.Background(), Request{RetentionDays: &days})
	require.Error(t, err)
	assert.Equal(t, 2, errors.ExitCode(err))
}

func TestCleanupDryRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.cleaner(WithDryRun(true)).Run(ctx, Request{})
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Equal(t, []string{"r1"}, res.Repositories)

	_, err = f.store.GetRepository(ctx, "r1")
	assert.NoError(t, err)
	left, err := f.store.ListThawRequests(ctx, metadata.ThawFilter{})
	require.NoError(t, err)
	assert.Len(t, left, 4)
}

func TestCleanupSkipsMountedRepository(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r1, err := f.store.GetRepository(ctx, "r1")
	require.NoError(t, err)
	r1.Mounted = true
	require.NoError(t, f.store.UpdateRepository(ctx, r1))

	res, err := f.cleaner().Run(ctx, Request{})
	require.NoError(t, err)
	assert.Empty(t, res.Repositories)
	assert.Equal(t, []string{"r1"}, res.Skipped)
	assert.Equal(t, []string{"t-old"}, res.ThawRequests)
}

func TestCleanupCollectsProviderFailures(t *testing.T) {
	f := newFixture(t)
	f.provider.FailOn("container_exists", storage.ProviderError(storage.KindAWS, "container_exists", "", "AccessDenied",
		errors.NewError(errors.ErrCodeProvider, "access denied")))

	res, err := f.cleaner().Run(context.Background(), Request{})
	require.Error(t, err)
	var batch *errors.BatchError
	require.True(t, errors.As(err, &batch))
	assert.Len(t, batch.Items, 2)
	assert.Equal(t, "AccessDenied", batch.Items[0].ExternalCode)
	assert.Equal(t, []string{"t-old"}, res.ThawRequests)
}
