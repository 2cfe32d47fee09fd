package rotation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepfreeze/deepfreeze/internal/metadata"
	"github.com/deepfreeze/deepfreeze/pkg/errors"
	"github.com/deepfreeze/deepfreeze/pkg/types"
)

func TestSetupCreatesFirstRepository(t *testing.T) {
	e := newEnv(t)
	e.settings.IndexTemplateName = "logs"
	e.cluster.AddTemplate("logs")
	ctx := context.Background()

	res, err := e.rotator().Setup(ctx, Period{})
	require.NoError(t, err)
	assert.Equal(t, "deepfreeze-000001", res.Target.Name)
	require.NotNil(t, res.Repository)

	active, err := metadata.Active(ctx, e.store)
	require.NoError(t, err)
	assert.Equal(t, "deepfreeze-000001", active.Name)
	assert.Equal(t, "aws", active.Provider)

	assert.True(t, e.provider.Has("deepfreeze-000001"))
	assert.True(t, e.cluster.HasRepository("deepfreeze-000001"))
	assert.Equal(t, []string{"deepfreeze-000001"}, e.cluster.PolicyRepositories("deepfreeze-ilm-policy"))
	assert.Equal(t, 1, e.cluster.Count("put_ilm_policy"))
	policy, ok := e.cluster.Template("logs")
	require.True(t, ok)
	assert.Equal(t, "deepfreeze-ilm-policy", policy)

	settings, err := e.store.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, e.settings, *settings)

	bindings, err := e.store.ListPolicyBindings(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.ILMPolicyBinding{{PolicyName: "deepfreeze-ilm-policy", CurrentRepositoryID: active.ID}}, bindings)
}

func TestSetupRebindsExistingPolicy(t *testing.T) {
	e := newEnv(t)
	e.cluster.AddPolicy("deepfreeze-ilm-policy", "found-snapshots", "deepfreeze-legacy")

	_, err := e.rotator().Setup(context.Background(), Period{})
	require.NoError(t, err)
	assert.Zero(t, e.cluster.Count("put_ilm_policy"))
	assert.Equal(t, []string{"found-snapshots", "deepfreeze-000001"}, e.cluster.PolicyRepositories("deepfreeze-ilm-policy"))
}

func TestSetupRejectsPolicyOnForeignRepositories(t *testing.T) {
	e := newEnv(t)
	e.cluster.AddPolicy("deepfreeze-ilm-policy", "found-snapshots")

	_, err := e.rotator().Setup(context.Background(), Period{})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidState))
	assert.Equal(t, []string{"found-snapshots"}, e.cluster.PolicyRepositories("deepfreeze-ilm-policy"))
	assert.Zero(t, e.cluster.Count("rebind_ilm_policy"))

	_, err = e.store.GetSettings(context.Background())
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
}

func TestSetupRefusesSecondRun(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.rotator().Setup(ctx, Period{})
	require.NoError(t, err)

	_, err = e.rotator().Setup(ctx, Period{})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidState))
	assert.Equal(t, 1, activeCount(t, e.store))
}

func TestSetupDryRun(t *testing.T) {
	e := newEnv(t)
	e.settings.RotationStyle = types.StyleDate
	ctx := context.Background()

	res, err := e.rotator(WithDryRun(true)).Setup(ctx, Period{})
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Equal(t, "deepfreeze-2024.01", res.Target.Name)
	assert.Zero(t, e.provider.MutatingCalls())
	assert.Zero(t, e.cluster.MutatingCalls())

	_, err = e.store.GetSettings(ctx)
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
}

func TestSetupMissingTemplateIsResumable(t *testing.T) {
	e := newEnv(t)
	e.settings.IndexTemplateName = "missing"
	ctx := context.Background()

	_, err := e.rotator().Setup(ctx, Period{})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))

	e.cluster.AddTemplate("missing")
	res, err := e.rotator().Setup(ctx, Period{})
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.Equal(t, 1, activeCount(t, e.store))
}
