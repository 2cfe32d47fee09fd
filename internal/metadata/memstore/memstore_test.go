package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepfreeze/deepfreeze/internal/metadata"
	"github.com/deepfreeze/deepfreeze/internal/metadata/storetest"
	"github.com/deepfreeze/deepfreeze/pkg/types"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) metadata.Store { return New() })
}

func TestReturnedEntitiesAreCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	r := storetest.Repo("r1", "deepfreeze-000001", types.RepositoryActive, types.SystemClock{}.Now())
	require.NoError(t, s.CreateRepository(ctx, r))

	got, err := s.GetRepository(ctx, "r1")
	require.NoError(t, err)
	got.Status = types.RepositoryRetired

	again, err := s.GetRepository(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, types.RepositoryActive, again.Status)
}
