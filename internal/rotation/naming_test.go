package rotation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepfreeze/deepfreeze/pkg/errors"
	"github.com/deepfreeze/deepfreeze/pkg/types"
)

func TestNextSuffixOneUp(t *testing.T) {
	s := testSettings()
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		taken []string
		want  string
	}{
		{"empty", nil, "000001"},
		{"sequential", []string{"deepfreeze-000001", "deepfreeze-000002"}, "000003"},
		{"gap", []string{"deepfreeze-000001", "deepfreeze-000009"}, "000010"},
		{"foreign names ignored", []string{"other-000050", "deepfreeze-2024.01", "deepfreeze-000004"}, "000005"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			taken := map[string]bool{}
			for _, n := range tt.taken {
				taken[n] = true
			}
			got, err := nextSuffix(s, taken, now, Period{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNextSuffixDate(t *testing.T) {
	s := testSettings()
	s.RotationStyle = types.StyleDate
	now := time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)

	got, err := nextSuffix(s, map[string]bool{}, now, Period{})
	require.NoError(t, err)
	assert.Equal(t, "2024.03", got)

	// same period: smallest free ordinal starting at 2
	taken := map[string]bool{"deepfreeze-2024.03": true}
	got, err = nextSuffix(s, taken, now, Period{})
	require.NoError(t, err)
	assert.Equal(t, "2024.03-2", got)

	taken["deepfreeze-2024.03-2"] = true
	got, err = nextSuffix(s, taken, now, Period{})
	require.NoError(t, err)
	assert.Equal(t, "2024.03-3", got)

	got, err = nextSuffix(s, taken, now, Period{Year: 2023, Month: 12})
	require.NoError(t, err)
	assert.Equal(t, "2023.12", got)

	_, err = nextSuffix(s, taken, now, Period{Year: 2024, Month: 13})
	assert.True(t, errors.HasCode(err, errors.ErrCodeConfiguration))
}

func TestTargetFor(t *testing.T) {
	s := testSettings()
	assert.Equal(t, Target{Name: "deepfreeze-000007", Container: "deepfreeze-000007", BasePath: "snapshots"},
		targetFor(s, "000007"))

	s.RotateBy = types.RotateByPath
	assert.Equal(t, Target{Name: "deepfreeze-000007", Container: "deepfreeze", BasePath: "snapshots-000007"},
		targetFor(s, "000007"))
}

func TestFirstSuffix(t *testing.T) {
	s := testSettings()
	now := time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)

	got, err := firstSuffix(s, now, Period{})
	require.NoError(t, err)
	assert.Equal(t, "000001", got)

	s.RotationStyle = types.StyleDate
	got, err = firstSuffix(s, now, Period{})
	require.NoError(t, err)
	assert.Equal(t, "2024.03", got)
}
