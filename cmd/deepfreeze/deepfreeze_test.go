package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepfreeze/deepfreeze/pkg/errors"
)

func TestArgparseConvertsValues(t *testing.T) {
	args, err := argparse([]string{
		"--dry-run", "thaw",
		"--start-date=2024-01-05", "--end-date=2024-01-20",
		"--days=3", "--tier=Bulk",
	})
	require.NoError(t, err)

	assert.True(t, args["thaw"].(bool))
	assert.True(t, args["--dry-run"].(bool))
	assert.Equal(t, time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC), args["--start-date"])
	assert.Equal(t, 3, args["--days"])
	assert.Equal(t, "Bulk", args["--tier"])
	assert.Nil(t, optInt(args, "--keep"))
}

func TestArgparseRejectsBadValues(t *testing.T) {
	for _, argv := range [][]string{
		{"rotate", "--keep=-1"},
		{"rotate", "--keep=many"},
		{"thaw", "--start-date=2024-13-01", "--end-date=2024-01-02"},
		{"thaw", "--start-date=2024-01-01", "--end-date=2024-01-02", "--tier=Fast"},
	} {
		_, err := argparse(argv)
		require.Error(t, err, "%v", argv)
		assert.Equal(t, 2, errors.ExitCode(err), "%v", argv)
	}
}

func TestRefreezeArgs(t *testing.T) {
	args, err := argparse([]string{"refreeze", "--all"})
	require.NoError(t, err)
	assert.True(t, args["--all"].(bool))
	assert.Nil(t, args["--thaw-request-id"])

	args, err = argparse([]string{"refreeze", "--thaw-request-id=abc"})
	require.NoError(t, err)
	assert.Equal(t, "abc", args["--thaw-request-id"])
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	args, err := argparse([]string{"--log-level=DEBUG", "status"})
	require.NoError(t, err)
	cfg, err := loadConfig(args)
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", cfg.Global.LogLevel)
	assert.Equal(t, "aws", cfg.Provider.Kind)

	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("provider:\n  kind: gcp\n  gcp:\n    project_id: archive\n"), 0600))

	args, err = argparse([]string{"--config=" + path, "status"})
	require.NoError(t, err)
	cfg, err = loadConfig(args)
	require.NoError(t, err)
	assert.Equal(t, "gcp", cfg.Provider.Kind)
}

func TestMissingExplicitConfig(t *testing.T) {
	var out bytes.Buffer
	code := run([]string{"--config=" + filepath.Join(t.TempDir(), "missing.yml"), "status"}, &out)
	assert.Equal(t, 2, code)
	assert.Empty(t, out.String())
}

func TestInvalidArgsExitCode(t *testing.T) {
	var out bytes.Buffer
	code := run([]string{"thaw", "--start-date=yesterday", "--end-date=2024-01-02"}, &out)
	assert.Equal(t, 2, code)
}

func TestPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf, false)
	require.NoError(t, p.emit(nil, func(tb *table) error {
		tb.row("NAME", "STATUS")
		tb.row("deepfreeze-000001", "active")
		return nil
	}))
	assert.Equal(t, "NAME               STATUS\ndeepfreeze-000001  active\n", buf.String())

	buf.Reset()
	p = newPrinter(&buf, true)
	require.NoError(t, p.emit(map[string]int{"n": 1}, nil))
	assert.Equal(t, "{\n  \"n\": 1\n}\n", buf.String())
}
