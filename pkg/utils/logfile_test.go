package utils

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestOpenLogFileCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "deepfreeze.log")

	lf, err := OpenLogFile(LogFileConfig{Path: path})
	if err != nil {
		t.Fatalf("OpenLogFile: %v", err)
	}
	if _, err := lf.Write([]byte("hello\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := lf.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := lf.Write([]byte("late\n")); err == nil {
		t.Error("expected write after close to fail")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "hello\n" {
		t.Errorf("unexpected content %q", data)
	}
}

func TestOpenLogFileRequiresPath(t *testing.T) {
	if _, err := OpenLogFile(LogFileConfig{}); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestLogFileRotatesAndPrunes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deepfreeze.log")
	chunk := []byte(strings.Repeat("x", 600*1024))

	lf, err := OpenLogFile(LogFileConfig{Path: path, MaxSizeMB: 1, MaxBackups: 2})
	if err != nil {
		t.Fatalf("OpenLogFile: %v", err)
	}
	defer func() { _ = lf.Close() }()
	tick := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	lf.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}

	for i := 0; i < 8; i++ {
		if _, err := lf.Write(chunk); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var backups int
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "deepfreeze-") {
			backups++
		}
	}
	if backups != 2 {
		t.Errorf("expected 2 backups, got %d", backups)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() > 1024*1024 {
		t.Errorf("current file exceeds limit: %d", info.Size())
	}
}

func TestLogFileCompressesBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deepfreeze.log")
	if err := os.WriteFile(path, []byte(strings.Repeat("y", 1024*1024+1)), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	lf, err := OpenLogFile(LogFileConfig{Path: path, MaxSizeMB: 1, Compress: true})
	if err != nil {
		t.Fatalf("OpenLogFile: %v", err)
	}
	defer func() { _ = lf.Close() }()

	matches, err := filepath.Glob(filepath.Join(dir, "deepfreeze-*.log.gz"))
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	if len(matches) != 1 {
		t.Errorf("expected one compressed backup, got %v", matches)
	}
}
