package utils

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogFileConfig describes an append-only log file for unattended runs.
type LogFileConfig struct {
	Path string
	// MaxSizeMB rotates the file once it reaches this size. 0 disables
	// rotation.
	MaxSizeMB int
	// MaxBackups bounds the number of rotated files kept. 0 keeps all.
	MaxBackups int
	Compress   bool
}

// LogFile is an io.WriteCloser that rotates the underlying file by size.
// Rotated files are renamed to <name>-<timestamp><ext>.
type LogFile struct {
	mu   sync.Mutex
	cfg  LogFileConfig
	file *os.File
	size int64
	now  func() time.Time
}

// OpenLogFile opens cfg.Path for appending, creating its directory. A file
// already over the size limit is rotated first.
func OpenLogFile(cfg LogFileConfig) (*LogFile, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("log file path is required")
	}
	lf := &LogFile{cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
	if err := lf.open(); err != nil {
		return nil, err
	}
	if lf.full(0) {
		if err := lf.rotate(); err != nil {
			_ = lf.Close()
			return nil, err
		}
	}
	return lf, nil
}

func (lf *LogFile) maxBytes() int64 {
	return int64(lf.cfg.MaxSizeMB) * 1024 * 1024
}

func (lf *LogFile) full(n int) bool {
	return lf.cfg.MaxSizeMB > 0 && lf.size > 0 && lf.size+int64(n) > lf.maxBytes()
}

// Write implements io.Writer.
func (lf *LogFile) Write(p []byte) (int, error) {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	if lf.file == nil {
		return 0, os.ErrClosed
	}
	if lf.full(len(p)) {
		if err := lf.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := lf.file.Write(p)
	lf.size += int64(n)
	return n, err
}

// Sync flushes the file to disk.
func (lf *LogFile) Sync() error {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	if lf.file == nil {
		return nil
	}
	return lf.file.Sync()
}

// Close closes the file. Further writes fail with os.ErrClosed.
func (lf *LogFile) Close() error {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	if lf.file == nil {
		return nil
	}
	err := lf.file.Close()
	lf.file = nil
	return err
}

func (lf *LogFile) open() error {
	if err := os.MkdirAll(filepath.Dir(lf.cfg.Path), 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(lf.cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	lf.file = f
	lf.size = info.Size()
	return nil
}

func (lf *LogFile) split() (dir, prefix, ext string) {
	dir = filepath.Dir(lf.cfg.Path)
	base := filepath.Base(lf.cfg.Path)
	ext = filepath.Ext(base)
	return dir, strings.TrimSuffix(base, ext), ext
}

// rotate must be called with mu held.
func (lf *LogFile) rotate() error {
	if err := lf.file.Close(); err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	lf.file = nil

	dir, prefix, ext := lf.split()
	backup := filepath.Join(dir, fmt.Sprintf("%s-%s%s", prefix, lf.now().Format("2006-01-02T15-04-05.000"), ext))
	if err := os.Rename(lf.cfg.Path, backup); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to rename log file: %w", err)
	}
	if lf.cfg.Compress {
		if err := gzipFile(backup); err != nil {
			fmt.Fprintf(os.Stderr, "deepfreeze: failed to compress %s: %v\n", backup, err)
		}
	}
	lf.prune()
	return lf.open()
}

// prune removes the oldest backups beyond MaxBackups. Backup names sort by
// timestamp.
func (lf *LogFile) prune() {
	if lf.cfg.MaxBackups <= 0 {
		return
	}
	dir, prefix, ext := lf.split()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	var backups []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix+"-") {
			continue
		}
		if strings.HasSuffix(name, ext) || strings.HasSuffix(name, ext+".gz") {
			backups = append(backups, name)
		}
	}
	sort.Strings(backups)
	for len(backups) > lf.cfg.MaxBackups {
		if err := os.Remove(filepath.Join(dir, backups[0])); err != nil {
			fmt.Fprintf(os.Stderr, "deepfreeze: failed to remove %s: %v\n", backups[0], err)
		}
		backups = backups[1:]
	}
}

func gzipFile(name string) error {
	src, err := os.Open(name)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(name + ".gz")
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		_ = dst.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		_ = dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(name)
}
