package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// RotatingFile is an io.WriteCloser that rotates by size. Once the active
// file would grow past the limit it becomes <path>.1, .1 becomes .2 and so
// on; backups beyond the retention count are removed. A single write is
// never split across files.
//
// Safe for concurrent use.
type RotatingFile struct {
	mu      sync.Mutex
	path    string
	limit   int64
	backups int
	size    int64
	file    *os.File
}

var _ io.WriteCloser = (*RotatingFile)(nil)

// OpenRotatingFile appends to path, creating it and its directory if needed.
// maxSizeMB is clamped to at least 1, maxBackups to at least 0 (no backups:
// the file is truncated on rotation).
func OpenRotatingFile(path string, maxSizeMB, maxBackups int) (*RotatingFile, error) {
	return openRotatingFile(path, int64(max(maxSizeMB, 1))<<20, max(maxBackups, 0))
}

func openRotatingFile(path string, limit int64, backups int) (*RotatingFile, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("logging: %w", err)
		}
	}
	w := &RotatingFile{path: path, limit: limit, backups: backups}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingFile) open() error {
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("logging: %w", err)
	}
	w.file, w.size = f, info.Size()
	return nil
}

func (w *RotatingFile) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(p)) > w.limit {
		if err := w.rotate(); err != nil {
			return 0, fmt.Errorf("logging: rotate: %w", err)
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *RotatingFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// rotate is called with mu held.
func (w *RotatingFile) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.file = nil

	existing := w.existingBackups()
	slices.Reverse(existing)
	for _, n := range existing {
		if n >= w.backups {
			_ = os.Remove(w.backupName(n))
			continue
		}
		_ = os.Rename(w.backupName(n), w.backupName(n+1))
	}
	if w.backups > 0 {
		_ = os.Rename(w.path, w.backupName(1))
	} else {
		_ = os.Remove(w.path)
	}
	return w.open()
}

func (w *RotatingFile) backupName(n int) string {
	return w.path + "." + strconv.Itoa(n)
}

// existingBackups lists backup numbers on disk in ascending order.
func (w *RotatingFile) existingBackups() []int {
	entries, err := os.ReadDir(filepath.Dir(w.path))
	if err != nil {
		return nil
	}
	prefix := filepath.Base(w.path) + "."
	var nums []int
	for _, e := range entries {
		suffix, ok := strings.CutPrefix(e.Name(), prefix)
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(suffix); err == nil && n >= 1 {
			nums = append(nums, n)
		}
	}
	slices.Sort(nums)
	return nums
}
