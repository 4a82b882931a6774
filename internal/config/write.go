package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeycumines/spatial-bridge/internal/filelock"
)

// SetKeyInFile sets key to value in the configuration file at path, keeping
// comments and layout. An existing unsectioned line for key is replaced in
// place; otherwise the line is inserted before the first [section] header, or
// appended. The file and its directory are created if missing. Concurrent
// writers fail with filelock.ErrWouldBlock rather than lose an update.
//
// Only unsectioned lines are matched: "remote" under [browser] is not
// "browser.remote" for this purpose, so a sectioned key is never rewritten.
func SetKeyInFile(path, key, value string) error {
	if strings.ContainsAny(key, " \t\n") || key == "" {
		return fmt.Errorf("config: invalid key %q", key)
	}
	if strings.ContainsAny(value, "\n\r") {
		return fmt.Errorf("config: value for %s spans lines", key)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: mkdir: %w", err)
	}
	lock, err := filelock.Acquire(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	defer lock.Release()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("config: read: %w", err)
	}
	var lines []string
	if len(data) > 0 {
		lines = strings.Split(string(data), "\n")
	}

	entry := strings.TrimSpace(key + " " + value)
	insertAt := len(lines)
	replaced := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
			insertAt = i
			break
		}
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if name, _, _ := strings.Cut(trimmed, " "); name == key {
			lines[i] = entry
			replaced = true
			break
		}
	}

	if !replaced {
		switch {
		case insertAt < len(lines):
			lines = append(lines[:insertAt+1], lines[insertAt:]...)
			lines[insertAt] = entry
		case len(lines) > 0 && lines[len(lines)-1] == "":
			lines = append(lines[:len(lines)-1], entry, "")
		default:
			lines = append(lines, entry, "")
		}
	}

	return writeFileAtomic(path, []byte(strings.Join(lines, "\n")), 0o644)
}

// writeFileAtomic writes through a temporary file in the same directory and
// renames it over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("config: write: %w", err)
	}
	name := tmp.Name()
	cleanup := func() { _ = os.Remove(name) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("config: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("config: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("config: close: %w", err)
	}
	if err := os.Chmod(name, perm); err != nil {
		cleanup()
		return fmt.Errorf("config: chmod: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		cleanup()
		return fmt.Errorf("config: rename: %w", err)
	}
	return nil
}
