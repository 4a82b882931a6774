package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		" warn ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestNew_TextAndJSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, closer, err := New(Options{Level: "warn", Stderr: &buf})
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", slog.String("k", "v"))
	require.NoError(t, closer.Close())
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "msg=shown k=v")

	buf.Reset()
	logger, _, err = New(Options{Format: "json", Level: "debug", Stderr: &buf})
	require.NoError(t, err)
	logger.Debug("frame", slog.Int("n", 3))
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "frame", rec["msg"])
	assert.Equal(t, float64(3), rec["n"])
}

func TestNew_Invalid(t *testing.T) {
	t.Parallel()

	_, _, err := New(Options{Level: "loud"})
	assert.Error(t, err)
	_, _, err = New(Options{Format: "xml", Stderr: &bytes.Buffer{}})
	assert.Error(t, err)
}

func TestNew_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "logs", "bridge.log")
	logger, closer, err := New(Options{File: path, MaxSizeMB: 1, MaxBackups: 2})
	require.NoError(t, err)
	logger.Info("to file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "msg=\"to file\"")
}

func openSmall(t *testing.T, limit int64, backups int) (*RotatingFile, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.log")
	w, err := openRotatingFile(path, limit, backups)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w, path
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

func TestRotatingFile_Rotates(t *testing.T) {
	t.Parallel()

	w, path := openSmall(t, 50, 2)
	line := func(c string) []byte { return []byte(strings.Repeat(c, 39) + "\n") }

	for _, c := range []string{"A", "B", "C", "D"} {
		n, err := w.Write(line(c))
		require.NoError(t, err)
		assert.Equal(t, 40, n)
	}

	assert.Equal(t, string(line("D")), readFile(t, path))
	assert.Equal(t, string(line("C")), readFile(t, path+".1"))
	assert.Equal(t, string(line("B")), readFile(t, path+".2"))
	assert.NoFileExists(t, path+".3")
}

func TestRotatingFile_NoBackups(t *testing.T) {
	t.Parallel()

	w, path := openSmall(t, 10, 0)
	_, err := w.Write([]byte("0123456789"))
	require.NoError(t, err)
	_, err = w.Write([]byte("next"))
	require.NoError(t, err)

	assert.Equal(t, "next", readFile(t, path))
	assert.NoFileExists(t, path+".1")
}

func TestRotatingFile_OversizedWriteNotSplit(t *testing.T) {
	t.Parallel()

	w, path := openSmall(t, 10, 1)
	big := strings.Repeat("x", 25)
	_, err := w.Write([]byte(big))
	require.NoError(t, err)
	assert.Equal(t, big, readFile(t, path))
}

func TestRotatingFile_AppendsToExisting(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bridge.log")
	require.NoError(t, os.WriteFile(path, []byte("old\n"), 0o644))
	w, err := OpenRotatingFile(path, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), w.limit)
	assert.Equal(t, 0, w.backups)
	assert.Equal(t, int64(4), w.size)

	_, err = w.Write([]byte("new\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.Equal(t, "old\nnew\n", readFile(t, path))

	_, err = w.Write([]byte("late"))
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestRotatingFile_Concurrent(t *testing.T) {
	t.Parallel()

	w, path := openSmall(t, 1<<20, 1)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = w.Write([]byte("line\n"))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 800, strings.Count(readFile(t, path), "line\n"))
}
