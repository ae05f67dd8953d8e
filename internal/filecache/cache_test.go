package filecache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, maxBytes int64) *FileCache {
	t.Helper()
	dir := t.TempDir()
	fc, err := New(Config{
		DatabasePath: filepath.Join(dir, "cache.db"),
		CacheDir:     filepath.Join(dir, "files"),
		MaxBytes:     maxBytes,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = fc.Close() })
	return fc
}

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
}

func TestLocalPathForDeterministic(t *testing.T) {
	fc := newTestCache(t, 50*1024*1024)
	a := fc.LocalPathFor("https://cdn.example.com/songs/track.mp3")
	b := fc.LocalPathFor("https://cdn.example.com/songs/track.mp3")
	require.Equal(t, a, b)

	other := fc.LocalPathFor("https://cdn.example.com/songs/other.mp3")
	require.NotEqual(t, a, other)
}

func TestPutAndExists(t *testing.T) {
	fc := newTestCache(t, 50*1024*1024)
	url := "https://cdn.example.com/a.mp3"
	path := fc.LocalPathFor(url)

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	writeFile(t, path, 1024)

	require.False(t, fc.Exists(url), "not registered yet")

	_, err := fc.Put(url)
	require.NoError(t, err)
	require.True(t, fc.Exists(url))
}

func TestPruneSkipsPinned(t *testing.T) {
	fc := newTestCache(t, 0)

	urls := []string{"https://e/a.mp3", "https://e/b.mp3", "https://e/c.mp3"}
	for _, u := range urls {
		path := fc.LocalPathFor(u)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		writeFile(t, path, 2*1024*1024)
		_, err := fc.Put(u)
		require.NoError(t, err)
	}

	// Pin the oldest (first inserted).
	fc.Pin(urls[0])

	fc.Prune(0, nil)

	require.True(t, fc.Exists(urls[0]), "pinned entry survives prune")
	require.False(t, fc.Exists(urls[1]))
	require.False(t, fc.Exists(urls[2]))
}

func TestPruneExcludesInUsePaths(t *testing.T) {
	fc := newTestCache(t, 0)

	url := "https://e/in-use.mp3"
	path := fc.LocalPathFor(url)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	writeFile(t, path, 1024)
	_, err := fc.Put(url)
	require.NoError(t, err)

	fc.Prune(0, map[string]struct{}{path: {}})
	require.True(t, fc.Exists(url))
}

func TestClearRemovesUnpinned(t *testing.T) {
	fc := newTestCache(t, 50*1024*1024)
	url := "https://e/z.mp3"
	path := fc.LocalPathFor(url)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	writeFile(t, path, 1024)
	_, err := fc.Put(url)
	require.NoError(t, err)

	fc.Clear()
	require.False(t, fc.Exists(url))
}
