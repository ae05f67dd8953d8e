package imageprefetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/playola-fm/spin-engine/internal/downloader"
	"github.com/playola-fm/spin-engine/internal/filecache"
	"github.com/playola-fm/spin-engine/pkg/types"
)

func newTestPrefetcher(t *testing.T) (*Prefetcher, *filecache.FileCache) {
	t.Helper()
	dir := t.TempDir()
	fc, err := filecache.New(filecache.Config{
		DatabasePath: filepath.Join(dir, "cache.db"),
		CacheDir:     filepath.Join(dir, "files"),
		MaxBytes:     10 * 1024 * 1024,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = fc.Close() })

	dl := downloader.New(downloader.Config{
		MaxConcurrent: 2,
		TempDir:       filepath.Join(dir, "tmp"),
		UserAgent:     "spin-engine-test",
	}, fc)

	return New(dl, false), fc
}

func TestPrefetchSkipsBlockWithNoImage(t *testing.T) {
	p, fc := newTestPrefetcher(t)
	p.Prefetch(context.Background(), types.AudioBlock{ID: "block-1"})
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int64(0), fc.TotalBytes())
}

func TestPrefetchWarmsCacheForImageURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("fake-jpeg-bytes"))
	}))
	defer srv.Close()

	p, fc := newTestPrefetcher(t)
	block := types.AudioBlock{ID: "block-1", ImageURL: srv.URL + "/cover.jpg"}

	p.Prefetch(context.Background(), block)

	require.Eventually(t, func() bool {
		return fc.Exists(block.ImageURL)
	}, time.Second, 10*time.Millisecond)
}

func TestPrefetchAllWarmsEveryDistinctImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("x"))
	}))
	defer srv.Close()

	p, fc := newTestPrefetcher(t)
	spins := []types.Spin{
		{ID: "s1", AudioBlock: types.AudioBlock{ID: "b1", ImageURL: srv.URL + "/a.jpg"}},
		{ID: "s2", AudioBlock: types.AudioBlock{ID: "b2", ImageURL: srv.URL + "/b.jpg"}},
	}

	p.PrefetchAll(context.Background(), spins)

	require.Eventually(t, func() bool {
		return fc.Exists(spins[0].AudioBlock.ImageURL) && fc.Exists(spins[1].AudioBlock.ImageURL)
	}, time.Second, 10*time.Millisecond)
}
