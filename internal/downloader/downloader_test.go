package downloader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/playola-fm/spin-engine/internal/filecache"
	"github.com/playola-fm/spin-engine/pkg/types"
)

func newTestDownloader(t *testing.T, maxConcurrent int) (*Downloader, *filecache.FileCache) {
	t.Helper()
	dir := t.TempDir()
	fc, err := filecache.New(filecache.Config{
		DatabasePath: filepath.Join(dir, "cache.db"),
		CacheDir:     filepath.Join(dir, "files"),
		MaxBytes:     50 * 1024 * 1024,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = fc.Close() })

	d := New(Config{
		MaxConcurrent: maxConcurrent,
		ChunkBytes:    4096,
		TempDir:       filepath.Join(dir, "tmp"),
		UserAgent:     "spin-engine-test",
	}, fc)
	return d, fc
}

func drain(t *testing.T, ch <-chan types.DownloadProgress) types.DownloadProgress {
	t.Helper()
	var last types.DownloadProgress
	for p := range ch {
		last = p
	}
	return last
}

func TestDownloadDedupesConcurrentRequests(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		time.Sleep(50 * time.Millisecond)
		w.Header().Set("Content-Length", "5")
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	d, _ := newTestDownloader(t, 4)

	const subscribers = 5
	chans := make([]<-chan types.DownloadProgress, subscribers)
	for i := 0; i < subscribers; i++ {
		_, chans[i] = d.Download(context.Background(), srv.URL+"/track.mp3")
	}

	for _, ch := range chans {
		final := drain(t, ch)
		require.Equal(t, types.DownloadStatusCompleted, final.Status)
		require.NotEmpty(t, final.LocalPath)
	}

	require.EqualValues(t, 1, atomic.LoadInt32(&hits), "exactly one network request for identical concurrent URLs")
}

func TestDownloadCacheHitShortCircuits(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	d, fc := newTestDownloader(t, 4)
	url := srv.URL + "/cached.mp3"

	_, firstCh := d.Download(context.Background(), url)
	first := drain(t, firstCh)
	require.Equal(t, types.DownloadStatusCompleted, first.Status)
	require.True(t, fc.Exists(url))

	_, secondCh := d.Download(context.Background(), url)
	second := drain(t, secondCh)
	require.Equal(t, types.DownloadStatusCompleted, second.Status)
	require.EqualValues(t, 1, atomic.LoadInt32(&hits), "cache hit must not re-issue a network request")
}

func TestDownloadHTTPStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	d, _ := newTestDownloader(t, 4)
	_, ch := d.Download(context.Background(), srv.URL+"/missing.mp3")
	final := drain(t, ch)

	require.Equal(t, types.DownloadStatusFailed, final.Status)
	var derr *DownloadError
	require.ErrorAs(t, final.Err, &derr)
	require.Equal(t, ErrHTTPStatus, derr.Kind)
	require.Equal(t, http.StatusNotFound, derr.StatusCode)
}

func TestCancelForCancelsInFlightDownload(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()
	defer close(release)

	d, _ := newTestDownloader(t, 4)
	url := srv.URL + "/slow.mp3"
	_, ch := d.Download(context.Background(), url)

	time.Sleep(20 * time.Millisecond)
	d.CancelFor(url)

	final := drain(t, ch)
	require.Equal(t, types.DownloadStatusCancelled, final.Status)
}

func TestCancelDetachesOnlyThatSubscriberLeavingOthersRunning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(30 * time.Millisecond)
		w.Header().Set("Content-Length", "5")
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	d, _ := newTestDownloader(t, 4)
	url := srv.URL + "/shared.mp3"

	idA, chA := d.Download(context.Background(), url)
	_, chB := d.Download(context.Background(), url)

	d.Cancel(idA)

	lastA := drain(t, chA)
	require.NotEqual(t, types.DownloadStatusCompleted, lastA.Status, "cancelled subscriber must not see the transfer's terminal event")

	final := drain(t, chB)
	require.Equal(t, types.DownloadStatusCompleted, final.Status, "the other subscriber's transfer must still complete")
}

func TestCancelOfLastSubscriberCancelsTheTransfer(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()
	defer close(release)

	d, _ := newTestDownloader(t, 4)
	url := srv.URL + "/only-subscriber.mp3"
	id, ch := d.Download(context.Background(), url)

	time.Sleep(20 * time.Millisecond)
	d.Cancel(id)

	last := drain(t, ch)
	require.NotEqual(t, types.DownloadStatusCompleted, last.Status)
}
