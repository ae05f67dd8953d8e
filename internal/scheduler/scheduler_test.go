package scheduler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/playola-fm/spin-engine/internal/audiograph"
	"github.com/playola-fm/spin-engine/internal/downloader"
	"github.com/playola-fm/spin-engine/internal/errorreporter"
	"github.com/playola-fm/spin-engine/internal/filecache"
	"github.com/playola-fm/spin-engine/internal/scheduleclient"
	"github.com/playola-fm/spin-engine/internal/statemachine"
	"github.com/playola-fm/spin-engine/internal/timesource"
	"github.com/playola-fm/spin-engine/internal/voicepool"
	"github.com/playola-fm/spin-engine/pkg/types"
)

// harness wires a Scheduler against a fake audio track server and a real
// (in-memory-backed) file cache/downloader, the way downloader_test.go does.
type harness struct {
	sched *Scheduler
	dl    *downloader.Downloader
	cache *filecache.FileCache
	mach  *statemachine.Machine
	clock *timesource.Fake
}

func newHarness(t *testing.T, trackURL string) *harness {
	t.Helper()
	dir := t.TempDir()

	cache, err := filecache.New(filecache.Config{
		DatabasePath: filepath.Join(dir, "cache.db"),
		CacheDir:     filepath.Join(dir, "files"),
		MaxBytes:     50 * 1024 * 1024,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	dl := downloader.New(downloader.Config{
		MaxConcurrent: 4,
		ChunkBytes:    4096,
		TempDir:       filepath.Join(dir, "tmp"),
		UserAgent:     "spin-engine-test",
	}, cache)

	clock := timesource.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	graph := audiograph.New(audiograph.Config{SampleRate: 44100, BufferSize: 2048}, clock)
	pool := voicepool.New(4)
	mach := statemachine.New()
	reporter := errorreporter.New(errorreporter.Config{Level: errorreporter.Debug})

	_ = trackURL

	sched := New(Config{
		Lookahead:       1 * time.Hour,
		RefreshInterval: 1 * time.Hour,
		SampleRate:      44100,
	}, Deps{
		Cache:    cache,
		Download: dl,
		Pool:     pool,
		Graph:    graph,
		Machine:  mach,
		Reporter: reporter,
		Clock:    clock,
	})

	return &harness{sched: sched, dl: dl, cache: cache, mach: mach, clock: clock}
}

func TestScheduleErrorWhenNoSpinCoversInstant(t *testing.T) {
	h := newHarness(t, "")

	client := scheduleclient.New(scheduleclient.Config{
		BaseURL:           emptyScheduleServer(t),
		RequestsPerSecond: 20,
		BurstSize: 5,
		TimeoutSeconds:    5,
		Retries:           0,
		UserAgent:         "spin-engine-test",
	}, scheduleclient.StaticAuthProvider{Token: "tok"})
	h.sched.client = client

	err := h.sched.Play(context.Background(), "station-1", nil)
	require.ErrorIs(t, err, ErrScheduleEmpty)
	require.Equal(t, statemachine.Idle, h.mach.Current().Kind)
}

func emptyScheduleServer(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"stationId":"station-1","spins":[]}`))
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestSpinContentChangedDetectsAirtimeDownloadAndFadeDiffs(t *testing.T) {
	base := types.Spin{
		ID:      "spin-1",
		Airtime: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
		AudioBlock: types.AudioBlock{
			ID:          "block-1",
			DownloadURL: "https://cdn.example.com/a.mp3",
		},
		Fades: []types.Fade{{AtMS: 1000, ToVolume: 0.5}},
	}

	require.False(t, spinContentChanged(base, base))

	movedAirtime := base
	movedAirtime.Airtime = base.Airtime.Add(time.Second)
	require.True(t, spinContentChanged(base, movedAirtime))

	changedURL := base
	changedURL.AudioBlock.DownloadURL = "https://cdn.example.com/b.mp3"
	require.True(t, spinContentChanged(base, changedURL))

	changedFades := base
	changedFades.Fades = []types.Fade{{AtMS: 2000, ToVolume: 0.2}}
	require.True(t, spinContentChanged(base, changedFades))

	noFades := base
	noFades.Fades = nil
	require.True(t, spinContentChanged(base, noFades))
}

func TestPinAndUnpinSpinRoundTripCachePinCount(t *testing.T) {
	h := newHarness(t, "")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("audio-bytes"))
	}))
	defer srv.Close()

	url := srv.URL + "/track.mp3"
	_, ch := h.dl.Download(context.Background(), url)
	final := drainDownload(t, ch)
	require.Equal(t, types.DownloadStatusCompleted, final.Status)

	h.sched.pinSpin("spin-1", url)
	entries, err := h.cache.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, 1, entries[0].PinCount)

	h.sched.unpinSpin("spin-1")
	entries, err = h.cache.Entries()
	require.NoError(t, err)
	require.Equal(t, 0, entries[0].PinCount)
}

func drainDownload(t *testing.T, ch <-chan types.DownloadProgress) types.DownloadProgress {
	t.Helper()
	var last types.DownloadProgress
	for p := range ch {
		last = p
	}
	return last
}

func TestDownloadRetryDelaysMatchBackoffSchedule(t *testing.T) {
	require.Equal(t, []time.Duration{
		0,
		250 * time.Millisecond,
		500 * time.Millisecond,
		1 * time.Second,
		2 * time.Second,
	}, downloadRetryDelays)
}
