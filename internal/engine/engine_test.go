package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/playola-fm/spin-engine/internal/config"
	"github.com/playola-fm/spin-engine/internal/scheduleclient"
	"github.com/playola-fm/spin-engine/internal/statemachine"
)

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	var cfg config.Config
	cfg.API.BaseURL = "http://unused.example"
	cfg.API.RateLimit.RequestsPerSecond = 1000
	cfg.API.RateLimit.BurstSize = 100
	cfg.API.TimeoutSeconds = 5
	cfg.API.Retries = 0
	cfg.API.UserAgent = "spin-engine-test"
	cfg.Schedule.LookaheadSeconds = 60
	cfg.Schedule.RefreshIntervalSeconds = 30
	cfg.Storage.DatabasePath = filepath.Join(dir, "cache.db")
	cfg.Storage.CacheDir = filepath.Join(dir, "audio")
	cfg.Storage.MaxCacheBytes = 1 << 20
	cfg.Audio.SampleRate = 44100
	cfg.Audio.BufferSize = 4096
	cfg.Audio.VoicePoolCap = 4
	cfg.Download.MaxConcurrent = 2
	cfg.Download.ChunkBytes = 4096
	cfg.Download.TempDir = filepath.Join(dir, "tmp")
	cfg.Telemetry.Enabled = false
	cfg.ErrorReporting.Level = "Warning"

	return &cfg
}

func TestStateDefaultsToIdle(t *testing.T) {
	e, err := New(newTestConfig(t))
	require.NoError(t, err)
	defer func() { _ = e.Close() }()

	require.Equal(t, statemachine.Idle, e.State().Kind)
}

func TestDeviceIDPersistsAcrossEngineInstances(t *testing.T) {
	cfg := newTestConfig(t)

	first, err := New(cfg)
	require.NoError(t, err)
	defer func() { _ = first.Close() }()

	second, err := New(cfg)
	require.NoError(t, err)
	defer func() { _ = second.Close() }()

	require.NotEmpty(t, first.DeviceID())
	require.Equal(t, first.DeviceID(), second.DeviceID())
}

func TestPlayFailsWhenNotConfigured(t *testing.T) {
	e, err := New(newTestConfig(t))
	require.NoError(t, err)
	defer func() { _ = e.Close() }()

	err = e.Play(context.Background(), "station-1", nil)
	require.ErrorContains(t, err, "not configured")
}

func TestPlayPropagatesScheduleFetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e, err := New(newTestConfig(t))
	require.NoError(t, err)
	defer func() { _ = e.Close() }()

	e.Configure(scheduleclient.StaticAuthProvider{Token: "tok"}, srv.URL)

	err = e.Play(context.Background(), "station-1", nil)
	require.Error(t, err)
	require.Equal(t, statemachine.Idle, e.State().Kind)

	stats := e.Stats()
	require.EqualValues(t, 1, stats.ScheduleRequests)
	require.EqualValues(t, 1, stats.ScheduleErrors)
}

func TestPlayReturnsScheduleEmptyWhenNoSpinCoversNow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"stationId":"station-1","spins":[]}`))
	}))
	defer srv.Close()

	e, err := New(newTestConfig(t))
	require.NoError(t, err)
	defer func() { _ = e.Close() }()

	e.Configure(scheduleclient.StaticAuthProvider{Token: "tok"}, srv.URL)

	err = e.Play(context.Background(), "station-1", nil)
	require.Error(t, err)
	require.Equal(t, statemachine.Idle, e.State().Kind)
}

func TestStopWithoutConfigureIsNoop(t *testing.T) {
	e, err := New(newTestConfig(t))
	require.NoError(t, err)
	defer func() { _ = e.Close() }()

	require.NotPanics(t, e.Stop)
	require.Equal(t, statemachine.Idle, e.State().Kind)
}
