// Package engine wires every component described in SPEC_FULL.md into the
// public façade a host application embeds: Configure, Play, Stop, and the
// observable playback state, generalizing the teacher's top-level
// internal/ui/app.go wiring (minus all UI) and cmd/desktop/main.go's
// construction order.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/gopxl/beep"

	"github.com/playola-fm/spin-engine/internal/audiograph"
	"github.com/playola-fm/spin-engine/internal/config"
	"github.com/playola-fm/spin-engine/internal/downloader"
	"github.com/playola-fm/spin-engine/internal/errorreporter"
	"github.com/playola-fm/spin-engine/internal/filecache"
	"github.com/playola-fm/spin-engine/internal/imageprefetch"
	"github.com/playola-fm/spin-engine/internal/scheduleclient"
	"github.com/playola-fm/spin-engine/internal/scheduler"
	"github.com/playola-fm/spin-engine/internal/statemachine"
	"github.com/playola-fm/spin-engine/internal/telemetry"
	"github.com/playola-fm/spin-engine/internal/timesource"
	"github.com/playola-fm/spin-engine/internal/voicepool"
)

// Engine is the public entry point described in spec §6.1.
type Engine struct {
	cfg *config.Config

	cache    *filecache.FileCache
	dl       *downloader.Downloader
	images   *imageprefetch.Prefetcher
	graph    *audiograph.Graph
	pool     *voicepool.Pool
	machine  *statemachine.Machine
	reporter *errorreporter.Reporter
	beacon   *telemetry.Beacon
	sched    *scheduler.Scheduler

	auth    scheduleclient.AuthProvider
	client  *scheduleclient.Client
	session AudioSession

	deviceID  string
	stationID string
}

// New builds an Engine from cfg. It opens the file cache (a failure here is
// fatal per spec §7) and wires every other component, but does not start
// the audio device or fetch anything until Configure/Play are called.
func New(cfg *config.Config) (*Engine, error) {
	cache, err := filecache.New(filecache.Config{
		DatabasePath: cfg.Storage.DatabasePath,
		CacheDir:     cfg.Storage.CacheDir,
		MaxBytes:     cfg.Storage.MaxCacheBytes,
		EnableWAL:    cfg.Storage.EnableWAL,
		Debug:        cfg.Debug,
	})
	if err != nil {
		return nil, fmt.Errorf("open file cache: %w", err)
	}

	dl := downloader.New(downloader.Config{
		MaxConcurrent: cfg.Download.MaxConcurrent,
		ChunkBytes:    cfg.Download.ChunkBytes,
		TempDir:       cfg.Download.TempDir,
		UserAgent:     cfg.API.UserAgent,
		Debug:         cfg.Debug,
	}, cache)

	deviceID, err := ensureVendorID()
	if err != nil {
		return nil, fmt.Errorf("persist device id: %w", err)
	}

	reporter := errorreporter.New(errorreporter.Config{
		Level:       parseLevel(cfg.ErrorReporting.Level),
		ConsoleSink: cfg.ErrorReporting.ConsoleSink,
	})

	e := &Engine{
		cfg:      cfg,
		cache:    cache,
		dl:       dl,
		images:   imageprefetch.New(dl, cfg.Debug),
		graph:    audiograph.New(audiograph.Config{SampleRate: beep.SampleRate(cfg.Audio.SampleRate), BufferSize: cfg.Audio.BufferSize, Debug: cfg.Debug}, timesource.System{}),
		pool:     voicepool.New(cfg.Audio.VoicePoolCap),
		machine:  statemachine.New(),
		reporter: reporter,
		session:  NoopAudioSession{},
		deviceID: deviceID,
	}

	return e, nil
}

func parseLevel(s string) errorreporter.Level {
	switch s {
	case "Critical":
		return errorreporter.Critical
	case "Error":
		return errorreporter.Error
	case "Debug":
		return errorreporter.Debug
	case "None":
		return errorreporter.None
	default:
		return errorreporter.Warning
	}
}

// Configure installs the host's AuthProvider (and optionally overrides the
// schedule API base URL) and (re)builds the schedule client and telemetry
// beacon against it (spec §6.1, §6.2).
func (e *Engine) Configure(auth scheduleclient.AuthProvider, baseURL string) {
	if baseURL == "" {
		baseURL = e.cfg.API.BaseURL
	}

	e.auth = auth
	e.client = scheduleclient.New(scheduleclient.Config{
		BaseURL:           baseURL,
		RequestsPerSecond: e.cfg.API.RateLimit.RequestsPerSecond,
		BurstSize:         e.cfg.API.RateLimit.BurstSize,
		TimeoutSeconds:    e.cfg.API.TimeoutSeconds,
		Retries:           e.cfg.API.Retries,
		UserAgent:         e.cfg.API.UserAgent,
		Debug:             e.cfg.Debug,
	}, auth)

	e.beacon = telemetry.New(telemetry.Config{
		BaseURL:         baseURL,
		DeviceID:        e.deviceID,
		BasicAuthUser:   e.cfg.Telemetry.BasicAuthUser,
		BasicAuthPass:   e.cfg.Telemetry.BasicAuthPass,
		IntervalSeconds: e.cfg.Telemetry.IntervalSeconds,
		Debug:           e.cfg.Debug,
	}, auth, e.reportTelemetryWarning)

	e.sched = scheduler.New(scheduler.Config{
		Lookahead:       time.Duration(e.cfg.Schedule.LookaheadSeconds) * time.Second,
		RefreshInterval: time.Duration(e.cfg.Schedule.RefreshIntervalSeconds) * time.Second,
		SampleRate:      beep.SampleRate(e.cfg.Audio.SampleRate),
		Debug:           e.cfg.Debug,
	}, scheduler.Deps{
		Client:   e.client,
		Cache:    e.cache,
		Download: e.dl,
		Pool:     e.pool,
		Graph:    e.graph,
		Machine:  e.machine,
		Reporter: e.reporter,
		Clock:    timesource.System{},
		Images:   e.images,
	})
}

// SetAudioSession installs a host-supplied AudioSession, replacing the
// no-op default.
func (e *Engine) SetAudioSession(session AudioSession) {
	if session != nil {
		e.session = session
	}
}

func (e *Engine) reportTelemetryWarning(context string, err error) {
	e.reporter.ReportSkip(err, context, errorreporter.Warning, 3)
}

// Play starts playback of stationID, optionally at a historical instant
// atDate, per spec §6.1/§4.8. It fails if the audio session can't be
// configured, the initial schedule fetch fails, or no spin covers the
// requested instant.
func (e *Engine) Play(ctx context.Context, stationID string, atDate *time.Time) error {
	if e.sched == nil {
		return fmt.Errorf("engine not configured: call Configure before Play")
	}

	if err := e.session.ConfigureForPlayback(ctx); err != nil {
		return fmt.Errorf("configure audio session: %w", err)
	}
	if err := e.session.Activate(ctx); err != nil {
		return fmt.Errorf("activate audio session: %w", err)
	}

	if err := e.sched.Play(ctx, stationID, atDate); err != nil {
		_ = e.session.Deactivate(ctx)
		return err
	}

	e.stationID = stationID
	if e.cfg.Telemetry.Enabled {
		e.beacon.Start(stationID)
	}

	return nil
}

// Stop halts playback and returns the engine to Idle (spec §6.1).
func (e *Engine) Stop() {
	if e.sched == nil {
		return
	}
	e.sched.Stop()
	if e.cfg.Telemetry.Enabled && e.beacon != nil {
		e.beacon.Stop()
	}
	_ = e.session.Deactivate(context.Background())
	e.stationID = ""
}

// State returns the current observable playback state.
func (e *Engine) State() statemachine.State {
	return e.machine.Current()
}

// OnStateChange installs a delegate invoked on every state transition.
func (e *Engine) OnStateChange(fn func(statemachine.State)) {
	e.machine.SetDelegate(statemachine.Delegate(fn))
}

// StationID reports the currently playing station, or "" if idle.
func (e *Engine) StationID() string { return e.stationID }

// DeviceID returns this install's persisted vendor identifier (spec §6.6).
func (e *Engine) DeviceID() string { return e.deviceID }

// Stats reports engine-wide diagnostics, adapted from the teacher's
// api.Client.GetStats() (SPEC_FULL §4).
type Stats struct {
	ScheduleRequests      uint64
	ScheduleErrors        uint64
	LastScheduleRequestAt time.Time
	CacheBytes            int64
	CacheMaxBytes         int64
	ActiveVoices          int
}

// Stats returns a snapshot of the engine's current diagnostics.
func (e *Engine) Stats() Stats {
	stats := Stats{
		CacheBytes:    e.cache.TotalBytes(),
		CacheMaxBytes: e.cache.MaxBytes(),
		ActiveVoices:  e.pool.Len(),
	}
	if e.client != nil {
		cs := e.client.Stats()
		stats.ScheduleRequests = cs.Requests
		stats.ScheduleErrors = cs.Errors
		stats.LastScheduleRequestAt = cs.LastRequestAt
	}
	return stats
}

// Close releases the engine's underlying resources (the cache database
// handle). Call after Stop.
func (e *Engine) Close() error {
	return e.cache.Close()
}
