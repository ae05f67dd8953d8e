// Package scheduler implements the StationScheduler, the conductor
// described in spec §4.8: it maintains the active schedule, selects the
// now-playing spin, prefetches the look-ahead window, wires voices into
// the audio graph, and reacts to schedule refreshes and voice events. The
// control loop shape (ticker plus event channels, select loop) is grounded
// on the autodj scheduler's Run(ctx) pattern in the retrieved pack,
// generalized to this spec's selection rule, prefetch window, and
// refresh/retry semantics.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gopxl/beep"
	"golang.org/x/sync/errgroup"

	"github.com/playola-fm/spin-engine/internal/audiograph"
	"github.com/playola-fm/spin-engine/internal/downloader"
	"github.com/playola-fm/spin-engine/internal/errorreporter"
	"github.com/playola-fm/spin-engine/internal/filecache"
	"github.com/playola-fm/spin-engine/internal/imageprefetch"
	"github.com/playola-fm/spin-engine/internal/scheduleclient"
	"github.com/playola-fm/spin-engine/internal/statemachine"
	"github.com/playola-fm/spin-engine/internal/timesource"
	"github.com/playola-fm/spin-engine/internal/voicepool"
	"github.com/playola-fm/spin-engine/pkg/types"
)

// defaultLookahead is the horizon over which spins are proactively
// prepared (spec glossary: "Lookahead window").
const defaultLookahead = 360 * time.Second

// defaultRefreshInterval is how often the schedule is re-fetched absent an
// on-demand trigger (spec §4.8).
const defaultRefreshInterval = 30 * time.Second

// cleanupGrace is how long after a spin's endtime its voice is kept
// around before being recycled (spec §3).
const cleanupGrace = 1 * time.Second

// fadeRampSeconds is the duration of each discrete volume ramp a Fade
// entry triggers (spec §4.5, §4.4).
const fadeRampSeconds = 1.5

// Config configures a Scheduler.
type Config struct {
	Lookahead       time.Duration
	RefreshInterval time.Duration
	SampleRate      beep.SampleRate
	Debug           bool
}

// Scheduler is the engine's conductor: one instance per Engine, reused
// across successive Play calls for different stations.
type Scheduler struct {
	cfg Config

	client   *scheduleclient.Client
	cache    *filecache.FileCache
	dl       *downloader.Downloader
	pool     *voicepool.Pool
	graph    *audiograph.Graph
	machine  *statemachine.Machine
	reporter *errorreporter.Reporter
	clock    timesource.Source
	images   *imageprefetch.Prefetcher

	mu          sync.Mutex
	stationID   string
	offset      time.Duration
	schedule    *types.Schedule
	pinnedURLs  map[string]string // spin id -> pinned download url
	cancel      context.CancelFunc
	refreshCh   chan struct{}
	firstSpinID string // spin whose download progress drives Loading(p)
}

// Deps bundles the collaborators a Scheduler is built from.
type Deps struct {
	Client   *scheduleclient.Client
	Cache    *filecache.FileCache
	Download *downloader.Downloader
	Pool     *voicepool.Pool
	Graph    *audiograph.Graph
	Machine  *statemachine.Machine
	Reporter *errorreporter.Reporter
	Clock    timesource.Source
	Images   *imageprefetch.Prefetcher // optional; nil disables art prefetch
}

// New builds a Scheduler from its collaborators.
func New(cfg Config, deps Deps) *Scheduler {
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = defaultLookahead
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
	if deps.Clock == nil {
		deps.Clock = timesource.System{}
	}
	return &Scheduler{
		cfg:        cfg,
		client:     deps.Client,
		cache:      deps.Cache,
		dl:         deps.Download,
		pool:       deps.Pool,
		graph:      deps.Graph,
		machine:    deps.Machine,
		reporter:   deps.Reporter,
		clock:      deps.Clock,
		images:     deps.Images,
		pinnedURLs: make(map[string]string),
	}
}

// Play fetches stationID's schedule, verifies it covers the requested
// instant, and starts the background conductor loop. It is equivalent to
// Stop followed by Play if a station is already active (spec §5): no
// partial state is observable to a concurrent caller of State().
func (s *Scheduler) Play(ctx context.Context, stationID string, atDate *time.Time) error {
	s.Stop()

	s.machine.SetLoading(0)

	now := s.clock.Now()
	var offset time.Duration
	if atDate != nil {
		offset = atDate.Sub(now)
	}

	sched, err := s.client.FetchSchedule(ctx, stationID)
	if err != nil {
		s.machine.SetIdle()
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("fetch initial schedule: %w", err)
	}

	winner, ok := sched.NowPlaying(now, offset)
	if !ok {
		s.machine.SetIdle()
		return ErrScheduleEmpty
	}
	firstSpinID := winner.ID

	loopCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.stationID = stationID
	s.offset = offset
	s.schedule = sched
	s.cancel = cancel
	s.refreshCh = make(chan struct{}, 1)
	s.firstSpinID = firstSpinID
	s.mu.Unlock()

	if err := s.graph.Start(); err != nil {
		s.machine.SetIdle()
		cancel()
		return fmt.Errorf("start audio engine: %w", err)
	}

	go s.runLoop(loopCtx, stationID)

	return nil
}

// Stop cancels all in-flight work, detaches every voice, empties the
// active voice set, and returns the state to Idle. Idempotent (spec §5).
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	stationID := s.stationID
	s.stationID = ""
	s.schedule = nil
	s.firstSpinID = ""
	s.mu.Unlock()

	if cancel == nil && stationID == "" {
		return
	}
	if cancel != nil {
		cancel()
	}

	s.dl.CancelAll()

	for _, id := range s.pool.ActiveIDs() {
		s.releaseSpin(id)
	}

	s.machine.SetIdle()
}

// releaseSpin detaches and recycles the voice for spinID, unpinning its
// cached file if one was pinned.
func (s *Scheduler) releaseSpin(spinID string) {
	v, ok := s.pool.Get(spinID)
	if !ok {
		return
	}
	s.graph.Detach(v)
	v.Release()
	s.pool.Recycle(spinID)
	s.unpinSpin(spinID)
}

func (s *Scheduler) pinSpin(spinID, url string) {
	s.mu.Lock()
	s.pinnedURLs[spinID] = url
	s.mu.Unlock()
	s.cache.Pin(url)
}

func (s *Scheduler) unpinSpin(spinID string) {
	s.mu.Lock()
	url, ok := s.pinnedURLs[spinID]
	delete(s.pinnedURLs, spinID)
	s.mu.Unlock()
	if ok {
		s.cache.Unpin(url)
	}
}

// TriggerRefresh requests an out-of-cycle schedule refresh, non-blocking.
func (s *Scheduler) TriggerRefresh() {
	s.mu.Lock()
	ch := s.refreshCh
	s.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (s *Scheduler) runLoop(ctx context.Context, stationID string) {
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	s.prefetchWindow(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refresh(ctx, stationID)
		case <-s.refreshChSnapshot():
			s.refresh(ctx, stationID)
		}
	}
}

func (s *Scheduler) refreshChSnapshot() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshCh
}

// refresh re-fetches the schedule, replaces it atomically, re-prepares any
// voice whose spin content changed, stops voices for removed spins, and
// extends prefetching to the new window (spec §4.8).
func (s *Scheduler) refresh(ctx context.Context, stationID string) {
	sched, err := s.client.FetchSchedule(ctx, stationID)
	if err != nil {
		s.reporter.Report(err, "schedule refresh failed, continuing with current schedule", errorreporter.Warning)
		return
	}

	s.mu.Lock()
	old := s.schedule
	// A newer refresh always supersedes an in-flight older one; since
	// FetchSchedule's FetchID only increases, a smaller id here means this
	// response raced behind one already applied and must be discarded.
	if old != nil && sched.FetchID < old.FetchID {
		s.mu.Unlock()
		return
	}
	s.schedule = sched
	offset := s.offset
	s.mu.Unlock()

	s.reconcile(old, sched, offset)
	s.prefetchWindow(ctx)
}

// reconcile diffs the active voice set against the new schedule: voices
// for spins no longer present are stopped and recycled, and voices whose
// spin's airtime, download url, or fades changed are cancelled and will be
// re-prepared by the next prefetchWindow pass (spec §4.8).
func (s *Scheduler) reconcile(old, next *types.Schedule, offset time.Duration) {
	nextByID := make(map[string]types.Spin, len(next.Spins))
	for _, spin := range next.Spins {
		nextByID[spin.ID] = spin.Shift(offset)
	}

	for _, id := range s.pool.ActiveIDs() {
		updated, stillPresent := nextByID[id]
		if !stillPresent {
			s.releaseSpin(id)
			continue
		}

		v, ok := s.pool.Get(id)
		if !ok {
			continue
		}
		prior := v.Spin()
		if spinContentChanged(prior, updated) {
			s.dl.CancelFor(prior.AudioBlock.DownloadURL)
			s.releaseSpin(id)
		}
	}
}

func spinContentChanged(prior, updated types.Spin) bool {
	if !prior.Airtime.Equal(updated.Airtime) {
		return true
	}
	if prior.AudioBlock.DownloadURL != updated.AudioBlock.DownloadURL {
		return true
	}
	if len(prior.Fades) != len(updated.Fades) {
		return true
	}
	for i := range prior.Fades {
		if prior.Fades[i] != updated.Fades[i] {
			return true
		}
	}
	return false
}

// prefetchWindow prepares voices for every spin airing or about to air
// within the lookahead window that doesn't already have one, fanning the
// work out concurrently (spec §4.8).
func (s *Scheduler) prefetchWindow(ctx context.Context) {
	s.mu.Lock()
	sched := s.schedule
	offset := s.offset
	s.mu.Unlock()
	if sched == nil {
		return
	}

	now := s.clock.Now()
	horizon := now.Add(s.cfg.Lookahead)

	upcoming := sched.Current(now, offset)
	if s.images != nil {
		s.images.PrefetchAll(ctx, upcoming)
	}

	var toPrepare []types.Spin
	for _, spin := range upcoming {
		if spin.Airtime.After(horizon) {
			continue
		}
		if s.pool.Has(spin.ID) {
			continue
		}
		toPrepare = append(toPrepare, spin)
	}
	if len(toPrepare) == 0 {
		return
	}

	go func() {
		g, gctx := errgroup.WithContext(ctx)
		for _, spin := range toPrepare {
			spin := spin
			g.Go(func() error {
				s.prepareSpin(gctx, spin)
				return nil
			})
		}
		_ = g.Wait()
	}()
}

// recomputeNowPlaying is invoked whenever a voice starts playing. It
// re-applies the selection rule (spec §4.8) and publishes a new Playing
// state if the winner changed, then kicks an out-of-cycle refresh.
func (s *Scheduler) recomputeNowPlaying() {
	s.mu.Lock()
	sched := s.schedule
	offset := s.offset
	s.mu.Unlock()
	if sched == nil {
		return
	}

	now := s.clock.Now()
	winner, ok := sched.NowPlaying(now, offset)
	if !ok {
		return
	}

	current := s.machine.Current()
	if current.Kind == statemachine.Playing && current.Spin.ID == winner.ID {
		return
	}
	s.machine.SetPlaying(winner)
	s.TriggerRefresh()
}

func (s *Scheduler) debugLog(format string, args ...interface{}) {
	if s.cfg.Debug {
		log.Printf("[SCHEDULER] "+format, args...)
	}
}
