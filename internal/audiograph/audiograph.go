// Package audiograph owns the long-lived audio engine described in spec
// §4.4: one process-wide main mixer feeding the device, with each
// SpinVoice's playback chain (ending in its own effects.Volume node, which
// serves as the per-voice gain stage) added directly to it so per-voice
// volume automation stays independent. Scheduling is expressed in absolute wall
// instants and translated to the device clock at the point of use, never
// mixed with sample-clock math elsewhere (spec §9).
package audiograph

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/speaker"

	"github.com/playola-fm/spin-engine/internal/timesource"
	"github.com/playola-fm/spin-engine/internal/voice"
)

// lateScheduleEpsilon is the minimum lead time an absolute instant must
// have over wall-now before it is accepted as-is; earlier instants clamp
// to wall_now + epsilon and log a late-schedule warning (spec §4.4).
const lateScheduleEpsilon = 10 * time.Millisecond

// fadeSteps is the number of discrete volume set-points used to approximate
// a continuous ramp (spec §4.4 rationale: portable across backends).
const fadeSteps = 48

const (
	startRetries     = 3
	startRetryBackoff = 100 * time.Millisecond
)

// Config configures a Graph.
type Config struct {
	SampleRate beep.SampleRate
	BufferSize int
	Debug      bool
}

// managedStreamer wraps a voice's playback chain so Detach can force the
// main mixer to drop it: once Stopped, Stream reports end-of-stream on the
// next pull, which is how gopxl/beep's Mixer recognizes a finished input
// and removes it from its internal slice.
type managedStreamer struct {
	inner   beep.Streamer
	stopped atomic.Bool
}

func (m *managedStreamer) Stream(samples [][2]float64) (int, bool) {
	if m.stopped.Load() {
		return 0, false
	}
	return m.inner.Stream(samples)
}

func (m *managedStreamer) Err() error { return m.inner.Err() }

// Graph is the engine's single audio mix graph: one main mixer, started
// once, with voices attached and detached as spins come and go.
type Graph struct {
	cfg   Config
	clock timesource.Source

	mu      sync.Mutex
	main    *beep.Mixer
	started bool
	wrapped map[*voice.SpinVoice]*managedStreamer
}

// New returns a Graph that has not yet been started.
func New(cfg Config, clock timesource.Source) *Graph {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 44100
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 4096
	}
	return &Graph{
		cfg:     cfg,
		clock:   clock,
		main:    &beep.Mixer{},
		wrapped: make(map[*voice.SpinVoice]*managedStreamer),
	}
}

// Start initializes the device output, retrying speaker.Init up to
// startRetries times with startRetryBackoff between attempts (spec §4.4).
func (g *Graph) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return nil
	}

	var err error
	for attempt := 1; attempt <= startRetries; attempt++ {
		if err = speaker.Init(g.cfg.SampleRate, g.cfg.BufferSize); err == nil {
			break
		}
		g.debugLog("speaker.Init attempt %d/%d failed: %v", attempt, startRetries, err)
		if attempt < startRetries {
			time.Sleep(startRetryBackoff)
		}
	}
	if err != nil {
		return fmt.Errorf("start audio engine after %d attempts: %w", startRetries, err)
	}

	speaker.Play(g.main)
	g.started = true
	return nil
}

// Stop silences and tears down the device output. It is idempotent.
func (g *Graph) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.started {
		return
	}
	speaker.Clear()
	g.main = &beep.Mixer{}
	g.wrapped = make(map[*voice.SpinVoice]*managedStreamer)
	g.started = false
}

// Attach wires v's playback chain into the main mixer. Safe while the
// engine is running (spec §4.4).
func (g *Graph) Attach(v *voice.SpinVoice) {
	wrapper := &managedStreamer{inner: v.Streamer()}

	g.mu.Lock()
	g.wrapped[v] = wrapper
	main := g.main
	g.mu.Unlock()

	speaker.Lock()
	main.Add(wrapper)
	speaker.Unlock()
}

// Detach removes v from the graph. Because beep's mixer only drops inputs
// that signal end-of-stream, detach marks the wrapper stopped rather than
// mutating the mixer's slice directly; the mixer prunes it on its next pull.
func (g *Graph) Detach(v *voice.SpinVoice) {
	g.mu.Lock()
	wrapper, ok := g.wrapped[v]
	delete(g.wrapped, v)
	g.mu.Unlock()

	if ok {
		wrapper.stopped.Store(true)
	}
}

// wallToDeviceDelay converts an absolute wall instant into a time.Duration
// suitable for a time.Timer, clamping to lateScheduleEpsilon and reporting
// whether the instant had to be clamped (spec §4.4 late-schedule warning).
func (g *Graph) wallToDeviceDelay(at time.Time) (time.Duration, bool) {
	now := g.clock.Now()
	delay := at.Sub(now)
	if delay < lateScheduleEpsilon {
		return lateScheduleEpsilon, delay < lateScheduleEpsilon
	}
	return delay, false
}

// ScheduleStart arms v to begin playback at the absolute instant at. The
// voice must already be Attach-ed. Returns immediately; playback starts on
// an internal timer goroutine. onStart, if non-nil, fires right after the
// voice unpauses — standing in for the tap-capture described in spec §4.9
// (this implementation has no access to real device sample callbacks, so
// "first audible buffer" is modeled as "the moment we unpaused it").
func (g *Graph) ScheduleStart(v *voice.SpinVoice, at time.Time, onStart func()) {
	delay, clamped := g.wallToDeviceDelay(at)
	if clamped {
		g.debugLog("late-schedule: clamped start for spin %s to now+%s", v.Spin().ID, lateScheduleEpsilon)
	}
	time.AfterFunc(delay, func() {
		v.Unpause()
		if onStart != nil {
			onStart()
		}
	})
}

// PlayNow begins playback immediately from fromOffset into the file, used
// when a voice is joining a spin already in progress (spec §4.5).
func (g *Graph) PlayNow(v *voice.SpinVoice, fromOffset time.Duration, onStart func()) error {
	if err := v.Seek(fromOffset); err != nil {
		return fmt.Errorf("seek to join offset %s: %w", fromOffset, err)
	}
	v.Unpause()
	if onStart != nil {
		onStart()
	}
	return nil
}

// ScheduleFade arms a linear ramp on v's level from its current value to
// toVolume, starting at the absolute instant at and completing rampSeconds
// later. The ramp executes as fadeSteps discrete set-points rather than
// continuous automation (spec §4.4 rationale).
func (g *Graph) ScheduleFade(v *voice.SpinVoice, at time.Time, toVolume float64, rampSeconds float64) {
	delay, clamped := g.wallToDeviceDelay(at)
	if clamped {
		g.debugLog("late-schedule: clamped fade for spin %s to now+%s", v.Spin().ID, lateScheduleEpsilon)
	}

	time.AfterFunc(delay, func() {
		g.runFade(v, toVolume, rampSeconds)
	})
}

func (g *Graph) runFade(v *voice.SpinVoice, toVolume float64, rampSeconds float64) {
	from := v.Level()
	if rampSeconds <= 0 {
		v.SetLevel(toVolume)
		return
	}

	stepInterval := time.Duration(rampSeconds * float64(time.Second) / float64(fadeSteps))
	if stepInterval <= 0 {
		v.SetLevel(toVolume)
		return
	}

	ticker := time.NewTicker(stepInterval)
	defer ticker.Stop()

	for step := 1; step <= fadeSteps; step++ {
		<-ticker.C
		fraction := float64(step) / float64(fadeSteps)
		v.SetLevel(from + (toVolume-from)*fraction)
	}
}

func (g *Graph) debugLog(format string, args ...interface{}) {
	if g.cfg.Debug {
		log.Printf("[AUDIOGRAPH] "+format, args...)
	}
}
