// Package voice implements SpinVoice: a single decoded-and-primed playback
// unit for one Spin, carried through Available/Loading/Loaded/Playing
// states and recycled back to Available once its spin ends.
package voice

import (
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/effects"
	"github.com/gopxl/beep/mp3"

	"github.com/playola-fm/spin-engine/pkg/types"
)

// State is where a SpinVoice sits in its lifecycle.
type State int

const (
	Available State = iota
	Loading
	Loaded
	Playing
)

func (s State) String() string {
	switch s {
	case Loading:
		return "Loading"
	case Loaded:
		return "Loaded"
	case Playing:
		return "Playing"
	default:
		return "Available"
	}
}

// SpinVoice owns one decoded audio file and the beep nodes that play it.
type SpinVoice struct {
	mu sync.Mutex

	state State
	spin  types.Spin

	file       *os.File
	streamer   beep.StreamSeekCloser
	ctrl       *beep.Ctrl
	volume     *effects.Volume
	gain       float64
	level      float64
	sampleRate beep.SampleRate

	clearTimer *time.Timer
}

// New returns an idle voice ready to be loaded.
func New() *SpinVoice {
	return &SpinVoice{state: Available, gain: 1.0}
}

// Level reports the last level passed to SetLevel (before gain is folded
// in), used by the audio graph as the starting point of a fade ramp.
func (v *SpinVoice) Level() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.level
}

// State reports the voice's current lifecycle state.
func (v *SpinVoice) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Spin reports which spin this voice is (or was last) loaded for.
func (v *SpinVoice) Spin() types.Spin {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.spin
}

// Load decodes path for spin and primes the voice, computing a peak-
// normalization gain so differently-mastered files reach a consistent
// perceived level (spec §4.5). Leaves the voice Loaded and paused.
func (v *SpinVoice) Load(spin types.Spin, path string, sampleRate beep.SampleRate) error {
	v.mu.Lock()
	v.state = Loading
	v.spin = spin
	v.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		v.resetToAvailable()
		return fmt.Errorf("open %s: %w", path, err)
	}

	streamer, format, err := mp3.Decode(f)
	if err != nil {
		_ = f.Close()
		v.resetToAvailable()
		return fmt.Errorf("decode %s: %w", path, err)
	}

	gain, err := peakNormalizationGain(streamer)
	if err != nil {
		gain = 1.0
	}
	if seekErr := streamer.Seek(0); seekErr != nil {
		_ = streamer.Close()
		_ = f.Close()
		v.resetToAvailable()
		return fmt.Errorf("rewind %s: %w", path, seekErr)
	}

	var source beep.Streamer = streamer
	if format.SampleRate != sampleRate {
		source = beep.Resample(4, format.SampleRate, sampleRate, streamer)
	}

	ctrl := &beep.Ctrl{Streamer: source, Paused: true}
	vol := &effects.Volume{Streamer: ctrl, Base: 2, Silent: true}

	v.mu.Lock()
	v.file = f
	v.streamer = streamer
	v.ctrl = ctrl
	v.volume = vol
	v.gain = gain
	v.sampleRate = sampleRate
	v.state = Loaded
	v.mu.Unlock()

	return nil
}

func (v *SpinVoice) resetToAvailable() {
	v.mu.Lock()
	v.state = Available
	v.spin = types.Spin{}
	v.mu.Unlock()
}

// peakNormalizationGain streams the full decoded signal once to find the
// peak absolute sample value, returning 1/peak. A failed read, silence, or
// a peak already near full scale (spec §9: no audible difference worth the
// risk of amplifying noise floor) all fall back to unity gain.
func peakNormalizationGain(s beep.StreamSeekCloser) (float64, error) {
	const chunk = 2048
	buf := make([][2]float64, chunk)
	peak := 0.0

	for {
		n, ok := s.Stream(buf)
		for i := 0; i < n; i++ {
			if a := math.Abs(buf[i][0]); a > peak {
				peak = a
			}
			if a := math.Abs(buf[i][1]); a > peak {
				peak = a
			}
		}
		if !ok {
			break
		}
	}
	if err := s.Err(); err != nil {
		return 1.0, err
	}
	if peak < 1e-6 || math.Abs(1.0/peak-1.0) < 0.01 {
		return 1.0, nil
	}
	return 1.0 / peak, nil
}

// Streamer returns the root of this voice's playback chain, ready for the
// audio graph to add to its main mixer.
func (v *SpinVoice) Streamer() beep.Streamer {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.volume
}

// SampleRate reports the engine sample rate this voice was primed for.
func (v *SpinVoice) SampleRate() beep.SampleRate {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sampleRate
}

// Seek moves the decode position to at, in engine sample-rate terms.
func (v *SpinVoice) Seek(at time.Duration) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.streamer == nil {
		return fmt.Errorf("voice has no active streamer")
	}
	sample := v.sampleRate.N(at)
	if sample < 0 {
		sample = 0
	}
	if l := v.streamer.Len(); l > 0 && sample >= l {
		sample = l - 1
	}
	return v.streamer.Seek(sample)
}

// SetLevel sets the voice's output level in [0,1], folding in the peak-
// normalization gain computed at Load, matching the logarithmic volume
// curve the teacher's player uses.
func (v *SpinVoice) SetLevel(level float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.setLevelLocked(level)
}

func (v *SpinVoice) setLevelLocked(level float64) {
	v.level = level
	if v.volume == nil {
		return
	}
	effective := level * v.gain
	if effective < 0 {
		effective = 0
	}
	if effective > 1 {
		effective = 1
	}
	if effective <= 0 {
		v.volume.Silent = true
		return
	}
	v.volume.Silent = false
	v.volume.Volume = (effective - 1) * 5
}

// Unpause marks the voice as actively sounding. The caller is responsible
// for having already attached Streamer() to the audio graph.
func (v *SpinVoice) Unpause() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.ctrl != nil {
		v.ctrl.Paused = false
	}
	v.state = Playing
}

// ScheduleClear arms a one-shot timer that releases the voice back to
// Available after d and invokes onCleared, mirroring the end-of-spin
// cleanup described in spec §4.5.
func (v *SpinVoice) ScheduleClear(d time.Duration, onCleared func()) {
	v.mu.Lock()
	if v.clearTimer != nil {
		v.clearTimer.Stop()
	}
	v.clearTimer = time.AfterFunc(d, func() {
		v.Release()
		if onCleared != nil {
			onCleared()
		}
	})
	v.mu.Unlock()
}

// Release closes the decoded file and returns the voice to Available,
// ready to be reused for a different spin.
func (v *SpinVoice) Release() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.clearTimer != nil {
		v.clearTimer.Stop()
		v.clearTimer = nil
	}
	if v.streamer != nil {
		_ = v.streamer.Close()
		v.streamer = nil
	}
	if v.file != nil {
		_ = v.file.Close()
		v.file = nil
	}
	v.ctrl = nil
	v.volume = nil
	v.gain = 1.0
	v.level = 0
	v.state = Available
	v.spin = types.Spin{}
}
