package voice

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/effects"
)

// fakeStreamer feeds a fixed sample slice, used to exercise
// peakNormalizationGain without a real mp3 file.
type fakeStreamer struct {
	samples [][2]float64
	pos     int
}

func (f *fakeStreamer) Stream(buf [][2]float64) (int, bool) {
	if f.pos >= len(f.samples) {
		return 0, false
	}
	n := copy(buf, f.samples[f.pos:])
	f.pos += n
	return n, true
}
func (f *fakeStreamer) Err() error       { return nil }
func (f *fakeStreamer) Len() int         { return len(f.samples) }
func (f *fakeStreamer) Position() int    { return f.pos }
func (f *fakeStreamer) Seek(p int) error { f.pos = p; return nil }
func (f *fakeStreamer) Close() error     { return nil }

var _ beep.StreamSeekCloser = (*fakeStreamer)(nil)

func TestPeakNormalizationGainQuietSignal(t *testing.T) {
	s := &fakeStreamer{samples: [][2]float64{{0.1, -0.1}, {0.2, 0.05}}}
	gain, err := peakNormalizationGain(s)
	require.NoError(t, err)
	require.InDelta(t, 5.0, gain, 0.001, "gain should bring peak 0.2 up to 1.0")
}

func TestPeakNormalizationGainFullScaleSignalIsNoOp(t *testing.T) {
	s := &fakeStreamer{samples: [][2]float64{{0.995, -0.995}}}
	gain, err := peakNormalizationGain(s)
	require.NoError(t, err)
	require.Equal(t, 1.0, gain)
}

func TestPeakNormalizationGainSilenceFallsBackToUnity(t *testing.T) {
	s := &fakeStreamer{samples: [][2]float64{{0, 0}, {0, 0}}}
	gain, err := peakNormalizationGain(s)
	require.NoError(t, err)
	require.Equal(t, 1.0, gain)
}

func TestNewVoiceStartsAvailable(t *testing.T) {
	v := New()
	require.Equal(t, Available, v.State())
}

func TestSetLevelFoldsInGain(t *testing.T) {
	v := New()
	v.gain = 2.0
	v.volume = &effects.Volume{Base: 2, Silent: true}

	v.SetLevel(0.5)
	require.False(t, v.volume.Silent)

	v.SetLevel(0)
	require.True(t, v.volume.Silent)
}

func TestScheduleClearReleasesVoice(t *testing.T) {
	v := New()
	v.state = Loaded

	done := make(chan struct{})
	v.ScheduleClear(10*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("onCleared callback was not invoked")
	}
	require.Equal(t, Available, v.State())
}
