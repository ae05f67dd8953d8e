package scheduler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/playola-fm/spin-engine/internal/statemachine"
	"github.com/playola-fm/spin-engine/pkg/types"
)

func TestArmVoiceSetsFullVolumeWhenJoiningSpinInProgress(t *testing.T) {
	h := newHarness(t, "")

	spin := types.Spin{
		ID:             "spin-join",
		Airtime:        h.clock.Now().Add(-5 * time.Second),
		StartingVolume: 0.2,
		AudioBlock:     types.AudioBlock{EndOfMessageMS: 30000},
	}

	v, isNew := h.sched.pool.GetOrCreate(spin.ID)
	require.True(t, isNew)

	h.sched.armVoice(v, spin)

	require.Equal(t, 1.0, v.Level(), "joining a spin already in progress must start at full volume, not starting_volume")
}

func TestArmVoiceUsesStartingVolumeForAFutureSpin(t *testing.T) {
	h := newHarness(t, "")

	spin := types.Spin{
		ID:             "spin-future",
		Airtime:        h.clock.Now().Add(5 * time.Second),
		StartingVolume: 0.2,
		AudioBlock:     types.AudioBlock{EndOfMessageMS: 30000},
	}

	v, isNew := h.sched.pool.GetOrCreate(spin.ID)
	require.True(t, isNew)

	h.sched.armVoice(v, spin)

	require.Equal(t, 0.2, v.Level(), "a spin that hasn't started yet must arm at its own starting_volume")
}

func TestAwaitDownloadFeedsRisingLoadingFractionForTheFirstSpin(t *testing.T) {
	h := newHarness(t, "")
	h.mach.SetLoading(0)

	sub := h.mach.Subscribe()
	defer h.mach.Unsubscribe(sub)

	const chunkSize = 4096
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(chunkSize*3))
		flusher := w.(http.Flusher)
		chunk := make([]byte, chunkSize)
		for i := 0; i < 3; i++ {
			_, _ = w.Write(chunk)
			flusher.Flush()
			time.Sleep(150 * time.Millisecond)
		}
	}))
	defer srv.Close()

	path, err := h.sched.awaitDownload(context.Background(), srv.URL+"/first.mp3", true)
	require.NoError(t, err)
	require.NotEmpty(t, path)

	var fractions []float64
drain:
	for {
		select {
		case state := <-sub:
			require.Equal(t, statemachine.Loading, state.Kind)
			fractions = append(fractions, state.LoadingFraction)
		default:
			break drain
		}
	}

	require.GreaterOrEqual(t, len(fractions), 2, "expected at least one intermediate tick before the terminal one")
	require.Less(t, fractions[0], 1.0, "the first observed tick must not already be complete")
	require.Equal(t, 1.0, fractions[len(fractions)-1])
}

func TestAwaitDownloadDoesNotReportLoadingWhenNotTheFirstSpin(t *testing.T) {
	h := newHarness(t, "")
	h.mach.SetLoading(0)

	sub := h.mach.Subscribe()
	defer h.mach.Unsubscribe(sub)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	path, err := h.sched.awaitDownload(context.Background(), srv.URL+"/second.mp3", false)
	require.NoError(t, err)
	require.NotEmpty(t, path)

	select {
	case <-sub:
		t.Fatal("a non-first spin's download must never touch Loading(p)")
	default:
	}
}
