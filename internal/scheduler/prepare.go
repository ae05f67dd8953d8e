package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/playola-fm/spin-engine/internal/errorreporter"
	"github.com/playola-fm/spin-engine/internal/statemachine"
	"github.com/playola-fm/spin-engine/internal/voice"
	"github.com/playola-fm/spin-engine/pkg/types"
)

// downloadRetryDelays is the scheduler-owned backoff schedule for a spin's
// audio download: immediate first attempt, then up to 4 retries at these
// delays (spec §4.8, §8 scenario S4).
var downloadRetryDelays = []time.Duration{0, 250 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second, 2 * time.Second}

// abandonLead is how far before airtime the scheduler gives up retrying a
// spin's download rather than risk starting it late (spec §4.8).
const abandonLead = 2 * time.Second

// prepareSpin downloads spin's audio (retrying per downloadRetryDelays),
// loads it into a voice, and arms that voice to start at the right moment.
// A download that exhausts its retries before abandonLead is an abandoned
// spin: it is reported and dropped, never started (spec §7).
func (s *Scheduler) prepareSpin(ctx context.Context, spin types.Spin) {
	v, isNew := s.pool.GetOrCreate(spin.ID)
	if !isNew {
		return
	}

	reportLoading := s.isFirstSpin(spin.ID)

	path, err := s.downloadWithRetry(ctx, spin, reportLoading)
	if err != nil {
		s.reporter.Report(err, fmt.Sprintf("abandoning spin %s", spin.ID), errorreporter.Error)
		s.pool.Remove(spin.ID)
		return
	}

	s.pinSpin(spin.ID, spin.AudioBlock.DownloadURL)

	if err := v.Load(spin, path, s.cfg.SampleRate); err != nil {
		s.reporter.Report(err, fmt.Sprintf("load spin %s", spin.ID), errorreporter.Error)
		s.pool.Remove(spin.ID)
		s.unpinSpin(spin.ID)
		return
	}

	s.armVoice(v, spin)
}

// downloadWithRetry drives one spin's download through the backoff
// schedule. Before each retry's backoff delay it checks the clock and
// abandons once now has reached spin.Airtime - abandonLead (spec §4.8).
func (s *Scheduler) downloadWithRetry(ctx context.Context, spin types.Spin, reportLoading bool) (string, error) {
	url := spin.AudioBlock.DownloadURL

	var lastErr error
	for attempt, delay := range downloadRetryDelays {
		if attempt > 0 {
			deadline := spin.Airtime.Add(-abandonLead)
			if !s.clock.Now().Before(deadline) {
				if lastErr == nil {
					lastErr = fmt.Errorf("download %s: abandoned, too close to airtime", url)
				}
				return "", lastErr
			}
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}

		path, err := s.awaitDownload(ctx, url, reportLoading)
		if err == nil {
			return path, nil
		}
		lastErr = err
		s.debugLog("download attempt %d/%d failed for spin %s: %v", attempt+1, len(downloadRetryDelays), spin.ID, err)
	}

	return "", fmt.Errorf("download %s: exhausted %d attempts: %w", url, len(downloadRetryDelays), lastErr)
}

// isFirstSpin reports whether spinID is the spin whose download progress
// should drive the engine's Loading(p) state (spec §4.7, scenario S1).
func (s *Scheduler) isFirstSpin(spinID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstSpinID != "" && s.firstSpinID == spinID
}

// awaitDownload drains one Download call's progress channel to its
// terminal event. When reportLoading is set, every intermediate fraction is
// fed into the state machine's Loading(p) as long as it hasn't already
// moved past Loading (spec §4.7).
func (s *Scheduler) awaitDownload(ctx context.Context, url string, reportLoading bool) (string, error) {
	_, ch := s.dl.Download(ctx, url)
	var last types.DownloadProgress
	for progress := range ch {
		last = progress
		if reportLoading && s.machine.Current().Kind == statemachine.Loading {
			s.machine.SetLoading(progress.Fraction)
		}
	}

	switch last.Status {
	case types.DownloadStatusCompleted:
		return last.LocalPath, nil
	case types.DownloadStatusCancelled:
		return "", ctx.Err()
	default:
		if last.Err != nil {
			return "", last.Err
		}
		return "", fmt.Errorf("download %s: no result", url)
	}
}

// armVoice attaches v to the audio graph and schedules its start, fades,
// and end-of-life cleanup for spin (spec §4.5, §4.8).
func (s *Scheduler) armVoice(v *voice.SpinVoice, spin types.Spin) {
	s.graph.Attach(v)

	onStart := func() {
		s.recomputeNowPlaying()
	}

	now := s.clock.Now()
	if spin.IsAiring(now) {
		// Joining a spin already in progress skips any fade-in; start at
		// full volume rather than the spin's starting_volume (spec §4.5).
		v.SetLevel(1.0)
		joinOffset := now.Sub(spin.Airtime)
		if err := s.graph.PlayNow(v, joinOffset, onStart); err != nil {
			s.reporter.Report(err, fmt.Sprintf("join spin %s in progress", spin.ID), errorreporter.Error)
		}
	} else {
		v.SetLevel(spin.StartingVolume)
		s.graph.ScheduleStart(v, spin.Airtime, onStart)
	}

	for _, fade := range spin.Fades {
		fadeAt := spin.Airtime.Add(time.Duration(fade.AtMS) * time.Millisecond)
		if fadeAt.Before(now) {
			// Already in the past relative to a join-in-progress: apply the
			// level directly instead of scheduling a ramp that never runs.
			v.SetLevel(fade.ToVolume)
			continue
		}
		s.graph.ScheduleFade(v, fadeAt, fade.ToVolume, fadeRampSeconds)
	}

	clearDelay := spin.Endtime().Add(cleanupGrace).Sub(now)
	if clearDelay < 0 {
		clearDelay = 0
	}
	v.ScheduleClear(clearDelay, func() {
		s.graph.Detach(v)
		s.pool.Recycle(spin.ID)
		s.unpinSpin(spin.ID)
	})
}
