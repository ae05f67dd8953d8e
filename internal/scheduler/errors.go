package scheduler

import "fmt"

// ScheduleErrorReason distinguishes the ways a schedule can fail to cover
// a requested playback instant (spec §7 error taxonomy: Schedule(empty|stale)).
type ScheduleErrorReason string

const (
	ScheduleEmpty ScheduleErrorReason = "empty"
	ScheduleStale ScheduleErrorReason = "stale"
)

// ScheduleError is returned from Play when the fetched schedule does not
// cover the requested instant.
type ScheduleError struct {
	Reason ScheduleErrorReason
}

func (e *ScheduleError) Error() string {
	return fmt.Sprintf("schedule %s: no spin covers the requested instant", e.Reason)
}

// ErrScheduleEmpty is returned when no spin in the fetched schedule is
// airing at play's effective instant (spec §8 boundary case).
var ErrScheduleEmpty = &ScheduleError{Reason: ScheduleEmpty}
