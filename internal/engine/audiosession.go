package engine

import "context"

// AudioSession is the host application's hook into platform audio-session
// management (spec §6.3): on mobile/desktop shells this configures the
// category/route and handles interruptions. The engine never assumes one
// exists; NoopAudioSession is wired by default (spec §5 Non-goals: no
// platform audio-session implementation ships with the engine).
type AudioSession interface {
	ConfigureForPlayback(ctx context.Context) error
	Activate(ctx context.Context) error
	Deactivate(ctx context.Context) error
	IsConfigured() bool
}

// NoopAudioSession satisfies AudioSession without touching any platform
// API, used whenever the host doesn't supply one (e.g. cmd/stationctl).
type NoopAudioSession struct{}

func (NoopAudioSession) ConfigureForPlayback(context.Context) error { return nil }
func (NoopAudioSession) Activate(context.Context) error             { return nil }
func (NoopAudioSession) Deactivate(context.Context) error           { return nil }
func (NoopAudioSession) IsConfigured() bool                         { return true }
