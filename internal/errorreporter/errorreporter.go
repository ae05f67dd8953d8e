// Package errorreporter implements the process-wide, single-writer error
// sink described in spec §4.10: severity-leveled, deduplicated within a
// rolling window, with a console sink and a single optional delegate.
package errorreporter

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Level is the severity of a reported error, ordered least to most verbose.
type Level int

const (
	None Level = iota
	Critical
	Error
	Warning
	Debug
)

func (l Level) String() string {
	switch l {
	case Critical:
		return "Critical"
	case Error:
		return "Error"
	case Warning:
		return "Warning"
	case Debug:
		return "Debug"
	default:
		return "None"
	}
}

// dedupWindow is how long an identical (description, file, line, function)
// report is suppressed after its first delivery (spec §4.10, §8 invariant 8).
const dedupWindow = 5 * time.Second

// Delegate is invoked once per reported error that survives rate-limiting
// and dedup, on its own goroutine (spec §4.10/§5 supervisor-thread note:
// the engine has no single supervisor goroutine in this implementation, so
// "the supervisor thread" is modeled as a dedicated delivery goroutine per
// call, matching the teacher's EventBus fire-and-forget dispatch).
type Delegate func(err error, file string, line int, function string, stackTrace string)

// Reporter is a concurrency-safe actor; report() may be called by any
// number of producers (spec §5).
type Reporter struct {
	level       Level
	consoleSink bool
	logger      zerolog.Logger

	mu       sync.Mutex
	delegate Delegate
	seen     map[string]time.Time
}

// Config configures a Reporter.
type Config struct {
	Level       Level
	ConsoleSink bool
}

// New returns a Reporter gated at cfg.Level.
func New(cfg Config) *Reporter {
	return &Reporter{
		level:       cfg.Level,
		consoleSink: cfg.ConsoleSink,
		logger:      log.Logger,
		seen:        make(map[string]time.Time),
	}
}

// SetDelegate installs the single delegate invoked on every reported
// error, replacing any previous delegate.
func (r *Reporter) SetDelegate(d Delegate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delegate = d
}

// Report records err at level with context, at the caller's source
// location (skip=1 frame up). Drops silently if level exceeds the
// configured reporting level or if an identical report was already
// delivered within dedupWindow.
func (r *Reporter) Report(err error, context string, level Level) {
	r.ReportSkip(err, context, level, 3)
}

// ReportSkip is Report with an explicit caller-skip depth, for wrapper
// helpers that want the original call site attributed instead of
// themselves.
func (r *Reporter) ReportSkip(err error, context string, level Level, skip int) {
	if level > r.level || level == None {
		return
	}

	file, line, function := callerInfo(skip)
	description := err.Error()
	if context != "" {
		description = context + ": " + description
	}

	key := fmt.Sprintf("%s|%s|%d|%s", description, file, line, function)

	r.mu.Lock()
	now := time.Now()
	r.cleanup(now)
	if last, ok := r.seen[key]; ok && now.Sub(last) < dedupWindow {
		r.mu.Unlock()
		return
	}
	r.seen[key] = now
	delegate := r.delegate
	r.mu.Unlock()

	stackTrace := string(debugStack())

	if r.consoleSink {
		r.logToConsole(level, description, file, line, function)
	}

	if delegate != nil {
		go delegate(err, file, line, function, stackTrace)
	}
}

// cleanup drops dedup entries older than dedupWindow. Must be called with
// r.mu held.
func (r *Reporter) cleanup(now time.Time) {
	for key, seenAt := range r.seen {
		if now.Sub(seenAt) >= dedupWindow {
			delete(r.seen, key)
		}
	}
}

func (r *Reporter) logToConsole(level Level, description, file string, line int, function string) {
	event := func() *zerolog.Event {
		switch level {
		case Critical:
			return r.logger.Error().Bool("critical", true)
		case Error:
			return r.logger.Error()
		case Warning:
			return r.logger.Warn()
		case Debug:
			return r.logger.Debug()
		default:
			return nil
		}
	}()
	if event == nil {
		return
	}
	event.Str("file", file).Int("line", line).Str("function", function).Msg(description)
}

func callerInfo(skip int) (file string, line int, function string) {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown", 0, "unknown"
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return file, line, "unknown"
	}
	return file, line, fn.Name()
}

func debugStack() []byte {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return buf[:n]
}
