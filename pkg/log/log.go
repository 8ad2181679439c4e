// Package log provides a thin, named wrapper around zerolog so every
// component in the tracker logs through the same sinks and level filter.
package log

import (
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu         sync.Mutex
	out        io.Writer = os.Stderr
	level      atomic.Int32
	baseLogger = zerolog.New(out).With().Timestamp().Logger()
)

func init() {
	level.Store(int32(zerolog.InfoLevel))
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// SetLevel sets the process-wide minimum log level.
func SetLevel(l zerolog.Level) {
	level.Store(int32(l))
	zerolog.SetGlobalLevel(l)
}

// SetOutput redirects all loggers created by NewLogger to w. Used on SIGHUP
// to reopen the log file.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	baseLogger = zerolog.New(out).With().Timestamp().Logger()
}

// NewLogger returns a zerolog.Logger tagged with the given component name.
func NewLogger(name string) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return baseLogger.With().Str("component", name).Logger()
}

// Reopen truncates and reopens the named log file, redirecting all future
// log output to it. Used by the SIGHUP handler.
func Reopen(path string) error {
	if path == "" {
		SetOutput(os.Stderr)
		return nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	SetOutput(f)
	return nil
}

// Stopwatch is a small helper for logging elapsed durations, mirroring the
// "timeTaken" fields threaded through the teacher's background loops.
type Stopwatch struct {
	start time.Time
}

// NewStopwatch starts a stopwatch.
func NewStopwatch() Stopwatch { return Stopwatch{start: time.Now()} }

// Elapsed returns the time since the stopwatch started.
func (s Stopwatch) Elapsed() time.Duration { return time.Since(s.start) }
