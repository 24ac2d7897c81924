// Package log provides a component-scoped wrapper over zerolog used by every
// package in swarmd so that a single global level and writer can be swapped
// without touching call sites.
package log

import (
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var (
	mu     sync.Mutex
	out    io.Writer = os.Stderr
	level  atomic.Int32
	global = zerolog.New(out).With().Timestamp().Logger()
)

func init() {
	level.Store(int32(zerolog.InfoLevel))
}

// SetLevel changes the minimum level emitted by every Logger returned from
// NewLogger, including ones already handed out.
func SetLevel(l zerolog.Level) {
	level.Store(int32(l))
}

// SetWriter redirects all future log output. Intended for tests that want to
// capture output into a buffer.
func SetWriter(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	global = zerolog.New(out).With().Timestamp().Logger()
}

// Logger is a component-scoped handle over the shared zerolog root logger.
type Logger struct {
	name string
}

// NewLogger returns a Logger tagged with the given component name, e.g.
// "pool" or "swarm".
func NewLogger(name string) *Logger {
	return &Logger{name: name}
}

func (l *Logger) ctx() zerolog.Context {
	mu.Lock()
	lg := global.Level(zerolog.Level(level.Load()))
	mu.Unlock()
	return lg.With().Str("component", l.name)
}

// Trace starts a trace-level event.
func (l *Logger) Trace() *zerolog.Event {
	return l.ctx().Logger().Trace()
}

// Debug starts a debug-level event, gated by the current global level.
func (l *Logger) Debug() *zerolog.Event {
	return l.ctx().Logger().Debug()
}

// Info starts an info-level event.
func (l *Logger) Info() *zerolog.Event {
	return l.ctx().Logger().Info()
}

// Warn starts a warn-level event.
func (l *Logger) Warn() *zerolog.Event {
	return l.ctx().Logger().Warn()
}

// Error starts an error-level event.
func (l *Logger) Error() *zerolog.Event {
	return l.ctx().Logger().Error()
}

// Fatal starts a fatal-level event. As with zerolog's own Fatal, sending
// the event (Msg, Send) exits the process with os.Exit(1).
func (l *Logger) Fatal() *zerolog.Event {
	return l.ctx().Logger().Fatal()
}
