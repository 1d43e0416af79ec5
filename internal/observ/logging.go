package observ

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	logMu  sync.RWMutex
	logger = newLogger(os.Stdout, false)
)

func newLogger(w io.Writer, console bool) zerolog.Logger {
	if console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

// Configure sets the global level and output style. Unknown levels fall back to info.
func Configure(level string, console bool) {
	ConfigureWriter(os.Stdout, level, console)
}

// ConfigureWriter is Configure with an explicit destination.
func ConfigureWriter(w io.Writer, level string, console bool) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	logMu.Lock()
	defer logMu.Unlock()
	logger = newLogger(w, console).Level(lvl)
}

// SetOutput redirects all events to w as JSON lines. Used by tests.
func SetOutput(w io.Writer) {
	logMu.Lock()
	defer logMu.Unlock()
	logger = newLogger(w, false)
}

func current() zerolog.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	return logger
}

// Log emits one info-level event line.
func Log(event string, kv map[string]any) {
	l := current()
	emit(l.Info(), event, kv)
}

func Warn(event string, kv map[string]any) {
	l := current()
	emit(l.Warn(), event, kv)
}

// Critical is for anything that leaves the trading gate degraded or needs an operator.
func Critical(event string, kv map[string]any) {
	l := current()
	emit(l.Error().Str("severity", "critical"), event, kv)
}

func emit(e *zerolog.Event, event string, kv map[string]any) {
	if e == nil {
		return
	}
	e.Fields(kv).Str("event", event).Send()
}
