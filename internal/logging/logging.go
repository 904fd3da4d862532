// Package logging provides the component-scoped structured logger used
// throughout the engine. Every subsystem constructs its own logger via
// NewComponentLogger so log lines are tagged with the subsystem that
// emitted them; request-scoped code additionally tags lines with a log id
// via WithLogID so an operator can grep one request's lines across every
// component it touched.
package logging

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Logger is the structured logging contract every component depends on.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// nopLogger discards everything. Returned by OrNop when no logger is wired,
// so callers never need a nil check before logging.
type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop is a shared no-op logger.
var Nop Logger = nopLogger{}

// IsNil reports whether logger is a nil interface or a typed nil pointer
// hiding behind the interface (the classic Go gotcha that breaks a plain
// `logger == nil` check).
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	if tl, ok := logger.(*textLogger); ok {
		return tl == nil
	}
	return false
}

// OrNop returns logger unchanged, or Nop if logger is nil (including a
// typed nil pointer).
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop
	}
	return logger
}

// textLogger writes one line per call in the format:
//
//	2026-02-08 01:11:57 [INFO] [SERVICE] [Component] [log_id=...] file:line - message
//
// The log_id segment is omitted when empty.
type textLogger struct {
	mu        *sync.Mutex
	out       io.Writer
	component string
	logID     string
	now       func() time.Time
}

// NewComponentLogger builds a logger scoped to one named subsystem, writing
// to stdout.
func NewComponentLogger(component string) Logger {
	return &textLogger{
		mu:        &sync.Mutex{},
		out:       os.Stdout,
		component: component,
		now:       time.Now,
	}
}

// NewComponentLoggerTo builds a component logger writing to an arbitrary
// sink, for tests that need to assert on log output.
func NewComponentLoggerTo(out io.Writer, component string) Logger {
	return &textLogger{mu: &sync.Mutex{}, out: out, component: component, now: time.Now}
}

// WithLogID returns a logger that tags every line with the given request
// log id, preserving the underlying component and sink.
func WithLogID(logger Logger, logID string) Logger {
	base, ok := logger.(*textLogger)
	if !ok {
		return logger
	}
	clone := *base
	clone.logID = logID
	return &clone
}

func (l *textLogger) Debug(format string, args ...any) { l.write("DEBUG", format, args...) }
func (l *textLogger) Info(format string, args ...any)  { l.write("INFO", format, args...) }
func (l *textLogger) Warn(format string, args ...any)  { l.write("WARN", format, args...) }
func (l *textLogger) Error(format string, args ...any) { l.write("ERROR", format, args...) }

func (l *textLogger) write(level, format string, args ...any) {
	if l == nil || l.out == nil {
		return
	}
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}

	_, file, line, ok := runtime.Caller(2)
	source := "unknown:0"
	if ok {
		source = shortFile(file) + ":" + strconv.Itoa(line)
	}

	logIDSegment := ""
	if l.logID != "" {
		logIDSegment = "[log_id=" + l.logID + "] "
	}

	ts := l.now().UTC().Format("2006-01-02 15:04:05")
	line2 := fmt.Sprintf("%s [%s] [SERVICE] [%s] %s%s - %s\n",
		ts, level, l.component, logIDSegment, source, msg)

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = io.WriteString(l.out, line2)
}

func shortFile(path string) string {
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		return path[idx+1:]
	}
	return path
}
