// Package core holds the small shared pieces the rest of phasor builds on,
// most importantly the Logger abstraction.
package core

import (
	"fmt"
	"io"
	"log"
	"os"
)

// Level controls which messages a logger emits.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Logger provides leveled logging.
// The abstraction allows swapping logging implementations.
type Logger interface {
	// Debugf logs a formatted debug message
	Debugf(format string, args ...interface{})

	// Infof logs a formatted informational message
	Infof(format string, args ...interface{})

	// Warnf logs a formatted warning message
	Warnf(format string, args ...interface{})

	// Errorf logs a formatted error message
	Errorf(format string, args ...interface{})
}

// defaultLogger implements Logger using Go's standard log package.
type defaultLogger struct {
	level  Level
	debug  *log.Logger
	info   *log.Logger
	warn   *log.Logger
	errlog *log.Logger
}

// NewDefaultLogger creates a logger writing to stdout/stderr at LevelInfo.
func NewDefaultLogger() Logger {
	return NewLogger(os.Stdout, os.Stderr, LevelInfo)
}

// NewLogger creates a logger with explicit sinks and level.
func NewLogger(out, errOut io.Writer, level Level) Logger {
	return &defaultLogger{
		level:  level,
		debug:  log.New(out, "[DEBUG] ", log.LstdFlags),
		info:   log.New(out, "[INFO] ", log.LstdFlags),
		warn:   log.New(errOut, "[WARN] ", log.LstdFlags),
		errlog: log.New(errOut, "[ERROR] ", log.LstdFlags),
	}
}

// NewNopLogger creates a logger that discards everything. Useful in tests.
func NewNopLogger() Logger {
	return NewLogger(io.Discard, io.Discard, LevelError+1)
}

func (l *defaultLogger) Debugf(format string, args ...interface{}) {
	if l.level <= LevelDebug {
		l.debug.Output(2, fmt.Sprintf(format, args...))
	}
}

func (l *defaultLogger) Infof(format string, args ...interface{}) {
	if l.level <= LevelInfo {
		l.info.Output(2, fmt.Sprintf(format, args...))
	}
}

func (l *defaultLogger) Warnf(format string, args ...interface{}) {
	if l.level <= LevelWarn {
		l.warn.Output(2, fmt.Sprintf(format, args...))
	}
}

func (l *defaultLogger) Errorf(format string, args ...interface{}) {
	if l.level <= LevelError {
		l.errlog.Output(2, fmt.Sprintf(format, args...))
	}
}
