// Package logging provides the logging interface used across EpochKV and a
// default implementation backed by zap.
//
// Five levels (Error, Warn, Info, Debug, Fatal). Fatalf logs at FATAL and
// then calls the configured FatalHandler; it never exits the process. The
// engine wires the handler to stop commits for the affected compaction group.
//
// Component namespace prefixes are used for filtering:
//   - [flush]    flush coordinator
//   - [compact]  compaction scheduler and jobs
//   - [manifest] version deltas, checkpoints and recovery
//   - [gc]       obsolete SSTable reclamation
//   - [read]     read path
//   - [control]  pause/resume and group configuration
//   - [catalog]  tables and materialized views
package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ErrFatal is the sentinel error wrapped by fatal conditions.
var ErrFatal = errors.New("fatal error")

// FatalHandler is called when Fatalf is invoked. It must be safe for
// concurrent use and must not call Fatalf.
type FatalHandler func(msg string)

// Level represents the logging level.
type Level int

const (
	// LevelError logs only errors.
	LevelError Level = iota
	// LevelWarn logs warnings and errors.
	LevelWarn
	// LevelInfo logs info, warnings, and errors.
	LevelInfo
	// LevelDebug logs everything.
	LevelDebug
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a level name as written in configuration files.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "error", "ERROR":
		return LevelError, nil
	case "warn", "WARN", "warning":
		return LevelWarn, nil
	case "info", "INFO", "":
		return LevelInfo, nil
	case "debug", "DEBUG":
		return LevelDebug, nil
	}
	return LevelInfo, fmt.Errorf("logging: unknown level %q", s)
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelError:
		return zapcore.ErrorLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelDebug:
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

// Logger defines the interface for engine logging.
//
// Implementations MUST be safe for concurrent use: flush, compaction, GC and
// readers all log from their own goroutines.
type Logger interface {
	Errorf(format string, args ...any)
	Warnf(format string, args ...any)
	Infof(format string, args ...any)
	Debugf(format string, args ...any)

	// Fatalf logs a fatal error and triggers the fatal handler. The engine
	// keeps serving reads after a fatal condition; commits for the affected
	// scope are rejected.
	Fatalf(format string, args ...any)
}

// DefaultLogger writes through a zap SugaredLogger. Level is fixed at
// construction.
type DefaultLogger struct {
	sugar        *zap.SugaredLogger
	level        Level
	fatalHandler atomic.Pointer[FatalHandler]
}

// NewDefaultLogger creates a logger writing to stderr.
func NewDefaultLogger(level Level) *DefaultLogger {
	return NewLogger(os.Stderr, level)
}

// NewLogger creates a logger writing console-encoded lines to w.
// Output format: 2026-01-02T15:04:05.000Z INFO [flush] message
func NewLogger(w io.Writer, level Level) *DefaultLogger {
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	encCfg.CallerKey = ""
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.AddSync(w),
		level.zapLevel(),
	)
	return &DefaultLogger{
		sugar: zap.New(core).Sugar(),
		level: level,
	}
}

// FromZap wraps an existing zap logger. The level only gates Level().
func FromZap(l *zap.Logger, level Level) *DefaultLogger {
	return &DefaultLogger{sugar: l.Sugar(), level: level}
}

// SetFatalHandler sets the handler called when Fatalf is invoked.
func (l *DefaultLogger) SetFatalHandler(h FatalHandler) {
	l.fatalHandler.Store(&h)
}

// Level returns the logging level.
func (l *DefaultLogger) Level() Level {
	return l.level
}

// Sync flushes buffered output.
func (l *DefaultLogger) Sync() error {
	return l.sugar.Sync()
}

func (l *DefaultLogger) Errorf(format string, args ...any) {
	l.sugar.Errorf(format, args...)
}

func (l *DefaultLogger) Warnf(format string, args ...any) {
	l.sugar.Warnf(format, args...)
}

func (l *DefaultLogger) Infof(format string, args ...any) {
	l.sugar.Infof(format, args...)
}

func (l *DefaultLogger) Debugf(format string, args ...any) {
	l.sugar.Debugf(format, args...)
}

// Fatalf logs at error severity with a FATAL marker (zap's own Fatal would
// exit) and calls the fatal handler if one is set.
func (l *DefaultLogger) Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.sugar.Errorf("FATAL %s", msg)
	if h := l.fatalHandler.Load(); h != nil {
		(*h)(msg)
	}
}

// Namespace prefixes for log messages.
const (
	NSFlush    = "[flush] "
	NSCompact  = "[compact] "
	NSManifest = "[manifest] "
	NSGC       = "[gc] "
	NSRead     = "[read] "
	NSControl  = "[control] "
	NSCatalog  = "[catalog] "
	NSDB       = "[db] "
	NSServer   = "[server] "
)

// IsNil returns true if the logger is nil or a typed-nil pointer.
func IsNil(l Logger) bool {
	if l == nil {
		return true
	}
	v := reflect.ValueOf(l)
	return v.Kind() == reflect.Ptr && v.IsNil()
}

// OrDefault returns l when usable, otherwise a WARN-level default logger.
func OrDefault(l Logger) Logger {
	if IsNil(l) {
		return NewDefaultLogger(LevelWarn)
	}
	return l
}
