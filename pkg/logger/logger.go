// Package logger provides a process-wide structured logger used by every
// long-lived gateway component. It wraps log/slog behind a small singleton so
// call sites don't thread a logger through every constructor.
package logger

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"
)

var singleton atomic.Pointer[slog.Logger]

// envReader abstracts os.Getenv so tests can stub environment lookups.
type envReader interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

// Initialize configures the singleton logger from the environment. It is
// idempotent and safe to call from every command's PersistentPreRun.
func Initialize() {
	singleton.Store(newLogger(osEnv{}))
}

func newLogger(env envReader) *slog.Logger {
	level := slog.LevelInfo
	if debugEnabled(env) {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if unstructuredLogsWithEnv(env) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func debugEnabled(env envReader) bool {
	v, err := strconv.ParseBool(env.Getenv("DEBUG"))
	return err == nil && v
}

// unstructuredLogsWithEnv reports whether UNSTRUCTURED_LOGS should produce
// human-readable text logs. Unset or unparsable values default to true, as
// does an explicit "true"; only an explicit "false" switches to JSON.
func unstructuredLogsWithEnv(env envReader) bool {
	v, err := strconv.ParseBool(env.Getenv("UNSTRUCTURED_LOGS"))
	if err != nil {
		return true
	}
	return v
}

func get() *slog.Logger {
	if l := singleton.Load(); l != nil {
		return l
	}
	Initialize()
	return singleton.Load()
}

// Debug logs at debug level.
func Debug(msg string) { get().Debug(msg) }

// Debugf logs a formatted message at debug level.
func Debugf(format string, args ...any) { get().Debug(fmt.Sprintf(format, args...)) }

// Debugw logs a message with structured key/value pairs at debug level.
func Debugw(msg string, kv ...any) { get().Debug(msg, kv...) }

// Info logs at info level.
func Info(msg string) { get().Info(msg) }

// Infof logs a formatted message at info level.
func Infof(format string, args ...any) { get().Info(fmt.Sprintf(format, args...)) }

// Infow logs a message with structured key/value pairs at info level.
func Infow(msg string, kv ...any) { get().Info(msg, kv...) }

// Warn logs at warn level.
func Warn(msg string) { get().Warn(msg) }

// Warnf logs a formatted message at warn level.
func Warnf(format string, args ...any) { get().Warn(fmt.Sprintf(format, args...)) }

// Warnw logs a message with structured key/value pairs at warn level.
func Warnw(msg string, kv ...any) { get().Warn(msg, kv...) }

// Error logs at error level.
func Error(msg string) { get().Error(msg) }

// Errorf logs a formatted message at error level.
func Errorf(format string, args ...any) { get().Error(fmt.Sprintf(format, args...)) }

// Errorw logs a message with structured key/value pairs at error level.
func Errorw(msg string, kv ...any) { get().Error(msg, kv...) }
