package gpudevice

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// nopHandler discards every record. It is the zero-cost default so that
// packages under internal/ never pay for logging unless a caller opts in
// with SetLogger.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (h nopHandler) WithAttrs([]slog.Attr) slog.Handler       { return h }
func (h nopHandler) WithGroup(string) slog.Handler            { return h }

var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(slog.New(nopHandler{}))
}

// SetLogger installs the logger used by internal/gpudevice and the
// packages that embed it. Passing nil restores the no-op default.
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(nopHandler{})
	}
	loggerPtr.Store(l)
}

func logger() *slog.Logger {
	return loggerPtr.Load()
}

// Warn logs through the shared ambient logger. Other packages under
// internal/ use this instead of importing log/slog directly, so the
// whole executor shares one logger and one SetLogger switch.
func Warn(msg string, args ...any) {
	logger().Warn(msg, args...)
}

// Info logs through the shared ambient logger.
func Info(msg string, args ...any) {
	logger().Info(msg, args...)
}
