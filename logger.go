package sockchan

import "log/slog"

// Logger is the interface for structured logging.
// It is designed to be compatible with *slog.Logger from the standard library.
// Applications can provide their own implementation or use the default slog logger.
//
// Channels log with a "channel" key holding Channel.ID and an "addr" key
// holding the remote address, so one connection's lifecycle can be followed
// across loop, pipeline and executor messages.
type Logger interface {
	// Debug logs a debug-level message with optional key-value pairs.
	Debug(msg string, args ...any)
	// Info logs an info-level message with optional key-value pairs.
	Info(msg string, args ...any)
	// Warn logs a warning-level message with optional key-value pairs.
	Warn(msg string, args ...any)
	// Error logs an error-level message with optional key-value pairs.
	Error(msg string, args ...any)
}

// defaultLogger returns the default slog logger from the standard library.
func defaultLogger() Logger {
	return slog.Default()
}

// loggerOrDefault returns l, or the default logger when l is nil.
func loggerOrDefault(l Logger) Logger {
	if l == nil {
		return defaultLogger()
	}
	return l
}
