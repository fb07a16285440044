package courier

import "log/slog"

// Logger is the minimal structured logging surface the package needs. It is
// satisfied by *slog.Logger out of the box; applications can plug in their
// own implementation through LoggerOption.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

func defaultLogger() Logger {
	return slog.Default()
}
