package setup

import "log/slog"

var packageLogger *slog.Logger

// SetLogger configures the package logger used for workspace operations.
func SetLogger(logger *slog.Logger) {
	packageLogger = logger
}

func getLogger() *slog.Logger {
	if packageLogger != nil {
		return packageLogger
	}
	return slog.Default()
}
