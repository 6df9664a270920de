package internal

import (
	"io"
	"log/slog"
)

// Log attribute keys specific to this application. Shared keys like
// "err" and "subject" come from elephantine.
const (
	LogKeyLogLevel  = "log_level"
	LogKeyFileID    = "file_id"
	LogKeyLockID    = "lock_id"
	LogKeyEndpoint  = "endpoint"
	LogKeyBucket    = "bucket"
	LogKeyComponent = "component"
)

// SetUpLogger creates a JSON logger at the given level and sets it as
// the global logger.
func SetUpLogger(logLevel string, w io.Writer) *slog.Logger {
	level := slog.LevelWarn

	if logLevel != "" {
		err := level.UnmarshalText([]byte(logLevel))
		if err != nil {
			level = slog.LevelWarn
		}
	}

	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))

	slog.SetDefault(logger)

	return logger
}
