package telemetry

import (
	"log/slog"
	"os"
	"strings"
)

// level backs the default logger so SetLevel can change verbosity after
// SetupLogger without rebuilding the handler.
var level = new(slog.LevelVar)

// ParseLevel maps "debug", "info", "warn"/"warning" and "error" (any case)
// to a slog.Level. Anything else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogger installs the process-wide slog logger.
//
// format "json" selects the JSON handler for production; anything else gets
// the text handler. Source locations are attached only at debug level.
func SetupLogger(format, lvl string) {
	level.Set(ParseLevel(lvl))

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level.Level() == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler).With("service", "sensorhub"))
	slog.Info("logger initialised", "format", format, "level", level.Level().String())
}

// SetLevel changes the level of the logger installed by SetupLogger.
func SetLevel(lvl string) {
	next := ParseLevel(lvl)
	if next == level.Level() {
		return
	}
	prev := level.Level()
	level.Set(next)
	slog.Info("log level changed", "from", prev.String(), "to", next.String())
}

// Level reports the current log level.
func Level() slog.Level {
	return level.Level()
}
