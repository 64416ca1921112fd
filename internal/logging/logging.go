// Package logging builds the structured loggers used by the daemon.
package logging

import (
	"context"
	"io"
	"os"
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey is the key every subsystem tag is logged under.
const SubsystemKey = pslog.TrustedString("sys")

// New returns the base daemon logger. DOPPIO_LOG_* environment variables
// override the defaults; a non-empty level overrides the environment.
func New(w io.Writer, level string) pslog.Logger {
	if w == nil {
		w = os.Stderr
	}
	logger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("DOPPIO_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(w),
	).With("app", "doppio")
	if lvl, ok := pslog.ParseLevel(strings.TrimSpace(level)); ok {
		logger = logger.LogLevel(lvl)
	}
	return logger
}

// Subsystem joins non-empty parts with dots.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part != "" {
			filtered = append(filtered, part)
		}
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem tags every entry of logger with subsystem. A nil logger
// becomes a no-op logger.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	logger = Ensure(logger)
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// Ensure returns logger, or a no-op logger when it is nil.
func Ensure(logger pslog.Logger) pslog.Logger {
	if logger == nil {
		return pslog.NoopLogger()
	}
	return logger
}
