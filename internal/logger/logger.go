// Package logger provides the structured logging interface used across the
// gateway.
package logger

import (
	"io"
	"strings"

	"github.com/rs/zerolog"
)

// Logger defines the logging interface consumed by the gateway components.
// Keeping it as a narrow interface (rather than depending on *zerolog.Logger
// directly) lets tests and the default Null logger swap implementations
// without touching call sites.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
	Fatalf(format string, args ...any)
	With(fields map[string]any) Logger
}

// Null discards everything. Used as the default when no logger is wired,
// e.g. in unit tests that do not care about log output.
var Null Logger = zlog{logger: zerolog.New(io.Discard)}

type zlog struct {
	logger zerolog.Logger
}

// New returns a Logger that writes single-line JSON records at the given
// level to w. Unrecognised levels fall back to info.
func New(w io.Writer, level string) Logger {
	zerolog.TimestampFieldName = "timestamp"
	l := zerolog.New(w).With().Timestamp().Logger().Level(parseLevel(level))
	return zlog{logger: l}
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

func (z zlog) Debugf(format string, args ...any) { z.logger.Debug().Msgf(format, args...) }
func (z zlog) Infof(format string, args ...any)  { z.logger.Info().Msgf(format, args...) }
func (z zlog) Warnf(format string, args ...any)  { z.logger.Warn().Msgf(format, args...) }
func (z zlog) Errorf(format string, args ...any) { z.logger.Error().Msgf(format, args...) }
func (z zlog) Fatalf(format string, args ...any) { z.logger.Fatal().Msgf(format, args...) }

func (z zlog) With(fields map[string]any) Logger {
	ctx := z.logger.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return zlog{logger: ctx.Logger()}
}
