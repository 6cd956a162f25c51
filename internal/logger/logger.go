package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup initializes the global logger. Every event is also captured in the
// global LogBuffer.
func Setup(level, format string) {
	zerolog.SetGlobalLevel(parseLevel(level))
	log.Logger = New(os.Stdout, format, GetBuffer())
}

// New builds a logger writing to out in the given format ("json" or
// "console"). A nil buffer disables capture.
func New(out io.Writer, format string, buffer *LogBuffer) zerolog.Logger {
	var base io.Writer = out
	if strings.ToLower(format) == "console" {
		base = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}

	var w io.Writer = base
	if buffer != nil {
		w = zerolog.MultiLevelWriter(base, bufferWriter{buffer: buffer})
	}

	return zerolog.New(w).
		With().
		Timestamp().
		Caller().
		Logger()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}

// Get returns a logger with the given component name
func Get(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
