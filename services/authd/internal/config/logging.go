package config

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger returns the process logger: console output in development, JSON to
// stderr in production. An unknown LOG_LEVEL falls back to info.
func (c Config) Logger() zerolog.Logger {
	return c.loggerTo(os.Stderr)
}

func (c Config) loggerTo(w io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	out := w
	if !c.Production() {
		out = zerolog.ConsoleWriter{Out: w}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
