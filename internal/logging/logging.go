// Package logging builds shardkv's zerolog logger: JSON output by
// default, a zerolog.ConsoleWriter for a "pretty" development format,
// and the global level set once at startup.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config selects the logger's minimum level and output encoding.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, pretty
}

// New builds a root logger for the process. Component loggers are derived
// from it with .With().Str("component", ...) / .Int("shard", ...) rather
// than constructed fresh, so every log line shares the same timestamp and
// service fields.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = os.Stdout
	if cfg.Format == "pretty" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).With().Timestamp().Str("service", "shardkv").Logger()
}

// Sub derives a component sub-logger carrying a named field.
func Sub(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}
