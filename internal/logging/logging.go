// Package logging initializes the process-wide zerolog.Logger and attaches
// request-scoped child loggers to context.Context, in the style of
// cuemby-warren's pkg/log: a global Logger configured once at startup, plus
// small With* helpers that stamp a component or request field rather than
// routing every call through a logging middleware framework.
package logging

import (
	"context"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger, configured once by Init.
var Logger zerolog.Logger

func init() {
	Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// Config controls the global logger's verbosity and output shape.
type Config struct {
	Level      string // "debug", "info", "warn", "error"; defaults to info
	JSONOutput bool
}

// Init reconfigures the global Logger. Called once at startup from
// cmd/repod, before config.Load.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.JSONOutput {
		Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		return
	}
	Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with a component field, for
// the catalog/publish/mirror "component=..." structured events SPEC_FULL.md
// calls for.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// Context attaches logger to ctx, retrievable via zerolog.Ctx.
func Context(ctx context.Context, logger zerolog.Logger) context.Context {
	return logger.WithContext(ctx)
}
