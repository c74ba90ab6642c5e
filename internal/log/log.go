// Package log wraps zerolog into the handful of helpers the storage
// engine and orchestrator need: a global logger, per-concern child
// loggers, and the small set of level helpers the rest of the module
// calls. Only errs.Internal errors are expected to reach this package;
// everything else is caller-handled control flow.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance, configured by Init.
var Logger zerolog.Logger

// Level is a textual log level, as taken from configuration.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger from cfg.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

func init() {
	// A sane default so packages that log before Init (e.g. in tests)
	// don't panic on a zero-value logger.
	Init(Config{Level: InfoLevel})
}

// WithComponent returns a child logger tagged with the owning package.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithUser returns a child logger tagged with the acting user's key.
func WithUser(userKey string) zerolog.Logger {
	return Logger.With().Str("user", userKey).Logger()
}

// WithResource returns a child logger tagged with a resource key and kind.
func WithResource(kind, key string) zerolog.Logger {
	return Logger.With().Str("kind", kind).Str("key", key).Logger()
}

// WithChannel returns a child logger tagged with a notification channel's URL.
func WithChannel(url string) zerolog.Logger {
	return Logger.With().Str("channel_url", url).Logger()
}

func Info(msg string)  { Logger.Info().Msg(msg) }
func Debug(msg string) { Logger.Debug().Msg(msg) }
func Warn(msg string)  { Logger.Warn().Msg(msg) }

// Err logs an Internal-kind error at error level; callers should not log
// other error kinds per the propagation policy.
func Err(err error, msg string) {
	Logger.Error().Err(err).Msg(msg)
}
