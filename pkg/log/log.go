// Package log wraps zerolog with the handful of structured fields the
// node driver and its ambient packages care about: which replica, which
// term, which role. The core (pkg/raft) never imports this — it has no
// logging of its own, by design (spec.md §2: no I/O in the pure core).
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance, set by Init. It starts out backed
// by a real writer (stderr) rather than the zerolog zero value, so packages
// that log before any main() calls Init — notably pkg/testing's in-process
// harness — never hit a nil writer.
var Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Level is a logging verbosity.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config configures the global logger.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init sets up the global logger from cfg.
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
		Logger = zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}
}

// WithReplica creates a child logger tagged with the owning replica's id.
func WithReplica(id string) zerolog.Logger {
	return Logger.With().Str("replica_id", id).Logger()
}

// WithPeer adds the remote peer a log line concerns.
func WithPeer(logger zerolog.Logger, peer string) zerolog.Logger {
	return logger.With().Str("peer", peer).Logger()
}

// WithTerm adds the term a log line concerns.
func WithTerm(logger zerolog.Logger, term uint64) zerolog.Logger {
	return logger.With().Uint64("term", term).Logger()
}

func Info(msg string)  { Logger.Info().Msg(msg) }
func Debug(msg string) { Logger.Debug().Msg(msg) }
func Warn(msg string)  { Logger.Warn().Msg(msg) }
func Error(msg string) { Logger.Error().Msg(msg) }

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) { Logger.Fatal().Msg(msg) }
