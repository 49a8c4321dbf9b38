// Package log wires the shared zerolog.Logger every package in this module
// logs through: one global logger configured once at startup, with child
// loggers scoped to whatever a caller is currently doing — a shard, a
// remote peer, or a named component.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the shared logger; WithComponent/WithShard/WithPeer scope it.
var Logger zerolog.Logger

// Level is the closed set of severities Init accepts.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls the global logger. NodeID, when set, is stamped onto
// every line this process emits, so a multi-node deployment's merged log
// stream can be split back out by node without parsing message text — the
// same field sync.Engine and sync.Coordinator already key their own
// metrics and changelog entries by.
type Config struct {
	Level      Level
	JSONOutput bool
	NodeID     string
	Output     io.Writer
}

func init() {
	Init(Config{Level: InfoLevel})
}

// Init (re)configures the global logger. Safe to call again at runtime,
// e.g. once a node id becomes known after process start.
func Init(cfg Config) {
	zerolog.SetGlobalLevel(levelOf(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	base := zerolog.New(output).With().Timestamp().Logger()
	if !cfg.JSONOutput {
		base = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
	if cfg.NodeID != "" {
		base = base.With().Str("node_id", cfg.NodeID).Logger()
	}
	Logger = base
}

func levelOf(l Level) zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithComponent scopes the logger to a named component (e.g. "query_engine",
// "sync_coordinator").
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithShard scopes the logger to a shard id.
func WithShard(shardID string) zerolog.Logger {
	return Logger.With().Str("shard_id", shardID).Logger()
}

// WithPeer scopes the logger to a remote peer address, used by the sync
// engine and coordinator when logging per-peer activity.
func WithPeer(addr string) zerolog.Logger {
	return Logger.With().Str("peer", addr).Logger()
}

func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
