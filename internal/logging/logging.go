// Package logging wraps charmbracelet/log into the leveled, key-value
// logger every other package in this module takes as a constructor
// argument (logger.Warn("message", "key", value, ...)).
package logging

import (
	"io"
	"os"

	charmlog "github.com/charmbracelet/log"
)

// Level mirrors charmlog's levels so callers don't need to import it.
type Level = charmlog.Level

const (
	LevelDebug = charmlog.DebugLevel
	LevelInfo  = charmlog.InfoLevel
	LevelWarn  = charmlog.WarnLevel
	LevelError = charmlog.ErrorLevel
)

// Config controls how a Logger is constructed.
type Config struct {
	Level      Level
	Output     io.Writer
	ReportTime bool
	Prefix     string
}

// DefaultConfig returns sane defaults: info level, stderr, timestamps on.
func DefaultConfig() Config {
	return Config{
		Level:      LevelInfo,
		Output:     os.Stderr,
		ReportTime: true,
		Prefix:     "greyd",
	}
}

// Logger is the structured logger passed through the connection engine,
// greylisting engine, sync engine, firewall driver and DB layer.
type Logger struct {
	*charmlog.Logger
}

// New builds a Logger from Config.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	l := charmlog.NewWithOptions(cfg.Output, charmlog.Options{
		ReportTimestamp: cfg.ReportTime,
		Level:           cfg.Level,
		Prefix:          cfg.Prefix,
	})
	return &Logger{Logger: l}
}

// With returns a derived Logger with the given key-value pairs attached to
// every subsequent log line, mirroring charmlog's With but preserving our
// wrapper type.
func (l *Logger) With(keyvals ...any) *Logger {
	return &Logger{Logger: l.Logger.With(keyvals...)}
}
