// Package logging provides structured logging using go.uber.org/zap.
//
// Long-lived components (registry, listener, wrapper) log to a per-component
// file so the wrapped terminal is never corrupted by log output. Hooks also
// log to a file because their stdout is the agent protocol channel.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls logger construction.
type Options struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string

	// Component names the log file (<dir>/<component>.log).
	Component string

	// Dir is the directory for component log files. When empty the logger
	// writes to stderr (useful in tests and one-off CLI commands).
	Dir string
}

// New builds a zap logger per the options.
func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
			level = zapcore.InfoLevel
		}
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.LowercaseLevelEncoder

	var sink zapcore.WriteSyncer
	if opts.Dir == "" {
		sink = zapcore.AddSync(os.Stderr)
	} else {
		if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		path := filepath.Join(opts.Dir, opts.Component+".log")
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		sink = zapcore.AddSync(f)
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), sink, level)
	return zap.New(core, zap.AddCaller()).Named(opts.Component), nil
}

// Nop returns a logger that discards everything. Used by tests and by hooks
// when even file logging is unavailable.
func Nop() *zap.Logger {
	return zap.NewNop()
}
