// Package logger constructs the structured loggers used throughout the hio
// library. Every component receives a *zap.SugaredLogger through its Config
// struct rather than creating its own, which keeps log output for one context
// attributable to that context.
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New creates a sugared logger named after the given service (typically the
// hio context identifier). Output goes to stderr in console encoding, which
// matches how HPC job launchers capture per-rank output.
func New(service string) *zap.SugaredLogger {
	return NewWithVerbosity(service, 2)
}

// NewWithVerbosity creates a logger honoring the hio verbosity scale (0..5).
// Levels 0 and 1 limit output to errors and warnings, 2 adds informational
// messages and anything above enables debug output.
func NewWithVerbosity(service string, verbose int) *zap.SugaredLogger {
	config := zap.NewDevelopmentConfig()
	config.OutputPaths = []string{"stderr"}
	config.ErrorOutputPaths = []string{"stderr"}

	switch {
	case verbose <= 0:
		config.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	case verbose == 1:
		config.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case verbose == 2:
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	default:
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}

	log, err := config.Build()
	if err != nil {
		// Fall back to a no-op logger rather than failing context creation
		// over logging setup.
		return zap.NewNop().Sugar()
	}

	return log.Sugar().Named(service)
}
