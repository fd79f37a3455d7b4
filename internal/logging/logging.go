// Package logging builds the shared zap logger used across memflow.
// Components receive a named child logger by constructor injection;
// nothing in the core writes through a global.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New creates the root logger. Debug mode switches to the development
// encoder with debug-level output; production mode logs structured
// JSON at info level.
func New(debug bool) (*zap.Logger, error) {
	if debug {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		return cfg.Build()
	}
	return zap.NewProduction()
}

// Nop returns a logger that discards everything. Used as the default
// when a component is constructed without one, and in tests.
func Nop() *zap.Logger {
	return zap.NewNop()
}
