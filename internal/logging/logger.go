// Package logging provides zap logger helpers.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap.Logger configured for development or production. A
// non-empty level ("debug", "info", "warn", "error") overrides the preset.
func New(development bool, level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg.DisableStacktrace = false
	}
	cfg.EncoderConfig.TimeKey = "ts"
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", level, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// ForRun returns a named child carrying the run identifier.
func ForRun(logger *zap.Logger, component, runID string) *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return logger.Named(component).With(zap.String("run_id", runID))
}
