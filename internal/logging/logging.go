// Package logging wires the process-wide zap logger.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Init builds a production-config zap logger, honoring BEACON_LOG_LEVEL
// ("debug", "info", "warn", "error"; default "info"), and installs it as
// the package-global logger used throughout the engine via zap.S().
func Init() error {
	level := zapcore.InfoLevel
	if raw := os.Getenv("BEACON_LOG_LEVEL"); raw != "" {
		if err := level.UnmarshalText([]byte(raw)); err != nil {
			return fmt.Errorf("parse BEACON_LOG_LEVEL: %w", err)
		}
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)

	l, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}

	zap.ReplaceGlobals(l)
	return nil
}
