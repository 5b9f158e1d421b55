package logger

import (
	"fmt"

	"gis-polygon/internal/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "gis-polygon"

type Logger struct {
	*zap.Logger
}

// New creates a zap logger configured by environment. LOG_LEVEL overrides
// the level the environment implies; an unknown level is an error.
func New(cfg *config.Config) (*Logger, error) {
	zapCfg := Config(cfg.Environment)

	if cfg.LogLevel != "" {
		lvl, err := zapcore.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.LogLevel, err)
		}
		zapCfg.Level = zap.NewAtomicLevelAt(lvl)
	}

	l, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return &Logger{l.Named(serviceName).With(zap.String("environment", cfg.Environment))}, nil
}

// Config returns the zap config used for env: JSON with ISO8601 timestamps
// in production, coloured console output otherwise.
func Config(env string) zap.Config {
	var zapCfg zap.Config
	if env == "production" {
		zapCfg = zap.NewProductionConfig()
		zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zapCfg.EncoderConfig.TimeKey = "timestamp"
	return zapCfg
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zap.NewNop()}
}

// Sync flushes any buffered log entries
func (l *Logger) Sync() {
	_ = l.Logger.Sync() // stdout/stderr sync errors are harmless
}
