package util

import (
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ParseLevel accepts a zap level name ("debug", "warn") or its numeric value
// ("-1", "1"). Empty input is info.
func ParseLevel(s string) (zapcore.Level, error) {
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		lvl := zapcore.Level(n)
		if lvl < zapcore.DebugLevel || lvl > zapcore.FatalLevel {
			return zapcore.InfoLevel, fmt.Errorf("log level %d out of range", n)
		}
		return lvl, nil
	}
	return zapcore.ParseLevel(s)
}

func newLoggerConfig(level zapcore.Level) zap.Config {
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.EncoderConfig.CallerKey = "ln"
	zapCfg.EncoderConfig.FunctionKey = ""
	zapCfg.EncoderConfig.LevelKey = "severity"
	zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.OutputPaths = []string{"stdout"}
	return zapCfg
}

// NewLogger builds the production logger at the level named by LOG_LEVEL and
// installs it as the zap global. The returned func restores the previous
// globals and flushes.
func NewLogger() (*zap.Logger, func(), error) {
	level, err := ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	logger, err := newLoggerConfig(level).Build()
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}
	undo := zap.ReplaceGlobals(logger)
	return logger, func() {
		undo()
		_ = logger.Sync()
	}, nil
}
