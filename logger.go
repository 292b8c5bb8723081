package main

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "session-cli"

// newLogger builds a JSON file logger. Without a file, logging is disabled
// so the terminal output stays readable.
func newLogger(levelName, file string) (*zap.Logger, error) {
	if file == "" {
		return zap.NewNop(), nil
	}

	cfg := zap.NewProductionConfig()
	level := new(zapcore.Level)
	if err := level.Set(levelName); err != nil {
		*level = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(*level)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.OutputPaths = []string{file}
	cfg.ErrorOutputPaths = []string{file}
	cfg.Sampling = nil

	return cfg.Build(zap.Fields(zap.String("service", serviceName)))
}
