// Package logger builds the process-wide zap logger and carries it through
// the pipeline via context, together with a run correlation id.
package logger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum enabled logging level.
	// Valid values: "debug", "info", "warn", "error". Default: "info".
	Level string

	// Format sets the encoding: "json" (default) or "console".
	Format string

	// Development enables human-readable output and stack traces.
	Development bool
}

type contextKey struct{}

var loggerKey = contextKey{}

// New creates a logger with the specified configuration. Every logger is
// stamped with a run_id so that log lines from one process run can be
// correlated across consumers.
func New(cfg *Config) (*zap.Logger, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	level := cfg.Level
	if level == "" {
		level = "info"
	}
	format := cfg.Format
	if format == "" {
		format = "json"
	}

	atomic := zap.NewAtomicLevel()
	if err := atomic.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Development {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
	}

	zapConfig := zap.Config{
		Level:             atomic,
		Development:       cfg.Development,
		Encoding:          format,
		EncoderConfig:     encoderConfig,
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: !cfg.Development,
		InitialFields: map[string]interface{}{
			"run_id": uuid.NewString(),
		},
	}

	log, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return log, nil
}

// WithLogger returns a new context with the given logger attached.
func WithLogger(ctx context.Context, log *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, log)
}

// FromContext retrieves the logger from the context. If no logger is found,
// it returns a no-op logger.
func FromContext(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return zap.NewNop()
	}
	if log, ok := ctx.Value(loggerKey).(*zap.Logger); ok && log != nil {
		return log
	}
	return zap.NewNop()
}

// WithConsumer returns a logger scoped to one consumer.
func WithConsumer(log *zap.Logger, consumer string) *zap.Logger {
	return log.With(zap.String("consumer", consumer))
}

// WithComponent returns a logger with a "component" field.
func WithComponent(log *zap.Logger, component string) *zap.Logger {
	return log.With(zap.String("component", component))
}
