package observability

import (
	"context"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/maplecart/api/internal/platform/requestctx"
)

// NewLogger builds the process-wide JSON logger. Field names follow the
// Cloud Logging structured payload conventions (severity, message,
// timestamp) so entries are parsed without an agent config. LOG_LEVEL
// selects the minimum level and defaults to info.
func NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))))
	if err != nil {
		level = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:    zap.NewAtomicLevelAt(level),
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey: "message",
			LevelKey:   "severity",
			TimeKey:    "timestamp",
			CallerKey:  "caller",
			EncodeTime: zapcore.RFC3339NanoTimeEncoder,
			EncodeLevel: func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
				enc.AppendString(strings.ToUpper(l.String()))
			},
		},
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
	}
	return cfg.Build()
}

// WithLogger stores the logger on the context for downstream packages.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return requestctx.WithLogger(ctx, logger)
}
