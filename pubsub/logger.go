package pubsub

import (
	"context"

	"go.uber.org/zap"
)

type zapLogger struct {
	lg *zap.SugaredLogger
}

// ZapLogger adapts a zap logger to Logger. Key/value pairs become zap fields.
func ZapLogger(lg *zap.Logger) Logger {
	if lg == nil {
		return noopLogger{}
	}
	return zapLogger{lg: lg.Sugar()}
}

func (z zapLogger) Debug(_ context.Context, msg string, kv ...any) { z.lg.Debugw(msg, kv...) }
func (z zapLogger) Info(_ context.Context, msg string, kv ...any)  { z.lg.Infow(msg, kv...) }
func (z zapLogger) Warn(_ context.Context, msg string, kv ...any)  { z.lg.Warnw(msg, kv...) }
func (z zapLogger) Error(_ context.Context, msg string, kv ...any) { z.lg.Errorw(msg, kv...) }

type noopLogger struct{}

func (noopLogger) Debug(context.Context, string, ...any) {}
func (noopLogger) Info(context.Context, string, ...any)  {}
func (noopLogger) Warn(context.Context, string, ...any)  {}
func (noopLogger) Error(context.Context, string, ...any) {}
