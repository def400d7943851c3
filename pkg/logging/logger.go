// Package logging provides the structured, component-scoped logger used
// throughout the tool-server platform. It wraps go.uber.org/zap behind a
// small interface so callers never depend on zap directly.
package logging

import (
	"context"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured logging interface used across the platform.
// Fields are passed as alternating key/value pairs, e.g.
//
//	logger.Info("plugin_loaded", "plugin", id, "duration_ms", 12)
type Logger interface {
	Trace(operation string, fields ...interface{})
	Debug(operation string, fields ...interface{})
	Info(operation string, fields ...interface{})
	Warn(operation string, fields ...interface{})
	Error(operation string, fields ...interface{})

	WithComponent(component string) Logger
	WithContext(ctx context.Context) Logger
	WithTraceID(traceID string) Logger
}

// zapLogger implements Logger on top of a *zap.SugaredLogger.
type zapLogger struct {
	sugar     *zap.SugaredLogger
	component string
	traceID   string
}

// Config controls how the root logger is constructed.
type Config struct {
	Level      string `yaml:"level"`       // trace, debug, info, warn, error
	Format     string `yaml:"format"`      // json, console
	OutputPath string `yaml:"output_path"` // defaults to stdout
}

// New builds a root Logger from Config.
func New(cfg Config) (Logger, error) {
	level := parseLevel(cfg.Level)

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	sink := zapcore.AddSync(os.Stdout)
	if cfg.OutputPath != "" {
		f, err := os.OpenFile(cfg.OutputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		sink = zapcore.NewMultiWriteSyncer(zapcore.AddSync(os.Stdout), zapcore.AddSync(f))
	}

	core := zapcore.NewCore(encoder, sink, level)
	base := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))

	return &zapLogger{sugar: base.Sugar()}, nil
}

// NewNop returns a Logger that discards everything; used in tests and as a
// safe default when a caller forgets to inject a real logger.
func NewNop() Logger {
	return &zapLogger{sugar: zap.NewNop().Sugar()}
}

func parseLevel(level string) zapcore.LevelEnabler {
	switch level {
	case "trace", "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func (l *zapLogger) withFields(operation string, fields []interface{}) (string, []interface{}) {
	extra := make([]interface{}, 0, len(fields)+4)
	if l.component != "" {
		extra = append(extra, "component", l.component)
	}
	if l.traceID != "" {
		extra = append(extra, "trace_id", l.traceID)
	}
	extra = append(extra, fields...)
	return operation, extra
}

func (l *zapLogger) Trace(operation string, fields ...interface{}) {
	op, f := l.withFields(operation, fields)
	l.sugar.Debugw(op, f...)
}

func (l *zapLogger) Debug(operation string, fields ...interface{}) {
	op, f := l.withFields(operation, fields)
	l.sugar.Debugw(op, f...)
}

func (l *zapLogger) Info(operation string, fields ...interface{}) {
	op, f := l.withFields(operation, fields)
	l.sugar.Infow(op, f...)
}

func (l *zapLogger) Warn(operation string, fields ...interface{}) {
	op, f := l.withFields(operation, fields)
	l.sugar.Warnw(op, f...)
}

func (l *zapLogger) Error(operation string, fields ...interface{}) {
	op, f := l.withFields(operation, fields)
	l.sugar.Errorw(op, f...)
}

func (l *zapLogger) WithComponent(component string) Logger {
	return &zapLogger{sugar: l.sugar, component: component, traceID: l.traceID}
}

func (l *zapLogger) WithContext(ctx context.Context) Logger {
	if traceID, ok := ctx.Value(traceIDKey{}).(string); ok {
		return l.WithTraceID(traceID)
	}
	return l
}

func (l *zapLogger) WithTraceID(traceID string) Logger {
	return &zapLogger{sugar: l.sugar, component: l.component, traceID: traceID}
}

type traceIDKey struct{}

// ContextWithTraceID attaches a trace ID to a context so WithContext can pick
// it up downstream (e.g. across a management API request).
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}
