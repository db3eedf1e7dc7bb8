package logger

import (
	"context"

	scontext "github.com/poltergeist/spectre/pkg/context"
)

// LoggerContext extends the Logger interface with context-aware methods.
type LoggerContext interface {
	Logger
	InfoContext(ctx context.Context, message string, fields ...Field)
	ErrorContext(ctx context.Context, message string, fields ...Field)
	WarnContext(ctx context.Context, message string, fields ...Field)
	DebugContext(ctx context.Context, message string, fields ...Field)
}

var _ LoggerContext = (*UnitLogger)(nil)

// InfoContext logs an info message with invocation fields
func (l *UnitLogger) InfoContext(ctx context.Context, message string, fields ...Field) {
	l.Info(message, append(contextFields(ctx), fields...)...)
}

// ErrorContext logs an error message with invocation fields
func (l *UnitLogger) ErrorContext(ctx context.Context, message string, fields ...Field) {
	l.Error(message, append(contextFields(ctx), fields...)...)
}

// WarnContext logs a warning message with invocation fields
func (l *UnitLogger) WarnContext(ctx context.Context, message string, fields ...Field) {
	l.Warn(message, append(contextFields(ctx), fields...)...)
}

// DebugContext logs a debug message with invocation fields
func (l *UnitLogger) DebugContext(ctx context.Context, message string, fields ...Field) {
	l.Debug(message, append(contextFields(ctx), fields...)...)
}

func contextFields(ctx context.Context) []Field {
	if ctx == nil {
		return nil
	}

	var fields []Field
	if id, ok := scontext.InvocationID(ctx); ok {
		fields = append(fields, WithField("invocation", id))
	}
	if op, ok := scontext.Operation(ctx); ok {
		fields = append(fields, WithField("operation", op))
	}
	return fields
}

// WithContext creates a logger that automatically includes context fields
func WithContext(ctx context.Context, logger Logger) Logger {
	if ctx == nil {
		return logger
	}
	return &contextualLogger{ctx: ctx, logger: logger}
}

type contextualLogger struct {
	ctx    context.Context
	logger Logger
}

func (cl *contextualLogger) Info(message string, fields ...Field) {
	if lc, ok := cl.logger.(LoggerContext); ok {
		lc.InfoContext(cl.ctx, message, fields...)
		return
	}
	cl.logger.Info(message, fields...)
}

func (cl *contextualLogger) Error(message string, fields ...Field) {
	if lc, ok := cl.logger.(LoggerContext); ok {
		lc.ErrorContext(cl.ctx, message, fields...)
		return
	}
	cl.logger.Error(message, fields...)
}

func (cl *contextualLogger) Warn(message string, fields ...Field) {
	if lc, ok := cl.logger.(LoggerContext); ok {
		lc.WarnContext(cl.ctx, message, fields...)
		return
	}
	cl.logger.Warn(message, fields...)
}

func (cl *contextualLogger) Debug(message string, fields ...Field) {
	if lc, ok := cl.logger.(LoggerContext); ok {
		lc.DebugContext(cl.ctx, message, fields...)
		return
	}
	cl.logger.Debug(message, fields...)
}

func (cl *contextualLogger) Success(message string, fields ...Field) {
	cl.logger.Success(message, append(contextFields(cl.ctx), fields...)...)
}

func (cl *contextualLogger) WithUnit(unitID string) Logger {
	return &contextualLogger{ctx: cl.ctx, logger: cl.logger.WithUnit(unitID)}
}
