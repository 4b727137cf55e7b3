package xlog

import (
	"context"
)

type loggerKey struct{}

// FromContext returns the Logger stored in ctx, or Default when none is set.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey{}).(*Logger); ok {
		return l
	}
	return Default()
}

// WithContext stores the Logger in ctx.
func WithContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// WithAttrs appends attributes to the context logger and returns the new context.
func WithAttrs(ctx context.Context, args ...any) context.Context {
	return WithContext(ctx, FromContext(ctx).WithAttrs(args...))
}
