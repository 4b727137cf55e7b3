// Package xlog wraps log/slog with output selection, level parsing and daily
// file rotation. The Logger embeds *slog.Logger, so all slog methods are
// available directly.
package xlog

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger couples a slog.Logger with the cleanup of its output.
// Call Close when the logger is no longer needed; for stdout/stderr
// outputs Close is a no-op.
type Logger struct {
	*slog.Logger
	closer io.Closer
}

// New builds a Logger from the config.
func New(cfg Config) (*Logger, error) {
	cfg = cfg.withDefaults()

	writer, closer, err := resolveWriter(cfg)
	if err != nil {
		return nil, err
	}

	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(writer, opts)
	case "text":
		handler = slog.NewTextHandler(writer, opts)
	default:
		return nil, fmt.Errorf("xlog: unsupported format %q", cfg.Format)
	}

	return &Logger{Logger: slog.New(handler), closer: closer}, nil
}

// MustNew is New, panicking on error. For use during startup.
func MustNew(cfg Config) *Logger {
	logger, err := New(cfg)
	if err != nil {
		panic(fmt.Sprintf("xlog: create logger: %v", err))
	}
	return logger
}

// Default returns a Logger over slog.Default with no cleanup attached.
func Default() *Logger {
	return &Logger{Logger: slog.Default()}
}

// WithAttrs returns a Logger with the attributes appended to every record.
func (l *Logger) WithAttrs(args ...any) *Logger {
	return &Logger{Logger: l.With(args...), closer: l.closer}
}

// Close releases the underlying output, if any.
func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

func resolveWriter(cfg Config) (io.Writer, io.Closer, error) {
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	default:
		w, err := newRotateWriter(cfg.Output, cfg.MaxAge)
		if err != nil {
			return nil, nil, err
		}
		return w, w, nil
	}
}

// ParseLevel maps a level name to its slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("xlog: invalid level %q", level)
	}
}
