// Package logging provides structured logging for the offline engine using log/slog.
package logging

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/c0deZ3R0/go-offline-kit/errors"
)

// Logger is our wrapper around slog.Logger with additional convenience methods
type Logger struct {
	*slog.Logger
}

// Config holds logger configuration
type Config struct {
	Level       string    `json:"level" yaml:"level" toml:"level"`                // trace, debug, info, warn, error
	Format      string    `json:"format" yaml:"format" toml:"format"`             // text, json
	AddSource   bool      `json:"add_source" yaml:"add_source" toml:"add_source"` // whether to add source code information
	Environment string    `json:"environment" yaml:"environment" toml:"environment"`
	Output      io.Writer `json:"-" yaml:"-" toml:"-"`
}

// DefaultConfig is used when no configuration has been supplied.
var DefaultConfig = Config{
	Level:       "info",
	Format:      "json",
	AddSource:   false,
	Environment: EnvProduction,
}

var defaultLogger *Logger

// Component names the engine component a log line belongs to.
type Component string

func (c Component) LogValue() slog.Value {
	return slog.StringValue(string(c))
}

// OfflineErrorValuer provides structured logging for OfflineError
type OfflineErrorValuer struct {
	*errors.OfflineError
}

func (e OfflineErrorValuer) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("operation", string(e.Op)),
		slog.String("component", e.Component),
		slog.String("code", string(e.Code)),
		slog.Bool("retryable", e.Retryable),
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("error", e.Err.Error()))
	}

	if e.Metadata != nil {
		metadataAttrs := make([]slog.Attr, 0, len(e.Metadata))
		for k, v := range e.Metadata {
			metadataAttrs = append(metadataAttrs, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Any("metadata", slog.GroupValue(metadataAttrs...)))
	}

	return slog.GroupValue(attrs...)
}

// ParseLevel maps a level name to a slog level. Unknown names yield info.
func ParseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(s) {
	case "trace":
		return slog.Level(LevelTrace), true
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

// NewLogger creates a new logger with the provided configuration
func NewLogger(config Config) *Logger {
	level, _ := ParseLevel(config.Level)
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: config.AddSource,
	}

	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	var handler slog.Handler
	if config.Format == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	return &Logger{Logger: slog.New(handler)}
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *Logger {
	return NewLogger(Config{Level: "error", Format: "text", Output: io.Discard})
}

// Init initializes the global logger with the provided configuration
func Init(config Config) {
	defaultLogger = NewLogger(config)
	slog.SetDefault(defaultLogger.Logger)
}

// Default returns the default logger instance
func Default() *Logger {
	if defaultLogger == nil {
		Init(DefaultConfig)
	}
	return defaultLogger
}

// WithComponent creates a child logger with component context
func (l *Logger) WithComponent(component Component) *Logger {
	return &Logger{Logger: l.With(slog.Any("component", component))}
}

type ctxKey string

// RequestIDKey is the context key under which request ids are carried.
const RequestIDKey ctxKey = "request_id"

// WithRequestID returns a context carrying id for WithContext to pick up.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// WithContext creates a child logger with request context and extra attributes
func (l *Logger) WithContext(ctx context.Context, attrs ...slog.Attr) *Logger {
	contextAttrs := make([]any, 0, len(attrs)+1)

	if reqID, ok := ctx.Value(RequestIDKey).(string); ok && reqID != "" {
		contextAttrs = append(contextAttrs, slog.String("request_id", reqID))
	}

	for _, attr := range attrs {
		contextAttrs = append(contextAttrs, attr)
	}

	return &Logger{Logger: l.With(contextAttrs...)}
}

// ErrorAttr describes err for a log line. An OfflineError anywhere in the
// chain is logged as a group carrying its code and metadata.
func ErrorAttr(err error) slog.Attr {
	var oe *errors.OfflineError
	if stderrors.As(err, &oe) {
		return slog.Any("offline_error", OfflineErrorValuer{OfflineError: oe})
	}
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}

// LogError logs an error with caller information and structured attributes
func (l *Logger) LogError(ctx context.Context, err error, msg string, attrs ...slog.Attr) {
	logError(ctx, l.Logger, err, msg, attrs)
}

// LogError logs err on l the way (*Logger).LogError does, for components
// that hold a plain *slog.Logger.
func LogError(ctx context.Context, l *slog.Logger, err error, msg string, attrs ...slog.Attr) {
	logError(ctx, l, err, msg, attrs)
}

func logError(ctx context.Context, l *slog.Logger, err error, msg string, attrs []slog.Attr) {
	allAttrs := make([]any, 0, len(attrs)+2)
	if err != nil {
		allAttrs = append(allAttrs, ErrorAttr(err))
	}

	pc, file, line, ok := runtime.Caller(2)
	if ok {
		name := "unknown"
		if fn := runtime.FuncForPC(pc); fn != nil {
			name = fn.Name()
		}
		allAttrs = append(allAttrs,
			slog.Group("caller",
				slog.String("file", file),
				slog.Int("line", line),
				slog.String("function", name),
			),
		)
	}

	for _, attr := range attrs {
		allAttrs = append(allAttrs, attr)
	}

	l.ErrorContext(ctx, msg, allAttrs...)
}

func WithComponent(component Component) *Logger {
	return Default().WithComponent(component)
}
