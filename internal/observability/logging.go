// Package observability provides structured logging, Prometheus
// metrics, and tracing for the orchestrator core.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// ContextKey is the type for context keys used in log correlation.
type ContextKey string

const (
	// ConversationIDKey is the context key for conversation ids.
	ConversationIDKey ContextKey = "conversation_id"

	// WorkspaceIDKey is the context key for workspace (tenant) ids.
	WorkspaceIDKey ContextKey = "workspace_id"

	// RequestIDKey is the context key for per-turn request ids.
	RequestIDKey ContextKey = "request_id"
)

// WithTurn attaches the per-turn correlation ids to the context.
func WithTurn(ctx context.Context, conversationID, workspaceID, requestID string) context.Context {
	ctx = context.WithValue(ctx, ConversationIDKey, conversationID)
	ctx = context.WithValue(ctx, WorkspaceIDKey, workspaceID)
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// ConversationID retrieves the conversation id from the context.
func ConversationID(ctx context.Context) string {
	if id, ok := ctx.Value(ConversationIDKey).(string); ok {
		return id
	}
	return ""
}

// WorkspaceID retrieves the workspace id from the context.
func WorkspaceID(ctx context.Context) string {
	if id, ok := ctx.Value(WorkspaceIDKey).(string); ok {
		return id
	}
	return ""
}

// RequestID retrieves the request id from the context.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// LogConfig configures the logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string `yaml:"level"`

	// Format specifies output format: "json" or "text".
	// JSON is recommended for production; text for development.
	Format string `yaml:"format"`

	// Output is the writer for log output (defaults to os.Stdout).
	Output io.Writer `yaml:"-"`
}

// Logger provides structured logging with turn correlation.
//
// Callers are responsible for redacting PII slot values before passing
// arg maps; slots.Registry.RedactArgs does that. The logger itself only
// attaches correlation ids and the normative event keys.
type Logger struct {
	logger *slog.Logger
}

// NewLogger creates a structured logger. Empty config fields default
// to info-level JSON on stdout.
func NewLogger(config LogConfig) *Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}

	var level slog.Level
	switch strings.ToLower(config.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(config.Format) == "text" {
		handler = slog.NewTextHandler(config.Output, opts)
	} else {
		handler = slog.NewJSONHandler(config.Output, opts)
	}

	return &Logger{logger: slog.New(handler)}
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *Logger {
	return &Logger{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// Debug logs a debug-level message with optional key-value pairs.
func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelDebug, msg, args...)
}

// Info logs an info-level message with optional key-value pairs.
func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelInfo, msg, args...)
}

// Warn logs a warning-level message with optional key-value pairs.
func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, args...)
}

// Error logs an error-level message with optional key-value pairs.
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelError, msg, args...)
}

// Event emits one of the normative pipeline events (intent_detected,
// plan_generated, policy_decision, tool_call_started,
// tool_call_finished, state_patch_applied, response_emitted) with the
// required correlation keys.
func (l *Logger) Event(ctx context.Context, event string, args ...any) {
	attrs := []any{
		"event", event,
		"timestamp", time.Now().UTC().Format(time.RFC3339Nano),
	}
	attrs = append(attrs, args...)
	l.log(ctx, slog.LevelInfo, event, attrs...)
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	attrs := make([]any, 0, len(args)+6)
	if id := ConversationID(ctx); id != "" {
		attrs = append(attrs, "conversation_id", id)
	}
	if id := WorkspaceID(ctx); id != "" {
		attrs = append(attrs, "workspace_id", id)
	}
	if id := RequestID(ctx); id != "" {
		attrs = append(attrs, "request_id", id)
	}
	attrs = append(attrs, args...)
	l.logger.Log(ctx, level, msg, attrs...)
}
