// Package observability provides logging, metrics, and tracing.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogContextKey is a type for context keys used by the logging package.
type LogContextKey string

// Context keys picked up by the context-aware handler.
const (
	CorrelationID  LogContextKey = "correlation_id"
	ConversationID LogContextKey = "conversation_id"
	CallID         LogContextKey = "call_id"
	ParticipantID  LogContextKey = "participant_id"
)

var contextKeys = []LogContextKey{CorrelationID, ConversationID, CallID, ParticipantID}

// ctxHandler is a slog.Handler that adds context values to the log record.
type ctxHandler struct {
	slog.Handler
}

// Handle adds context values to the record before passing it to the underlying handler.
func (h *ctxHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, key := range contextKeys {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			r.AddAttrs(slog.String(string(key), v))
		}
	}
	return h.Handler.Handle(ctx, r)
}

func (h *ctxHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ctxHandler{h.Handler.WithAttrs(attrs)}
}

func (h *ctxHandler) WithGroup(name string) slog.Handler {
	return &ctxHandler{h.Handler.WithGroup(name)}
}

// NewLogger builds the structured logger: JSON in production, text otherwise.
func NewLogger(env, level string) *slog.Logger {
	return NewLoggerTo(os.Stdout, env, level)
}

// NewLoggerTo is NewLogger writing to w.
func NewLoggerTo(w io.Writer, env, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if env == "production" || env == "prod" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(&ctxHandler{handler})
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithCorrelationID returns a new context with the given correlation ID.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationID, id)
}

// WithConversation tags ctx with a conversation id for logging.
func WithConversation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ConversationID, id)
}

// WithCall tags ctx with a call id for logging.
func WithCall(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CallID, id)
}

// ExtractCorrelationID retrieves the correlation ID from the context.
func ExtractCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(CorrelationID).(string); ok {
		return id
	}
	return ""
}

// SyncLogger provides structured logging for one sync component.
type SyncLogger struct {
	component string
	logger    *slog.Logger
}

// NewSyncLogger creates a SyncLogger for the given component.
func NewSyncLogger(logger *slog.Logger, component string) *SyncLogger {
	if logger == nil {
		logger = Discard()
	}
	return &SyncLogger{component: component, logger: logger}
}

// Logger exposes the underlying slog logger tagged with the component.
func (l *SyncLogger) Logger() *slog.Logger {
	return l.logger.With(slog.String("component", l.component))
}

// LogConnect logs a channel connection.
func (l *SyncLogger) LogConnect(ctx context.Context, participantID, url string) {
	l.logger.InfoContext(ctx, "channel connected",
		slog.String("component", l.component),
		slog.String("participant_id", participantID),
		slog.String("url", url),
	)
}

// LogDisconnect logs a channel disconnection.
func (l *SyncLogger) LogDisconnect(ctx context.Context, reason string, serverInitiated bool) {
	l.logger.InfoContext(ctx, "channel disconnected",
		slog.String("component", l.component),
		slog.String("reason", reason),
		slog.Bool("server_initiated", serverInitiated),
	)
}

// LogEvent logs an inbound or outbound event at debug level.
func (l *SyncLogger) LogEvent(ctx context.Context, direction, event string) {
	l.logger.DebugContext(ctx, "sync event",
		slog.String("component", l.component),
		slog.String("direction", direction),
		slog.String("event", event),
	)
}

// LogError logs a failed operation.
func (l *SyncLogger) LogError(ctx context.Context, err error, operation string) {
	l.logger.ErrorContext(ctx, "sync error",
		slog.String("component", l.component),
		slog.String("operation", operation),
		slog.String("error", err.Error()),
	)
}

// LogWarn logs a recoverable problem.
func (l *SyncLogger) LogWarn(ctx context.Context, msg string, fields map[string]any) {
	attrs := []any{slog.String("component", l.component)}
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	l.logger.WarnContext(ctx, msg, attrs...)
}

// LogLifecycle logs a state transition.
func (l *SyncLogger) LogLifecycle(ctx context.Context, event string, fields map[string]any) {
	attrs := []any{
		slog.String("component", l.component),
		slog.String("event", event),
	}
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	l.logger.InfoContext(ctx, "sync lifecycle", attrs...)
}
