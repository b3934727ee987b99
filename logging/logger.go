// Package logging provides structured logging with trace ID support
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// ActorIDKey is the context key for the acting principal
	ActorIDKey ContextKey = "actor_id"
	// StoreKey is the context key for the store/entity name
	StoreKey ContextKey = "store"
)

// Logger wraps logrus.Logger with additional functionality
type Logger struct {
	*logrus.Logger
	component string
}

// New creates a new Logger instance
func New(component, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	logger.SetOutput(os.Stdout)

	return &Logger{
		Logger:    logger,
		component: component,
	}
}

// NewFromEnv constructs a logger using LOG_LEVEL and LOG_FORMAT environment variables.
// Defaults to "info" and "json" when unset.
func NewFromEnv(component string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(component, level, format)
}

// Nop returns a logger that discards all output.
func Nop() *Logger {
	l := New("nop", "panic", "text")
	l.SetOutput(io.Discard)
	return l
}

// WithContext creates a new logger entry with context values
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("component", l.component)

	if traceID := ctx.Value(TraceIDKey); traceID != nil {
		entry = entry.WithField("trace_id", traceID)
	}
	if actorID := ctx.Value(ActorIDKey); actorID != nil {
		entry = entry.WithField("actor_id", actorID)
	}
	if store := ctx.Value(StoreKey); store != nil {
		entry = entry.WithField("store", store)
	}

	return entry
}

// WithFields creates a new logger entry with custom fields
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["component"] = l.component
	return l.Logger.WithFields(fields)
}

// WithError creates a new logger entry with error
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"component": l.component,
		"error":     err.Error(),
	})
}

// SetOutput sets the logger output
func (l *Logger) SetOutput(output io.Writer) {
	l.Logger.SetOutput(output)
}

// Context helper functions

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID retrieves the trace ID from context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// WithActorID adds the acting principal to the context
func WithActorID(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, ActorIDKey, actorID)
}

// GetActorID retrieves the acting principal from context
func GetActorID(ctx context.Context) string {
	if actorID, ok := ctx.Value(ActorIDKey).(string); ok {
		return actorID
	}
	return ""
}

// WithStore adds the store name to the context
func WithStore(ctx context.Context, store string) context.Context {
	return context.WithValue(ctx, StoreKey, store)
}

// GetStore retrieves the store name from context
func GetStore(ctx context.Context) string {
	if store, ok := ctx.Value(StoreKey).(string); ok {
		return store
	}
	return ""
}

// Structured logging helpers

// LogOperation logs a store operation
func (l *Logger) LogOperation(ctx context.Context, op, entity string, duration time.Duration, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"op":          op,
		"entity":      entity,
		"duration_ms": duration.Milliseconds(),
	})

	if err != nil {
		entry.WithError(err).Error("Store operation failed")
	} else {
		entry.Debug("Store operation executed")
	}
}

// LogSyncTransition logs a sync state machine transition
func (l *Logger) LogSyncTransition(entity, from, to string, pending int) {
	l.WithFields(map[string]interface{}{
		"entity":  entity,
		"from":    from,
		"to":      to,
		"pending": pending,
	}).Info("Sync status changed")
}

// LogCryptoOperation logs a cryptographic operation
func (l *Logger) LogCryptoOperation(ctx context.Context, operation string, success bool, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"operation": operation,
		"success":   success,
	})

	if err != nil {
		entry.WithError(err).Error("Crypto operation failed")
	} else {
		entry.Debug("Crypto operation completed")
	}
}
