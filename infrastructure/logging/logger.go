// Package logging provides structured logging with session/trace context.
package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys carrying logging fields.
type ContextKey string

const (
	// TraceIDKey is the context key for a request/message trace id.
	TraceIDKey ContextKey = "trace_id"
	// SessionIDKey is the context key for the originating session id.
	SessionIDKey ContextKey = "session_id"
	// UserIDKey is the context key for the authenticated user id.
	UserIDKey ContextKey = "user_id"
	// DeviceIDKey is the context key for the target device id.
	DeviceIDKey ContextKey = "device_id"
)

// Logger wraps logrus.Logger with service identity and context promotion.
type Logger struct {
	*logrus.Logger
	service string
}

// New creates a new Logger instance for the given service, level, and format.
func New(service, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if strings.EqualFold(format, "json") {
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

	return &Logger{Logger: logger, service: service}
}

// NewFromEnv builds a logger from LOG_LEVEL / LOG_FORMAT, defaulting to info/json.
func NewFromEnv(service string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(service, level, format)
}

// WithContext returns a logrus entry enriched with any of the context keys
// above that are present on ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)
	if ctx == nil {
		return entry
	}
	if v := ctx.Value(TraceIDKey); v != nil {
		entry = entry.WithField("trace_id", v)
	}
	if v := ctx.Value(SessionIDKey); v != nil {
		entry = entry.WithField("session_id", v)
	}
	if v := ctx.Value(UserIDKey); v != nil {
		entry = entry.WithField("user_id", v)
	}
	if v := ctx.Value(DeviceIDKey); v != nil {
		entry = entry.WithField("device_id", v)
	}
	return entry
}

// WithSession returns a context carrying the given session id for later
// log-field promotion.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// WithDevice returns a context carrying the given device id.
func WithDevice(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, DeviceIDKey, deviceID)
}

// WithUser returns a context carrying the given user id.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
