// Package logging provides the structured logger used by every transport and
// session. Entries carry key/value fields; the well-known keys component,
// connection_id and request_id are promoted into the entry header.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mcperrors "github.com/mcprotocol/mcprotocol-go/pkg/errors"
)

// Level represents the severity of a log message
type Level int32

const (
	// DebugLevel is for detailed information useful for debugging
	DebugLevel Level = iota - 1
	// InfoLevel is for general informational messages
	InfoLevel
	// WarnLevel is for warning messages
	WarnLevel
	// ErrorLevel is for error messages
	ErrorLevel
)

// String returns the string representation of a log level
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a level name such as "debug" or "WARN"
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	}
	return InfoLevel, mcperrors.ConfigError("log_level", fmt.Sprintf("unknown level %q", s))
}

// Well-known field keys
const (
	KeyComponent    = "component"
	KeyOperation    = "operation"
	KeyConnectionID = "connection_id"
	KeyRequestID    = "request_id"
	KeyMethod       = "method"
	KeyTransport    = "transport"
)

// Field represents a key-value pair for structured logging
type Field struct {
	Key   string
	Value interface{}
}

func String(key, value string) Field                 { return Field{Key: key, Value: value} }
func Int(key string, value int) Field                { return Field{Key: key, Value: value} }
func Int64(key string, value int64) Field            { return Field{Key: key, Value: value} }
func Bool(key string, value bool) Field              { return Field{Key: key, Value: value} }
func Duration(key string, value time.Duration) Field { return Field{Key: key, Value: value} }
func Any(key string, value interface{}) Field        { return Field{Key: key, Value: value} }

// ErrorField creates an error field
func ErrorField(err error) Field {
	return Field{Key: "error", Value: err}
}

// Component tags entries with the emitting component
func Component(name string) Field { return String(KeyComponent, name) }

// ConnectionID tags entries with an SSE connection id
func ConnectionID(id string) Field { return String(KeyConnectionID, id) }

// RequestID tags entries with a request id
func RequestID(id string) Field { return String(KeyRequestID, id) }

// Method tags entries with a protocol method name
func Method(m string) Field { return String(KeyMethod, m) }

// Logger is the interface for structured logging
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// WithFields returns a new logger with additional fields
	WithFields(fields ...Field) Logger
	// WithContext returns a new logger with the request id found in ctx
	WithContext(ctx context.Context) Logger
	// WithError returns a new logger carrying err and its MCPError context
	WithError(err error) Logger

	// SetLevel sets the minimum log level for this logger and all loggers
	// derived from the same root
	SetLevel(level Level)
	GetLevel() Level
}

// Entry represents a log entry
type Entry struct {
	Level        Level
	Message      string
	Fields       map[string]interface{}
	Timestamp    time.Time
	RequestID    string
	Component    string
	Operation    string
	ConnectionID string
}

// Formatter formats log entries
type Formatter interface {
	Format(entry *Entry) ([]byte, error)
}

// core is shared by a root logger and everything derived from it so that
// writes to the output are serialized.
type core struct {
	mu        sync.Mutex
	level     atomic.Int32
	output    io.Writer
	formatter Formatter
}

type baseLogger struct {
	core   *core
	fields map[string]interface{}
}

// New creates a new structured logger. A nil output writes to stderr so that
// stdio transports never mix diagnostics into the protocol stream.
func New(output io.Writer, formatter Formatter) Logger {
	if output == nil {
		output = os.Stderr
	}
	if formatter == nil {
		formatter = NewTextFormatter()
	}

	c := &core{output: output, formatter: formatter}
	c.level.Store(int32(InfoLevel))
	return &baseLogger{core: c, fields: map[string]interface{}{}}
}

func (l *baseLogger) Debug(msg string, fields ...Field) { l.log(DebugLevel, msg, fields) }
func (l *baseLogger) Info(msg string, fields ...Field)  { l.log(InfoLevel, msg, fields) }
func (l *baseLogger) Warn(msg string, fields ...Field)  { l.log(WarnLevel, msg, fields) }
func (l *baseLogger) Error(msg string, fields ...Field) { l.log(ErrorLevel, msg, fields) }

func (l *baseLogger) WithFields(fields ...Field) Logger {
	newFields := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		newFields[k] = v
	}
	for _, field := range fields {
		newFields[field.Key] = field.Value
	}
	return &baseLogger{core: l.core, fields: newFields}
}

func (l *baseLogger) WithContext(ctx context.Context) Logger {
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		return l.WithFields(RequestID(requestID))
	}
	return l
}

func (l *baseLogger) WithError(err error) Logger {
	if err == nil {
		return l
	}
	fields := []Field{ErrorField(err)}

	if mcpErr, ok := mcperrors.AsMCPError(err); ok {
		fields = append(fields,
			Int("error_code", mcpErr.Code()),
			String("error_category", string(mcpErr.Category())),
		)
		if ctx := mcpErr.Context(); ctx != nil {
			if ctx.RequestID != "" {
				fields = append(fields, RequestID(ctx.RequestID))
			}
			if ctx.ConnectionID != "" {
				fields = append(fields, ConnectionID(ctx.ConnectionID))
			}
			if ctx.Operation != "" {
				fields = append(fields, String(KeyOperation, ctx.Operation))
			}
		}
	}

	return l.WithFields(fields...)
}

func (l *baseLogger) SetLevel(level Level) {
	l.core.level.Store(int32(level))
}

func (l *baseLogger) GetLevel() Level {
	return Level(l.core.level.Load())
}

func (l *baseLogger) log(level Level, msg string, fields []Field) {
	if level < l.GetLevel() {
		return
	}

	entry := &Entry{
		Level:     level,
		Message:   msg,
		Fields:    make(map[string]interface{}, len(l.fields)+len(fields)),
		Timestamp: time.Now(),
	}
	for k, v := range l.fields {
		entry.Fields[k] = v
	}
	for _, field := range fields {
		entry.Fields[field.Key] = field.Value
	}

	entry.RequestID, _ = entry.Fields[KeyRequestID].(string)
	entry.Component, _ = entry.Fields[KeyComponent].(string)
	entry.Operation, _ = entry.Fields[KeyOperation].(string)
	entry.ConnectionID, _ = entry.Fields[KeyConnectionID].(string)

	data, err := l.core.formatter.Format(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to format log entry: %v\n", err)
		return
	}

	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	if _, err := l.core.output.Write(data); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write log entry: %v\n", err)
	}
}

type nopLogger struct{}

// NewNop returns a logger that discards everything
func NewNop() Logger { return nopLogger{} }

func (nopLogger) Debug(string, ...Field)               {}
func (nopLogger) Info(string, ...Field)                {}
func (nopLogger) Warn(string, ...Field)                {}
func (nopLogger) Error(string, ...Field)               {}
func (n nopLogger) WithFields(...Field) Logger         { return n }
func (n nopLogger) WithContext(context.Context) Logger { return n }
func (n nopLogger) WithError(error) Logger             { return n }
func (nopLogger) SetLevel(Level)                       {}
func (nopLogger) GetLevel() Level                      { return ErrorLevel + 1 }

type contextKey string

const requestIDKey contextKey = "request_id"

// ContextWithRequestID returns a context with a request ID
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request ID from a context
func RequestIDFromContext(ctx context.Context) string {
	if requestID, ok := ctx.Value(requestIDKey).(string); ok {
		return requestID
	}
	return ""
}
