package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	mcperrors "github.com/mcprotocol/mcprotocol-go/pkg/errors"
)

// TextFormatter formats log entries as one human-readable line:
//
//	2024-01-02 15:04:05.000 [INFO] [req-1] sse-server@conn-9: message | k=v
type TextFormatter struct {
	TimestampFormat  string
	DisableColors    bool
	DisableTimestamp bool
}

// NewTextFormatter creates a text formatter without colors
func NewTextFormatter() *TextFormatter {
	return &TextFormatter{
		TimestampFormat: "2006-01-02 15:04:05.000",
		DisableColors:   true,
	}
}

// Format formats a log entry as text
func (f *TextFormatter) Format(entry *Entry) ([]byte, error) {
	var buf bytes.Buffer

	if !f.DisableTimestamp {
		buf.WriteString(entry.Timestamp.Format(f.TimestampFormat))
		buf.WriteByte(' ')
	}

	levelText := "[" + entry.Level.String() + "]"
	if !f.DisableColors {
		levelText = colorLevel(entry.Level, levelText)
	}
	buf.WriteString(levelText)
	buf.WriteByte(' ')

	if entry.RequestID != "" {
		fmt.Fprintf(&buf, "[%s] ", entry.RequestID)
	}

	if entry.Component != "" {
		buf.WriteString(entry.Component)
		if entry.ConnectionID != "" {
			buf.WriteByte('@')
			buf.WriteString(entry.ConnectionID)
		}
		if entry.Operation != "" {
			buf.WriteByte('/')
			buf.WriteString(entry.Operation)
		}
		buf.WriteString(": ")
	}

	buf.WriteString(entry.Message)

	if pairs := f.formatFields(entry); len(pairs) > 0 {
		buf.WriteString(" | ")
		buf.WriteString(strings.Join(pairs, " "))
	}

	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func (f *TextFormatter) formatFields(entry *Entry) []string {
	skip := map[string]bool{KeyRequestID: true}
	if entry.Component != "" {
		skip[KeyComponent] = true
		skip[KeyConnectionID] = true
		skip[KeyOperation] = true
	}

	pairs := make([]string, 0, len(entry.Fields))
	for k, v := range entry.Fields {
		if skip[k] {
			continue
		}
		pairs = append(pairs, k+"="+formatValue(v))
	}
	sort.Strings(pairs)
	return pairs
}

func formatValue(v interface{}) string {
	switch val := v.(type) {
	case error:
		return quoteIfNeeded(val.Error())
	case string:
		return quoteIfNeeded(val)
	case time.Duration:
		return val.String()
	case fmt.Stringer:
		return quoteIfNeeded(val.String())
	default:
		return fmt.Sprintf("%v", v)
	}
}

func quoteIfNeeded(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\n\"=") {
		return fmt.Sprintf("%q", s)
	}
	return s
}

var levelColors = map[Level]string{
	DebugLevel: "\033[90m",
	InfoLevel:  "\033[34m",
	WarnLevel:  "\033[33m",
	ErrorLevel: "\033[31m",
}

func colorLevel(level Level, text string) string {
	color, ok := levelColors[level]
	if !ok {
		return text
	}
	return color + text + "\033[0m"
}

// JSONFormatter formats log entries as one JSON object per line
type JSONFormatter struct {
	TimestampFormat  string
	DisableTimestamp bool
}

// NewJSONFormatter creates a new JSON formatter
func NewJSONFormatter() *JSONFormatter {
	return &JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
	}
}

// Format formats a log entry as JSON. An MCPError passed as a plain field is
// written as its message with error_code and error_category alongside,
// unless WithError already added them.
func (f *JSONFormatter) Format(entry *Entry) ([]byte, error) {
	data := make(map[string]interface{}, len(entry.Fields)+3)
	for k, v := range entry.Fields {
		switch val := v.(type) {
		case mcperrors.MCPError:
			data[k] = val.Error()
			if _, ok := entry.Fields["error_code"]; !ok {
				data["error_code"] = val.Code()
				data["error_category"] = string(val.Category())
			}
		case error:
			data[k] = val.Error()
		case time.Duration:
			data[k] = val.String()
		default:
			data[k] = v
		}
	}

	data["level"] = entry.Level.String()
	data["message"] = entry.Message
	if !f.DisableTimestamp {
		data["timestamp"] = entry.Timestamp.Format(f.TimestampFormat)
	}

	out, err := json.Marshal(data)
	if err != nil {
		return nil, mcperrors.SerializationError("failed to marshal log entry", err)
	}
	return append(out, '\n'), nil
}
