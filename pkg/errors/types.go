// Package errors provides structured error handling for mcprotocol-go.
// Every failure raised by the protocol, lifecycle and transport layers is an
// MCPError carrying a JSON-RPC compatible code, a Category used for
// programmatic handling, and optional context describing where it happened.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"
)

// Category classifies an error by the kind of failure it represents.
type Category string

const (
	CategoryConfig           Category = "config"
	CategoryTransport        Category = "transport"
	CategorySerialization    Category = "serialization"
	CategoryProtocol         Category = "protocol"
	CategoryAuth             Category = "auth"
	CategoryTimeout          Category = "timeout"
	CategoryConnectionClosed Category = "connection_closed"
	CategoryInvalidState     Category = "invalid_state"
	CategoryInternal         Category = "internal"
)

// Severity indicates how critical an error is
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Context provides additional context about where and when an error occurred
type Context struct {
	RequestID    string    `json:"request_id,omitempty"`
	Method       string    `json:"method,omitempty"`
	ConnectionID string    `json:"connection_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Component    string    `json:"component,omitempty"`
	Operation    string    `json:"operation,omitempty"`
}

// MCPError is implemented by every error raised by this module. The With
// methods return modified copies.
type MCPError interface {
	error
	Code() int
	Message() string
	Details() string
	Data() interface{}
	Category() Category
	Severity() Severity
	Context() *Context
	Unwrap() error

	WithContext(ctx *Context) MCPError
	WithDetail(detail string) MCPError
	WithData(data interface{}) MCPError
}

type baseError struct {
	code     int
	message  string
	details  string
	data     interface{}
	category Category
	severity Severity
	context  *Context
	cause    error
}

func (e *baseError) Error() string {
	msg := e.message
	if e.details != "" {
		msg += ": " + e.details
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e *baseError) Code() int          { return e.code }
func (e *baseError) Message() string    { return e.message }
func (e *baseError) Details() string    { return e.details }
func (e *baseError) Data() interface{}  { return e.data }
func (e *baseError) Category() Category { return e.category }
func (e *baseError) Severity() Severity { return e.severity }
func (e *baseError) Context() *Context  { return e.context }
func (e *baseError) Unwrap() error      { return e.cause }

// WithContext replaces the context. A zero timestamp keeps the creation time.
func (e *baseError) WithContext(ctx *Context) MCPError {
	newErr := *e
	if ctx != nil && ctx.Timestamp.IsZero() && e.context != nil {
		c := *ctx
		c.Timestamp = e.context.Timestamp
		ctx = &c
	}
	newErr.context = ctx
	return &newErr
}

// WithDetail appends detail, separating repeated details with "; "
func (e *baseError) WithDetail(detail string) MCPError {
	newErr := *e
	if newErr.details != "" {
		newErr.details += "; " + detail
	} else {
		newErr.details = detail
	}
	return &newErr
}

func (e *baseError) WithData(data interface{}) MCPError {
	newErr := *e
	newErr.data = data
	return &newErr
}

// wireError is the JSON shape written to logs
type wireError struct {
	Code     int         `json:"code"`
	Name     string      `json:"name"`
	Message  string      `json:"message"`
	Category Category    `json:"category"`
	Severity Severity    `json:"severity"`
	Details  string      `json:"details,omitempty"`
	Data     interface{} `json:"data,omitempty"`
	Context  *Context    `json:"context,omitempty"`
	Cause    string      `json:"cause,omitempty"`
}

// MarshalJSON implements json.Marshaler
func (e *baseError) MarshalJSON() ([]byte, error) {
	w := wireError{
		Code:     e.code,
		Name:     GetErrorCodeName(e.code),
		Message:  e.message,
		Category: e.category,
		Severity: e.severity,
		Details:  e.details,
		Data:     e.data,
		Context:  e.context,
	}
	if e.cause != nil {
		w.Cause = e.cause.Error()
	}
	return json.Marshal(w)
}

// NewError creates a new MCPError with the specified parameters
func NewError(code int, message string, category Category, severity Severity) MCPError {
	return WrapError(nil, code, message, category, severity)
}

// NewErrorf creates a new MCPError with formatted message
func NewErrorf(code int, category Category, severity Severity, format string, args ...interface{}) MCPError {
	return NewError(code, fmt.Sprintf(format, args...), category, severity)
}

// WrapError creates an MCPError whose Unwrap returns err
func WrapError(err error, code int, message string, category Category, severity Severity) MCPError {
	return &baseError{
		code:     code,
		message:  message,
		category: category,
		severity: severity,
		cause:    err,
		context:  &Context{Timestamp: time.Now()},
	}
}

// AsMCPError finds the first MCPError in err's chain.
func AsMCPError(err error) (MCPError, bool) {
	if err == nil {
		return nil, false
	}
	var mcpErr MCPError
	if stderrors.As(err, &mcpErr) {
		return mcpErr, true
	}
	return nil, false
}

// find returns the first MCPError in err's chain matching fn. Wrapped causes
// are visited, so a transport error carried inside a protocol error is found.
func find(err error, fn func(MCPError) bool) (MCPError, bool) {
	for err != nil {
		if mcpErr, ok := err.(MCPError); ok && fn(mcpErr) {
			return mcpErr, true
		}
		err = stderrors.Unwrap(err)
	}
	return nil, false
}

// IsCategory reports whether any MCPError in err's chain has the category.
func IsCategory(err error, category Category) bool {
	_, ok := find(err, func(e MCPError) bool { return e.Category() == category })
	return ok
}

// IsCode reports whether any MCPError in err's chain has the code.
func IsCode(err error, code int) bool {
	_, ok := find(err, func(e MCPError) bool { return e.Code() == code })
	return ok
}

func IsConfig(err error) bool           { return IsCategory(err, CategoryConfig) }
func IsTransport(err error) bool        { return IsCategory(err, CategoryTransport) }
func IsSerialization(err error) bool    { return IsCategory(err, CategorySerialization) }
func IsProtocol(err error) bool         { return IsCategory(err, CategoryProtocol) }
func IsAuth(err error) bool             { return IsCategory(err, CategoryAuth) }
func IsTimeout(err error) bool          { return IsCategory(err, CategoryTimeout) }
func IsConnectionClosed(err error) bool { return IsCategory(err, CategoryConnectionClosed) }
func IsInvalidState(err error) bool     { return IsCategory(err, CategoryInvalidState) }
