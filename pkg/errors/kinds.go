package errors

import (
	"fmt"
	"time"
)

// ConfigErrorData describes which configuration value was rejected
type ConfigErrorData struct {
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason"`
}

// TransportErrorData contains structured data for transport-related errors
type TransportErrorData struct {
	Transport  string `json:"transport"`
	Operation  string `json:"operation,omitempty"`
	Endpoint   string `json:"endpoint,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// TimeoutErrorData identifies the operation that timed out. RequestID is set
// when the timeout belongs to an outstanding request.
type TimeoutErrorData struct {
	Operation string        `json:"operation"`
	RequestID string        `json:"request_id,omitempty"`
	Method    string        `json:"method,omitempty"`
	Timeout   time.Duration `json:"timeout"`
}

// VersionMismatchData is carried by a rejected handshake
type VersionMismatchData struct {
	Supported string `json:"supported"`
	Requested string `json:"requested"`
}

// StateErrorData records the phase an operation was attempted in
type StateErrorData struct {
	Operation string `json:"operation"`
	Phase     string `json:"phase"`
}

// ConfigError creates an error for a rejected transport configuration
func ConfigError(field, reason string) MCPError {
	message := "invalid configuration"
	if field != "" {
		message = fmt.Sprintf("invalid configuration: %s", field)
	}
	return NewError(CodeConfigError, message, CategoryConfig, SeverityCritical).
		WithDetail(reason).
		WithData(&ConfigErrorData{Field: field, Reason: reason})
}

// WrapConfigError creates a configuration error caused by a decode or read failure
func WrapConfigError(cause error, field, reason string) MCPError {
	return WrapError(cause, CodeConfigError, "invalid configuration", CategoryConfig, SeverityCritical).
		WithDetail(reason).
		WithData(&ConfigErrorData{Field: field, Reason: reason})
}

// TransportError creates a generic transport error
func TransportError(transport, operation string, cause error) MCPError {
	message := fmt.Sprintf("%s transport error", transport)
	if operation != "" {
		message = fmt.Sprintf("%s transport error during %s", transport, operation)
	}
	data := &TransportErrorData{Transport: transport, Operation: operation}
	if cause != nil {
		data.Reason = cause.Error()
	}
	return WrapError(cause, CodeTransportError, message, CategoryTransport, SeverityError).WithData(data)
}

// HTTPStatusError creates a transport error for an unexpected HTTP status
func HTTPStatusError(operation, endpoint string, status int) MCPError {
	return NewErrorf(CodeTransportError, CategoryTransport, SeverityError,
		"http transport error during %s: unexpected status %d", operation, status).
		WithData(&TransportErrorData{
			Transport:  "http",
			Operation:  operation,
			Endpoint:   endpoint,
			StatusCode: status,
		})
}

// ConnectionFailed creates an error for connection failures
func ConnectionFailed(transport, endpoint string, cause error) MCPError {
	message := fmt.Sprintf("failed to connect via %s", transport)
	if endpoint != "" {
		message = fmt.Sprintf("failed to connect to %s via %s", endpoint, transport)
	}
	return WrapError(cause, CodeConnectionFailed, message, CategoryTransport, SeverityCritical).
		WithData(&TransportErrorData{Transport: transport, Operation: "connect", Endpoint: endpoint})
}

// SerializationError creates an error for an envelope that could not be
// encoded or decoded
func SerializationError(reason string, cause error) MCPError {
	return WrapError(cause, CodeParseError, "serialization error", CategorySerialization, SeverityError).
		WithDetail(reason)
}

// ProtocolError creates an error for a peer violating the message sequence
func ProtocolError(reason string, cause error) MCPError {
	return WrapError(cause, CodeProtocolError, "protocol error", CategoryProtocol, SeverityError).
		WithDetail(reason)
}

// VersionMismatch creates an error for an incompatible protocol version
func VersionMismatch(supported, requested string) MCPError {
	return NewErrorf(CodeVersionMismatch, CategoryProtocol, SeverityError,
		"unsupported protocol version %q", requested).
		WithData(&VersionMismatchData{Supported: supported, Requested: requested})
}

// DuplicateRequestID creates an error for an id that is already outstanding
func DuplicateRequestID(id string) MCPError {
	return NewErrorf(CodeDuplicateID, CategoryProtocol, SeverityError,
		"request id %s is already pending", id).
		WithContext(&Context{RequestID: id})
}

// UnknownResponseID creates an error for a response with no matching request
func UnknownResponseID(id string) MCPError {
	return NewErrorf(CodeUnknownResponseID, CategoryProtocol, SeverityWarning,
		"response for unknown request id %s", id).
		WithContext(&Context{RequestID: id})
}

// AuthRequired creates an error for a request without credentials
func AuthRequired() MCPError {
	return NewError(CodeAuthRequired, "authentication required", CategoryAuth, SeverityError)
}

// InvalidToken creates an error for a credential mismatch
func InvalidToken() MCPError {
	return NewError(CodeInvalidToken, "invalid bearer token", CategoryAuth, SeverityError)
}

// Timeout creates an error for an operation that exceeded its deadline
func Timeout(operation string, timeout time.Duration) MCPError {
	return NewErrorf(CodeOperationTimeout, CategoryTimeout, SeverityError,
		"%s timed out after %v", operation, timeout).
		WithData(&TimeoutErrorData{Operation: operation, Timeout: timeout})
}

// ResponseTimeout creates an error for a request whose response did not
// arrive in time
func ResponseTimeout(requestID, method string, timeout time.Duration) MCPError {
	return NewErrorf(CodeOperationTimeout, CategoryTimeout, SeverityError,
		"request %s timed out after %v", requestID, timeout).
		WithContext(&Context{RequestID: requestID, Method: method}).
		WithData(&TimeoutErrorData{Operation: "request", RequestID: requestID, Method: method, Timeout: timeout})
}

// HandshakeTimeout creates an error for an initialize exchange that did not
// complete in time
func HandshakeTimeout(timeout time.Duration) MCPError {
	return NewErrorf(CodeConnectionTimeout, CategoryTimeout, SeverityError,
		"handshake timed out after %v", timeout).
		WithData(&TimeoutErrorData{Operation: "handshake", Timeout: timeout})
}

// ConnectionClosed creates an error for a connection that is closed or whose
// peer has gone away
func ConnectionClosed(transport, reason string) MCPError {
	return NewErrorf(CodeConnectionClosed, CategoryConnectionClosed, SeverityWarning,
		"%s connection closed", transport).
		WithDetail(reason).
		WithData(&TransportErrorData{Transport: transport, Reason: reason})
}

// ConnectionGone creates an error for delivery to a connection id that is no
// longer registered
func ConnectionGone(connectionID string) MCPError {
	return NewErrorf(CodeConnectionGone, CategoryConnectionClosed, SeverityWarning,
		"connection %s is gone", connectionID).
		WithContext(&Context{ConnectionID: connectionID})
}

// InvalidState creates an error for an operation attempted in the wrong phase
func InvalidState(operation, phase string) MCPError {
	return NewErrorf(CodeInvalidState, CategoryInvalidState, SeverityError,
		"%s not allowed in phase %s", operation, phase).
		WithData(&StateErrorData{Operation: operation, Phase: phase})
}

// ServerNotInitialized creates the error returned to requests that arrive
// before the handshake has completed
func ServerNotInitialized(method string) MCPError {
	return NewError(CodeServerNotInitialized, "server not initialized", CategoryInvalidState, SeverityError).
		WithContext(&Context{Method: method})
}
