package protocol

import (
	"encoding/json"
	"fmt"

	mcperrors "github.com/mcprotocol/mcprotocol-go/pkg/errors"
)

// ErrorCode is a JSON-RPC error code carried in a ResponseError
type ErrorCode int

// Standard error codes as per JSON-RPC 2.0 specification
const (
	ParseError     ErrorCode = ErrorCode(mcperrors.CodeParseError)
	InvalidRequest ErrorCode = ErrorCode(mcperrors.CodeInvalidRequest)
	MethodNotFound ErrorCode = ErrorCode(mcperrors.CodeMethodNotFound)
	InvalidParams  ErrorCode = ErrorCode(mcperrors.CodeInvalidParams)
	InternalError  ErrorCode = ErrorCode(mcperrors.CodeInternalError)
)

// MCP-specific error codes
const (
	UnknownErrorCode     ErrorCode = ErrorCode(mcperrors.CodeUnknownError)
	ServerNotInitialized ErrorCode = ErrorCode(mcperrors.CodeServerNotInitialized)
	RequestCancelled     ErrorCode = ErrorCode(mcperrors.CodeRequestCancelled)
)

// ResponseError is the error member of a Response
type ResponseError struct {
	Code    ErrorCode       `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewResponseError creates a ResponseError, marshaling data unless nil
func NewResponseError(code ErrorCode, message string, data interface{}) (*ResponseError, error) {
	raw, err := marshalPayload(data)
	if err != nil {
		return nil, mcperrors.SerializationError("failed to marshal error data", err)
	}
	return &ResponseError{Code: code, Message: message, Data: raw}, nil
}

// MCPError converts the wire error into an MCPError, classified by code
func (e *ResponseError) MCPError() mcperrors.MCPError {
	err := mcperrors.NewError(int(e.Code), e.Message,
		mcperrors.GetErrorCodeCategory(int(e.Code)),
		mcperrors.GetErrorCodeSeverity(int(e.Code)))
	if len(e.Data) > 0 {
		err = err.WithData(e.Data)
	}
	return err
}

// ResponseErrorFrom converts any error into a wire error. MCPErrors keep
// their code and data; other errors become InternalError.
func ResponseErrorFrom(err error) *ResponseError {
	if err == nil {
		return nil
	}
	if rerr, ok := err.(*ResponseError); ok {
		return rerr
	}
	mcpErr, ok := mcperrors.AsMCPError(err)
	if !ok {
		return &ResponseError{Code: InternalError, Message: err.Error()}
	}

	rerr := &ResponseError{Code: ErrorCode(mcpErr.Code()), Message: mcpErr.Error()}
	if mcpErr.Data() != nil {
		if raw, mErr := marshalPayload(mcpErr.Data()); mErr == nil {
			rerr.Data = raw
		}
	}
	return rerr
}
