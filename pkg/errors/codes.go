package errors

// JSON-RPC 2.0 standard error codes
const (
	// CodeParseError indicates invalid JSON was received
	CodeParseError int = -32700

	// CodeInvalidRequest indicates the JSON sent is not a valid envelope
	CodeInvalidRequest int = -32600

	// CodeMethodNotFound indicates the method does not exist / is not available
	CodeMethodNotFound int = -32601

	// CodeInvalidParams indicates invalid method parameter(s)
	CodeInvalidParams int = -32602

	// CodeInternalError indicates internal JSON-RPC error
	CodeInternalError int = -32603
)

// MCP error codes
const (
	CodeUnknownError         int = -32001 // Unclassified failure
	CodeServerNotInitialized int = -32002 // Request received before the handshake completed
	CodeRequestCancelled     int = -32800 // Request cancelled by the peer

	// Configuration Errors (-32050 to -32099)
	CodeConfigError   int = -32050 // Invalid transport configuration
	CodeMissingConfig int = -32051 // Required configuration value missing

	// Authentication Errors (-32100 to -32199)
	CodeUnauthorized int = -32100 // Client is not authorized
	CodeAuthRequired int = -32101 // Authentication required
	CodeInvalidToken int = -32102 // Invalid authentication token

	// Operation Errors (-32300 to -32399)
	CodeOperationTimeout int = -32301 // Operation timed out
	CodeInvalidState     int = -32304 // Operation not legal in the current phase

	// Transport Errors (-32500 to -32599)
	CodeTransportError    int = -32500 // Generic transport error
	CodeConnectionFailed  int = -32501 // Failed to establish connection
	CodeConnectionClosed  int = -32502 // Connection closed or peer gone
	CodeConnectionTimeout int = -32503 // Connection timed out
	CodeConnectionGone    int = -32504 // Registry entry no longer exists

	// Protocol Errors (-32900 to -32999)
	CodeProtocolError     int = -32900 // Generic protocol error
	CodeVersionMismatch   int = -32901 // Protocol version mismatch
	CodeInvalidSequence   int = -32902 // Invalid message sequence
	CodeDuplicateID       int = -32904 // Request id already pending
	CodeUnknownResponseID int = -32905 // Response for an id that is not pending
)

// ErrorCodeInfo provides human-readable information about error codes
type ErrorCodeInfo struct {
	Code        int
	Name        string
	Description string
	Category    Category
	Severity    Severity
}

var errorCodeRegistry = map[int]ErrorCodeInfo{
	CodeParseError:     {CodeParseError, "ParseError", "Invalid JSON was received", CategorySerialization, SeverityError},
	CodeInvalidRequest: {CodeInvalidRequest, "InvalidRequest", "Invalid Request object", CategoryProtocol, SeverityError},
	CodeMethodNotFound: {CodeMethodNotFound, "MethodNotFound", "Method does not exist", CategoryProtocol, SeverityError},
	CodeInvalidParams:  {CodeInvalidParams, "InvalidParams", "Invalid method parameters", CategoryProtocol, SeverityError},
	CodeInternalError:  {CodeInternalError, "InternalError", "Internal JSON-RPC error", CategoryInternal, SeverityError},

	CodeUnknownError:         {CodeUnknownError, "UnknownError", "Unknown error", CategoryInternal, SeverityError},
	CodeServerNotInitialized: {CodeServerNotInitialized, "ServerNotInitialized", "Server not initialized", CategoryInvalidState, SeverityError},
	CodeRequestCancelled:     {CodeRequestCancelled, "RequestCancelled", "Request cancelled", CategoryProtocol, SeverityInfo},

	CodeConfigError:   {CodeConfigError, "ConfigError", "Invalid configuration", CategoryConfig, SeverityCritical},
	CodeMissingConfig: {CodeMissingConfig, "MissingConfig", "Required configuration missing", CategoryConfig, SeverityCritical},

	CodeUnauthorized: {CodeUnauthorized, "Unauthorized", "Client not authorized", CategoryAuth, SeverityError},
	CodeAuthRequired: {CodeAuthRequired, "AuthRequired", "Authentication required", CategoryAuth, SeverityError},
	CodeInvalidToken: {CodeInvalidToken, "InvalidToken", "Invalid authentication token", CategoryAuth, SeverityError},

	CodeOperationTimeout: {CodeOperationTimeout, "OperationTimeout", "Operation timed out", CategoryTimeout, SeverityError},
	CodeInvalidState:     {CodeInvalidState, "InvalidState", "Operation not legal in current state", CategoryInvalidState, SeverityError},

	CodeTransportError:    {CodeTransportError, "TransportError", "Transport error", CategoryTransport, SeverityError},
	CodeConnectionFailed:  {CodeConnectionFailed, "ConnectionFailed", "Connection failed", CategoryTransport, SeverityCritical},
	CodeConnectionClosed:  {CodeConnectionClosed, "ConnectionClosed", "Connection closed", CategoryConnectionClosed, SeverityWarning},
	CodeConnectionTimeout: {CodeConnectionTimeout, "ConnectionTimeout", "Connection timeout", CategoryTimeout, SeverityError},
	CodeConnectionGone:    {CodeConnectionGone, "ConnectionGone", "Connection no longer registered", CategoryConnectionClosed, SeverityWarning},

	CodeProtocolError:     {CodeProtocolError, "ProtocolError", "Protocol error", CategoryProtocol, SeverityError},
	CodeVersionMismatch:   {CodeVersionMismatch, "VersionMismatch", "Protocol version mismatch", CategoryProtocol, SeverityError},
	CodeInvalidSequence:   {CodeInvalidSequence, "InvalidSequence", "Invalid message sequence", CategoryProtocol, SeverityError},
	CodeDuplicateID:       {CodeDuplicateID, "DuplicateRequestID", "Request id already pending", CategoryProtocol, SeverityError},
	CodeUnknownResponseID: {CodeUnknownResponseID, "UnknownResponseID", "Response id is not pending", CategoryProtocol, SeverityWarning},
}

// GetErrorCodeInfo returns information about an error code
func GetErrorCodeInfo(code int) (ErrorCodeInfo, bool) {
	info, exists := errorCodeRegistry[code]
	return info, exists
}

// GetErrorCodeName returns the name of an error code
func GetErrorCodeName(code int) string {
	if info, exists := errorCodeRegistry[code]; exists {
		return info.Name
	}
	return "UnknownError"
}

// GetErrorCodeCategory returns the category of an error code. Codes received
// from a peer that are not registered are treated as protocol errors.
func GetErrorCodeCategory(code int) Category {
	if info, exists := errorCodeRegistry[code]; exists {
		return info.Category
	}
	return CategoryProtocol
}

// GetErrorCodeSeverity returns the severity of an error code
func GetErrorCodeSeverity(code int) Severity {
	if info, exists := errorCodeRegistry[code]; exists {
		return info.Severity
	}
	return SeverityError
}

// IsStandardJSONRPCCode checks if a code is in the reserved JSON-RPC range
func IsStandardJSONRPCCode(code int) bool {
	return code >= -32768 && code <= -32000
}
