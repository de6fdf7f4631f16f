package protocol

import "encoding/json"

// ProtocolVersion is the protocol revision negotiated during initialize
const ProtocolVersion = "2024-11-05"

// Method names a request or notification. Values outside the known set are
// carried unchanged.
type Method string

// Lifecycle methods
const (
	MethodInitialize  Method = "initialize"
	MethodInitialized Method = "initialized"
	MethodShutdown    Method = "shutdown"
	MethodExit        Method = "exit"
	MethodPing        Method = "ping"
	MethodPong        Method = "$/pong"
)

// Protocol notifications
const (
	MethodCancelRequest Method = "$/cancelRequest"
	MethodProgress      Method = "$/progress"
)

// Feature methods. Their payloads are opaque to this module.
const (
	MethodPromptsList          Method = "prompts/list"
	MethodPromptsGet           Method = "prompts/get"
	MethodPromptsExecute       Method = "prompts/execute"
	MethodResourcesList        Method = "resources/list"
	MethodResourcesGet         Method = "resources/get"
	MethodResourcesCreate      Method = "resources/create"
	MethodResourcesUpdate      Method = "resources/update"
	MethodResourcesDelete      Method = "resources/delete"
	MethodResourcesSubscribe   Method = "resources/subscribe"
	MethodResourcesUnsubscribe Method = "resources/unsubscribe"
	MethodToolsList            Method = "tools/list"
	MethodToolsGet             Method = "tools/get"
	MethodToolsExecute         Method = "tools/execute"
	MethodToolsCancel          Method = "tools/cancel"
	MethodRootsList            Method = "roots/list"
	MethodRootsGet             Method = "roots/get"
	MethodSamplingRequest      Method = "sampling/request"
)

var knownMethods = map[Method]struct{}{
	MethodInitialize: {}, MethodInitialized: {}, MethodShutdown: {}, MethodExit: {},
	MethodPing: {}, MethodPong: {}, MethodCancelRequest: {}, MethodProgress: {},
	MethodPromptsList: {}, MethodPromptsGet: {}, MethodPromptsExecute: {},
	MethodResourcesList: {}, MethodResourcesGet: {}, MethodResourcesCreate: {},
	MethodResourcesUpdate: {}, MethodResourcesDelete: {}, MethodResourcesSubscribe: {},
	MethodResourcesUnsubscribe: {}, MethodToolsList: {}, MethodToolsGet: {},
	MethodToolsExecute: {}, MethodToolsCancel: {}, MethodRootsList: {}, MethodRootsGet: {},
	MethodSamplingRequest: {},
}

// IsKnown reports whether m is one of the methods defined by the protocol
func (m Method) IsKnown() bool {
	_, ok := knownMethods[m]
	return ok
}

func (m Method) String() string { return string(m) }

// ImplementationInfo names a client or server implementation
type ImplementationInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// RootCapability describes client support for roots
type RootCapability struct {
	ListChanged bool `json:"listChanged"`
}

// ResourceCapability describes server support for resources
type ResourceCapability struct {
	Subscribe   bool `json:"subscribe"`
	ListChanged bool `json:"listChanged"`
}

// FeatureCapability describes server support for prompts or tools
type FeatureCapability struct {
	ListChanged bool `json:"listChanged"`
}

// ClientCapabilities is advertised by the client in initialize
type ClientCapabilities struct {
	Roots        *RootCapability `json:"roots,omitempty"`
	Sampling     json.RawMessage `json:"sampling,omitempty"`
	Experimental json.RawMessage `json:"experimental,omitempty"`
}

// ServerCapabilities is advertised by the server in the initialize result
type ServerCapabilities struct {
	Prompts      *FeatureCapability  `json:"prompts,omitempty"`
	Resources    *ResourceCapability `json:"resources,omitempty"`
	Tools        *FeatureCapability  `json:"tools,omitempty"`
	Logging      json.RawMessage     `json:"logging,omitempty"`
	Experimental json.RawMessage     `json:"experimental,omitempty"`
}

// InitializeParams are the parameters of the initialize request
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      ImplementationInfo `json:"clientInfo"`
}

// InitializeResult is the result of the initialize request
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      ImplementationInfo `json:"serverInfo"`
}

// CancelParams are the parameters of a $/cancelRequest notification
type CancelParams struct {
	ID RequestID `json:"id"`
}

// ProgressParams are the parameters of a $/progress notification
type ProgressParams struct {
	Token    string  `json:"token"`
	Progress float64 `json:"progress"`
	Total    float64 `json:"total,omitempty"`
}
