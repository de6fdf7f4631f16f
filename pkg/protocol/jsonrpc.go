package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	mcperrors "github.com/mcprotocol/mcprotocol-go/pkg/errors"
)

const (
	// JSONRPCVersion is the supported JSON-RPC version
	JSONRPCVersion = "2.0"
)

// Kind discriminates the three envelope variants
type Kind string

const (
	KindRequest      Kind = "request"
	KindResponse     Kind = "response"
	KindNotification Kind = "notification"
)

// Message is one protocol envelope: a *Request, a *Response or a
// *Notification.
type Message interface {
	Kind() Kind
	isMessage()
}

// Request expects exactly one Response carrying the same ID
type Request struct {
	ID     RequestID
	Method Method
	Params json.RawMessage
}

// Response answers the Request with the same ID. Exactly one of Result and
// Error is set.
type Response struct {
	ID     RequestID
	Result json.RawMessage
	Error  *ResponseError
}

// Notification is a one-way message that is never answered
type Notification struct {
	Method Method
	Params json.RawMessage
}

func (*Request) Kind() Kind      { return KindRequest }
func (*Response) Kind() Kind     { return KindResponse }
func (*Notification) Kind() Kind { return KindNotification }

func (*Request) isMessage()      {}
func (*Response) isMessage()     {}
func (*Notification) isMessage() {}

type wireRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      RequestID       `json:"id"`
	Method  Method          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type wireNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  Method          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type wireResult struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      RequestID       `json:"id"`
	Result  json.RawMessage `json:"result"`
}

type wireError struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      RequestID      `json:"id"`
	Error   *ResponseError `json:"error"`
}

// MarshalJSON implements json.Marshaler
func (r *Request) MarshalJSON() ([]byte, error) {
	if r.Method == "" {
		return nil, mcperrors.SerializationError("request without method", nil)
	}
	return json.Marshal(wireRequest{JSONRPC: JSONRPCVersion, ID: r.ID, Method: r.Method, Params: r.Params})
}

// MarshalJSON implements json.Marshaler
func (n *Notification) MarshalJSON() ([]byte, error) {
	if n.Method == "" {
		return nil, mcperrors.SerializationError("notification without method", nil)
	}
	return json.Marshal(wireNotification{JSONRPC: JSONRPCVersion, Method: n.Method, Params: n.Params})
}

// MarshalJSON implements json.Marshaler. Only the set member of Result and
// Error is written.
func (r *Response) MarshalJSON() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if r.Error != nil {
		return json.Marshal(wireError{JSONRPC: JSONRPCVersion, ID: r.ID, Error: r.Error})
	}
	return json.Marshal(wireResult{JSONRPC: JSONRPCVersion, ID: r.ID, Result: r.Result})
}

// Validate rejects a Response that carries both or neither of Result and Error
func (r *Response) Validate() error {
	hasResult := r.Result != nil
	hasError := r.Error != nil
	switch {
	case hasResult && hasError:
		return mcperrors.SerializationError("response carries both result and error", nil)
	case !hasResult && !hasError:
		return mcperrors.SerializationError("response carries neither result nor error", nil)
	}
	return nil
}

// IsError reports whether the response is an error response
func (r *Response) IsError() bool {
	return r.Error != nil
}

// DecodeResult unmarshals the success payload into v. An error response is
// returned as its MCPError.
func (r *Response) DecodeResult(v interface{}) error {
	if r.Error != nil {
		return r.Error.MCPError()
	}
	if err := json.Unmarshal(r.Result, v); err != nil {
		return mcperrors.SerializationError("invalid result payload", err)
	}
	return nil
}

// NewRequest creates a request, marshaling params unless nil
func NewRequest(id RequestID, method Method, params interface{}) (*Request, error) {
	raw, err := marshalPayload(params)
	if err != nil {
		return nil, mcperrors.SerializationError("failed to marshal params", err)
	}
	return &Request{ID: id, Method: method, Params: raw}, nil
}

// NewNotification creates a notification, marshaling params unless nil
func NewNotification(method Method, params interface{}) (*Notification, error) {
	raw, err := marshalPayload(params)
	if err != nil {
		return nil, mcperrors.SerializationError("failed to marshal params", err)
	}
	return &Notification{Method: method, Params: raw}, nil
}

// NewSuccessResponse creates a success response. A nil result is sent as
// JSON null.
func NewSuccessResponse(id RequestID, result interface{}) (*Response, error) {
	raw, err := marshalPayload(result)
	if err != nil {
		return nil, mcperrors.SerializationError("failed to marshal result", err)
	}
	if raw == nil {
		raw = json.RawMessage("null")
	}
	return &Response{ID: id, Result: raw}, nil
}

// NewErrorResponse creates an error response
func NewErrorResponse(id RequestID, rerr *ResponseError) (*Response, error) {
	if rerr == nil {
		return nil, mcperrors.SerializationError("error response without error", nil)
	}
	return &Response{ID: id, Error: rerr}, nil
}

func marshalPayload(v interface{}) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// Marshal encodes a message as a single-line JSON envelope
func Marshal(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, mcperrors.SerializationError("nil message", nil)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		if mcperrors.IsSerialization(err) {
			return nil, err
		}
		return nil, mcperrors.SerializationError("failed to marshal message", err)
	}
	return data, nil
}

// Parse decodes one JSON envelope. The variant is chosen by which keys are
// present: method with id is a Request, method alone is a Notification, and
// id with exactly one of result or error is a Response.
func Parse(data []byte) (Message, error) {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, mcperrors.SerializationError("malformed envelope", err)
	}

	rawVersion, ok := env["jsonrpc"]
	if !ok {
		return nil, mcperrors.SerializationError("missing jsonrpc version", nil)
	}
	var version string
	if err := json.Unmarshal(rawVersion, &version); err != nil || version != JSONRPCVersion {
		return nil, mcperrors.SerializationError(fmt.Sprintf("unsupported jsonrpc version %s", rawVersion), nil)
	}

	rawID, hasID := env["id"]
	rawMethod, hasMethod := env["method"]
	rawResult, hasResult := env["result"]
	rawError, hasError := env["error"]

	if hasMethod {
		if hasResult || hasError {
			return nil, mcperrors.SerializationError("envelope carries both method and result/error", nil)
		}
		var method Method
		if err := json.Unmarshal(rawMethod, &method); err != nil {
			return nil, mcperrors.SerializationError("method must be a string", err)
		}
		if method == "" {
			return nil, mcperrors.SerializationError("empty method", nil)
		}
		params := env["params"]

		if !hasID {
			return &Notification{Method: method, Params: params}, nil
		}
		id, err := parseID(rawID)
		if err != nil {
			return nil, err
		}
		return &Request{ID: id, Method: method, Params: params}, nil
	}

	if !hasID {
		return nil, mcperrors.SerializationError("envelope has neither method nor id", nil)
	}
	id, err := parseID(rawID)
	if err != nil {
		return nil, err
	}

	switch {
	case hasResult && hasError:
		return nil, mcperrors.SerializationError("response carries both result and error", nil)
	case hasResult:
		return &Response{ID: id, Result: rawResult}, nil
	case hasError:
		if bytes.Equal(bytes.TrimSpace(rawError), []byte("null")) {
			return nil, mcperrors.SerializationError("null error object", nil)
		}
		var rerr ResponseError
		if err := json.Unmarshal(rawError, &rerr); err != nil {
			return nil, mcperrors.SerializationError("invalid error object", err)
		}
		return &Response{ID: id, Error: &rerr}, nil
	default:
		return nil, mcperrors.SerializationError("response carries neither result nor error", nil)
	}
}

func parseID(raw json.RawMessage) (RequestID, error) {
	var id RequestID
	if err := id.UnmarshalJSON(raw); err != nil {
		return RequestID{}, err
	}
	return id, nil
}
