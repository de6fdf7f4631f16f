// Package protocol defines the message model of the Model Context Protocol.
//
// Every message on the wire is a JSON-RPC 2.0 envelope and is represented by
// one of three Go types implementing Message:
//
//   - *Request carries an id and a method and expects exactly one Response
//   - *Response carries the id of the request it answers and exactly one of a
//     result or an error
//   - *Notification carries a method and is never answered
//
// Params and results are kept as json.RawMessage; this package does not
// interpret feature payloads.
//
// # Parsing
//
// Parse chooses the variant from the keys present in the envelope:
//
//	{"jsonrpc":"2.0","id":1,"method":"ping"}          -> *Request
//	{"jsonrpc":"2.0","method":"initialized"}           -> *Notification
//	{"jsonrpc":"2.0","id":1,"result":{}}               -> *Response
//	{"jsonrpc":"2.0","id":1,"error":{"code":-32601,...}} -> *Response
//
// Anything else fails with a serialization error.
//
// # Request IDs
//
// A RequestID is either an integer or a string. NumberID(1) and StringID("1")
// are different ids; use RequestID.Key to index them.
//
// # Initialize
//
// InitializeParams and InitializeResult carry the ProtocolVersion and the
// capability sets exchanged during the handshake.
package protocol
