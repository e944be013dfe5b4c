// Package jsonrpc provides the JSON-RPC 2.0 frame types shared by the
// consumer-facing transports.
//
// Only the subset of the protocol used by the model-context protocol is
// implemented: requests, notifications (requests without an id), responses,
// and error objects. Frames are classified by inspecting which fields are
// present, mirroring how the HTTP transports must distinguish client
// requests from client responses and notifications.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version is the fixed protocol version string of every frame.
const Version = "2.0"

// Well-known error codes.
const (
	// CodeParseError indicates the payload was not valid JSON.
	CodeParseError = -32700

	// CodeInvalidRequest indicates a structurally invalid frame.
	CodeInvalidRequest = -32600

	// CodeMethodNotFound indicates an unknown method.
	CodeMethodNotFound = -32601

	// CodeInvalidParams indicates missing or malformed parameters.
	CodeInvalidParams = -32602

	// CodeInternalError indicates a server-side failure.
	CodeInternalError = -32603

	// CodeServerError is the generic application error code used for
	// authentication and tool-call failures.
	CodeServerError = -32000
)

// Request is an incoming JSON-RPC request or notification. A nil ID marks a
// notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is an outgoing JSON-RPC response. Exactly one of Result or Error
// is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Notification is an outgoing JSON-RPC notification (no id, no response
// expected).
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification creates a notification frame for method with params.
func NewNotification(method string, params any) Notification {
	return Notification{JSONRPC: Version, Method: method, Params: params}
}

// NewResponse creates a success response for the request id.
func NewResponse(id json.RawMessage, result any) Response {
	return Response{JSONRPC: Version, ID: id, Result: result}
}

// NewErrorResponse creates an error response for the request id.
func NewErrorResponse(id json.RawMessage, code int, message string) Response {
	return Response{JSONRPC: Version, ID: id, Error: &Error{Code: code, Message: message}}
}

// IsNotification reports whether r carries no id and therefore expects no
// response.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || bytes.Equal(r.ID, []byte("null"))
}

// frame is the superset of all JSON-RPC frame fields, used for
// classification only.
type frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Result  json.RawMessage `json:"result"`
	Error   json.RawMessage `json:"error"`
}

// Kind classifies a raw JSON-RPC frame.
type Kind int

const (
	// KindInvalid marks a payload that is not a JSON-RPC frame.
	KindInvalid Kind = iota

	// KindRequest is a method call carrying an id.
	KindRequest

	// KindNotification is a method call without an id.
	KindNotification

	// KindResponse is a result or error frame answering an earlier request.
	KindResponse
)

// Classify inspects raw and reports what kind of frame it is. Batch frames
// are not supported and classify as invalid.
func Classify(raw []byte) Kind {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return KindInvalid
	}
	hasID := len(f.ID) > 0 && !bytes.Equal(f.ID, []byte("null"))
	switch {
	case f.Method != "" && hasID:
		return KindRequest
	case f.Method != "":
		return KindNotification
	case len(f.Result) > 0 || len(f.Error) > 0:
		return KindResponse
	default:
		return KindInvalid
	}
}
