package toolbus

import (
	"encoding/json"
	"fmt"
)

// JSONRPCVersion is the protocol version string carried by every message.
const JSONRPCVersion = "2.0"

// protocolVersion is declared by the client in the initialize handshake.
const protocolVersion = "0.1.0"

// Reserved method names. initialize must be the first request on every
// session; shutdown and exit are sent best-effort on close; $/progress and
// $/cancel carry progress updates and cancellation hints.
const (
	methodInitialize = "initialize"
	methodShutdown   = "shutdown"
	methodExit       = "exit"

	// MethodProgress is the server-to-client progress notification method.
	MethodProgress = "$/progress"
	// MethodCancel is the client-to-server cancellation notification method.
	MethodCancel = "$/cancel"
)

// Namespaced JSON-RPC error codes. The -327xx range follows the JSON-RPC 2.0
// specification; -32002 and -32003 are protocol extensions.
const (
	CodeParseError      = -32700
	CodeInvalidRequest  = -32600
	CodeMethodNotFound  = -32601
	CodeInvalidParams   = -32602
	CodeInternalError   = -32603
	CodeNotInitialized  = -32002
	CodeInvalidSequence = -32003
)

// Message is the JSON-RPC 2.0 envelope exchanged with a server process, one
// UTF-8 JSON object per line. Which fields are populated determines the kind:
//   - Request: ID, Method, and Params are set
//   - Response: ID and either Result or Error are set
//   - Notification: Method is set without an ID
type Message struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification.
	JSONRPC string `json:"jsonrpc"`
	// ID correlates request-response pairs. It is a positive integer assigned
	// monotonically by the client and is absent on notifications.
	ID *int64 `json:"id,omitempty"`
	// Method contains the RPC method name for requests and notifications.
	Method string `json:"method,omitempty"`
	// Params contains the parameters for the method call as a raw JSON message.
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response data as a raw JSON message.
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed.
	Error *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail represents an error object in the JSON-RPC 2.0 protocol.
type ErrorDetail struct {
	// Code indicates the error type that occurred, using the namespaced codes
	// defined in this package.
	Code int `json:"code"`

	// Message provides a short description of the error.
	Message string `json:"message"`

	// Data contains additional information about the error. The value is
	// unstructured and may be omitted; it is propagated verbatim from the peer.
	Data any `json:"data,omitempty"`
}

func (e ErrorDetail) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s, data %v", e.Code, e.Message, e.Data)
}

// Capabilities holds the feature flags negotiated during the initialize
// handshake. The set is immutable once a session reaches the ready state.
type Capabilities struct {
	Tools        bool `json:"tools"`
	Progress     bool `json:"progress"`
	Completion   bool `json:"completion"`
	Sampling     bool `json:"sampling"`
	Cancellation bool `json:"cancellation"`
}

// DefaultCapabilities is the capability set the client requests on initialize.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		Tools:        true,
		Progress:     true,
		Completion:   false,
		Sampling:     false,
		Cancellation: true,
	}
}

type initializeParams struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
}

type initializeResult struct {
	Capabilities *Capabilities `json:"capabilities"`
}

// ProgressParams carries a $/progress notification from a server. Progress is
// a fraction in [0,1]; IsFinal marks the last update of an operation.
type ProgressParams struct {
	OperationID string         `json:"operation_id"`
	Progress    float64        `json:"progress"`
	Message     string         `json:"message,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	IsFinal     bool           `json:"is_final"`
}

type cancelParams struct {
	ID int64 `json:"id"`
}

// messageKind is the result of the tagged-union decode step.
type messageKind int

const (
	kindResponse messageKind = iota
	kindNotification
)

// emptyParams keeps the wire format's "params defaults to {}" rule.
var emptyParams = json.RawMessage(`{}`)

// newRequest builds a request envelope, marshaling params and substituting an
// empty object when params is nil.
func newRequest(id int64, method string, params any) (Message, error) {
	paramsBs, err := marshalParams(params)
	if err != nil {
		return Message{}, err
	}
	return Message{
		JSONRPC: JSONRPCVersion,
		ID:      &id,
		Method:  method,
		Params:  paramsBs,
	}, nil
}

// newNotification builds a notification envelope, which never carries an id.
func newNotification(method string, params any) (Message, error) {
	paramsBs, err := marshalParams(params)
	if err != nil {
		return Message{}, err
	}
	return Message{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  paramsBs,
	}, nil
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return emptyParams, nil
	}
	bs, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return bs, nil
}

// decodeMessage parses one wire line into a classified message. It attempts
// Response first (id present, no method), then Notification (method present,
// no id); anything else is a ProtocolError.
func decodeMessage(line []byte) (Message, messageKind, error) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return Message{}, 0, &ProtocolError{
			Code: CodeParseError,
			Err:  fmt.Errorf("failed to unmarshal message: %w", err),
		}
	}
	switch {
	case msg.ID != nil && msg.Method == "":
		return msg, kindResponse, nil
	case msg.Method != "" && msg.ID == nil:
		return msg, kindNotification, nil
	default:
		return Message{}, 0, &ProtocolError{
			Code: CodeInvalidRequest,
			Err:  fmt.Errorf("message is neither a response nor a notification: %s", line),
		}
	}
}
