// Package rpc implements the newline-delimited JSON-RPC channel between the
// agent and the tool server child process.
//
// Wire format: one JSON object per line.
//
//	-> {"jsonrpc":"2.0","id":1,"method":"tools/call","params":{...}}
//	<- {"jsonrpc":"2.0","id":1,"result":{...}}
//	<- {"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"..."}}
//
// Lines on the inbound stream that do not decode as a response are ignored.
package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/errors"
)

const (
	Version         = "2.0"
	ProtocolVersion = "2024-11-05"

	MethodInitialize    = "initialize"
	MethodInitialized   = "notifications/initialized"
	MethodPing          = "ping"
	MethodToolsList     = "tools/list"
	MethodToolsCall     = "tools/call"
	MethodResourcesList = "resources/list"
	MethodResourcesRead = "resources/read"
)

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

var (
	// ErrNoResponse means the counterpart did not answer before the request
	// timeout. It is not a server-reported error.
	ErrNoResponse = errors.New("no response")

	// ErrTransport matches every failure of the channel itself: write errors,
	// a closed client, or an exited child.
	ErrTransport = errors.New("transport failure")
)

// Request is an outbound call or, without ID, a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the sender expects no response.
func (r Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Response is the reply to a Request. Exactly one of Result and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// inbound is anything the client may read from the child.
type inbound struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// RPCError is an error object reported by the counterpart.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func NewRPCError(code int, message string) *RPCError {
	return &RPCError{Code: code, Message: message}
}

// TransportError wraps a channel failure for one operation. It matches
// ErrTransport under errors.Is.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, ErrTransport)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrTransport, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// ConnectError is returned by Spawn when the child cannot be started or does
// not complete the handshake.
type ConnectError struct {
	Command string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Command, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Implementation identifies a client or server during the handshake.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      Implementation `json:"clientInfo"`
}

type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      Implementation `json:"serverInfo"`
}
