// Package rpc implements the JSON-RPC 2.0 contract spoken with remote
// processes: execute, alert and generate, all with positional params.
package rpc

import (
	"encoding/json"
	"fmt"
)

// Version is the only accepted jsonrpc member value
const Version = "2.0"

// Procedure names
const (
	MethodExecute  = "execute"
	MethodAlert    = "alert"
	MethodGenerate = "generate"
)

// Standard and server error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeServerError    = -32000
)

// Request is a JSON-RPC request
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC response. Exactly one of Result and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object. It is also returned by the client when
// the remote side reports a failure.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ExecuteResult is the outcome of a remote shell command. On the wire it is
// the array [exitCode, stdout, stderr].
type ExecuteResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

func (r ExecuteResult) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{r.ExitCode, r.Stdout, r.Stderr})
}

func (r *ExecuteResult) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("execute result must be an array: %w", err)
	}
	if len(parts) != 3 {
		return fmt.Errorf("execute result must have 3 elements, got %d", len(parts))
	}
	if err := json.Unmarshal(parts[0], &r.ExitCode); err != nil {
		return fmt.Errorf("execute result exit code: %w", err)
	}
	if err := json.Unmarshal(parts[1], &r.Stdout); err != nil {
		return fmt.Errorf("execute result stdout: %w", err)
	}
	if err := json.Unmarshal(parts[2], &r.Stderr); err != nil {
		return fmt.Errorf("execute result stderr: %w", err)
	}
	return nil
}

// NewRequest builds a request with positional params
func NewRequest(id uint64, method string, params ...any) (*Request, error) {
	if params == nil {
		params = []any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Request{
		JSONRPC: Version,
		ID:      json.RawMessage(fmt.Sprintf("%d", id)),
		Method:  method,
		Params:  raw,
	}, nil
}
