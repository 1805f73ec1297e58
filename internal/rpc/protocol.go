// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// Version is the JSON-RPC protocol version spoken on every endpoint.
const Version = "2.0"

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// CodeServerError is the first of the implementation-defined server errors.
	CodeServerError = -32000
)

var (
	// ErrInvalidMessage is returned when a message cannot be parsed.
	ErrInvalidMessage = errors.New("rpc: invalid message format")

	// ErrMethodNotFound is returned when the requested method doesn't exist.
	ErrMethodNotFound = errors.New("rpc: method not found")

	// ErrInvalidParams is returned when params do not match what the method expects.
	ErrInvalidParams = errors.New("rpc: invalid params")
)

// Request is a JSON-RPC 2.0 request. A request without an ID is a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response. Exactly one of Result and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object. It implements error so handlers can
// return it directly to control the code sent to the caller.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewError creates an Error with the given code.
func NewError(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewRequest creates a request with a generated ID.
func NewRequest(method string, params any) (*Request, error) {
	req := &Request{
		JSONRPC: Version,
		ID:      json.RawMessage(strconv.Quote(uuid.NewString())),
		Method:  method,
	}

	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		req.Params = data
	}
	return req, nil
}

// NewResponse creates a successful response for id.
func NewResponse(id json.RawMessage, result any) (*Response, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &Response{JSONRPC: Version, ID: normalizeID(id), Result: data}, nil
}

// NewErrorResponse creates an error response for id, mapping err to a code.
func NewErrorResponse(id json.RawMessage, err error) *Response {
	return &Response{JSONRPC: Version, ID: normalizeID(id), Error: AsError(err)}
}

// AsError converts err to a JSON-RPC error object. Sentinel errors from this
// package map to their standard codes; anything else is a server error.
func AsError(err error) *Error {
	var rpcErr *Error
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr
	case errors.Is(err, ErrMethodNotFound):
		return &Error{Code: CodeMethodNotFound, Message: err.Error()}
	case errors.Is(err, ErrInvalidParams):
		return &Error{Code: CodeInvalidParams, Message: err.Error()}
	case errors.Is(err, ErrInvalidMessage):
		return &Error{Code: CodeInvalidRequest, Message: err.Error()}
	default:
		return &Error{Code: CodeServerError, Message: err.Error()}
	}
}

// ErrorCode returns the JSON-RPC code err maps to.
func ErrorCode(err error) int {
	return AsError(err).Code
}

// IsNotification reports whether the request expects no response.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0
}

// Validate checks if the request is well-formed.
func (r *Request) Validate() error {
	if r.JSONRPC != Version {
		return fmt.Errorf("%w: jsonrpc must be %q, got %q", ErrInvalidMessage, Version, r.JSONRPC)
	}
	if r.Method == "" {
		return fmt.Errorf("%w: missing method", ErrInvalidMessage)
	}
	if len(r.ID) > 0 {
		switch r.ID[0] {
		case '"', 'n', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		default:
			return fmt.Errorf("%w: id must be a string, number or null", ErrInvalidMessage)
		}
	}
	return nil
}

// UnmarshalParams decodes params into v. Missing params leave v untouched.
func (r *Request) UnmarshalParams(v any) error {
	if len(r.Params) == 0 || bytes.Equal(r.Params, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(r.Params, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}

// IDString renders the request ID for logging.
func (r *Request) IDString() string {
	if len(r.ID) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(r.ID, &s); err == nil {
		return s
	}
	return string(r.ID)
}

// UnmarshalResult decodes the result into v. An error response is returned as *Error.
func (r *Response) UnmarshalResult(v any) error {
	if r.Error != nil {
		return r.Error
	}
	if len(r.Result) == 0 || v == nil {
		return nil
	}
	return json.Unmarshal(r.Result, v)
}

// ParseRequest parses and validates a JSON request.
func ParseRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := req.Validate(); err != nil {
		return &req, err
	}
	return &req, nil
}

// ParseResponse parses a JSON response.
func ParseResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if resp.JSONRPC != Version {
		return nil, fmt.Errorf("%w: jsonrpc must be %q, got %q", ErrInvalidMessage, Version, resp.JSONRPC)
	}
	if resp.Error == nil && resp.Result == nil {
		return nil, fmt.Errorf("%w: response has neither result nor error", ErrInvalidMessage)
	}
	return &resp, nil
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}
