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
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/tombee/onlinelab/internal/log"
)

// MaxRequestSize bounds the body of a single RPC request.
const MaxRequestSize = 1 << 20

// Server exposes a Registry as an HTTP endpoint accepting JSON-RPC 2.0 POSTs.
type Server struct {
	endpoint   string
	registry   *Registry
	middleware *log.RPCMiddleware
}

// NewServer creates an endpoint handler. endpoint is only used in logs.
func NewServer(endpoint string, registry *Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		endpoint:   endpoint,
		registry:   registry,
		middleware: log.NewRPCMiddleware(logger),
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestSize+1))
	if err != nil {
		writeResponse(w, NewErrorResponse(nil, NewError(CodeParseError, "failed to read request: %v", err)))
		return
	}
	if len(body) > MaxRequestSize {
		writeResponse(w, NewErrorResponse(nil, NewError(CodeInvalidRequest, "request exceeds %d bytes", MaxRequestSize)))
		return
	}

	req, err := ParseRequest(body)
	if err != nil {
		var id json.RawMessage
		code := CodeInvalidRequest
		if req == nil {
			code = CodeParseError
		} else {
			id = req.ID
		}
		writeResponse(w, NewErrorResponse(id, &Error{Code: code, Message: err.Error()}))
		return
	}

	call := &log.RPCCall{
		Endpoint:   s.endpoint,
		Method:     req.Method,
		ID:         req.IDString(),
		RemoteAddr: r.RemoteAddr,
	}

	var result any
	err = s.middleware.Handler(call, ErrorCode, func() error {
		var herr error
		result, herr = s.registry.Handle(r.Context(), req)
		return herr
	})

	if req.IsNotification() {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err != nil {
		writeResponse(w, NewErrorResponse(req.ID, err))
		return
	}

	resp, err := NewResponse(req.ID, result)
	if err != nil {
		writeResponse(w, NewErrorResponse(req.ID, NewError(CodeInternalError, "%v", err)))
		return
	}
	writeResponse(w, resp)
}

// writeResponse writes resp with status 200, as JSON-RPC over HTTP reports
// failures in the body.
func writeResponse(w http.ResponseWriter, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// Decode reads a JSON-RPC response from an HTTP response, checking the
// status code first.
func Decode(resp *http.Response) (*Response, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxRequestSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return ParseResponse(body)
}

// StatusError is returned by Decode for non-200 HTTP responses.
type StatusError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d", e.StatusCode)
}
