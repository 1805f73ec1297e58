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

package log

import (
	"context"
	"log/slog"
	"time"
)

// RPCCall describes an inbound JSON-RPC call for logging purposes.
type RPCCall struct {
	// Endpoint is the HTTP path the call arrived on (e.g. "/engine").
	Endpoint string

	// Method is the JSON-RPC method name.
	Method string

	// ID is the JSON-RPC request id, rendered as text. Empty for notifications.
	ID string

	// RemoteAddr is the remote address of the client.
	RemoteAddr string
}

// RPCResult is the outcome of an RPC call for logging purposes.
type RPCResult struct {
	Success  bool
	Code     int
	Error    string
	Duration time.Duration
}

func (c *RPCCall) attrs() []any {
	attrs := []any{
		"endpoint", c.Endpoint,
		"method", c.Method,
		"remote", c.RemoteAddr,
	}
	if c.ID != "" {
		attrs = append(attrs, "rpc_id", c.ID)
	}
	return attrs
}

// LogRPCRequest logs an incoming RPC call at debug level.
func LogRPCRequest(logger *slog.Logger, call *RPCCall) {
	logger.Debug("rpc request received", append([]any{EventKey, "rpc_request"}, call.attrs()...)...)
}

// LogRPCResponse logs the outcome of an RPC call. Failures are logged at warn.
func LogRPCResponse(logger *slog.Logger, call *RPCCall, res *RPCResult) {
	attrs := append([]any{EventKey, "rpc_response"}, call.attrs()...)
	attrs = append(attrs, "success", res.Success, DurationKey, res.Duration.Milliseconds())

	level := slog.LevelInfo
	message := "rpc request completed"
	if !res.Success {
		level = slog.LevelWarn
		message = "rpc request failed"
		attrs = append(attrs, "code", res.Code, "error", res.Error)
	}

	logger.Log(context.Background(), level, message, attrs...)
}

// RPCMiddleware wraps RPC dispatch with request and response logging.
type RPCMiddleware struct {
	logger *slog.Logger
}

// NewRPCMiddleware creates a new RPC logging middleware.
func NewRPCMiddleware(logger *slog.Logger) *RPCMiddleware {
	return &RPCMiddleware{logger: logger}
}

// Handler runs handler, logging call before and the outcome after.
// codeOf maps a handler error to its JSON-RPC error code; it may be nil.
func (m *RPCMiddleware) Handler(call *RPCCall, codeOf func(error) int, handler func() error) error {
	start := time.Now()
	LogRPCRequest(m.logger, call)

	err := handler()

	res := &RPCResult{Success: err == nil, Duration: time.Since(start)}
	if err != nil {
		res.Error = err.Error()
		if codeOf != nil {
			res.Code = codeOf(err)
		}
	}
	LogRPCResponse(m.logger, call, res)

	return err
}
