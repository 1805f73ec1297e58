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

// Package registration announces a running service to a core server.
//
// The announcement is a single JSON-RPC 2.0 "register" call posted to
// <core>/service. It is never retried; a core that missed it learns about
// the service the next time the service starts.
package registration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/onlinelab/internal/rpc"
	"github.com/tombee/onlinelab/internal/telemetry"
)

// Method is the RPC method invoked on the core.
const Method = "register"

// Endpoint is the path on the core that accepts service RPCs.
const Endpoint = "service"

const tracerName = "github.com/tombee/onlinelab/internal/registration"

// ErrUnreachable is returned when the core could not be reached or did not
// answer with a JSON-RPC response.
var ErrUnreachable = errors.New("core server unreachable")

// Request is the payload of the register call.
type Request struct {
	URL         string `json:"url"`
	UUID        string `json:"uuid"`
	Provider    string `json:"provider"`
	Description string `json:"description"`
}

// RPCError is returned when the core answered with a JSON-RPC error.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("core rejected registration (code %d): %s", e.Code, e.Message)
}

// Client posts register calls to a core server.
type Client struct {
	httpClient *http.Client
	tracer     trace.Tracer
	metrics    *telemetry.Metrics
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for the call.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithTracerProvider sets the provider for the announce span.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(cl *Client) {
		cl.tracer = tp.Tracer(tracerName)
	}
}

// WithMetrics records each attempt's outcome.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(cl *Client) {
		cl.metrics = m
	}
}

// NewClient creates a Client. Without WithHTTPClient it uses http.DefaultClient.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: http.DefaultClient,
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Target returns the URL the register call is posted to.
func Target(coreURL string) string {
	return strings.TrimRight(coreURL, "/") + "/" + Endpoint
}

// Announce sends one register call to the core at coreURL.
func (c *Client) Announce(ctx context.Context, coreURL string, req Request) error {
	ctx, span := c.tracer.Start(ctx, "registration.announce",
		trace.WithAttributes(
			attribute.String("onlinelab.core_url", coreURL),
			attribute.String("onlinelab.service_uuid", req.UUID),
		),
	)
	defer span.End()

	err := c.announce(ctx, coreURL, req)
	c.metrics.RecordRegistration(ctx, Outcome(err))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *Client) announce(ctx context.Context, coreURL string, req Request) error {
	call, err := rpc.NewRequest(Method, req)
	if err != nil {
		return err
	}
	body, err := json.Marshal(call)
	if err != nil {
		return fmt.Errorf("failed to encode register call: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, Target(coreURL), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	decoded, err := rpc.Decode(resp)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	if decoded.Error != nil {
		return &RPCError{Code: decoded.Error.Code, Message: decoded.Error.Message}
	}
	return nil
}

// Outcome classifies an Announce result for metrics.
func Outcome(err error) string {
	var rpcErr *RPCError
	switch {
	case err == nil:
		return telemetry.OutcomeRegistered
	case errors.As(err, &rpcErr):
		return telemetry.OutcomeRejected
	default:
		return telemetry.OutcomeUnreachable
	}
}
