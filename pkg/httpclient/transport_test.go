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

package httpclient

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTransport(t *testing.T, buf *bytes.Buffer) (*loggingTransport, *tracetest.SpanRecorder) {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	logger := slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return newLoggingTransport(http.DefaultTransport, "test-agent/1.0", logger, tp.Tracer("test"), propagation.TraceContext{}), recorder
}

func TestLoggingTransport_SetsUserAgent(t *testing.T) {
	var received string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received = r.Header.Get("User-Agent")
	}))
	defer server.Close()

	var buf bytes.Buffer
	transport, _ := newTestTransport(t, &buf)

	req, _ := http.NewRequest("GET", server.URL, nil)
	resp, err := transport.RoundTrip(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if received != "test-agent/1.0" {
		t.Errorf("expected User-Agent %q, got %q", "test-agent/1.0", received)
	}
	if req.Header.Get("User-Agent") != "" {
		t.Error("caller's request must not be modified")
	}
}

func TestLoggingTransport_PreservesExistingUserAgent(t *testing.T) {
	var received string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received = r.Header.Get("User-Agent")
	}))
	defer server.Close()

	var buf bytes.Buffer
	transport, _ := newTestTransport(t, &buf)

	req, _ := http.NewRequest("GET", server.URL, nil)
	req.Header.Set("User-Agent", "custom-agent/2.0")
	resp, err := transport.RoundTrip(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if received != "custom-agent/2.0" {
		t.Errorf("expected User-Agent %q, got %q", "custom-agent/2.0", received)
	}
}

func TestLoggingTransport_PropagatesTraceContext(t *testing.T) {
	var traceparent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent = r.Header.Get("Traceparent")
	}))
	defer server.Close()

	var buf bytes.Buffer
	transport, recorder := newTestTransport(t, &buf)

	req, _ := http.NewRequest("POST", server.URL+"/service", nil)
	resp, err := transport.RoundTrip(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name() != "HTTP POST" {
		t.Errorf("span name = %q", span.Name())
	}
	if !strings.Contains(traceparent, span.SpanContext().TraceID().String()) {
		t.Errorf("traceparent %q does not carry trace %s", traceparent, span.SpanContext().TraceID())
	}
}

func TestLoggingTransport_LogsFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	var buf bytes.Buffer
	transport, recorder := newTestTransport(t, &buf)

	req, _ := http.NewRequest("GET", server.URL+"/?token=abc", nil)
	resp, err := transport.RoundTrip(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	out := buf.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "status=404") {
		t.Errorf("expected warn log with status, got %q", out)
	}
	if strings.Contains(out, "abc") {
		t.Errorf("token leaked into log: %q", out)
	}
	if got := recorder.Ended()[0].Status().Code; got != codes.Error {
		t.Errorf("span status = %v, want Error", got)
	}
}

func TestLoggingTransport_ConnectionError(t *testing.T) {
	var buf bytes.Buffer
	transport, recorder := newTestTransport(t, &buf)

	req, _ := http.NewRequest("GET", "http://127.0.0.1:1/", nil)
	if _, err := transport.RoundTrip(req); err == nil {
		t.Fatal("expected connection error")
	}

	if !strings.Contains(buf.String(), "http request failed") {
		t.Errorf("expected failure log, got %q", buf.String())
	}
	if len(recorder.Ended()[0].Events()) == 0 {
		t.Error("expected recorded error event on span")
	}
}
