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

package telemetry

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newTestProvider(t *testing.T, opts ...sdktrace.TracerProviderOption) *Provider {
	t.Helper()
	p, err := New(context.Background(), Config{
		ServiceName:    "onlinelab-service",
		ServiceVersion: "test",
		InstanceID:     "0123456789abcdef0123456789abcdef",
		SampleRatio:    1,
	}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p
}

func scrape(t *testing.T, p *Provider) string {
	t.Helper()
	rec := httptest.NewRecorder()
	p.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestProvider_Spans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	p := newTestProvider(t, sdktrace.WithSpanProcessor(recorder))

	_, span := p.Tracer("test").Start(context.Background(), "register")
	span.End()
	require.NoError(t, p.ForceFlush(context.Background()))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "register", spans[0].Name())

	var instance string
	for _, kv := range spans[0].Resource().Attributes() {
		if kv.Key == "service.instance.id" {
			instance = kv.Value.AsString()
		}
	}
	assert.Equal(t, "0123456789abcdef0123456789abcdef", instance)
}

func TestProvider_MetricsHandler(t *testing.T) {
	p := newTestProvider(t)
	m := p.Metrics()
	ctx := context.Background()

	m.RecordRequest(ctx, "/core", http.MethodPost, http.StatusOK, 5*time.Millisecond)
	m.RecordRegistration(ctx, OutcomeRegistered)
	m.RecordWorkerSpawned(ctx, "engine")
	m.RecordWorkersKilled(ctx, 2)
	m.ObserveWorkers(func() int { return 3 })

	body := scrape(t, p)
	for _, name := range []string{
		"onlinelab_http_requests_total",
		"onlinelab_http_request_duration_seconds",
		"onlinelab_registrations_total",
		"onlinelab_workers_spawned_total",
		"onlinelab_workers_killed_total",
		"onlinelab_workers_active",
		"go_goroutines",
	} {
		assert.Contains(t, body, name)
	}
	assert.Contains(t, body, `outcome="registered"`)
}

func TestProvider_StdoutExporter(t *testing.T) {
	var buf bytes.Buffer
	p, err := New(context.Background(), Config{
		ServiceName: "onlinelab-service",
		Exporter:    ExporterStdout,
		SampleRatio: 1,
		Writer:      &buf,
	})
	require.NoError(t, err)

	_, span := p.Tracer("test").Start(context.Background(), "stdout-span")
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))

	assert.Contains(t, buf.String(), "stdout-span")
}

func TestNew_UnknownExporter(t *testing.T) {
	_, err := New(context.Background(), Config{Exporter: "zipkin"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zipkin")
}

func TestCollectorEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		host     string
		insecure bool
		wantErr  bool
	}{
		{name: "bare host", endpoint: "collector:4317", host: "collector:4317"},
		{name: "http scheme", endpoint: "http://localhost:4318", host: "localhost:4318", insecure: true},
		{name: "https scheme", endpoint: "https://otel.example.com", host: "otel.example.com"},
		{name: "empty", endpoint: "", wantErr: true},
		{name: "bad scheme", endpoint: "ftp://x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, insecure, err := collectorEndpoint(tt.endpoint)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.insecure, insecure)
		})
	}
}

func TestNewSampler(t *testing.T) {
	assert.Contains(t, NewSampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, NewSampler(0).Description(), "AlwaysOffSampler")
	assert.Contains(t, NewSampler(0.5).Description(), "TraceIDRatioBased")
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordRequest(ctx, "/", http.MethodGet, http.StatusOK, time.Millisecond)
	m.RecordRegistration(ctx, OutcomeSkipped)
	m.RecordWorkerSpawned(ctx, "engine")
	m.RecordWorkersKilled(ctx, 1)
	m.RecordRateLimited(ctx, "/")
	m.ObserveWorkers(func() int { return 0 })
}

func TestMiddleware(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	p := newTestProvider(t, sdktrace.WithSpanProcessor(recorder))
	prop := Propagator()

	handler := Middleware(p.TracerProvider(), prop, p.Metrics(), "/engine", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, trace.SpanContextFromContext(r.Context()).IsValid())
		w.WriteHeader(http.StatusInternalServerError)
	}))

	// Propagate a parent from a caller.
	parentCtx, parent := p.Tracer("caller").Start(context.Background(), "caller")
	req := httptest.NewRequest(http.MethodPost, "/engine/", nil)
	prop.Inject(parentCtx, propagation.HeaderCarrier(req.Header))
	parent.End()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var server sdktrace.ReadOnlySpan
	for _, s := range recorder.Ended() {
		if s.SpanKind() == trace.SpanKindServer {
			server = s
		}
	}
	require.NotNil(t, server)
	assert.Equal(t, "POST /engine", server.Name())
	assert.Equal(t, parent.SpanContext().TraceID(), server.SpanContext().TraceID())
	assert.Equal(t, "Error", server.Status().Code.String())

	assert.Contains(t, scrape(t, p), `route="/engine"`)
}
