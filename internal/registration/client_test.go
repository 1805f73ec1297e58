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

package registration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/tombee/onlinelab/internal/rpc"
	"github.com/tombee/onlinelab/pkg/httpclient"
)

var testRequest = Request{
	URL:         "http://localhost:9001",
	UUID:        "0123456789abcdef0123456789abcdef",
	Provider:    "lab",
	Description: "test node",
}

// fakeCore answers register calls on /service with the given handler.
func fakeCore(t *testing.T, calls *atomic.Int32, handle func(req *rpc.Request) *rpc.Response) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/service", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		req, err := rpc.ParseRequest(body)
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(handle(req))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestTarget(t *testing.T) {
	assert.Equal(t, "http://core:8000/service", Target("http://core:8000"))
	assert.Equal(t, "http://core:8000/service", Target("http://core:8000/"))
	assert.Equal(t, "http://core/lab/service", Target("http://core/lab/"))
}

func TestClient_Announce(t *testing.T) {
	t.Run("registered", func(t *testing.T) {
		var calls atomic.Int32
		var got Request
		srv := fakeCore(t, &calls, func(req *rpc.Request) *rpc.Response {
			assert.Equal(t, Method, req.Method)
			require.NoError(t, req.UnmarshalParams(&got))
			resp, err := rpc.NewResponse(req.ID, map[string]bool{"ok": true})
			require.NoError(t, err)
			return resp
		})

		err := NewClient().Announce(context.Background(), srv.URL, testRequest)
		require.NoError(t, err)
		assert.Equal(t, int32(1), calls.Load())
		assert.Equal(t, testRequest, got)
	})

	t.Run("rejected", func(t *testing.T) {
		var calls atomic.Int32
		srv := fakeCore(t, &calls, func(req *rpc.Request) *rpc.Response {
			return rpc.NewErrorResponse(req.ID, rpc.NewError(rpc.CodeServerError, "duplicate service"))
		})

		err := NewClient().Announce(context.Background(), srv.URL, testRequest)
		var rpcErr *RPCError
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, rpc.CodeServerError, rpcErr.Code)
		assert.Equal(t, "duplicate service", rpcErr.Message)
		assert.False(t, errors.Is(err, ErrUnreachable))
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("connection refused", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		err := NewClient().Announce(context.Background(), url, testRequest)
		assert.ErrorIs(t, err, ErrUnreachable)
	})

	t.Run("not found", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		defer srv.Close()

		err := NewClient().Announce(context.Background(), srv.URL, testRequest)
		assert.ErrorIs(t, err, ErrUnreachable)
		var statusErr *rpc.StatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	})
}

func TestClient_AnnounceTracing(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer tp.Shutdown(context.Background())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		req, _ := rpc.ParseRequest(body)
		resp, _ := rpc.NewResponse(req.ID, nil)
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	cfg := httpclient.DefaultConfig()
	cfg.Timeout = 5 * time.Second
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg.TracerProvider = tp
	httpClient, err := httpclient.New(cfg)
	require.NoError(t, err)

	client := NewClient(WithHTTPClient(httpClient), WithTracerProvider(tp))
	require.NoError(t, client.Announce(context.Background(), srv.URL, testRequest))

	names := make([]string, 0, 2)
	for _, s := range recorder.Ended() {
		names = append(names, s.Name())
	}
	assert.Contains(t, names, "registration.announce")
	assert.Contains(t, names, "HTTP POST")
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "registered", Outcome(nil))
	assert.Equal(t, "rejected", Outcome(&RPCError{Code: -32000}))
	assert.Equal(t, "unreachable", Outcome(ErrUnreachable))
}

type stubAnnouncer struct {
	err   error
	calls atomic.Int32
}

func (s *stubAnnouncer) Announce(context.Context, string, Request) error {
	s.calls.Add(1)
	return s.err
}

func TestSchedule(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantLog string
	}{
		{name: "success", wantLog: "Service has been registered at http://core:8000"},
		{name: "failure", err: ErrUnreachable, wantLog: "Registration at core server failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, nil))
			stub := &stubAnnouncer{err: tt.err}

			done := Schedule(context.Background(), stub, "http://core:8000", testRequest, logger)

			select {
			case err := <-done:
				assert.ErrorIs(t, err, tt.err)
			case <-time.After(5 * time.Second):
				t.Fatal("registration did not complete")
			}
			_, open := <-done
			assert.False(t, open)
			assert.Equal(t, int32(1), stub.calls.Load())
			assert.True(t, strings.Contains(buf.String(), tt.wantLog), buf.String())
		})
	}
}
