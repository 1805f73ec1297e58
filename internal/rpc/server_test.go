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
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	registry := NewRegistry()
	registry.Register("ping", func(ctx context.Context, req *Request) (any, error) {
		return map[string]string{"status": "ok"}, nil
	})
	registry.Register("fail", func(ctx context.Context, req *Request) (any, error) {
		return nil, errors.New("engine exploded")
	})
	registry.Register("kill", func(ctx context.Context, req *Request) (any, error) {
		var p struct {
			ID string `json:"id"`
		}
		if err := req.UnmarshalParams(&p); err != nil {
			return nil, err
		}
		if p.ID == "" {
			return nil, NewError(CodeInvalidParams, "id is required")
		}
		return nil, nil
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	server := httptest.NewServer(NewServer("/engine", registry, logger))
	t.Cleanup(server.Close)
	return server
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestServer_Dispatch(t *testing.T) {
	server := newTestServer(t)

	tests := []struct {
		name     string
		body     string
		wantCode int
		wantID   string
	}{
		{name: "success", body: `{"jsonrpc":"2.0","id":1,"method":"ping"}`, wantID: "1"},
		{name: "null result", body: `{"jsonrpc":"2.0","id":"k","method":"kill","params":{"id":"w1"}}`, wantID: `"k"`},
		{name: "unknown method", body: `{"jsonrpc":"2.0","id":2,"method":"nope"}`, wantCode: CodeMethodNotFound, wantID: "2"},
		{name: "handler error", body: `{"jsonrpc":"2.0","id":3,"method":"fail"}`, wantCode: CodeServerError, wantID: "3"},
		{name: "invalid params", body: `{"jsonrpc":"2.0","id":4,"method":"kill","params":[1]}`, wantCode: CodeInvalidParams, wantID: "4"},
		{name: "rpc error from handler", body: `{"jsonrpc":"2.0","id":5,"method":"kill","params":{}}`, wantCode: CodeInvalidParams, wantID: "5"},
		{name: "invalid request", body: `{"jsonrpc":"2.0","id":6}`, wantCode: CodeInvalidRequest, wantID: "6"},
		{name: "parse error", body: `{`, wantCode: CodeParseError, wantID: "null"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			httpResp := post(t, server.URL, tt.body)
			if httpResp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want 200", httpResp.StatusCode)
			}
			if ct := httpResp.Header.Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}

			resp, err := Decode(httpResp)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if string(resp.ID) != tt.wantID {
				t.Errorf("id = %s, want %s", resp.ID, tt.wantID)
			}

			if tt.wantCode == 0 {
				if resp.Error != nil {
					t.Errorf("unexpected error %v", resp.Error)
				}
				return
			}
			if resp.Error == nil || resp.Error.Code != tt.wantCode {
				t.Errorf("error = %+v, want code %d", resp.Error, tt.wantCode)
			}
		})
	}
}

func TestServer_Notification(t *testing.T) {
	server := newTestServer(t)

	resp := post(t, server.URL, `{"jsonrpc":"2.0","method":"ping"}`)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
}

func TestServer_RejectsGet(t *testing.T) {
	server := newTestServer(t)

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
	if resp.Header.Get("Allow") != http.MethodPost {
		t.Errorf("Allow = %q", resp.Header.Get("Allow"))
	}
}

func TestServer_RequestTooLarge(t *testing.T) {
	server := newTestServer(t)

	body := `{"jsonrpc":"2.0","id":1,"method":"ping","params":"` + strings.Repeat("x", MaxRequestSize) + `"}`
	resp, err := Decode(post(t, server.URL, body))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if resp.Error == nil || resp.Error.Code != CodeInvalidRequest {
		t.Errorf("error = %+v, want invalid request", resp.Error)
	}
}

func TestDecode_StatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	_, err = Decode(resp)
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusBadGateway {
		t.Errorf("Decode() error = %v, want StatusError 502", err)
	}
}

func TestResponseShape(t *testing.T) {
	server := newTestServer(t)

	httpResp := post(t, server.URL, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(httpResp.Body).Decode(&raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := raw["error"]; ok {
		t.Error("successful response must not carry an error member")
	}
	if string(raw["jsonrpc"]) != `"2.0"` {
		t.Errorf("jsonrpc = %s", raw["jsonrpc"])
	}
}
