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
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()

	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("expected valid JSON output: %v", err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestRPCMiddleware_Handler_Success(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := New(&Config{Level: "debug", Format: FormatJSON, Output: &buf})

	call := &RPCCall{Endpoint: "/core", Method: "ping", ID: "1", RemoteAddr: "127.0.0.1:5000"}
	called := false
	err := NewRPCMiddleware(logger).Handler(call, nil, func() error {
		called = true
		return nil
	})

	if err != nil {
		t.Fatalf("Handler() error = %v", err)
	}
	if !called {
		t.Fatal("handler was not invoked")
	}

	entries := decodeLines(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(entries))
	}
	if entries[0][EventKey] != "rpc_request" || entries[1][EventKey] != "rpc_response" {
		t.Errorf("unexpected events: %v, %v", entries[0][EventKey], entries[1][EventKey])
	}
	if entries[1]["method"] != "ping" || entries[1]["rpc_id"] != "1" || entries[1]["success"] != true {
		t.Errorf("unexpected response entry: %v", entries[1])
	}
	if _, ok := entries[1][DurationKey]; !ok {
		t.Error("expected duration field")
	}
}

func TestRPCMiddleware_Handler_Error(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	wantErr := errors.New("no such worker")
	err := NewRPCMiddleware(logger).Handler(
		&RPCCall{Endpoint: "/engine", Method: "kill"},
		func(error) int { return -32602 },
		func() error { return wantErr },
	)

	if !errors.Is(err, wantErr) {
		t.Fatalf("Handler() error = %v, want %v", err, wantErr)
	}

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("expected only the response at info level, got %d entries", len(entries))
	}
	entry := entries[0]
	if entry["level"] != "WARN" || entry["msg"] != "rpc request failed" {
		t.Errorf("unexpected level/msg: %v %v", entry["level"], entry["msg"])
	}
	if entry["code"] != float64(-32602) || entry["error"] != "no such worker" {
		t.Errorf("unexpected error fields: %v", entry)
	}
	if _, ok := entry["rpc_id"]; ok {
		t.Error("notification should not log rpc_id")
	}
}
