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

// Package rpc implements the JSON-RPC 2.0 envelope used between the service,
// the core and engine clients.
//
// Each HTTP endpoint (/core, /engine) is a Server wrapping its own Registry:
//
//	registry := rpc.NewRegistry()
//	registry.Register("ping", func(ctx context.Context, req *rpc.Request) (any, error) {
//	    return map[string]any{"uuid": id}, nil
//	})
//	mux.Handle("/core", rpc.NewServer("/core", registry, logger))
//
// Handlers return plain values or errors. An *Error is sent as-is; the
// package sentinels map to the standard codes and anything else becomes a
// server error (-32000).
package rpc
