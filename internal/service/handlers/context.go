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

// Package handlers implements the HTTP endpoints of a running service: the
// identity document at /, the core RPC endpoint and the engine RPC endpoint.
package handlers

import (
	"context"
	"log/slog"

	"github.com/tombee/onlinelab/internal/procman"
)

// ServiceName is reported by the identity document.
const ServiceName = "onlinelab-service"

// Processes is the part of the process manager the engine endpoint uses.
type Processes interface {
	Spawn(ctx context.Context, name string, argv []string) (*procman.Worker, error)
	Kill(ctx context.Context, id string) error
	Snapshot() []procman.WorkerInfo
}

// AppContext is the state shared by every handler. It is built once per
// start and never modified while serving.
type AppContext struct {
	// Identity is the uuid generated for this run.
	Identity string

	Version string

	// PID of the serving process.
	PID int

	Processes Processes

	// EngineCommand is the argv spawned by engine init.
	EngineCommand []string

	Logger *slog.Logger
}
