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

package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/tombee/onlinelab/internal/procman"
	"github.com/tombee/onlinelab/internal/rpc"
	olerrors "github.com/tombee/onlinelab/pkg/errors"
)

// EngineName labels workers started through engine init.
const EngineName = "engine"

// InitResult describes a freshly spawned engine.
type InitResult struct {
	ID  string `json:"id"`
	PID int    `json:"pid"`
}

// KillParams selects the engine to kill.
type KillParams struct {
	ID string `json:"id"`
}

// KillResult confirms a kill.
type KillResult struct {
	ID     string `json:"id"`
	Killed bool   `json:"killed"`
}

// StatResult lists the tracked engines.
type StatResult struct {
	Workers []procman.WorkerInfo `json:"workers"`
}

type engine struct {
	app *AppContext
}

// Engine returns the endpoint that manages engine processes.
func Engine(app *AppContext) *rpc.Server {
	e := &engine{app: app}
	registry := rpc.NewRegistry()
	registry.Register("init", e.init)
	registry.Register("kill", e.kill)
	registry.Register("stat", e.stat)
	return rpc.NewServer("engine", registry, endpointLogger(app, "engine"))
}

func (e *engine) init(ctx context.Context, _ *rpc.Request) (any, error) {
	if len(e.app.EngineCommand) == 0 {
		return nil, rpc.NewError(rpc.CodeServerError, "no engine command configured")
	}
	w, err := e.app.Processes.Spawn(ctx, EngineName, e.app.EngineCommand)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeServerError, "failed to start engine: %v", err)
	}
	return InitResult{ID: w.ID, PID: w.PID}, nil
}

func (e *engine) kill(ctx context.Context, req *rpc.Request) (any, error) {
	var params KillParams
	if err := req.UnmarshalParams(&params); err != nil {
		return nil, err
	}
	if params.ID == "" {
		return nil, fmt.Errorf("%w: %w", rpc.ErrInvalidParams,
			&olerrors.ValidationError{Field: "id", Message: "is required"})
	}

	if err := e.app.Processes.Kill(ctx, params.ID); err != nil {
		if errors.Is(err, procman.ErrUnknownWorker) {
			return nil, rpc.NewError(rpc.CodeServerError, "%v", &olerrors.NotFoundError{Resource: "engine", ID: params.ID})
		}
		return nil, err
	}
	return KillResult{ID: params.ID, Killed: true}, nil
}

func (e *engine) stat(context.Context, *rpc.Request) (any, error) {
	return StatResult{Workers: e.app.Processes.Snapshot()}, nil
}
