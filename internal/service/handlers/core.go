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
	"log/slog"

	"github.com/tombee/onlinelab/internal/log"
	"github.com/tombee/onlinelab/internal/rpc"
)

// PingResult answers a core's ping.
type PingResult struct {
	UUID string `json:"uuid"`
	PID  int    `json:"pid"`
}

// Core returns the endpoint the core server talks to.
func Core(app *AppContext) *rpc.Server {
	registry := rpc.NewRegistry()
	registry.Register("ping", func(context.Context, *rpc.Request) (any, error) {
		return PingResult{UUID: app.Identity, PID: app.PID}, nil
	})
	return rpc.NewServer("core", registry, endpointLogger(app, "core"))
}

func endpointLogger(app *AppContext, endpoint string) *slog.Logger {
	logger := app.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return log.WithComponent(logger, endpoint)
}
