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

// Package service implements the "onlinelab service" command group.
package service

import (
	"github.com/spf13/cobra"
)

// NewCommand creates the service command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use: "service",
		Annotations: map[string]string{
			"group": "system",
		},
		Short: "Manage the onlinelab service node",
		Long: `Commands for managing an onlinelab service node.

A service node hosts engine processes for notebook execution. It listens
for JSON-RPC requests on /core and /engine and announces itself to a core
server on start.`,
	}

	cmd.AddCommand(NewInitCommand())
	cmd.AddCommand(NewStartCommand())
	cmd.AddCommand(NewStopCommand())
	cmd.AddCommand(NewRestartCommand())
	cmd.AddCommand(NewStatusCommand())

	return cmd
}
