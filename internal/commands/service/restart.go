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

package service

import (
	"github.com/spf13/cobra"

	"github.com/tombee/onlinelab/internal/config"
	servicepkg "github.com/tombee/onlinelab/internal/service"
)

// NewRestartCommand creates the service restart command.
func NewRestartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the service (not implemented)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return exitError("", controller().Restart())
		},
	}
}

// NewStatusCommand creates the service status command.
func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show service status (not implemented)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return exitError("", controller().Status())
		},
	}
}

// controller returns an unconfigured controller for the commands that only
// report they are unavailable.
func controller() *servicepkg.Controller {
	return servicepkg.New(config.Default(""), nil, servicepkg.Options{})
}
