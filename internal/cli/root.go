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

package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tombee/onlinelab/internal/commands/shared"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root Cobra command for onlinelab
func NewRootCommand() *cobra.Command {
	v, c, b := shared.GetVersion()

	cmd := &cobra.Command{
		Use:   "onlinelab",
		Short: "Online Lab - notebook execution platform",
		Long: `Online Lab runs notebooks on a cluster of service nodes coordinated by a
core server. This binary manages a service node.

Run 'onlinelab service init' to create a service home, then
'onlinelab service start' to run it.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", v, c, b),
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
	}

	return cmd
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return shared.GetVersion()
}

// HandleExitError handles exit errors with proper exit codes
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
