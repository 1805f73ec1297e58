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
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/onlinelab/internal/commands/shared"
	servicepkg "github.com/tombee/onlinelab/internal/service"
)

// NewStopCommand creates the service stop command.
func NewStopCommand() *cobra.Command {
	var (
		loc     shared.LocationFlags
		wait    bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running service",
		Long: `Send SIGTERM to the service recorded in the lock file.

The service shuts down its listener, kills its engine processes and removes
the lock file. With --wait the command blocks until the lock file is gone.

Stopping when nothing runs is not an error. A lock file left behind by a
dead process is removed.`,
		Example: `  # Ask the service to stop
  onlinelab service stop

  # Stop and wait up to a minute for cleanup
  onlinelab service stop --wait --timeout 1m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop(cmd, loc, servicepkg.StopOptions{Wait: wait, Timeout: timeout})
		},
	}

	loc.AddHomeFlag(cmd.Flags())
	loc.AddPIDFileFlag(cmd.Flags())
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait until the service has exited")
	cmd.Flags().DurationVar(&timeout, "timeout", servicepkg.DefaultStopTimeout, "How long --wait blocks")

	return cmd
}

func runStop(cmd *cobra.Command, loc shared.LocationFlags, opts servicepkg.StopOptions) error {
	cfg, err := loadConfig(loc, "")
	if err != nil {
		return shared.NewFailure("failed to load configuration", err)
	}

	logger, closer := newLogger(cmd, cfg, false)
	defer closer.Close()

	opts.Journal = newJournal(cfg)
	spinner := shared.NewSpinner(cmd.OutOrStdout())
	if opts.Wait {
		spinner.Start("Waiting for the service to exit")
	}
	res, err := servicepkg.Stop(cmd.Context(), cfg, logger, opts)
	spinner.Stop()
	if err != nil {
		return exitError("failed to stop service", err)
	}

	if res.Exited {
		shared.PrintOK(cmd.OutOrStdout(), "Service stopped %s", shared.RenderLabel(pidLabel(res.PID)))
	}
	return nil
}
