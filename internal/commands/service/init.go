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

	"github.com/tombee/onlinelab/internal/commands/shared"
	"github.com/tombee/onlinelab/internal/config"
	servicepkg "github.com/tombee/onlinelab/internal/service"
)

// NewInitCommand creates the service init command.
func NewInitCommand() *cobra.Command {
	var (
		loc        shared.LocationFlags
		configFile string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the service home and settings file",
		Long: `Create the service home directory with its logs and data directories,
and write a commented settings file.

An existing settings file is left untouched unless --force is given.`,
		Example: `  # Initialize the default home
  onlinelab service init

  # Initialize a custom home, replacing its settings
  onlinelab service init --home /srv/onlinelab --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd, loc, configFile, force)
		},
	}

	loc.AddHomeFlag(cmd.Flags())
	cmd.Flags().StringVar(&configFile, "config-file", "", "Settings file to write (default: <home>/settings.yaml)")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing settings file")

	return cmd
}

func runInit(cmd *cobra.Command, loc shared.LocationFlags, configFile string, force bool) error {
	// The settings file may be what is being repaired, so it is not parsed.
	cfg, err := config.Locate(loc.Home, configFile)
	if err != nil {
		return shared.NewFailure("failed to locate service home", err)
	}

	logger, closer := newLogger(cmd, cfg, false)
	defer closer.Close()

	ctrl := servicepkg.New(cfg, logger, servicepkg.Options{})
	if err := ctrl.Init(force); err != nil {
		return exitError("failed to initialize service", err)
	}

	shared.PrintOK(cmd.OutOrStdout(), "Initialized service home %s", shared.RenderLabel(cfg.Home))
	return nil
}
