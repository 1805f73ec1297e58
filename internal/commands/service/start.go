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
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tombee/onlinelab/internal/commands/shared"
	"github.com/tombee/onlinelab/internal/config"
	"github.com/tombee/onlinelab/internal/lifecycle"
	servicepkg "github.com/tombee/onlinelab/internal/service"
)

// startFlags are the overrides accepted by start. Only flags given on the
// command line replace configured values.
type startFlags struct {
	loc        shared.LocationFlags
	configFile string

	daemon      bool
	port        int
	coreURL     string
	serviceURL  string
	provider    string
	description string

	logLevel      string
	logFile       string
	logMaxSize    int
	logNumBackups int
}

func (f *startFlags) register(fs *pflag.FlagSet) {
	f.loc.AddHomeFlag(fs)
	f.loc.AddPIDFileFlag(fs)
	fs.StringVar(&f.configFile, "config-file", "", "Settings file to read (default: <home>/settings.yaml)")

	fs.BoolVarP(&f.daemon, "daemon", "d", false, "Run the service in the background")
	fs.IntVarP(&f.port, "port", "p", config.DefaultPort, "Port to listen on")
	fs.StringVar(&f.coreURL, "core-url", "", "Core server to register with")
	fs.StringVar(&f.serviceURL, "service-url", "", "URL announced to the core (default: http://localhost:<port>)")
	fs.StringVar(&f.provider, "provider", "", "Provider name announced to the core")
	fs.StringVar(&f.description, "description", "", "Description announced to the core")

	fs.StringVar(&f.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error, none)")
	fs.StringVar(&f.logFile, "log-file", "", "Log file (default: <home>/logs/service.log)")
	fs.IntVar(&f.logMaxSize, "log-max-size", 0, "Log file size in MB before rotation")
	fs.IntVar(&f.logNumBackups, "log-num-backups", 0, "Number of rotated log files kept")
}

// apply copies the changed flags onto cfg and validates the result.
func (f *startFlags) apply(fs *pflag.FlagSet, cfg *config.Config) error {
	if fs.Changed("daemon") {
		cfg.Daemon = f.daemon
	}
	if fs.Changed("port") {
		cfg.Port = f.port
	}
	if fs.Changed("core-url") {
		cfg.CoreURL = f.coreURL
	}
	if fs.Changed("service-url") {
		cfg.ServiceURL = f.serviceURL
	}
	if fs.Changed("provider") {
		cfg.Provider = f.provider
	}
	if fs.Changed("description") {
		cfg.Description = f.description
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = strings.ToLower(f.logLevel)
	}
	if fs.Changed("log-file") {
		cfg.Log.File = f.logFile
	}
	if fs.Changed("log-max-size") {
		cfg.Log.MaxSize = f.logMaxSize
	}
	if fs.Changed("log-num-backups") {
		cfg.Log.NumBackups = f.logNumBackups
	}
	return cfg.Validate()
}

// NewStartCommand creates the service start command.
func NewStartCommand() *cobra.Command {
	var flags startFlags

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the service",
		Long: `Start the service node and announce it to the core server.

The service holds an exclusive lock on its PID file while it runs, so only
one service can use a home at a time. It runs in the foreground until it
receives SIGINT or SIGTERM; with --daemon it detaches and the command returns
once the background service answers on its port.`,
		Example: `  # Run in the foreground on the default port
  onlinelab service start

  # Run in the background and register with a core server
  onlinelab service start --daemon --core-url http://core.example:8000

  # Announce a public address
  onlinelab service start --port 9100 --service-url http://node7.example:9100`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, &flags)
		},
	}

	flags.register(cmd.Flags())

	return cmd
}

func runStart(cmd *cobra.Command, flags *startFlags) error {
	cfg, err := loadConfig(flags.loc, flags.configFile)
	if err != nil {
		return shared.NewFailure("failed to load configuration", err)
	}
	if err := flags.apply(cmd.Flags(), cfg); err != nil {
		return shared.NewFailure("invalid configuration", err)
	}

	// The log file lives in the home; creating it must not make an
	// uninitialized home look initialized.
	logger, closer := newLogger(cmd, cfg, isDir(cfg.Home))
	defer closer.Close()

	version, _, _ := shared.GetVersion()
	ctrl := servicepkg.New(cfg, logger, servicepkg.Options{
		Version:    version,
		DaemonArgs: os.Args[1:],
		Journal:    newJournal(cfg),
		Console:    console(cmd.OutOrStdout()),
	})

	spinner := shared.NewSpinner(cmd.OutOrStdout())
	if cfg.Daemon && !lifecycle.IsDaemonChild() {
		spinner.Start("Starting service in the background")
	}
	res, err := ctrl.Start(cmd.Context())
	spinner.Stop()
	if err != nil {
		return exitError("failed to start service", err)
	}

	if res.Detached {
		out := cmd.OutOrStdout()
		shared.PrintOK(out, "Service started in the background %s",
			shared.RenderLabel(fmt.Sprintf("(pid=%d, port=%d)", res.PID, res.Port)))
		fmt.Fprintf(out, "  %s %s\n", shared.RenderLabel("logs:"), cfg.LogFile())
	}
	return nil
}
