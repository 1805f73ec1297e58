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
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/onlinelab/internal/commands/shared"
	"github.com/tombee/onlinelab/internal/config"
	"github.com/tombee/onlinelab/internal/lifecycle"
	"github.com/tombee/onlinelab/internal/log"
)

// loadConfig loads the configuration located by loc and applies the
// --pid-file override.
func loadConfig(loc shared.LocationFlags, configFile string) (*config.Config, error) {
	cfg, err := config.Load(loc.Home, configFile)
	if err != nil {
		return nil, err
	}
	if loc.PIDFile != "" {
		cfg.PIDFile = loc.PIDFile
	}
	return cfg, nil
}

// newLogger builds the invocation's logger, writing to the command's stderr,
// and installs it as the slog default.
func newLogger(cmd *cobra.Command, cfg *config.Config, withFile bool) (*slog.Logger, io.Closer) {
	lc := cfg.LoggerConfig(withFile)
	lc.Output = cmd.ErrOrStderr()
	logger, closer := log.New(lc)
	slog.SetDefault(logger)
	return logger, closer
}

// newJournal returns the lifecycle journal of an initialized home, or nil.
func newJournal(cfg *config.Config) *lifecycle.Journal {
	if !isDir(cfg.Home) {
		return nil
	}
	return lifecycle.NewJournal(cfg.JournalPath())
}

// console returns w when it is a terminal.
func console(w io.Writer) io.Writer {
	if log.IsTerminal(w) {
		return w
	}
	return nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func pidLabel(pid int) string {
	return fmt.Sprintf("(pid=%d)", pid)
}
