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

package shared

import (
	"github.com/spf13/pflag"
)

// Build-time version information
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	version = v
	commit = c
	buildDate = b
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return version, commit, buildDate
}

// LocationFlags locate the service home and its lock file. Every service
// subcommand accepts them.
type LocationFlags struct {
	Home    string
	PIDFile string
}

// AddHomeFlag registers --home on fs.
func (f *LocationFlags) AddHomeFlag(fs *pflag.FlagSet) {
	fs.StringVar(&f.Home, "home", "", "Service home directory (default: $ONLINELAB_HOME or $XDG_DATA_HOME/onlinelab/service)")
}

// AddPIDFileFlag registers --pid-file on fs.
func (f *LocationFlags) AddPIDFileFlag(fs *pflag.FlagSet) {
	fs.StringVar(&f.PIDFile, "pid-file", "", "Lock file path (default: <home>/service.pid)")
}
