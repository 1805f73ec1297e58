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

/*
Package cli provides the root command for the onlinelab CLI.

This package creates the Cobra root command and handles global concerns like
version information and exit codes. Individual commands are implemented in the
internal/commands subpackages.

# Command Tree

	onlinelab
	└── service
	    ├── init      Create the service home and settings file
	    ├── start     Start the service (foreground or --daemon)
	    ├── stop      Signal the running service
	    ├── restart   Not implemented
	    └── status    Not implemented

# Exit Codes

	0  success
	1  generic failure
	3  already running or lock contention
	4  not implemented
	5  service home not initialized
*/
package cli
