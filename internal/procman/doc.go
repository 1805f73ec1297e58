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

// Package procman tracks the worker processes a service spawns and tears
// them down when the service stops.
//
// Termination walks each worker's process tree with gopsutil, sends SIGTERM
// to every member, waits up to the kill timeout and then sends SIGKILL to
// whatever is left.
package procman
