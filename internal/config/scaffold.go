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

package config

import "fmt"

const scaffoldTemplate = `# Online Lab service configuration.
#
# Values below are the defaults. Environment variables (ONLINELAB_*) and
# command-line flags take precedence over this file.

port: %d

# service_url: http://localhost:%d
# core_url: http://localhost:9000
# provider: ""
# description: ""
# pid_file: service.pid

log:
  level: info
  format: auto
  # file: logs/service.log
  max_size: 10     # megabytes
  num_backups: 3

engine:
  # command: ["python3", "-m", "onlinelab.engine"]
  kill_timeout: 5s

http:
  rate_limit: 100
  burst: 200
  shutdown_timeout: 10s

tracing:
  exporter: none   # none, stdout, otlp-http, otlp-grpc
  # endpoint: localhost:4318
  sample_ratio: 1

registration:
  timeout: 10s
`

// Scaffold renders the settings file written by 'service init'.
func Scaffold() []byte {
	return []byte(fmt.Sprintf(scaffoldTemplate, DefaultPort, DefaultPort))
}
