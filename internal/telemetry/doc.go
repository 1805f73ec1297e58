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

// Package telemetry wires OpenTelemetry into the service node.
//
// A Provider owns the tracer provider, the meter provider and the Prometheus
// registry the meters are exported through. Spans leave the process through
// the configured exporter (stdout, OTLP over HTTP or gRPC); metrics are only
// ever scraped from the /metrics route.
//
// All Metrics methods are safe on a nil receiver so collaborators can be
// built without telemetry in tests.
package telemetry
