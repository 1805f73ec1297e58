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

// Package httpclient provides the outbound HTTP client used to talk to the core.
//
// Basic usage:
//
//	cfg := httpclient.DefaultConfig()
//	cfg.Logger = logger
//	client, err := httpclient.New(cfg)
//	if err != nil {
//	    return err
//	}
//	resp, err := client.Post(coreURL+"/service", "application/json", body)
//
// Requests are sent exactly once; there is no retry layer.
//
// Every request gets a client span and W3C trace context headers, and is
// logged at debug level (warn for errors and 4xx/5xx responses). Passwords in
// userinfo and sensitive query parameters are redacted from logs and spans.
package httpclient
