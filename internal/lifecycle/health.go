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

package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrNotReady is returned when the service does not answer before the deadline.
	ErrNotReady = errors.New("service not ready")

	// ErrIdentityMismatch is returned when a different service answers on the probed address.
	ErrIdentityMismatch = errors.New("service identity mismatch")
)

// ReadinessProbe polls a service's root endpoint with exponential backoff
// until it answers with the expected identity.
type ReadinessProbe struct {
	url             string
	expectUUID      string
	client          *http.Client
	initialInterval time.Duration
	maxInterval     time.Duration
	multiplier      float64
}

// ProbeResult describes a single probe attempt.
type ProbeResult struct {
	Ready      bool
	StatusCode int
	UUID       string
	Latency    time.Duration
	Err        error
}

// NewReadinessProbe creates a probe for url. Backoff starts at 50ms and
// doubles up to 1s.
func NewReadinessProbe(url string) *ReadinessProbe {
	return &ReadinessProbe{
		url:             url,
		client:          &http.Client{Timeout: 2 * time.Second},
		initialInterval: 50 * time.Millisecond,
		maxInterval:     time.Second,
		multiplier:      2.0,
	}
}

// ExpectUUID makes the probe fail unless the service reports uuid.
func (p *ReadinessProbe) ExpectUUID(uuid string) *ReadinessProbe {
	p.expectUUID = uuid
	return p
}

// WithBackoff configures custom backoff parameters.
func (p *ReadinessProbe) WithBackoff(initial, max time.Duration, multiplier float64) *ReadinessProbe {
	p.initialInterval = initial
	p.maxInterval = max
	p.multiplier = multiplier
	return p
}

// WithHTTPClient sets a custom HTTP client.
func (p *ReadinessProbe) WithHTTPClient(client *http.Client) *ReadinessProbe {
	p.client = client
	return p
}

// Check performs a single probe.
func (p *ReadinessProbe) Check(ctx context.Context) *ProbeResult {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return &ProbeResult{Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return &ProbeResult{Latency: latency, Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	result := &ProbeResult{StatusCode: resp.StatusCode, Latency: latency}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		result.Err = fmt.Errorf("unexpected status %d", resp.StatusCode)
		return result
	}

	var identity struct {
		UUID string `json:"uuid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
		result.Err = fmt.Errorf("invalid identity document: %w", err)
		return result
	}
	result.UUID = identity.UUID

	if p.expectUUID != "" && identity.UUID != p.expectUUID {
		result.Err = fmt.Errorf("%w: got %q", ErrIdentityMismatch, identity.UUID)
		return result
	}

	result.Ready = true
	return result
}

// WaitUntilReady polls until the service is ready, ctx ends, or timeout
// elapses. onAttempt, when non-nil, is called after every attempt.
func (p *ReadinessProbe) WaitUntilReady(ctx context.Context, timeout time.Duration, onAttempt func(*ProbeResult, int)) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	interval := p.initialInterval
	for attempt := 1; ; attempt++ {
		result := p.Check(ctx)
		if onAttempt != nil {
			onAttempt(result, attempt)
		}
		if result.Ready {
			return nil
		}
		if errors.Is(result.Err, ErrIdentityMismatch) {
			return result.Err
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w after %d attempts: %v", ErrNotReady, attempt, result.Err)
		case <-timer.C:
		}

		interval = time.Duration(float64(interval) * p.multiplier)
		if interval > p.maxInterval {
			interval = p.maxInterval
		}
	}
}
