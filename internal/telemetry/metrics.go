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

package telemetry

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Registration outcomes.
const (
	OutcomeRegistered  = "registered"
	OutcomeRejected    = "rejected"
	OutcomeUnreachable = "unreachable"
	OutcomeSkipped     = "skipped"
)

// Metrics holds the service instruments.
type Metrics struct {
	requestsTotal    metric.Int64Counter
	requestDuration  metric.Float64Histogram
	registrations    metric.Int64Counter
	workersSpawned   metric.Int64Counter
	workersKilled    metric.Int64Counter
	rateLimitedTotal metric.Int64Counter

	mu          sync.RWMutex
	workerCount func() int
}

// NewMetrics creates the instruments on the given meter provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter("onlinelab")
	m := &Metrics{}

	var err error
	m.requestsTotal, err = meter.Int64Counter(
		"onlinelab_http_requests_total",
		metric.WithDescription("Total number of HTTP requests served"),
	)
	if err != nil {
		return nil, err
	}

	m.requestDuration, err = meter.Float64Histogram(
		"onlinelab_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.registrations, err = meter.Int64Counter(
		"onlinelab_registrations_total",
		metric.WithDescription("Registration attempts by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.workersSpawned, err = meter.Int64Counter(
		"onlinelab_workers_spawned_total",
		metric.WithDescription("Total number of worker processes spawned"),
	)
	if err != nil {
		return nil, err
	}

	m.workersKilled, err = meter.Int64Counter(
		"onlinelab_workers_killed_total",
		metric.WithDescription("Total number of worker processes terminated by the service"),
	)
	if err != nil {
		return nil, err
	}

	m.rateLimitedTotal, err = meter.Int64Counter(
		"onlinelab_http_rate_limited_total",
		metric.WithDescription("Requests rejected by the rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"onlinelab_workers_active",
		metric.WithDescription("Number of tracked worker processes"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			m.mu.RLock()
			count := m.workerCount
			m.mu.RUnlock()
			if count != nil {
				o.Observe(int64(count()))
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// ObserveWorkers sets the callback reporting the number of tracked workers.
func (m *Metrics) ObserveWorkers(count func() int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.workerCount = count
	m.mu.Unlock()
}

// RecordRequest records one served HTTP request.
func (m *Metrics) RecordRequest(ctx context.Context, route, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("route", route),
		attribute.String("method", method),
		attribute.String("status", strconv.Itoa(status)),
	)
	m.requestsTotal.Add(ctx, 1, attrs)
	m.requestDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordRateLimited counts a request rejected by the rate limiter.
func (m *Metrics) RecordRateLimited(ctx context.Context, route string) {
	if m == nil {
		return
	}
	m.rateLimitedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("route", route)))
}

// RecordRegistration counts a registration attempt with its outcome.
func (m *Metrics) RecordRegistration(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.registrations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordWorkerSpawned counts a started worker.
func (m *Metrics) RecordWorkerSpawned(ctx context.Context, name string) {
	if m == nil {
		return
	}
	m.workersSpawned.Add(ctx, 1, metric.WithAttributes(attribute.String("worker", name)))
}

// RecordWorkersKilled counts workers terminated by the service.
func (m *Metrics) RecordWorkersKilled(ctx context.Context, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.workersKilled.Add(ctx, int64(n))
}
