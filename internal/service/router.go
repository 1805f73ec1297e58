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
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"

	"github.com/tombee/onlinelab/internal/log"
	"github.com/tombee/onlinelab/internal/service/handlers"
	"github.com/tombee/onlinelab/internal/telemetry"
)

// RouterConfig holds what the HTTP surface is built from.
type RouterConfig struct {
	App *handlers.AppContext

	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	Propagator     propagation.TextMapPropagator
	Metrics        *telemetry.Metrics

	// MetricsHandler serves /metrics. Nil leaves the route unregistered.
	MetricsHandler http.Handler

	// RateLimit is the sustained requests per second. Zero or less disables it.
	RateLimit float64
	Burst     int
}

// NewRouter builds the service's HTTP handler.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	prop := cfg.Propagator
	if prop == nil {
		prop = telemetry.Propagator()
	}

	route := func(name string, h http.Handler) http.Handler {
		return telemetry.Middleware(tp, prop, cfg.Metrics, name, h)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /{$}", route("/", handlers.Main(cfg.App)))

	core := route("/core", handlers.Core(cfg.App))
	mux.Handle("/core", core)
	mux.Handle("/core/", exact("/core/", core))

	engine := route("/engine", handlers.Engine(cfg.App))
	mux.Handle("/engine", engine)
	mux.Handle("/engine/", exact("/engine/", engine))

	if cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", cfg.MetricsHandler)
	}

	limiter := newLimiter(cfg.RateLimit, cfg.Burst)
	return logRequests(log.WithComponent(logger, "http"),
		rateLimit(limiter, cfg.Metrics, mux))
}

// exact rejects paths below prefix so that /core/ matches but /core/x does not.
func exact(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != path {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func newLimiter(limit float64, burst int) *rate.Limiter {
	if limit <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(limit), burst)
}

// rateLimit rejects requests beyond the process-wide limit with 429.
// Metrics scrapes are never limited.
func rateLimit(limiter *rate.Limiter, metrics *telemetry.Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/metrics" && !limiter.Allow() {
			metrics.RecordRateLimited(r.Context(), routeOf(r.URL.Path))
			w.Header().Set("Retry-After", "1")
			handlers.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func logRequests(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &telemetry.StatusRecorder{ResponseWriter: w, Status: http.StatusOK}
		next.ServeHTTP(rec, r)

		logger.Debug("request completed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.Status),
			slog.String("remote_addr", r.RemoteAddr),
			log.Duration(time.Since(start)))
	})
}

// routeOf maps a request path to its route label.
func routeOf(path string) string {
	switch strings.TrimSuffix(path, "/") {
	case "":
		return "/"
	case "/core":
		return "/core"
	case "/engine":
		return "/engine"
	default:
		return "other"
	}
}
