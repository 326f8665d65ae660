// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and error codes for the tasks API.
//
// # Description
//
// This package implements Prometheus metrics for monitoring request
// dispatch and the database session pool. Metrics include:
//   - Request counters (by route group tag, method, status)
//   - Request latency histograms (by route group tag)
//   - Session pool gauges and acquire-timeout counters
//   - Composed route counts per tag
//
// # Integration
//
// Metrics are registered on an injected registry and exposed via the
// /metrics endpoint by the API service.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// A nil *Metrics is valid and records nothing.
package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "aleutian_tasks"

// UnmatchedTag labels requests that did not resolve to any route group.
const UnmatchedTag = "unmatched"

// Metrics holds the Prometheus collectors for one API service instance.
//
// # Fields
//
//   - RequestsTotal: Counter of dispatched requests by tag, method and status.
//   - RequestDurationSeconds: Histogram of dispatch latency by tag.
//   - ErrorsTotal: Counter of structured error responses by tag and code.
//   - Routes: Gauge of composed route count by tag.
//
// Session pool collectors are registered separately through
// RegisterSessionPool because they read live values from the pool.
type Metrics struct {
	// RequestsTotal counts requests.
	// Labels: tag, method, status
	RequestsTotal *prometheus.CounterVec

	// RequestDurationSeconds measures request latency.
	// Labels: tag
	RequestDurationSeconds *prometheus.HistogramVec

	// ErrorsTotal counts structured error responses.
	// Labels: tag, code
	ErrorsTotal *prometheus.CounterVec

	// Routes is the number of composed routes per tag.
	// Labels: tag
	Routes *prometheus.GaugeVec

	reg prometheus.Registerer
}

// NewMetrics creates and registers all API collectors on reg.
//
// # Inputs
//
//   - reg: Registerer to use. Each service owns its own registry so several
//     services (and tests) can coexist in one process.
//
// # Outputs
//
//   - *Metrics: The registered collectors.
//
// # Limitations
//
//   - Panics if called twice with the same registry (duplicate registration).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of dispatched requests by route group tag, method and status",
			},
			[]string{"tag", "method", "status"},
		),

		RequestDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Request dispatch latency in seconds by route group tag",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"tag"},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "http",
				Name:      "errors_total",
				Help:      "Structured error responses by route group tag and error code",
			},
			[]string{"tag", "code"},
		),

		Routes: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "routes",
				Help:      "Number of composed routes per route group tag",
			},
			[]string{"tag"},
		),

		reg: reg,
	}
}

// =============================================================================
// Error Codes
// =============================================================================

// ErrorCode is the machine-readable code carried in JSON error bodies and
// used as a metric label.
type ErrorCode string

const (
	// ErrorCodePoolExhausted indicates no database session became available.
	ErrorCodePoolExhausted ErrorCode = "pool_exhausted"

	// ErrorCodeRouteNotFound indicates no route group prefix matched.
	ErrorCodeRouteNotFound ErrorCode = "route_not_found"

	// ErrorCodeEndpointNotFound indicates a group matched but no endpoint did.
	ErrorCodeEndpointNotFound ErrorCode = "endpoint_not_found"

	// ErrorCodeMethodNotAllowed indicates the path exists for other methods.
	ErrorCodeMethodNotAllowed ErrorCode = "method_not_allowed"

	// ErrorCodeRateLimited indicates the client exceeded its request rate.
	ErrorCodeRateLimited ErrorCode = "rate_limited"

	// ErrorCodeValidation indicates a malformed request body or parameter.
	ErrorCodeValidation ErrorCode = "validation"

	// ErrorCodeNotFound indicates a missing resource.
	ErrorCodeNotFound ErrorCode = "not_found"

	// ErrorCodeConflict indicates a state transition that is not allowed.
	ErrorCodeConflict ErrorCode = "conflict"

	// ErrorCodeUnauthorized indicates missing or invalid credentials.
	ErrorCodeUnauthorized ErrorCode = "unauthorized"

	// ErrorCodeForbidden indicates the caller may not use the resource.
	ErrorCodeForbidden ErrorCode = "forbidden"

	// ErrorCodeUnavailable indicates a dependency is down.
	ErrorCodeUnavailable ErrorCode = "unavailable"

	// ErrorCodeInternal indicates an unexpected server error.
	ErrorCodeInternal ErrorCode = "internal"
)

// =============================================================================
// Helper Methods
// =============================================================================

// ObserveRequest records one completed dispatch.
//
// # Inputs
//
//   - tag: Route group tag, or UnmatchedTag.
//   - method: HTTP method.
//   - status: Response status code.
//   - elapsed: Time spent in the handler chain.
func (m *Metrics) ObserveRequest(tag, method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	if tag == "" {
		tag = UnmatchedTag
	}
	m.RequestsTotal.WithLabelValues(tag, method, strconv.Itoa(status)).Inc()
	m.RequestDurationSeconds.WithLabelValues(tag).Observe(elapsed.Seconds())
}

// RecordError records a structured error response.
func (m *Metrics) RecordError(tag string, code ErrorCode) {
	if m == nil {
		return
	}
	if tag == "" {
		tag = UnmatchedTag
	}
	m.ErrorsTotal.WithLabelValues(tag, string(code)).Inc()
}

// SetRouteCounts publishes the composed route count per tag.
func (m *Metrics) SetRouteCounts(counts map[string]int) {
	if m == nil {
		return
	}
	m.Routes.Reset()
	for tag, n := range counts {
		m.Routes.WithLabelValues(tag).Set(float64(n))
	}
}

// PoolReader exposes live session pool figures to the metrics layer.
type PoolReader interface {
	InUseCount() int
	TimeoutCount() uint64
}

// RegisterSessionPool registers gauges that read the pool on every scrape.
//
// # Description
//
// Registers aleutian_tasks_sessions_in_use and
// aleutian_tasks_session_acquire_timeouts_total. Values are pulled from the
// pool at scrape time so the pool never has to know about Prometheus.
func (m *Metrics) RegisterSessionPool(pool PoolReader) {
	if m == nil || pool == nil {
		return
	}
	factory := promauto.With(m.reg)

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_in_use",
			Help:      "Database sessions currently checked out",
		},
		func() float64 { return float64(pool.InUseCount()) },
	)

	factory.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "session_acquire_timeouts_total",
			Help:      "Session acquisitions that gave up after the wait timeout",
		},
		func() float64 { return float64(pool.TimeoutCount()) },
	)
}
