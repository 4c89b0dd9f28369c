/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric name constants.
const (
	metricRequestDuration = "motion_collector_http_request_duration_seconds"
	metricRequestsTotal   = "motion_collector_http_requests_total"
	metricInFlight        = "motion_collector_http_requests_in_flight"
	metricResponseBytes   = "motion_collector_http_response_bytes_total"

	unmatchedRoute = "unmatched"
)

// DefaultHTTPDurationBuckets are histogram buckets for HTTP request durations.
// Archive downloads run long, so the tail reaches five minutes.
var DefaultHTTPDurationBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300,
}

// HTTPMetrics holds Prometheus metrics for the collector HTTP layer.
type HTTPMetrics struct {
	// RequestDuration tracks HTTP request duration in seconds by method, route, and status code.
	RequestDuration *prometheus.HistogramVec

	// RequestsTotal counts HTTP requests by method, route, and status code.
	RequestsTotal *prometheus.CounterVec

	// InFlight is the number of requests being served.
	InFlight prometheus.Gauge

	// ResponseBytes counts response body bytes by route.
	ResponseBytes *prometheus.CounterVec
}

// HTTPMetricsConfig configures the HTTP metrics.
type HTTPMetricsConfig struct {
	DurationBuckets []float64
}

// NewHTTPMetrics creates and registers HTTP metrics with the default registry.
func NewHTTPMetrics(cfg *HTTPMetricsConfig) *HTTPMetrics {
	return NewHTTPMetricsWithRegistry(prometheus.DefaultRegisterer, cfg)
}

// NewHTTPMetricsWithRegistry creates HTTP metrics registered with reg.
func NewHTTPMetricsWithRegistry(reg prometheus.Registerer, cfg *HTTPMetricsConfig) *HTTPMetrics {
	buckets := DefaultHTTPDurationBuckets
	if cfg != nil && cfg.DurationBuckets != nil {
		buckets = cfg.DurationBuckets
	}
	factory := promauto.With(reg)

	return &HTTPMetrics{
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metricRequestDuration,
			Help:    "HTTP request duration in seconds",
			Buckets: buckets,
		}, []string{"method", "route", "status_code"}),

		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: metricRequestsTotal,
			Help: "Total HTTP requests by method, route, and status code",
		}, []string{"method", "route", "status_code"}),

		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: metricInFlight,
			Help: "HTTP requests currently being served",
		}),

		ResponseBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: metricResponseBytes,
			Help: "Total HTTP response body bytes by route",
		}, []string{"route"}),
	}
}

// statusCapture wraps http.ResponseWriter to capture the status code and
// body size.
type statusCapture struct {
	http.ResponseWriter
	code    int
	written int64
}

func (s *statusCapture) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusCapture) Write(p []byte) (int, error) {
	n, err := s.ResponseWriter.Write(p)
	s.written += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (s *statusCapture) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

type routeSlotKey struct{}

// withRouteSlot gives inner handlers a place to report the matched pattern.
// The mux sets Request.Pattern on its own copy of the request, which outer
// middleware never sees.
func withRouteSlot(ctx context.Context) (context.Context, *string) {
	slot := new(string)
	return context.WithValue(ctx, routeSlotKey{}, slot), slot
}

func reportRoute(r *http.Request) {
	if slot, ok := r.Context().Value(routeSlotKey{}).(*string); ok {
		*slot = r.Pattern
	}
}

// MetricsMiddleware returns HTTP middleware that records request metrics.
// Aborted responses are recorded before the abort propagates.
func MetricsMiddleware(m *HTTPMetrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, slot := withRouteSlot(r.Context())
		sc := &statusCapture{ResponseWriter: w, code: http.StatusOK}
		m.InFlight.Inc()

		defer func() {
			m.InFlight.Dec()
			route := normalizeRoute(r, *slot)
			status := strconv.Itoa(sc.code)
			if rec := recover(); rec != nil {
				status = "aborted"
				defer panic(rec)
			}
			m.RequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
			m.RequestsTotal.WithLabelValues(r.Method, route, status).Inc()
			m.ResponseBytes.WithLabelValues(route).Add(float64(sc.written))
		}()

		next.ServeHTTP(sc, r.WithContext(ctx))
	})
}

// normalizeRoute returns a low-cardinality route label. Unmatched paths are
// grouped so scanners cannot inflate the label set.
func normalizeRoute(r *http.Request, reported string) string {
	if reported != "" {
		return reported
	}
	if pat := r.Pattern; pat != "" {
		return pat
	}
	return unmatchedRoute
}
