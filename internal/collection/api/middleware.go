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
	"net/http"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/altairalabs/motion-collector/internal/httputil"
	"github.com/altairalabs/motion-collector/pkg/logctx"
)

const (
	headerCorrelationID = "X-Correlation-ID"
	maxRequestIDLength  = 128
)

// ServerOptions configures the middleware around the routes.
type ServerOptions struct {
	// Metrics records Prometheus HTTP metrics when set.
	Metrics *HTTPMetrics
	// TracerProvider enables otelhttp server spans when set.
	TracerProvider trace.TracerProvider
}

// NewServerHandler wires the routes behind the middleware chain:
// request ID, logging context, metrics, tracing, then per-route auth.
func NewServerHandler(h *Handler, opts ServerOptions) http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	var next http.Handler = mux
	if opts.TracerProvider != nil {
		next = otelhttp.NewHandler(next, "motion-collector",
			otelhttp.WithTracerProvider(opts.TracerProvider),
		)
	}
	if opts.Metrics != nil {
		next = MetricsMiddleware(opts.Metrics, next)
	}
	next = LoggingContextMiddleware(h.log, next)
	return RequestIDMiddleware(next)
}

// RequestIDMiddleware propagates or assigns an X-Request-ID and stores it on
// the request context.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(httputil.HeaderRequestID)
		if !validRequestID(id) {
			id = uuid.NewString()
		}
		w.Header().Set(httputil.HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(logctx.WithRequestID(r.Context(), id)))
	})
}

// LoggingContextMiddleware adds the client address and correlation ID to
// the logging context.
func LoggingContextMiddleware(log logr.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logctx.WithLoggingContext(r.Context(), &logctx.LoggingFields{
			CorrelationID: r.Header.Get(headerCorrelationID),
			RemoteAddr:    r.RemoteAddr,
		})
		logctx.LoggerWithContext(log, ctx).V(1).Info("request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// validRequestID accepts short printable ASCII IDs from upstream proxies.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}
