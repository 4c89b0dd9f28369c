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

package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/altairalabs/motion-collector/internal/auth"
	"github.com/altairalabs/motion-collector/internal/collection"
	"github.com/altairalabs/motion-collector/internal/collection/api"
	"github.com/altairalabs/motion-collector/internal/tracing"
	"github.com/altairalabs/motion-collector/pkg/logging"
	"github.com/altairalabs/motion-collector/pkg/metrics"
)

const serviceName = "motion-collector"

func serveCommand(_ *flag.FlagSet) commandFunc { return runServe }

func runServe(ctx context.Context, env *cliEnv) error {
	opts := env.opts
	if err := opts.ValidateServe(); err != nil {
		return &usageError{msg: err.Error()}
	}

	// --- Logger ---
	zapLog, err := logging.NewZapLogger()
	if err != nil {
		return err
	}
	defer func() { _ = zapLog.Sync() }()
	log := zapr.NewLogger(zapLog)

	// --- Tracing ---
	tp, err := tracing.NewProvider(ctx, opts.TracingConfig(serviceName, version))
	if err != nil {
		return err
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutCtx); err != nil {
			log.Error(err, "tracer shutdown error")
		}
	}()

	// --- Metrics ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collectionMetrics := metrics.NewCollectionMetricsWithRegistry(reg)
	collectionMetrics.Initialize()
	httpMetrics := api.NewHTTPMetricsWithRegistry(reg, nil)

	// --- Store and service ---
	b, err := openBackend(ctx, &opts, log, true,
		collection.WithMetrics(collectionMetrics),
		collection.WithTracer(tp.Tracer()),
	)
	if err != nil {
		return err
	}
	defer b.Close()

	// --- Auth ---
	var authenticator *auth.Authenticator
	if opts.AuthConfigured() {
		if authenticator, err = auth.New(opts.AuthConfig()); err != nil {
			return &usageError{msg: err.Error()}
		}
	} else {
		log.Info("WARNING: API authentication disabled by --insecure-no-auth")
	}

	handler := api.NewHandler(b.service, api.Config{
		MaxUploadBytes: opts.Ingest.MaxUploadBytes,
		Authenticator:  authenticator,
	}, log)
	serverOpts := api.ServerOptions{Metrics: httpMetrics}
	if opts.Tracing.Enabled {
		serverOpts.TracerProvider = tp.TracerProvider()
	}

	// --- Servers ---
	apiSrv := &http.Server{
		Addr:              opts.APIAddr,
		Handler:           api.NewServerHandler(handler, serverOpts),
		ReadHeaderTimeout: opts.ReadHeaderTimeout,
		ErrorLog:          logging.ServerErrorLog(zapLog, "api-server"),
		TLSConfig:         opts.BuildTLSConfig(),
	}
	checks := []readinessCheck{{name: "store", check: b.service}}
	if b.reserver != nil {
		checks = append(checks, readinessCheck{name: "redis", check: b.reserver})
	}
	healthSrv := newHealthServer(opts.HealthAddr, checks...)

	errCh := make(chan error, 3)
	servers := []namedServer{{"API", apiSrv}, {"health", healthSrv}}
	if opts.TLS.IsConfigured() {
		cert, key := opts.TLS.Files()
		startHTTPSServer(log, "API", apiSrv, cert, key, errCh)
	} else {
		startHTTPServer(log, "API", apiSrv, errCh)
	}
	startHTTPServer(log, "health", healthSrv, errCh)
	if opts.MetricsAddr != "" {
		metricsSrv := newMetricsServer(opts.MetricsAddr, reg)
		startHTTPServer(log, "metrics", metricsSrv, errCh)
		servers = append(servers, namedServer{"metrics", metricsSrv})
	}

	log.Info("collector ready",
		"version", version,
		"api", opts.APIAddr,
		"health", opts.HealthAddr,
		"metrics", opts.MetricsAddr,
		"backend", opts.Store.Backend,
		"auth", opts.AuthConfigured(),
		"tls", opts.TLS.IsConfigured(),
	)

	// --- Wait for shutdown ---
	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case runErr = <-errCh:
		log.Error(runErr, "server failed, shutting down")
	}

	shutdownServers(log, opts.ShutdownTimeout, servers...)
	return runErr
}

type namedServer struct {
	name string
	srv  *http.Server
}

// startHTTPServer starts an HTTP server in a background goroutine. A listen
// failure is reported on errCh.
func startHTTPServer(log logr.Logger, name string, srv *http.Server, errCh chan<- error) {
	go func() {
		log.Info("starting server", "server", name, "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
}

// startHTTPSServer is startHTTPServer with TLS.
func startHTTPSServer(log logr.Logger, name string, srv *http.Server, certFile, keyFile string, errCh chan<- error) {
	go func() {
		log.Info("starting server", "server", name, "addr", srv.Addr, "tls", true)
		if err := srv.ListenAndServeTLS(certFile, keyFile); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
}

// shutdownServers gracefully stops all servers within timeout.
func shutdownServers(log logr.Logger, timeout time.Duration, servers ...namedServer) {
	shutCtx, shutCancel := context.WithTimeout(context.Background(), timeout)
	defer shutCancel()

	for _, s := range servers {
		if s.srv == nil {
			continue
		}
		if err := s.srv.Shutdown(shutCtx); err != nil {
			log.Error(err, "server shutdown error", "server", s.name)
		}
	}
}

// newMetricsServer creates a dedicated HTTP server for Prometheus metrics.
func newMetricsServer(addr string, gatherer prometheus.Gatherer) *http.Server {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return &http.Server{Addr: addr, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}
}

type pinger interface {
	Ping(ctx context.Context) error
}

type readinessCheck struct {
	name  string
	check pinger
}

// newHealthServer creates an HTTP server for health and readiness probes.
func newHealthServer(addr string, checks ...readinessCheck) *http.Server {
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	healthMux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		for _, c := range checks {
			if err := c.check.Ping(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(c.name + " unavailable"))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{Addr: addr, Handler: healthMux, ReadHeaderTimeout: 5 * time.Second}
}

var _ pinger = (*collection.Service)(nil)
