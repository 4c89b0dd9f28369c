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

// Package tracing sets up OpenTelemetry for the collector and holds the span
// helpers the collection service records operations with.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope of collector spans.
const TracerName = "motion-collector"

// Span attributes set by the collection service.
const (
	AttrOperation      attribute.Key = "collector.operation"
	AttrRecordKey      attribute.Key = "collector.record.key"
	AttrArchiveFormat  attribute.Key = "collector.archive.format"
	AttrArchiveRecords attribute.Key = "collector.archive.records"
	AttrArchiveSkipped attribute.Key = "collector.archive.skipped"
	AttrVideoBytes     attribute.Key = "collector.upload.video_bytes"
	AttrSensorBytes    attribute.Key = "collector.upload.sensor_bytes"
	AttrStoreBackend   attribute.Key = "collector.store.backend"
	AttrRequestID      attribute.Key = "collector.request.id"
	AttrCorrelationID  attribute.Key = "collector.correlation.id"
	// AttrResult classifies an operation that ended in an expected error.
	AttrResult         attribute.Key = "collector.result"
)

// OTLP transports.
const (
	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http"
)

// ErrNoEndpoint is returned when tracing is enabled without a collector address.
var ErrNoEndpoint = errors.New("tracing endpoint is required when tracing is enabled")

// Config selects where spans go.
type Config struct {
	Enabled bool
	// Endpoint is the OTLP collector as host:port.
	Endpoint string
	// Protocol is ProtocolGRPC (default) or ProtocolHTTP.
	Protocol       string
	ServiceName    string
	ServiceVersion string
	Environment    string
	// SampleRate is the fraction of root traces kept. Zero means all.
	SampleRate float64
	Insecure   bool
}

// Provider owns the SDK tracer provider when tracing is enabled.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// NewProvider installs an OTLP pipeline as the global tracer provider. With
// tracing disabled it returns a provider over the global no-op tracer.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{tracer: otel.Tracer(TracerName)}, nil
	}
	if cfg.Endpoint == "" {
		return nil, ErrNoEndpoint
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = TracerName
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(serviceResource(cfg)),
		sdktrace.WithSampler(samplerFor(cfg.SampleRate)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return NewTestProvider(tp), nil
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	var (
		exp sdktrace.SpanExporter
		err error
	)
	switch strings.ToLower(cfg.Protocol) {
	case "", ProtocolGRPC:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err = otlptracegrpc.New(ctx, opts...)
	case ProtocolHTTP:
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err = otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported tracing protocol %q", cfg.Protocol)
	}
	if err != nil {
		return nil, fmt.Errorf("creating OTLP %s exporter: %w", cfg.Protocol, err)
	}
	return exp, nil
}

// serviceResource is built standalone; merging with resource.Default() fails
// when the SDK's semconv schema differs from ours.
func serviceResource(cfg Config) *resource.Resource {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(cfg.Environment))
	}
	return resource.NewWithAttributes(semconv.SchemaURL, attrs...)
}

func samplerFor(rate float64) sdktrace.Sampler {
	if rate >= 1 {
		return sdktrace.AlwaysSample()
	}
	if rate <= 0 {
		return sdktrace.NeverSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// NewTestProvider wraps an existing SDK provider, typically one writing to an
// in-memory exporter.
func NewTestProvider(tp *sdktrace.TracerProvider) *Provider {
	return &Provider{tp: tp, tracer: tp.Tracer(TracerName)}
}

func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// TracerProvider returns the SDK provider, or the global one when disabled.
func (p *Provider) TracerProvider() trace.TracerProvider {
	if p.tp == nil {
		return otel.GetTracerProvider()
	}
	return p.tp
}

// Shutdown flushes buffered spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// StartOperationSpan starts the internal span "collection.<op>".
func StartOperationSpan(ctx context.Context, tracer trace.Tracer, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, "collection."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(AttrOperation.String(op)),
		trace.WithAttributes(attrs...),
	)
}

// RecordError marks span failed. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func SetSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// AddArchiveResult records how many records an archive held and skipped.
func AddArchiveResult(span trace.Span, records, skipped int) {
	span.SetAttributes(AttrArchiveRecords.Int(records), AttrArchiveSkipped.Int(skipped))
}
