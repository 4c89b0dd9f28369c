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

// Package collection implements the record collection workflows: ingesting
// paired uploads, retrieving and archiving records, purging and diagnostics.
// It sits between the HTTP/CLI boundaries and a record.Store.
package collection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"

	"github.com/altairalabs/motion-collector/internal/archive"
	"github.com/altairalabs/motion-collector/internal/record"
	"github.com/altairalabs/motion-collector/internal/tracing"
	"github.com/altairalabs/motion-collector/pkg/logctx"
	"github.com/altairalabs/motion-collector/pkg/metrics"
)

// ErrRateLimited is returned by Ingest when the upload rate limit is exceeded.
var ErrRateLimited = errors.New("ingestion rate limit exceeded")

// Operation names used for metrics, spans and log context.
const (
	OpIngest       = "ingest"
	OpFetch        = "fetch"
	OpList         = "list"
	OpExport       = "export"
	OpExportRecord = "export_record"
	OpExportBuffer = "export_buffered"
	OpDelete       = "delete"
	OpPurge        = "purge"
	OpDiagnostics  = "diagnostics"
)

const uploadedMessage = "Files uploaded successfully"

// Storage area names as they appear in ingest results.
const (
	VideoArea  = "videos"
	SensorArea = "json_data"
)

// Config configures the Service.
type Config struct {
	// IngestRate is the sustained number of uploads accepted per second.
	// Zero or less disables rate limiting.
	IngestRate float64
	// IngestBurst is the number of uploads accepted above the sustained rate.
	IngestBurst int
	// ArchiveBufferLimit caps FetchAllBuffered. Zero or less means unbounded.
	ArchiveBufferLimit int64
	// KeyRetries is how many keys Ingest tries when Put reports a conflict.
	KeyRetries int
}

// DefaultConfig returns the service defaults.
func DefaultConfig() Config {
	return Config{
		IngestRate:         20,
		IngestBurst:        40,
		ArchiveBufferLimit: 256 * 1024 * 1024, // 256MB
		KeyRetries:         3,
	}
}

// Upload is one paired submission as received from a client.
type Upload struct {
	Video             []byte
	VideoFilename     string
	VideoContentType  string
	Sensor            []byte
	SensorFilename    string
	SensorContentType string
}

// IngestResult describes a stored upload.
type IngestResult struct {
	Message string     `json:"message"`
	Key     record.Key `json:"key"`
	// Video and JSON are the stored names relative to the storage root.
	Video string `json:"video"`
	JSON  string `json:"json"`
	// GyroscopeData and AccelerometerData echo the uploaded series, or [] when absent.
	GyroscopeData     json.RawMessage `json:"gyroscopeData"`
	AccelerometerData json.RawMessage `json:"accelerometerData"`
}

// Service runs collection operations against a record.Store.
type Service struct {
	store     record.Store
	keys      *record.KeyGenerator
	validator *record.Validator
	streamer  *archive.Streamer
	limiter   *rate.Limiter
	metrics   *metrics.CollectionMetrics
	tracer    trace.Tracer
	cfg       Config
	log       logr.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics records Prometheus metrics for every operation.
func WithMetrics(m *metrics.CollectionMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithTracer creates a span for every operation.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithKeyGenerator replaces the default in-process key generator.
func WithKeyGenerator(g *record.KeyGenerator) Option {
	return func(s *Service) { s.keys = g }
}

// WithValidator replaces the default upload validator.
func WithValidator(v *record.Validator) Option {
	return func(s *Service) { s.validator = v }
}

// NewService creates a Service backed by store.
func NewService(store record.Store, cfg Config, log logr.Logger, opts ...Option) *Service {
	if cfg.KeyRetries <= 0 {
		cfg.KeyRetries = DefaultConfig().KeyRetries
	}
	log = log.WithName("collection")
	s := &Service{
		store:    store,
		streamer: archive.NewStreamer(store, log),
		tracer:   noop.NewTracerProvider().Tracer(tracing.TracerName),
		cfg:      cfg,
		log:      log,
	}
	if cfg.IngestRate > 0 {
		burst := cfg.IngestBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.IngestRate), burst)
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.keys == nil {
		s.keys = record.NewKeyGenerator(store)
	}
	if s.validator == nil {
		// The default config carries no schema, so this cannot fail.
		v, err := record.NewValidator(record.DefaultValidatorConfig())
		if err != nil {
			panic(err)
		}
		s.validator = v
	}
	return s
}

// Ingest validates an upload and stores it under a freshly generated key.
func (s *Service) Ingest(ctx context.Context, u Upload) (result *IngestResult, err error) {
	ctx, finish := s.begin(ctx, OpIngest,
		tracing.AttrVideoBytes.Int(len(u.Video)),
		tracing.AttrSensorBytes.Int(len(u.Sensor)),
	)
	defer func() { finish(err) }()

	if err := s.validator.ValidateVideo(u.Video, u.VideoContentType); err != nil {
		return nil, err
	}
	if err := s.validator.ValidateSensor(u.Sensor, u.SensorContentType); err != nil {
		return nil, err
	}
	if s.limiter != nil && !s.limiter.Allow() {
		return nil, ErrRateLimited
	}

	key, err := s.put(ctx, u.Video, u.Sensor)
	if err != nil {
		return nil, err
	}
	trace.SpanFromContext(ctx).SetAttributes(tracing.AttrRecordKey.String(key.String()))
	s.metrics.RecordIngestBytes(len(u.Video), len(u.Sensor))
	s.logger(ctx).Info("record stored", "key", key,
		"videoFilename", u.VideoFilename, "sensorFilename", u.SensorFilename,
		"videoBytes", len(u.Video), "sensorBytes", len(u.Sensor))

	gyro, accel := sensorSeries(u.Sensor)
	return &IngestResult{
		Message:           uploadedMessage,
		Key:               key,
		Video:             VideoArea + "/" + key.VideoName(),
		JSON:              SensorArea + "/" + key.SensorName(),
		GyroscopeData:     gyro,
		AccelerometerData: accel,
	}, nil
}

// put generates a key and writes the record, trying a new key when another
// writer took the candidate first.
func (s *Service) put(ctx context.Context, video, sensor []byte) (record.Key, error) {
	for attempt := 1; attempt <= s.cfg.KeyRetries; attempt++ {
		key, err := s.keys.Generate(ctx)
		if err != nil {
			return "", err
		}
		putErr := s.store.Put(ctx, key, video, sensor)
		if relErr := s.keys.Release(context.WithoutCancel(ctx), key); relErr != nil {
			s.logger(ctx).Error(relErr, "releasing key reservation", "key", key)
		}
		if putErr == nil {
			return key, nil
		}
		if !errors.Is(putErr, record.ErrKeyExists) {
			return "", putErr
		}
		s.logger(ctx).V(1).Info("key taken, retrying", "key", key, "attempt", attempt)
	}
	return "", fmt.Errorf("%w after %d attempts", record.ErrKeyExists, s.cfg.KeyRetries)
}

// FetchOne returns both halves of a record.
func (s *Service) FetchOne(ctx context.Context, key record.Key) (rec *record.Record, err error) {
	ctx, finish := s.begin(ctx, OpFetch, tracing.AttrRecordKey.String(key.String()))
	defer func() { finish(err) }()

	if _, err := record.ParseKey(key.String()); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, key)
}

// OpenOne returns a streaming reader over both halves of a record. The
// caller must Close it.
func (s *Service) OpenOne(ctx context.Context, key record.Key) (rr *record.RecordReader, err error) {
	ctx, finish := s.begin(ctx, OpFetch, tracing.AttrRecordKey.String(key.String()))
	defer func() { finish(err) }()

	if _, err := record.ParseKey(key.String()); err != nil {
		return nil, err
	}
	return s.store.Open(ctx, key)
}

// ListKeys returns the keys of all complete records in ascending order.
func (s *Service) ListKeys(ctx context.Context) (keys []record.Key, err error) {
	ctx, finish := s.begin(ctx, OpList)
	defer func() { finish(err) }()

	keys, err = s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	if keys == nil {
		keys = []record.Key{}
	}
	return keys, nil
}

// FetchAllAsArchive streams every complete record into sink. Records removed
// while the archive is being written are skipped and reported.
func (s *Service) FetchAllAsArchive(ctx context.Context, sink io.Writer, format archive.Format) (result *archive.Result, err error) {
	ctx, finish := s.begin(ctx, OpExport, tracing.AttrArchiveFormat.String(string(format)))
	defer func() { finish(err) }()

	result, err = s.streamer.StreamAll(ctx, sink, format)
	s.recordArchive(ctx, format, result)
	return result, err
}

// FetchOneAsArchive streams a single record as its own archive. Nothing is
// written to sink when the record does not exist.
func (s *Service) FetchOneAsArchive(ctx context.Context, sink io.Writer, key record.Key, format archive.Format) (result *archive.Result, err error) {
	ctx, finish := s.begin(ctx, OpExportRecord,
		tracing.AttrRecordKey.String(key.String()),
		tracing.AttrArchiveFormat.String(string(format)),
	)
	defer func() { finish(err) }()

	if _, err := record.ParseKey(key.String()); err != nil {
		return nil, err
	}
	result, err = s.streamer.StreamRecord(ctx, sink, format, key)
	s.recordArchive(ctx, format, result)
	return result, err
}

// FetchAllBuffered builds the full archive in memory, for clients that need
// a Content-Length. It returns archive.ErrArchiveTooLarge past the configured limit.
func (s *Service) FetchAllBuffered(ctx context.Context, format archive.Format) (data []byte, result *archive.Result, err error) {
	ctx, finish := s.begin(ctx, OpExportBuffer, tracing.AttrArchiveFormat.String(string(format)))
	defer func() { finish(err) }()

	data, result, err = s.streamer.Buffer(ctx, format, s.cfg.ArchiveBufferLimit)
	if err != nil {
		return nil, result, err
	}
	s.recordArchive(ctx, format, result)
	return data, result, nil
}

// Delete removes a single record.
func (s *Service) Delete(ctx context.Context, key record.Key) (err error) {
	ctx, finish := s.begin(ctx, OpDelete, tracing.AttrRecordKey.String(key.String()))
	defer func() { finish(err) }()

	if _, err := record.ParseKey(key.String()); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, key); err != nil {
		return err
	}
	s.logger(ctx).Info("record deleted", "key", key)
	return nil
}

// PurgeAll removes every record. Keys that could not be removed are listed
// in the result; the error return is reserved for a purge that never started.
func (s *Service) PurgeAll(ctx context.Context) (result *record.PurgeResult, err error) {
	ctx, finish := s.begin(ctx, OpPurge)
	defer func() { finish(err) }()

	result, err = s.store.DeleteAll(ctx)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordPurge(result.Removed)
	log := s.logger(ctx)
	for _, f := range result.Failed {
		log.Info("record not purged", "key", f.Key, "reason", f.Err)
	}
	log.Info("purge complete", "removed", result.Removed,
		"orphansRemoved", result.OrphansRemoved, "failed", len(result.Failed))
	return result, nil
}

// Ping reports whether the store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) recordArchive(ctx context.Context, format archive.Format, result *archive.Result) {
	if result == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	tracing.AddArchiveResult(span, result.Records, len(result.Skipped))
	s.metrics.RecordArchive(string(format), result.Records, len(result.Skipped), result.Bytes)
	if len(result.Skipped) > 0 {
		s.logger(ctx).Info("archive skipped records", "skipped", result.Skipped)
	}
}

// begin starts the span and timer for op and tags ctx with the operation.
// The returned func must be called with the operation's final error.
func (s *Service) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx = logctx.WithOperation(ctx, op)
	fields := logctx.ExtractLoggingFields(ctx)
	if fields.RequestID != "" {
		attrs = append(attrs, tracing.AttrRequestID.String(fields.RequestID))
	}
	if fields.CorrelationID != "" {
		attrs = append(attrs, tracing.AttrCorrelationID.String(fields.CorrelationID))
	}
	ctx, span := tracing.StartOperationSpan(ctx, s.tracer, op, attrs...)
	return ctx, func(err error) {
		result := resultFor(err)
		s.metrics.RecordOperation(op, result, time.Since(start))
		if err != nil && result == metrics.ResultError {
			tracing.RecordError(span, err)
			s.logger(ctx).Error(err, "operation failed")
		} else if err != nil {
			span.SetAttributes(tracing.AttrResult.String(result))
		} else {
			tracing.SetSuccess(span)
		}
		span.End()
	}
}

func (s *Service) logger(ctx context.Context) logr.Logger {
	return logctx.LoggerWithContext(s.log, ctx)
}

// resultFor classifies err into a metrics result label.
func resultFor(err error) string {
	switch {
	case err == nil:
		return metrics.ResultSuccess
	case errors.Is(err, ErrRateLimited):
		return metrics.ResultRateLimited
	case errors.Is(err, record.ErrValidation):
		return metrics.ResultInvalid
	case errors.Is(err, record.ErrNotFound):
		return metrics.ResultNotFound
	case errors.Is(err, record.ErrKeyExists):
		return metrics.ResultConflict
	default:
		return metrics.ResultError
	}
}

var emptySeries = json.RawMessage(`[]`)

// sensorSeries extracts the gyroscope and accelerometer arrays from an
// object-shaped sensor record, defaulting each to an empty array.
func sensorSeries(sensor []byte) (gyro, accel json.RawMessage) {
	gyro, accel = emptySeries, emptySeries
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(sensor, &fields); err != nil {
		return gyro, accel
	}
	if v, ok := fields["gyroscopeData"]; ok && len(v) > 0 {
		gyro = v
	}
	if v, ok := fields["accelerometerData"]; ok && len(v) > 0 {
		accel = v
	}
	return gyro, accel
}
