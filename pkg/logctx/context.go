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

// Package logctx carries request-scoped logging fields through context.Context
// so handlers, the collection service and the stores log the same identifiers.
package logctx

import (
	"context"

	"github.com/go-logr/logr"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

// Context keys for common logging fields.
const (
	// ContextKeyRequestID identifies the individual HTTP request or CLI invocation.
	ContextKeyRequestID contextKey = "request_id"

	// ContextKeyCorrelationID is propagated from an upstream caller.
	ContextKeyCorrelationID contextKey = "correlation_id"

	// ContextKeyRecordKey identifies the record an operation works on.
	ContextKeyRecordKey contextKey = "record_key"

	// ContextKeyOperation names the collection operation (ingest, export, purge...).
	ContextKeyOperation contextKey = "operation"

	// ContextKeyRemoteAddr is the client address of an HTTP request.
	ContextKeyRemoteAddr contextKey = "remote_addr"
)

var allContextKeys = []contextKey{
	ContextKeyRequestID,
	ContextKeyCorrelationID,
	ContextKeyRecordKey,
	ContextKeyOperation,
	ContextKeyRemoteAddr,
}

// WithRequestID returns a new context with the request ID set.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// WithCorrelationID returns a new context with the correlation ID set.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, ContextKeyCorrelationID, correlationID)
}

// WithRecordKey returns a new context with the record key set.
func WithRecordKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, ContextKeyRecordKey, key)
}

// WithOperation returns a new context with the operation name set.
func WithOperation(ctx context.Context, op string) context.Context {
	return context.WithValue(ctx, ContextKeyOperation, op)
}

// WithRemoteAddr returns a new context with the client address set.
func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, ContextKeyRemoteAddr, addr)
}

// LoggingFields holds the values extracted from a context.
type LoggingFields struct {
	RequestID     string
	CorrelationID string
	RecordKey     string
	Operation     string
	RemoteAddr    string
}

// WithLoggingContext sets every non-empty field on ctx.
func WithLoggingContext(ctx context.Context, fields *LoggingFields) context.Context {
	if fields == nil {
		return ctx
	}
	if fields.RequestID != "" {
		ctx = WithRequestID(ctx, fields.RequestID)
	}
	if fields.CorrelationID != "" {
		ctx = WithCorrelationID(ctx, fields.CorrelationID)
	}
	if fields.RecordKey != "" {
		ctx = WithRecordKey(ctx, fields.RecordKey)
	}
	if fields.Operation != "" {
		ctx = WithOperation(ctx, fields.Operation)
	}
	if fields.RemoteAddr != "" {
		ctx = WithRemoteAddr(ctx, fields.RemoteAddr)
	}
	return ctx
}

// ExtractLoggingFields reads all logging fields from ctx.
func ExtractLoggingFields(ctx context.Context) LoggingFields {
	return LoggingFields{
		RequestID:     stringValue(ctx, ContextKeyRequestID),
		CorrelationID: stringValue(ctx, ContextKeyCorrelationID),
		RecordKey:     stringValue(ctx, ContextKeyRecordKey),
		Operation:     stringValue(ctx, ContextKeyOperation),
		RemoteAddr:    stringValue(ctx, ContextKeyRemoteAddr),
	}
}

// LogrValues returns the non-empty context values as key-value pairs
// suitable for logr.Logger.WithValues.
func LogrValues(ctx context.Context) []interface{} {
	var values []interface{}
	for _, key := range allContextKeys {
		if s := stringValue(ctx, key); s != "" {
			values = append(values, string(key), s)
		}
	}
	return values
}

// LoggerWithContext returns log enriched with all context values.
func LoggerWithContext(log logr.Logger, ctx context.Context) logr.Logger {
	values := LogrValues(ctx)
	if len(values) == 0 {
		return log
	}
	return log.WithValues(values...)
}

func stringValue(ctx context.Context, key contextKey) string {
	if v := ctx.Value(key); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
