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

package objectstore

import (
	"context"
	"errors"

	"github.com/sony/gobreaker/v2"
)

// BreakerBlobStore fails fast with gobreaker.ErrOpenState once the bucket has
// failed ConsecutiveFailures times in a row, instead of letting every upload
// wait out its own timeout.
type BreakerBlobStore struct {
	inner BlobStore
	cb    *gobreaker.CircuitBreaker[any]
}

// NewBreakerBlobStore wraps inner. ErrObjectNotFound and ErrObjectExists are
// answers from a healthy bucket and do not count as failures.
func NewBreakerBlobStore(inner BlobStore, name string, cfg BreakerConfig) *BreakerBlobStore {
	defaults := DefaultConfig().Breaker
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = defaults.ConsecutiveFailures
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = defaults.OpenTimeout
	}
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "blobstore-" + name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: healthyAnswer,
	})
	return &BreakerBlobStore{inner: inner, cb: cb}
}

func healthyAnswer(err error) bool {
	return err == nil ||
		errors.Is(err, ErrObjectNotFound) ||
		errors.Is(err, ErrObjectExists) ||
		errors.Is(err, context.Canceled)
}

// guarded runs fn through cb and restores its concrete result type.
func guarded[T any](cb *gobreaker.CircuitBreaker[any], fn func() (T, error)) (T, error) {
	var zero T
	res, err := cb.Execute(func() (any, error) { return fn() })
	if err != nil {
		return zero, err
	}
	v, _ := res.(T)
	return v, nil
}

// State reports the breaker state: "closed", "half-open" or "open".
func (b *BreakerBlobStore) State() string {
	return b.cb.State().String()
}

func (b *BreakerBlobStore) Create(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := guarded(b.cb, func() (struct{}, error) {
		return struct{}{}, b.inner.Create(ctx, key, data, contentType)
	})
	return err
}

func (b *BreakerBlobStore) Open(ctx context.Context, key string) (*Object, error) {
	return guarded(b.cb, func() (*Object, error) { return b.inner.Open(ctx, key) })
}

func (b *BreakerBlobStore) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	return guarded(b.cb, func() (*ObjectInfo, error) { return b.inner.Stat(ctx, key) })
}

func (b *BreakerBlobStore) Delete(ctx context.Context, key string) error {
	_, err := guarded(b.cb, func() (struct{}, error) {
		return struct{}{}, b.inner.Delete(ctx, key)
	})
	return err
}

func (b *BreakerBlobStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	return guarded(b.cb, func() ([]ObjectInfo, error) { return b.inner.List(ctx, prefix) })
}

// Ping bypasses the breaker so readiness reports the bucket itself.
func (b *BreakerBlobStore) Ping(ctx context.Context) error {
	return b.inner.Ping(ctx)
}

func (b *BreakerBlobStore) Close() error {
	return b.inner.Close()
}

var _ BlobStore = (*BreakerBlobStore)(nil)
