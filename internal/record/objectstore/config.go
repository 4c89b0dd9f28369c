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
	"fmt"
	"strings"
	"time"
)

// BackendType names an object storage provider.
type BackendType string

const (
	BackendS3    BackendType = "s3"
	BackendGCS   BackendType = "gcs"
	BackendAzure BackendType = "azure"
	// BackendMemory keeps objects in process. Tests only.
	BackendMemory BackendType = "memory"
)

// Config describes the bucket a record store lives in.
type Config struct {
	Backend BackendType
	// Bucket is the bucket (S3, GCS) or container (Azure).
	Bucket string
	// Prefix is prepended to every object key. A trailing slash is added
	// when missing.
	Prefix string
	// UploadGrace is how long a lone video object counts as an upload still
	// in flight rather than an orphan.
	UploadGrace time.Duration
	Breaker     BreakerConfig

	// Provider settings; the one matching Backend is used.
	S3    *S3Config
	GCS   *GCSConfig
	Azure *AzureConfig
}

// S3Config holds S3 and S3-compatible settings.
type S3Config struct {
	Region string
	// Endpoint overrides the AWS endpoint, e.g. for MinIO.
	Endpoint string
	// Static credentials. Both empty means the default AWS chain.
	AccessKeyID     string
	SecretAccessKey string
	// UsePathStyle is needed by most S3-compatible servers.
	UsePathStyle bool
}

// GCSConfig holds Google Cloud Storage settings.
type GCSConfig struct {
	// CredentialsJSON is a service account key. Empty means application
	// default credentials.
	CredentialsJSON []byte
	// Endpoint points at an emulator; authentication is disabled when set.
	Endpoint string
}

// AzureConfig holds Azure Blob Storage settings.
type AzureConfig struct {
	AccountName string
	// AccountKey selects shared key auth. Empty means DefaultAzureCredential.
	AccountKey string
	// Endpoint overrides the service URL, e.g. for Azurite.
	Endpoint string
}

// BreakerConfig tunes the circuit breaker in front of the bucket.
type BreakerConfig struct {
	Disabled            bool
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

// DefaultConfig returns the defaults. Backend and Bucket must still be set.
func DefaultConfig() Config {
	return Config{
		Prefix:      "collector/",
		UploadGrace: 5 * time.Minute,
		Breaker: BreakerConfig{
			ConsecutiveFailures: 5,
			OpenTimeout:         30 * time.Second,
		},
	}
}

func normalizePrefix(prefix string) string {
	if prefix == "" || strings.HasSuffix(prefix, "/") {
		return prefix
	}
	return prefix + "/"
}

// NewBlobStore creates the BlobStore for cfg.Backend behind a circuit
// breaker, unless the breaker is disabled.
func NewBlobStore(ctx context.Context, cfg Config) (BlobStore, error) {
	var (
		blobs BlobStore
		err   error
	)
	switch cfg.Backend {
	case BackendS3:
		if cfg.S3 == nil {
			return nil, fmt.Errorf("objectstore: s3 settings are required for backend %q", cfg.Backend)
		}
		blobs, err = NewS3BlobStore(ctx, cfg.Bucket, *cfg.S3)
	case BackendGCS:
		var gcs GCSConfig
		if cfg.GCS != nil {
			gcs = *cfg.GCS
		}
		blobs, err = NewGCSBlobStore(ctx, cfg.Bucket, gcs)
	case BackendAzure:
		if cfg.Azure == nil {
			return nil, fmt.Errorf("objectstore: azure settings are required for backend %q", cfg.Backend)
		}
		blobs, err = NewAzureBlobStore(ctx, cfg.Bucket, *cfg.Azure)
	case BackendMemory:
		blobs = NewMemoryBlobStore()
	default:
		return nil, fmt.Errorf("objectstore: unsupported backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Breaker.Disabled {
		return blobs, nil
	}
	return NewBreakerBlobStore(blobs, string(cfg.Backend), cfg.Breaker), nil
}
