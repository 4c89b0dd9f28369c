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
	"fmt"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSBlobStore keeps objects in a Google Cloud Storage bucket.
type GCSBlobStore struct {
	client *storage.Client
	bucket *storage.BucketHandle
}

// NewGCSBlobStore creates a GCS client for bucket. A custom endpoint (for
// an emulator) disables authentication.
func NewGCSBlobStore(ctx context.Context, bucket string, cfg GCSConfig) (*GCSBlobStore, error) {
	if bucket == "" {
		return nil, errors.New("gcs: bucket is required")
	}

	var opts []option.ClientOption
	if len(cfg.CredentialsJSON) > 0 {
		opts = append(opts, option.WithCredentialsJSON(cfg.CredentialsJSON))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs: creating client: %w", err)
	}
	return &GCSBlobStore{client: client, bucket: client.Bucket(bucket)}, nil
}

// Create writes under a DoesNotExist precondition.
func (g *GCSBlobStore) Create(ctx context.Context, key string, data []byte, contentType string) error {
	w := g.bucket.Object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return gcsErr("write", err)
	}
	return gcsErr("write", w.Close())
}

func (g *GCSBlobStore) Open(ctx context.Context, key string) (*Object, error) {
	r, err := g.bucket.Object(key).NewReader(ctx)
	if err != nil {
		return nil, gcsErr("read", err)
	}
	return &Object{
		ObjectInfo: ObjectInfo{Key: key, Size: r.Attrs.Size, Modified: r.Attrs.LastModified},
		Body:       r,
	}, nil
}

func (g *GCSBlobStore) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	attrs, err := g.bucket.Object(key).Attrs(ctx)
	if err != nil {
		return nil, gcsErr("stat", err)
	}
	return &ObjectInfo{Key: key, Size: attrs.Size, Modified: attrs.Updated}, nil
}

func (g *GCSBlobStore) Delete(ctx context.Context, key string) error {
	return gcsErr("delete", g.bucket.Object(key).Delete(ctx))
}

func (g *GCSBlobStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	it := g.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("gcs list: %w", err)
		}
		out = append(out, ObjectInfo{Key: attrs.Name, Size: attrs.Size, Modified: attrs.Updated})
	}
}

func (g *GCSBlobStore) Ping(ctx context.Context) error {
	if _, err := g.bucket.Attrs(ctx); err != nil {
		return fmt.Errorf("gcs ping: %w", err)
	}
	return nil
}

func (g *GCSBlobStore) Close() error { return g.client.Close() }

// gcsErr maps GCS answers onto the BlobStore sentinels.
func gcsErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return ErrObjectNotFound
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
		return ErrObjectExists
	}
	return fmt.Errorf("gcs %s: %w", op, err)
}

var _ BlobStore = (*GCSBlobStore)(nil)
