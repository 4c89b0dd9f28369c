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

// Package objectstore keeps records in an object storage bucket (S3, GCS or
// Azure Blob). Each record is two objects, <prefix>videos/<key>.mp4 and
// <prefix>json_data/<key>.json; the sensor object is written last and acts as
// the commit marker.
package objectstore

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrObjectNotFound is returned when a requested object does not exist.
	ErrObjectNotFound = errors.New("object not found")
	// ErrObjectExists is returned by Create when the key is already taken.
	ErrObjectExists = errors.New("object already exists")
)

// ObjectInfo describes a stored object without its content.
type ObjectInfo struct {
	Key      string
	Size     int64
	Modified time.Time
}

// Object is an opened object. The caller closes Body.
type Object struct {
	ObjectInfo
	Body io.ReadCloser
}

// BlobStore is the raw object I/O a record store needs from a bucket.
// Implementations translate provider "missing" and "precondition" answers
// into ErrObjectNotFound and ErrObjectExists.
type BlobStore interface {
	// Create writes data to key only if no object exists there yet.
	Create(ctx context.Context, key string, data []byte, contentType string) error

	// Open streams the object at key.
	Open(ctx context.Context, key string) (*Object, error)

	// Stat returns the object's metadata.
	Stat(ctx context.Context, key string) (*ObjectInfo, error)

	// Delete removes the object at key.
	Delete(ctx context.Context, key string) error

	// List returns every object whose key starts with prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Ping checks that the bucket is reachable.
	Ping(ctx context.Context) error

	Close() error
}
