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

// Package record defines the paired video + sensor record, its timestamp key,
// the Store contract every backend implements, and the validation applied to
// uploads before they reach a store.
package record

import (
	"context"
	"io"
	"regexp"
	"time"
)

// Key formatting constants.
const (
	// KeyLayout is the time layout of the timestamp portion of a key (UTC).
	KeyLayout = "2006-01-02_15-04-05.000000"
	// maxDisambiguator is the largest "-NNN" suffix a key may carry.
	maxDisambiguator = 999
)

// File extensions used when a record is materialised as files.
const (
	VideoExt  = ".mp4"
	SensorExt = ".json"
)

var keyPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}_\d{2}-\d{2}-\d{2}\.\d{6}(-\d{3})?$`)

// Key identifies a record. Keys are fixed width, so lexical order is
// chronological order, and a disambiguated key ("...-001") sorts after its
// base key and before the next microsecond.
type Key string

// String returns the key as a string.
func (k Key) String() string { return string(k) }

// VideoName is the file name of the video half.
func (k Key) VideoName() string { return string(k) + VideoExt }

// SensorName is the file name of the sensor half.
func (k Key) SensorName() string { return string(k) + SensorExt }

// Time returns the instant encoded in the key.
func (k Key) Time() (time.Time, error) {
	s := string(k)
	if len(s) > len(KeyLayout) {
		s = s[:len(KeyLayout)]
	}
	return time.ParseInLocation(KeyLayout, s, time.UTC)
}

// ParseKey validates s against the key grammar. Anything else, including
// path separators and traversal sequences, is rejected.
func ParseKey(s string) (Key, error) {
	if !keyPattern.MatchString(s) {
		return "", NewValidationError("key", "malformed record key")
	}
	return Key(s), nil
}

// Part names one half of a record.
type Part string

const (
	PartVideo  Part = "video"
	PartSensor Part = "sensor"
)

// Record is a video blob and its sensor JSON sharing one key.
type Record struct {
	Key    Key
	Video  []byte
	Sensor []byte
}

// RecordReader gives streaming access to both halves of a record. Both
// halves are opened before it is returned, so a reader never holds one half
// without the other.
type RecordReader struct {
	Key        Key
	Video      io.ReadCloser
	VideoSize  int64
	Sensor     io.ReadCloser
	SensorSize int64
	ModTime    time.Time
}

// Close closes both halves.
func (r *RecordReader) Close() error {
	var firstErr error
	if r.Video != nil {
		firstErr = r.Video.Close()
	}
	if r.Sensor != nil {
		if err := r.Sensor.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// PurgeFailure records a key that could not be fully removed.
type PurgeFailure struct {
	Key Key    `json:"key"`
	Err string `json:"error"`
}

// PurgeResult summarises a DeleteAll call.
type PurgeResult struct {
	// Removed counts complete records removed.
	Removed int `json:"removed"`
	// OrphansRemoved counts lone blobs swept along with the records.
	OrphansRemoved int `json:"orphansRemoved"`
	// Failed lists keys that could not be fully removed.
	Failed []PurgeFailure `json:"failed,omitempty"`
}

// AreaStatus describes one content area of a backend.
type AreaStatus struct {
	Name     string `json:"name"`
	Location string `json:"location"`
	Writable bool   `json:"writable"`
	Detail   string `json:"detail,omitempty"`
}

// Inventory is a read-only snapshot of a store used for diagnostics.
type Inventory struct {
	Backend       string       `json:"backend"`
	Records       int          `json:"records"`
	OrphanVideos  []Key        `json:"orphanVideos,omitempty"`
	OrphanSensors []Key        `json:"orphanSensors,omitempty"`
	StaleUploads  int          `json:"staleUploads"`
	// InFlight counts lone videos young enough to be uploads still in progress.
	InFlight      int          `json:"inFlight,omitempty"`
	Areas         []AreaStatus `json:"areas"`
}

// Store persists records. Implementations must keep pair atomicity: a key
// is visible through Get, Open, List and Exists only when both halves exist.
type Store interface {
	// Put writes both halves under key, or neither. It returns ErrKeyExists
	// if the key is taken, a *ValidationError for malformed input and a
	// *StorageError for write failures.
	Put(ctx context.Context, key Key, video, sensor []byte) error

	// Get returns both halves. It returns ErrNotFound when the key is absent
	// and an *OrphanError when only one half exists.
	Get(ctx context.Context, key Key) (*Record, error)

	// Open is the streaming form of Get. The caller must Close the reader.
	Open(ctx context.Context, key Key) (*RecordReader, error)

	// List returns the keys of complete records in ascending order.
	List(ctx context.Context) ([]Key, error)

	// Exists reports whether both halves exist for key.
	Exists(ctx context.Context, key Key) (bool, error)

	// Delete removes a single record. Returns ErrNotFound if neither half exists.
	Delete(ctx context.Context, key Key) error

	// DeleteAll removes every record, best effort per key. The error return is
	// reserved for failures that stop the purge before it starts.
	DeleteAll(ctx context.Context) (*PurgeResult, error)

	// Inspect reports counts, orphans and writability without side effects.
	Inspect(ctx context.Context) (*Inventory, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}
