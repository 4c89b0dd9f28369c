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

package record

import (
	"errors"
	"fmt"
)

// Sentinel errors. Typed errors below match these through errors.Is.
var (
	// ErrValidation is returned when an upload is missing a part or a part is malformed.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is returned when no complete record exists for a key.
	ErrNotFound = errors.New("record not found")
	// ErrOrphan marks a key for which only one of the two blobs exists.
	ErrOrphan = errors.New("orphaned blob")
	// ErrKeyExists is returned by Put when the key is already taken.
	ErrKeyExists = errors.New("record key already exists")
	// ErrStorage wraps I/O failures of the backing store. Callers may retry.
	ErrStorage = errors.New("storage failure")
	// ErrStream is returned when an archive sink fails mid-stream.
	ErrStream = errors.New("archive stream failed")
	// ErrKeySpaceExhausted is returned when every disambiguator for an instant is taken.
	ErrKeySpaceExhausted = errors.New("no free key for this instant")
	// ErrUnsupportedMedia refines ErrValidation for parts of the wrong type.
	ErrUnsupportedMedia = errors.New("unsupported media type")
	// ErrTooLarge refines ErrValidation for parts over the configured size.
	ErrTooLarge = errors.New("upload part too large")
	// ErrUploadPurged is wrapped in the StorageError a Put returns when a
	// purge removed its video before the sensor half was committed.
	ErrUploadPurged = errors.New("video removed by a concurrent purge")
)

// ValidationError describes a rejected upload part.
type ValidationError struct {
	// Field is the upload part or attribute that failed ("video", "json", "key").
	Field string
	// Reason is a human readable description suitable for the caller.
	Reason string
	// Kind optionally refines the failure (ErrUnsupportedMedia, ErrTooLarge).
	Kind error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is reports whether target is ErrValidation or the error's Kind.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation || (e.Kind != nil && target == e.Kind)
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func newKindError(kind error, field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason, Kind: kind}
}

// StorageError wraps a backend I/O failure.
type StorageError struct {
	Op  string
	Key Key
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is reports whether target is ErrStorage.
func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// NewStorageError wraps err as a StorageError. A nil err returns nil.
func NewStorageError(op string, key Key, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Key: key, Err: err}
}

// StreamError reports a failed archive sink. A partial archive produced
// before the failure is never valid.
type StreamError struct {
	// Key is the record being written when the sink failed, if any.
	Key Key
	Err error
}

func (e *StreamError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("archive stream: %v", e.Err)
	}
	return fmt.Sprintf("archive stream at %s: %v", e.Key, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// Is reports whether target is ErrStream.
func (e *StreamError) Is(target error) bool {
	return target == ErrStream
}

// OrphanError is returned for keys where only one half of the pair exists.
// It matches both ErrNotFound and ErrOrphan, so readers treat it as absent
// while logs and diagnostics can tell corruption apart from a missing key.
type OrphanError struct {
	Key     Key
	Missing Part
}

func (e *OrphanError) Error() string {
	return fmt.Sprintf("record %s is missing its %s blob", e.Key, e.Missing)
}

// Is reports whether target is ErrNotFound or ErrOrphan.
func (e *OrphanError) Is(target error) bool {
	return target == ErrNotFound || target == ErrOrphan
}
