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

// Package archive streams records into a single zip or tar.zst archive.
//
// Every record contributes two entries, <key>/<key>.mp4 then <key>/<key>.json,
// in ascending key order. Both halves are opened before the first byte of a
// record is written, so an archive never holds a video without its JSON.
// Memory use is bounded by the copy buffer, not by the number of records.
package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path"
	"time"

	"github.com/go-logr/logr"

	"github.com/altairalabs/motion-collector/internal/record"
)

// ErrArchiveTooLarge is returned by Buffer when the archive exceeds its limit.
var ErrArchiveTooLarge = errors.New("archive exceeds buffer limit")

// Source is the part of record.Store the streamer reads from.
type Source interface {
	List(ctx context.Context) ([]record.Key, error)
	Open(ctx context.Context, key record.Key) (*record.RecordReader, error)
}

// Result summarises a completed archive.
type Result struct {
	// Records is the number of records written.
	Records int `json:"records"`
	// Skipped lists keys that vanished or were incomplete when opened.
	Skipped []record.Key `json:"skipped,omitempty"`
	// Bytes is the number of archive bytes written to the sink.
	Bytes int64 `json:"bytes"`
}

// Streamer writes records from a Source into archives.
type Streamer struct {
	src Source
	log logr.Logger
	now func() time.Time
}

// NewStreamer creates a Streamer reading from src.
func NewStreamer(src Source, log logr.Logger) *Streamer {
	return &Streamer{src: src, log: log.WithName("archive"), now: time.Now}
}

// StreamOne writes both entries of key into w. It returns ErrNotFound (or an
// *record.OrphanError) without writing anything if the record is incomplete.
func (s *Streamer) StreamOne(ctx context.Context, w Writer, key record.Key) error {
	rr, err := s.src.Open(ctx, key)
	if err != nil {
		return err
	}
	defer func() { _ = rr.Close() }()

	mod := rr.ModTime
	if mod.IsZero() {
		mod = s.now()
	}
	dir := key.String()

	if err := w.WriteEntry(Entry{
		Name:    path.Join(dir, key.VideoName()),
		Size:    rr.VideoSize,
		ModTime: mod,
	}, ctxReader{ctx: ctx, r: rr.Video}); err != nil {
		return &record.StreamError{Key: key, Err: err}
	}
	if err := w.WriteEntry(Entry{
		Name:     path.Join(dir, key.SensorName()),
		Size:     rr.SensorSize,
		ModTime:  mod,
		Compress: true,
	}, ctxReader{ctx: ctx, r: rr.Sensor}); err != nil {
		return &record.StreamError{Key: key, Err: err}
	}
	return nil
}

// StreamAll writes every complete record into sink.
func (s *Streamer) StreamAll(ctx context.Context, sink io.Writer, format Format) (*Result, error) {
	keys, err := s.src.List(ctx)
	if err != nil {
		return nil, err
	}
	return s.StreamKeys(ctx, sink, format, keys)
}

// StreamKeys writes the given records into sink in the order given. Records
// that are missing at open time are skipped and reported in Result.Skipped.
// On failure the archive is left unterminated and a *record.StreamError is
// returned.
func (s *Streamer) StreamKeys(ctx context.Context, sink io.Writer, format Format, keys []record.Key) (*Result, error) {
	cw := &countingWriter{w: sink}
	w, err := NewWriter(format, cw)
	if err != nil {
		return nil, err
	}
	result := &Result{}

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			w.Abort()
			result.Bytes = cw.n
			return result, &record.StreamError{Key: key, Err: err}
		}
		err := s.StreamOne(ctx, w, key)
		switch {
		case err == nil:
			result.Records++
		case errors.Is(err, record.ErrNotFound):
			s.log.V(1).Info("skipping record missing at archive time", "key", key, "reason", err.Error())
			result.Skipped = append(result.Skipped, key)
		default:
			w.Abort()
			result.Bytes = cw.n
			var se *record.StreamError
			if errors.As(err, &se) {
				return result, err
			}
			return result, &record.StreamError{Key: key, Err: err}
		}
	}

	if err := w.Close(); err != nil {
		result.Bytes = cw.n
		return result, &record.StreamError{Err: err}
	}
	result.Bytes = cw.n
	return result, nil
}

// StreamRecord writes one record into its own archive. Nothing reaches sink
// when the record does not exist.
func (s *Streamer) StreamRecord(ctx context.Context, sink io.Writer, format Format, key record.Key) (*Result, error) {
	cw := &countingWriter{w: sink}
	w, err := NewWriter(format, cw)
	if err != nil {
		return nil, err
	}
	if err := s.StreamOne(ctx, w, key); err != nil {
		w.Abort()
		return &Result{Bytes: cw.n}, err
	}
	if err := w.Close(); err != nil {
		return &Result{Bytes: cw.n}, &record.StreamError{Key: key, Err: err}
	}
	return &Result{Records: 1, Bytes: cw.n}, nil
}

// Buffer builds the whole archive in memory. A limit of zero or less means
// unbounded.
func (s *Streamer) Buffer(ctx context.Context, format Format, limit int64) ([]byte, *Result, error) {
	buf := &limitedBuffer{limit: limit}
	result, err := s.StreamAll(ctx, buf, format)
	if err != nil {
		if errors.Is(err, ErrArchiveTooLarge) {
			return nil, result, ErrArchiveTooLarge
		}
		return nil, result, err
	}
	return buf.Bytes(), result, nil
}

// ctxReader fails reads once ctx is done, so a cancelled download stops in
// the middle of a large video.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

type limitedBuffer struct {
	bytes.Buffer
	limit int64
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if b.limit > 0 && int64(b.Len()+len(p)) > b.limit {
		return 0, ErrArchiveTooLarge
	}
	return b.Buffer.Write(p)
}
