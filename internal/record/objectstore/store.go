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
	"io"
	"sort"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/altairalabs/motion-collector/internal/record"
)

// Object key areas under the configured prefix.
const (
	videoArea  = "videos/"
	sensorArea = "json_data/"
)

// Store implements record.Store on top of a BlobStore.
type Store struct {
	blobs   BlobStore
	prefix  string
	backend string
	grace   time.Duration
	now     func() time.Time
	log     logr.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used to age lone video objects.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a record store over blobs. cfg supplies the key prefix, the
// backend name reported by Inspect and the in-flight grace period.
func New(blobs BlobStore, cfg Config, log logr.Logger, opts ...Option) *Store {
	backend := string(cfg.Backend)
	if backend == "" {
		backend = "object"
	}
	s := &Store{
		blobs:   blobs,
		prefix:  normalizePrefix(cfg.Prefix),
		backend: backend,
		grace:   cfg.UploadGrace,
		now:     time.Now,
		log:     log.WithName("objectstore"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewFromConfig creates the BlobStore described by cfg and a Store over it.
func NewFromConfig(ctx context.Context, cfg Config, log logr.Logger, opts ...Option) (*Store, error) {
	blobs, err := NewBlobStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return New(blobs, cfg, log, opts...), nil
}

func (s *Store) videoKey(key record.Key) string  { return s.prefix + videoArea + key.VideoName() }
func (s *Store) sensorKey(key record.Key) string { return s.prefix + sensorArea + key.SensorName() }

// Put creates the video object, then the sensor object. A failed sensor
// write deletes the video again. Once the sensor is committed the video is
// checked once more: if a purge took it in between, the sensor is withdrawn
// and Put fails with ErrUploadPurged.
func (s *Store) Put(ctx context.Context, key record.Key, video, sensor []byte) error {
	if err := record.CheckPut(key, video, sensor); err != nil {
		return err
	}

	if err := s.blobs.Create(ctx, s.videoKey(key), video, record.ContentTypeMP4); err != nil {
		return putErr("put video", key, err)
	}
	if err := s.blobs.Create(ctx, s.sensorKey(key), sensor, record.ContentTypeJSON); err != nil {
		s.rollback(context.WithoutCancel(ctx), key)
		return putErr("put sensor", key, err)
	}
	return s.verifyCommit(context.WithoutCancel(ctx), key)
}

func (s *Store) verifyCommit(ctx context.Context, key record.Key) error {
	_, err := s.blobs.Stat(ctx, s.videoKey(key))
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrObjectNotFound) {
		// The sensor is committed; a failed check leaves the record as written.
		s.log.V(1).Info("post-commit video check failed", "key", key, "error", err.Error())
		return nil
	}
	if delErr := s.blobs.Delete(ctx, s.sensorKey(key)); delErr != nil && !errors.Is(delErr, ErrObjectNotFound) {
		s.log.Error(delErr, "withdrawing sensor failed, orphan sensor left behind", "key", key)
	}
	return record.NewStorageError("commit", key, record.ErrUploadPurged)
}

func putErr(op string, key record.Key, err error) error {
	if errors.Is(err, ErrObjectExists) {
		return record.ErrKeyExists
	}
	return record.NewStorageError(op, key, err)
}

func (s *Store) rollback(ctx context.Context, key record.Key) {
	err := s.blobs.Delete(ctx, s.videoKey(key))
	if err != nil && !errors.Is(err, ErrObjectNotFound) {
		s.log.Error(err, "rollback failed, orphan video left behind", "key", key)
	}
}

func (s *Store) Get(ctx context.Context, key record.Key) (*record.Record, error) {
	rr, err := s.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rr.Close() }()

	rec := &record.Record{Key: key}
	if rec.Video, err = io.ReadAll(rr.Video); err != nil {
		return nil, record.NewStorageError("read video", key, err)
	}
	if rec.Sensor, err = io.ReadAll(rr.Sensor); err != nil {
		return nil, record.NewStorageError("read sensor", key, err)
	}
	return rec, nil
}

// Open opens the sensor object first. Its modification time is the moment
// the record was committed and becomes the reader's ModTime.
func (s *Store) Open(ctx context.Context, key record.Key) (*record.RecordReader, error) {
	if _, err := record.ParseKey(key.String()); err != nil {
		return nil, record.ErrNotFound
	}

	sensor, err := s.blobs.Open(ctx, s.sensorKey(key))
	if errors.Is(err, ErrObjectNotFound) {
		return nil, s.missingSensor(ctx, key)
	}
	if err != nil {
		return nil, record.NewStorageError("open sensor", key, err)
	}

	video, err := s.blobs.Open(ctx, s.videoKey(key))
	if err != nil {
		_ = sensor.Body.Close()
		if errors.Is(err, ErrObjectNotFound) {
			return nil, &record.OrphanError{Key: key, Missing: record.PartVideo}
		}
		return nil, record.NewStorageError("open video", key, err)
	}

	return &record.RecordReader{
		Key:        key,
		Video:      video.Body,
		VideoSize:  video.Size,
		Sensor:     sensor.Body,
		SensorSize: sensor.Size,
		ModTime:    sensor.Modified,
	}, nil
}

// missingSensor tells a lone video apart from an absent record.
func (s *Store) missingSensor(ctx context.Context, key record.Key) error {
	_, err := s.blobs.Stat(ctx, s.videoKey(key))
	switch {
	case err == nil:
		return &record.OrphanError{Key: key, Missing: record.PartSensor}
	case errors.Is(err, ErrObjectNotFound):
		return record.ErrNotFound
	default:
		return record.NewStorageError("stat video", key, err)
	}
}

func (s *Store) List(ctx context.Context) ([]record.Key, error) {
	sc, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	for _, k := range sc.orphanVideos {
		s.log.V(1).Info("skipping orphan video", "key", k)
	}
	for _, k := range sc.orphanSensors {
		s.log.V(1).Info("skipping orphan sensor record", "key", k)
	}
	if len(sc.inFlight) > 0 {
		s.log.V(2).Info("skipping uploads in flight", "count", len(sc.inFlight))
	}
	return sc.complete, nil
}

func (s *Store) Exists(ctx context.Context, key record.Key) (bool, error) {
	for _, obj := range []string{s.sensorKey(key), s.videoKey(key)} {
		_, err := s.blobs.Stat(ctx, obj)
		if errors.Is(err, ErrObjectNotFound) {
			return false, nil
		}
		if err != nil {
			return false, record.NewStorageError("exists", key, err)
		}
	}
	return true, nil
}

// Delete removes the sensor object first so the record leaves List in one step.
func (s *Store) Delete(ctx context.Context, key record.Key) error {
	if _, err := record.ParseKey(key.String()); err != nil {
		return record.ErrNotFound
	}
	removed, err := s.deletePair(ctx, key)
	if err != nil {
		return record.NewStorageError("delete", key, err)
	}
	if removed == 0 {
		return record.ErrNotFound
	}
	return nil
}

func (s *Store) deletePair(ctx context.Context, key record.Key) (int, error) {
	removed := 0
	for _, obj := range []string{s.sensorKey(key), s.videoKey(key)} {
		err := s.blobs.Delete(ctx, obj)
		if err == nil {
			removed++
			continue
		}
		if !errors.Is(err, ErrObjectNotFound) {
			return removed, err
		}
	}
	return removed, nil
}

// DeleteAll removes complete records and orphans. Lone videos inside the
// grace period belong to uploads still in flight and are left to finish. A
// key that fails is reported and the purge moves on.
func (s *Store) DeleteAll(ctx context.Context) (*record.PurgeResult, error) {
	sc, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	if len(sc.inFlight) > 0 {
		s.log.V(1).Info("purge skipping uploads in flight", "count", len(sc.inFlight))
	}

	result := &record.PurgeResult{}
	lone := make([]record.Key, 0, len(sc.orphanSensors)+len(sc.orphanVideos))
	lone = append(append(lone, sc.orphanSensors...), sc.orphanVideos...)

	for i, k := range append(sc.complete, lone...) {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if _, err := s.deletePair(ctx, k); err != nil {
			s.log.Error(err, "purge failed", "key", k)
			result.Failed = append(result.Failed, record.PurgeFailure{Key: k, Err: err.Error()})
			continue
		}
		if i < len(sc.complete) {
			result.Removed++
		} else {
			result.OrphansRemoved++
		}
	}
	return result, nil
}

// Inspect cannot probe write access without writing, so an area is reported
// writable when the bucket answers.
func (s *Store) Inspect(ctx context.Context) (*record.Inventory, error) {
	sc, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	inv := &record.Inventory{
		Backend:       s.backend,
		Records:       len(sc.complete),
		OrphanVideos:  sc.orphanVideos,
		OrphanSensors: sc.orphanSensors,
		InFlight:      len(sc.inFlight),
	}

	pingErr := s.blobs.Ping(ctx)
	for _, area := range []string{videoArea, sensorArea} {
		st := record.AreaStatus{
			Name:     strings.TrimSuffix(area, "/"),
			Location: s.prefix + area,
			Writable: pingErr == nil,
		}
		if pingErr != nil {
			st.Detail = pingErr.Error()
		}
		inv.Areas = append(inv.Areas, st)
	}
	return inv, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return record.NewStorageError("ping", "", s.blobs.Ping(ctx))
}

func (s *Store) Close() error {
	return s.blobs.Close()
}

// scanResult partitions the keys found in both areas. A lone video is in
// flight while it is younger than the grace period, an orphan after.
type scanResult struct {
	complete      []record.Key
	orphanVideos  []record.Key
	orphanSensors []record.Key
	inFlight      []record.Key
}

func (s *Store) scan(ctx context.Context) (*scanResult, error) {
	videos, err := s.listArea(ctx, videoArea, record.VideoExt)
	if err != nil {
		return nil, err
	}
	sensors, err := s.listArea(ctx, sensorArea, record.SensorExt)
	if err != nil {
		return nil, err
	}

	sc := &scanResult{}
	for k := range sensors {
		if _, ok := videos[k]; ok {
			sc.complete = append(sc.complete, k)
		} else {
			sc.orphanSensors = append(sc.orphanSensors, k)
		}
	}
	cutoff := s.now().Add(-s.grace)
	for k, info := range videos {
		if _, ok := sensors[k]; ok {
			continue
		}
		if s.grace > 0 && info.Modified.After(cutoff) {
			sc.inFlight = append(sc.inFlight, k)
		} else {
			sc.orphanVideos = append(sc.orphanVideos, k)
		}
	}
	for _, keys := range [][]record.Key{sc.complete, sc.orphanSensors, sc.orphanVideos, sc.inFlight} {
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	}
	return sc, nil
}

// listArea maps the record keys found under one area to their objects.
// Objects that do not parse as record keys are ignored.
func (s *Store) listArea(ctx context.Context, area, ext string) (map[record.Key]ObjectInfo, error) {
	base := s.prefix + area
	objects, err := s.blobs.List(ctx, base)
	if err != nil {
		return nil, record.NewStorageError("list", "", err)
	}
	found := make(map[record.Key]ObjectInfo, len(objects))
	for _, obj := range objects {
		name, ok := strings.CutSuffix(strings.TrimPrefix(obj.Key, base), ext)
		if !ok {
			continue
		}
		if k, err := record.ParseKey(name); err == nil {
			found[k] = obj
		}
	}
	return found, nil
}

// Ensure Store implements record.Store.
var _ record.Store = (*Store)(nil)
