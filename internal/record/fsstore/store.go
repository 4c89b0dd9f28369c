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

// Package fsstore keeps records as two files on a local filesystem:
// <root>/videos/<key>.mp4 and <root>/json_data/<key>.json.
//
// A record is committed by publishing its sensor file. Both halves are
// written to hidden temp files, synced, and hard-linked into place with
// os.Link, which fails instead of overwriting. The video is published
// first, so a reader that finds the sensor file always finds the video.
package fsstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/altairalabs/motion-collector/internal/record"
)

// Directory names under the store root.
const (
	VideoDir  = "videos"
	SensorDir = "json_data"
)

// tempPrefix marks in-flight uploads. The leading dot keeps them out of
// listings and out of the key grammar.
const tempPrefix = ".upload-"

// Config contains configuration for the filesystem store.
type Config struct {
	// Root is the directory holding the videos/ and json_data/ areas.
	Root string
	// StaleUploadAge is how old a temp file must be before Inspect reports
	// it, and how long a lone video counts as an upload in flight.
	StaleUploadAge time.Duration
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig(root string) Config {
	return Config{
		Root:           root,
		StaleUploadAge: time.Hour,
	}
}

// Store implements record.Store on the local filesystem.
type Store struct {
	config    Config
	videoDir  string
	sensorDir string
	log       logr.Logger

	// beforeSensorLink runs between publishing the two halves. Tests only.
	beforeSensorLink func(record.Key)
}

// New creates the store, creating both areas if needed.
func New(config Config, log logr.Logger) (*Store, error) {
	if config.Root == "" {
		return nil, errors.New("fsstore: root directory is required")
	}
	if config.StaleUploadAge <= 0 {
		config.StaleUploadAge = time.Hour
	}
	root, err := filepath.Abs(config.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving store root: %w", err)
	}
	config.Root = root

	s := &Store{
		config:    config,
		videoDir:  filepath.Join(root, VideoDir),
		sensorDir: filepath.Join(root, SensorDir),
		log:       log.WithName("fsstore"),
	}
	for _, dir := range []string{s.videoDir, s.sensorDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}
	return s, nil
}

// Root returns the absolute store root.
func (s *Store) Root() string { return s.config.Root }

func (s *Store) videoPath(key record.Key) (string, error) {
	return securejoin.SecureJoin(s.videoDir, key.VideoName())
}

func (s *Store) sensorPath(key record.Key) (string, error) {
	return securejoin.SecureJoin(s.sensorDir, key.SensorName())
}

func (s *Store) paths(key record.Key) (video, sensor string, err error) {
	if _, err := record.ParseKey(key.String()); err != nil {
		return "", "", err
	}
	if video, err = s.videoPath(key); err != nil {
		return "", "", record.NewStorageError("resolve", key, err)
	}
	if sensor, err = s.sensorPath(key); err != nil {
		return "", "", record.NewStorageError("resolve", key, err)
	}
	return video, sensor, nil
}

// Put writes both halves and publishes them video first, sensor last.
func (s *Store) Put(ctx context.Context, key record.Key, video, sensor []byte) error {
	if err := record.CheckPut(key, video, sensor); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	videoPath, sensorPath, err := s.paths(key)
	if err != nil {
		return err
	}

	videoTmp, err := writeTemp(s.videoDir, video)
	if err != nil {
		return record.NewStorageError("write video", key, err)
	}
	defer removeQuietly(videoTmp)

	sensorTmp, err := writeTemp(s.sensorDir, sensor)
	if err != nil {
		return record.NewStorageError("write sensor", key, err)
	}
	defer removeQuietly(sensorTmp)

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.Link(videoTmp, videoPath); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return record.ErrKeyExists
		}
		return record.NewStorageError("publish video", key, err)
	}
	if s.beforeSensorLink != nil {
		s.beforeSensorLink(key)
	}
	if err := os.Link(sensorTmp, sensorPath); err != nil {
		// Roll back the video so no orphan is left behind.
		if rmErr := os.Remove(videoPath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			s.log.Error(rmErr, "rollback failed, orphan video left behind", "key", key)
		}
		if errors.Is(err, fs.ErrExist) {
			return record.ErrKeyExists
		}
		return record.NewStorageError("publish sensor", key, err)
	}
	// A purge may have removed the video between the two links.
	if _, err := os.Stat(videoPath); errors.Is(err, fs.ErrNotExist) {
		if rmErr := os.Remove(sensorPath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			s.log.Error(rmErr, "withdrawing sensor failed, orphan sensor left behind", "key", key)
		}
		return record.NewStorageError("commit", key, record.ErrUploadPurged)
	}

	if err := syncDir(s.videoDir); err != nil {
		s.log.V(1).Info("directory sync failed", "dir", s.videoDir, "error", err.Error())
	}
	if err := syncDir(s.sensorDir); err != nil {
		s.log.V(1).Info("directory sync failed", "dir", s.sensorDir, "error", err.Error())
	}
	return nil
}

// Get reads both halves into memory.
func (s *Store) Get(ctx context.Context, key record.Key) (*record.Record, error) {
	rr, err := s.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rr.Close() }()

	video, err := io.ReadAll(rr.Video)
	if err != nil {
		return nil, record.NewStorageError("read video", key, err)
	}
	sensor, err := io.ReadAll(rr.Sensor)
	if err != nil {
		return nil, record.NewStorageError("read sensor", key, err)
	}
	return &record.Record{Key: key, Video: video, Sensor: sensor}, nil
}

// Open opens both halves. Open file handles survive a concurrent delete, so
// a reader that got both halves can always finish.
func (s *Store) Open(ctx context.Context, key record.Key) (*record.RecordReader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	videoPath, sensorPath, err := s.paths(key)
	if err != nil {
		if errors.Is(err, record.ErrValidation) {
			return nil, record.ErrNotFound
		}
		return nil, err
	}

	// Sensor first: it is the commit marker.
	sensorFile, sensorErr := os.Open(sensorPath)
	if sensorErr != nil && !errors.Is(sensorErr, fs.ErrNotExist) {
		return nil, record.NewStorageError("open sensor", key, sensorErr)
	}
	videoFile, videoErr := os.Open(videoPath)
	if videoErr != nil && !errors.Is(videoErr, fs.ErrNotExist) {
		closeQuietly(sensorFile)
		return nil, record.NewStorageError("open video", key, videoErr)
	}

	switch {
	case sensorFile == nil && videoFile == nil:
		return nil, record.ErrNotFound
	case sensorFile == nil:
		closeQuietly(videoFile)
		return nil, &record.OrphanError{Key: key, Missing: record.PartSensor}
	case videoFile == nil:
		closeQuietly(sensorFile)
		return nil, &record.OrphanError{Key: key, Missing: record.PartVideo}
	}

	videoInfo, err := videoFile.Stat()
	if err != nil {
		closeQuietly(videoFile)
		closeQuietly(sensorFile)
		return nil, record.NewStorageError("stat video", key, err)
	}
	sensorInfo, err := sensorFile.Stat()
	if err != nil {
		closeQuietly(videoFile)
		closeQuietly(sensorFile)
		return nil, record.NewStorageError("stat sensor", key, err)
	}

	return &record.RecordReader{
		Key:        key,
		Video:      videoFile,
		VideoSize:  videoInfo.Size(),
		Sensor:     sensorFile,
		SensorSize: sensorInfo.Size(),
		ModTime:    sensorInfo.ModTime(),
	}, nil
}

// List returns keys that have both halves, ascending.
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
	return sc.complete, nil
}

// Exists reports whether both halves are present.
func (s *Store) Exists(ctx context.Context, key record.Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	videoPath, sensorPath, err := s.paths(key)
	if err != nil {
		return false, err
	}
	for _, p := range []string{sensorPath, videoPath} {
		if _, err := os.Stat(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return false, nil
			}
			return false, record.NewStorageError("stat", key, err)
		}
	}
	return true, nil
}

// Delete removes one record, sensor first.
func (s *Store) Delete(ctx context.Context, key record.Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	videoPath, sensorPath, err := s.paths(key)
	if err != nil {
		if errors.Is(err, record.ErrValidation) {
			return record.ErrNotFound
		}
		return err
	}
	removed, err := removePair(sensorPath, videoPath)
	if err != nil {
		return record.NewStorageError("delete", key, err)
	}
	if removed == 0 {
		return record.ErrNotFound
	}
	return nil
}

// DeleteAll removes every record and orphan, best effort per key. Temp files
// and published videos of uploads still in flight are left alone.
func (s *Store) DeleteAll(ctx context.Context) (*record.PurgeResult, error) {
	sc, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	if sc.inFlight > 0 {
		s.log.V(1).Info("purge skipping uploads in flight", "count", sc.inFlight)
	}
	result := &record.PurgeResult{}

	purge := func(key record.Key, orphan bool) {
		videoPath, sensorPath, err := s.paths(key)
		if err == nil {
			_, err = removePair(sensorPath, videoPath)
		}
		if err != nil {
			s.log.Error(err, "purge failed", "key", key)
			result.Failed = append(result.Failed, record.PurgeFailure{Key: key, Err: err.Error()})
			return
		}
		if orphan {
			result.OrphansRemoved++
		} else {
			result.Removed++
		}
	}

	for _, k := range sc.complete {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		purge(k, false)
	}
	for _, k := range append(sc.orphanSensors, sc.orphanVideos...) {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		purge(k, true)
	}
	return result, nil
}

// Inspect reports counts, orphans, stale temp files and area writability.
func (s *Store) Inspect(ctx context.Context) (*record.Inventory, error) {
	sc, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	inv := &record.Inventory{
		Backend:       "fs",
		Records:       len(sc.complete),
		OrphanVideos:  sc.orphanVideos,
		OrphanSensors: sc.orphanSensors,
		StaleUploads:  sc.staleUploads,
		InFlight:      sc.inFlight,
	}
	for _, area := range []struct{ name, dir string }{
		{VideoDir, s.videoDir},
		{SensorDir, s.sensorDir},
	} {
		st := record.AreaStatus{Name: area.name, Location: area.dir, Writable: writable(area.dir)}
		if !st.Writable {
			st.Detail = "directory is not writable by this process"
		}
		inv.Areas = append(inv.Areas, st)
	}
	return inv, nil
}

// Ping checks that both areas are present directories.
func (s *Store) Ping(_ context.Context) error {
	for _, dir := range []string{s.videoDir, s.sensorDir} {
		info, err := os.Stat(dir)
		if err != nil {
			return record.NewStorageError("ping", "", err)
		}
		if !info.IsDir() {
			return record.NewStorageError("ping", "", fmt.Errorf("%s is not a directory", dir))
		}
	}
	return nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

type scanResult struct {
	complete      []record.Key
	orphanVideos  []record.Key
	orphanSensors []record.Key
	staleUploads  int
	inFlight      int
}

func (s *Store) scan(ctx context.Context) (*scanResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-s.config.StaleUploadAge)

	videos, staleV, err := s.readArea(s.videoDir, record.VideoExt, cutoff)
	if err != nil {
		return nil, err
	}
	sensors, staleS, err := s.readArea(s.sensorDir, record.SensorExt, cutoff)
	if err != nil {
		return nil, err
	}

	sc := &scanResult{staleUploads: staleV + staleS}
	for k := range sensors {
		if _, ok := videos[k]; ok {
			sc.complete = append(sc.complete, k)
		} else {
			sc.orphanSensors = append(sc.orphanSensors, k)
		}
	}
	for k, modified := range videos {
		if _, ok := sensors[k]; ok {
			continue
		}
		if modified.After(cutoff) {
			sc.inFlight++
		} else {
			sc.orphanVideos = append(sc.orphanVideos, k)
		}
	}
	sortKeys(sc.complete)
	sortKeys(sc.orphanSensors)
	sortKeys(sc.orphanVideos)
	return sc, nil
}

// readArea maps the keys found in dir to their modification times and
// counts stale temp files. Entries that do not carry a valid key, or that
// vanish while being read, are ignored.
func (s *Store) readArea(dir, ext string, cutoff time.Time) (map[record.Key]time.Time, int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, 0, record.NewStorageError("list", "", err)
	}
	keys := make(map[record.Key]time.Time, len(entries))
	stale := 0
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, tempPrefix) {
			if info, err := e.Info(); err == nil && info.ModTime().Before(cutoff) {
				stale++
			}
			continue
		}
		if e.IsDir() || !strings.HasSuffix(name, ext) {
			continue
		}
		k, err := record.ParseKey(strings.TrimSuffix(name, ext))
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		keys[k] = info.ModTime()
	}
	return keys, stale, nil
}

// sortKeys orders by key rather than file name: "k-001.json" sorts before
// "k.json" but key k sorts before k-001.
func sortKeys(keys []record.Key) {
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
}

func writeTemp(dir string, data []byte) (string, error) {
	path := filepath.Join(dir, tempPrefix+uuid.NewString())
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		closeQuietly(f)
		removeQuietly(path)
		return "", err
	}
	if err := f.Sync(); err != nil {
		closeQuietly(f)
		removeQuietly(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		removeQuietly(path)
		return "", err
	}
	return path, nil
}

// removePair removes the given paths in order and reports how many existed.
func removePair(paths ...string) (int, error) {
	removed := 0
	for _, p := range paths {
		err := os.Remove(p)
		switch {
		case err == nil:
			removed++
		case errors.Is(err, fs.ErrNotExist):
		default:
			return removed, err
		}
	}
	return removed, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer closeQuietly(d)
	return d.Sync()
}

func removeQuietly(path string) { _ = os.Remove(path) }

func closeQuietly(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

// Ensure Store implements record.Store.
var _ record.Store = (*Store)(nil)
