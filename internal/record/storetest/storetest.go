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

// Package storetest provides sample payloads and a behavioural suite that
// every record.Store implementation runs in its own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altairalabs/motion-collector/internal/record"
)

// ftypHeader is the start of an ISO base media file with major brand "isom".
var ftypHeader = []byte{
	0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p',
	'i', 's', 'o', 'm', 0x00, 0x00, 0x02, 0x00,
	'i', 's', 'o', 'm', 'i', 's', 'o', '2',
}

// Video returns a deterministic MP4-typed payload of the given size.
// seed varies the body so distinct calls produce distinct bytes.
func Video(size int, seed byte) []byte {
	if size < len(ftypHeader)+8 {
		size = len(ftypHeader) + 8
	}
	b := make([]byte, size)
	copy(b, ftypHeader)
	for i := len(ftypHeader); i < size; i++ {
		b[i] = byte(i%251) ^ seed
	}
	return b
}

// Sensor returns a small sensor record in the shape the mobile client sends.
func Sensor(seed int) []byte {
	return []byte(fmt.Sprintf(
		`{"gyroscopeData":[{"x":0.%d,"y":0.2,"z":0.3,"timestamp":%d}],`+
			`"accelerometerData":[{"x":9.8,"y":0.0,"z":0.%d,"timestamp":%d}]}`,
		seed, seed, seed, seed))
}

// KeyAt returns the key for t without disambiguation.
func KeyAt(t time.Time) record.Key {
	return record.Key(t.UTC().Format(record.KeyLayout))
}

// Keys returns n ascending keys one second apart starting at a fixed instant.
func Keys(n int) []record.Key {
	base := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	keys := make([]record.Key, n)
	for i := range keys {
		keys[i] = KeyAt(base.Add(time.Duration(i) * time.Second))
	}
	return keys
}

// Factory creates a fresh, empty store for one subtest.
type Factory func(t *testing.T) record.Store

// Run exercises the record.Store contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("PutGetRoundTrip", func(t *testing.T) { testPutGetRoundTrip(t, newStore(t)) })
	t.Run("PutRejectsExistingKey", func(t *testing.T) { testPutRejectsExistingKey(t, newStore(t)) })
	t.Run("PutRejectsInvalidInput", func(t *testing.T) { testPutRejectsInvalidInput(t, newStore(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("OpenStreamsBothHalves", func(t *testing.T) { testOpen(t, newStore(t)) })
	t.Run("ListAscending", func(t *testing.T) { testListAscending(t, newStore(t)) })
	t.Run("Exists", func(t *testing.T) { testExists(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("DeleteAll", func(t *testing.T) { testDeleteAll(t, newStore(t)) })
	t.Run("ConcurrentPuts", func(t *testing.T) { testConcurrentPuts(t, newStore(t)) })
	t.Run("ReadsDuringPurge", func(t *testing.T) { testReadsDuringPurge(t, newStore(t)) })
	t.Run("PutsDuringPurge", func(t *testing.T) { testPutsDuringPurge(t, newStore(t)) })
	t.Run("Inspect", func(t *testing.T) { testInspect(t, newStore(t)) })
	t.Run("Ping", func(t *testing.T) { require.NoError(t, newStore(t).Ping(context.Background())) })
}

func testPutGetRoundTrip(t *testing.T, s record.Store) {
	ctx := context.Background()
	key := Keys(1)[0]
	video, sensor := Video(1024, 1), Sensor(1)

	require.NoError(t, s.Put(ctx, key, video, sensor))

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, key, got.Key)
	assert.Equal(t, video, got.Video)
	assert.Equal(t, sensor, got.Sensor)
}

func testPutRejectsExistingKey(t *testing.T, s record.Store) {
	ctx := context.Background()
	key := Keys(1)[0]

	require.NoError(t, s.Put(ctx, key, Video(256, 1), Sensor(1)))
	err := s.Put(ctx, key, Video(256, 2), Sensor(2))
	require.ErrorIs(t, err, record.ErrKeyExists)

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, Video(256, 1), got.Video, "existing record must not be overwritten")
	assert.Equal(t, Sensor(1), got.Sensor)
}

func testPutRejectsInvalidInput(t *testing.T, s record.Store) {
	ctx := context.Background()
	key := Keys(1)[0]

	tests := []struct {
		name   string
		key    record.Key
		video  []byte
		sensor []byte
	}{
		{name: "unparseable json", key: key, video: Video(128, 1), sensor: []byte(`{"gyroscopeData": [`)},
		{name: "empty json", key: key, video: Video(128, 1), sensor: nil},
		{name: "empty video", key: key, video: nil, sensor: Sensor(1)},
		{name: "not a video container", key: key, video: []byte("this is plainly not an mp4 container"), sensor: Sensor(1)},
		{name: "traversal key", key: "../../etc/passwd", video: Video(128, 1), sensor: Sensor(1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Put(ctx, tt.key, tt.video, tt.sensor)
			require.ErrorIs(t, err, record.ErrValidation)
		})
	}

	keys, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	inv, err := s.Inspect(ctx)
	require.NoError(t, err)
	assert.Empty(t, inv.OrphanVideos, "rejected upload must not leave a video behind")
	assert.Empty(t, inv.OrphanSensors)
}

func testGetMissing(t *testing.T, s record.Store) {
	ctx := context.Background()
	key := Keys(1)[0]

	_, err := s.Get(ctx, key)
	require.ErrorIs(t, err, record.ErrNotFound)
	_, err = s.Open(ctx, key)
	require.ErrorIs(t, err, record.ErrNotFound)
}

func testOpen(t *testing.T, s record.Store) {
	ctx := context.Background()
	key := Keys(1)[0]
	video, sensor := Video(4096, 3), Sensor(3)
	require.NoError(t, s.Put(ctx, key, video, sensor))

	rr, err := s.Open(ctx, key)
	require.NoError(t, err)
	defer func() { _ = rr.Close() }()

	assert.Equal(t, key, rr.Key)
	assert.Equal(t, int64(len(video)), rr.VideoSize)
	assert.Equal(t, int64(len(sensor)), rr.SensorSize)

	gotVideo, err := io.ReadAll(rr.Video)
	require.NoError(t, err)
	gotSensor, err := io.ReadAll(rr.Sensor)
	require.NoError(t, err)
	assert.Equal(t, video, gotVideo)
	assert.Equal(t, sensor, gotSensor)
}

func testListAscending(t *testing.T, s record.Store) {
	ctx := context.Background()
	keys := Keys(5)

	// Insert out of order.
	for _, i := range []int{3, 0, 4, 1, 2} {
		require.NoError(t, s.Put(ctx, keys[i], Video(64, byte(i)), Sensor(i)))
	}

	got, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, keys, got)
}

func testExists(t *testing.T, s record.Store) {
	ctx := context.Background()
	key := Keys(1)[0]

	ok, err := s.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, key, Video(64, 1), Sensor(1)))
	ok, err = s.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
}

func testDelete(t *testing.T, s record.Store) {
	ctx := context.Background()
	keys := Keys(2)
	for i, k := range keys {
		require.NoError(t, s.Put(ctx, k, Video(64, byte(i)), Sensor(i)))
	}

	require.NoError(t, s.Delete(ctx, keys[0]))
	require.ErrorIs(t, s.Delete(ctx, keys[0]), record.ErrNotFound)

	_, err := s.Get(ctx, keys[0])
	require.ErrorIs(t, err, record.ErrNotFound)

	got, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, keys[1:], got)
}

func testDeleteAll(t *testing.T, s record.Store) {
	ctx := context.Background()
	keys := Keys(4)
	for i, k := range keys {
		require.NoError(t, s.Put(ctx, k, Video(64, byte(i)), Sensor(i)))
	}

	res, err := s.DeleteAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(keys), res.Removed)
	assert.Empty(t, res.Failed)

	got, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	for _, k := range keys {
		_, err := s.Get(ctx, k)
		assert.ErrorIs(t, err, record.ErrNotFound)
	}

	res, err = s.DeleteAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Removed)
}

func testConcurrentPuts(t *testing.T, s record.Store) {
	ctx := context.Background()
	keys := Keys(16)

	var wg sync.WaitGroup
	errs := make(chan error, len(keys)*2)
	for i, k := range keys {
		wg.Add(2)
		// Two writers race for every key; exactly one may win.
		for w := 0; w < 2; w++ {
			go func(k record.Key, seed int) {
				defer wg.Done()
				errs <- s.Put(ctx, k, Video(256, byte(seed)), Sensor(seed))
			}(k, i*2+w)
		}
	}
	wg.Wait()
	close(errs)

	var ok, conflicts int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, record.ErrKeyExists):
			conflicts++
		default:
			t.Errorf("unexpected Put error: %v", err)
		}
	}
	assert.Equal(t, len(keys), ok)
	assert.Equal(t, len(keys), conflicts)

	got, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, keys, got)

	// Every stored record must be internally consistent: both halves from the same writer.
	for _, k := range got {
		rec, err := s.Get(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, Sensor(seedOf(rec.Video)), rec.Sensor, "halves of %s come from different uploads", k)
	}
}

// seedOf recovers the seed Video was called with.
func seedOf(video []byte) int {
	return int(video[len(ftypHeader)] ^ byte(len(ftypHeader)%251))
}

// testReadsDuringPurge walks the store the way an archive export does while
// a purge runs. Every record opened must yield both of its halves.
func testReadsDuringPurge(t *testing.T, s record.Store) {
	ctx := context.Background()
	for round := 0; round < 5; round++ {
		keys := Keys(20)
		for i, k := range keys {
			require.NoError(t, s.Put(ctx, k, Video(256, byte(i)), Sensor(i)))
		}
		listed, err := s.List(ctx)
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.DeleteAll(ctx); err != nil {
				t.Errorf("purge: %v", err)
			}
		}()

		for _, k := range listed {
			rr, err := s.Open(ctx, k)
			if err != nil {
				require.ErrorIs(t, err, record.ErrNotFound, "open %s", k)
				continue
			}
			video, verr := io.ReadAll(rr.Video)
			sensor, serr := io.ReadAll(rr.Sensor)
			_ = rr.Close()
			require.NoError(t, verr)
			require.NoError(t, serr)
			assert.Equal(t, Sensor(seedOf(video)), sensor, "halves of %s do not match", k)
		}
		wg.Wait()

		got, err := s.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, got)
	}
}

// testPutsDuringPurge races uploads against repeated purges. A Put that
// reports success must never leave a half record behind.
func testPutsDuringPurge(t *testing.T, s record.Store) {
	ctx := context.Background()
	keys := Keys(24)
	results := make([]error, len(keys))

	stop := make(chan struct{})
	purged := make(chan struct{})
	go func() {
		defer close(purged)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, err := s.DeleteAll(ctx); err != nil {
				t.Errorf("purge: %v", err)
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i, k := range keys {
		wg.Add(1)
		go func(i int, k record.Key) {
			defer wg.Done()
			results[i] = s.Put(ctx, k, Video(256, byte(i)), Sensor(i))
		}(i, k)
	}
	wg.Wait()
	close(stop)
	<-purged

	for i, k := range keys {
		if err := results[i]; err != nil {
			assert.ErrorIs(t, err, record.ErrUploadPurged, "put %s", k)
			continue
		}
		rec, err := s.Get(ctx, k)
		if err != nil {
			assert.ErrorIs(t, err, record.ErrNotFound, "get %s", k)
			assert.NotErrorIs(t, err, record.ErrOrphan, "put %s succeeded but left half a record", k)
			continue
		}
		assert.Equal(t, Sensor(seedOf(rec.Video)), rec.Sensor)
	}

	inv, err := s.Inspect(ctx)
	require.NoError(t, err)
	assert.Empty(t, inv.OrphanVideos)
	assert.Empty(t, inv.OrphanSensors)
	assert.Zero(t, inv.InFlight)
}

func testInspect(t *testing.T, s record.Store) {
	ctx := context.Background()
	for i, k := range Keys(3) {
		require.NoError(t, s.Put(ctx, k, Video(64, byte(i)), Sensor(i)))
	}

	inv, err := s.Inspect(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, inv.Records)
	assert.NotEmpty(t, inv.Backend)
	assert.NotEmpty(t, inv.Areas)
	for _, a := range inv.Areas {
		assert.True(t, a.Writable, "area %s should be writable", a.Name)
	}
}
