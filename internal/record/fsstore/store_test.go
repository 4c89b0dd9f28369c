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

package fsstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altairalabs/motion-collector/internal/record"
	"github.com/altairalabs/motion-collector/internal/record/storetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(DefaultConfig(t.TempDir()), logr.Discard())
	require.NoError(t, err)
	return s
}

func TestStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) record.Store { return newTestStore(t) })
}

func TestNew_RequiresRoot(t *testing.T) {
	_, err := New(Config{}, logr.Discard())
	assert.Error(t, err)
}

func TestNew_CreatesLayout(t *testing.T) {
	root := t.TempDir()
	_, err := New(DefaultConfig(root), logr.Discard())
	require.NoError(t, err)

	for _, dir := range []string{VideoDir, SensorDir} {
		info, err := os.Stat(filepath.Join(root, dir))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestPut_Layout(t *testing.T) {
	s := newTestStore(t)
	key := storetest.Keys(1)[0]
	video, sensor := storetest.Video(128, 1), storetest.Sensor(1)
	require.NoError(t, s.Put(context.Background(), key, video, sensor))

	gotVideo, err := os.ReadFile(filepath.Join(s.Root(), VideoDir, key.String()+".mp4"))
	require.NoError(t, err)
	assert.Equal(t, video, gotVideo)

	gotSensor, err := os.ReadFile(filepath.Join(s.Root(), SensorDir, key.String()+".json"))
	require.NoError(t, err)
	assert.Equal(t, sensor, gotSensor)

	// No temp files survive a successful put.
	for _, dir := range []string{VideoDir, SensorDir} {
		entries, err := os.ReadDir(filepath.Join(s.Root(), dir))
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	}
}

func TestOrphans(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	keys := storetest.Keys(3)
	for i, k := range keys {
		require.NoError(t, s.Put(ctx, k, storetest.Video(64, byte(i)), storetest.Sensor(i)))
	}

	// keys[0] loses its sensor half, keys[2] loses its video half. The lone
	// video is aged past the in-flight window.
	require.NoError(t, os.Remove(filepath.Join(s.Root(), SensorDir, keys[0].SensorName())))
	require.NoError(t, os.Remove(filepath.Join(s.Root(), VideoDir, keys[2].VideoName())))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(s.Root(), VideoDir, keys[0].VideoName()), old, old))

	listed, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []record.Key{keys[1]}, listed)

	ok, err := s.Exists(ctx, keys[0])
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Get(ctx, keys[0])
	require.ErrorIs(t, err, record.ErrNotFound)
	require.ErrorIs(t, err, record.ErrOrphan)
	var oe *record.OrphanError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, record.PartSensor, oe.Missing)

	_, err = s.Open(ctx, keys[2])
	require.ErrorIs(t, err, record.ErrOrphan)
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, record.PartVideo, oe.Missing)

	inv, err := s.Inspect(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, inv.Records)
	assert.Equal(t, []record.Key{keys[0]}, inv.OrphanVideos)
	assert.Equal(t, []record.Key{keys[2]}, inv.OrphanSensors)

	res, err := s.DeleteAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)
	assert.Equal(t, 2, res.OrphansRemoved)

	inv, err = s.Inspect(ctx)
	require.NoError(t, err)
	assert.Zero(t, inv.Records)
	assert.Empty(t, inv.OrphanVideos)
	assert.Empty(t, inv.OrphanSensors)
}

func TestDeleteAll_LeavesUploadInFlight(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	keys := storetest.Keys(2)
	require.NoError(t, s.Put(ctx, keys[0], storetest.Video(64, 0), storetest.Sensor(0)))
	// keys[1] has published its video and not yet its sensor.
	lone := filepath.Join(s.Root(), VideoDir, keys[1].VideoName())
	require.NoError(t, os.WriteFile(lone, storetest.Video(64, 1), 0o600))

	inv, err := s.Inspect(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, inv.InFlight)
	assert.Empty(t, inv.OrphanVideos)

	res, err := s.DeleteAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)
	assert.Zero(t, res.OrphansRemoved)
	_, err = os.Stat(lone)
	require.NoError(t, err, "a video inside the in-flight window must survive a purge")

	// The upload then completes as a normal record.
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), SensorDir, keys[1].SensorName()), storetest.Sensor(1), 0o600))
	listed, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []record.Key{keys[1]}, listed)
}

func TestPut_FailsWhenPurgeTakesVideo(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	key := storetest.Keys(1)[0]

	// A purge that runs between the two links takes the video.
	s.beforeSensorLink = func(k record.Key) {
		_, err := s.DeleteAll(ctx)
		require.NoError(t, err)
		require.NoError(t, os.Remove(filepath.Join(s.Root(), VideoDir, k.VideoName())))
	}
	err := s.Put(ctx, key, storetest.Video(64, 1), storetest.Sensor(1))
	require.ErrorIs(t, err, record.ErrStorage)
	require.ErrorIs(t, err, record.ErrUploadPurged)

	inv, err := s.Inspect(ctx)
	require.NoError(t, err)
	assert.Empty(t, inv.OrphanSensors, "the sensor must be withdrawn")
	assert.Zero(t, inv.Records)
	_, err = s.Get(ctx, key)
	assert.ErrorIs(t, err, record.ErrNotFound)
	assert.NotErrorIs(t, err, record.ErrOrphan)
}

func TestPut_OrphanVideoBlocksKey(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	key := storetest.Keys(1)[0]
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), VideoDir, key.VideoName()), []byte("old"), 0o600))

	err := s.Put(ctx, key, storetest.Video(64, 1), storetest.Sensor(1))
	require.ErrorIs(t, err, record.ErrKeyExists)

	old, err := os.ReadFile(filepath.Join(s.Root(), VideoDir, key.VideoName()))
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), old, "existing blob must not be overwritten")
}

func TestPut_OrphanSensorRollsBackVideo(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	key := storetest.Keys(1)[0]
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), SensorDir, key.SensorName()), []byte(`{}`), 0o600))

	err := s.Put(ctx, key, storetest.Video(64, 1), storetest.Sensor(1))
	require.ErrorIs(t, err, record.ErrKeyExists)

	_, err = os.Stat(filepath.Join(s.Root(), VideoDir, key.VideoName()))
	assert.True(t, os.IsNotExist(err), "video must be rolled back")
}

func TestInspect_StaleUploads(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	stale := filepath.Join(s.Root(), VideoDir, tempPrefix+"abandoned")
	require.NoError(t, os.WriteFile(stale, []byte("partial"), 0o600))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	fresh := filepath.Join(s.Root(), SensorDir, tempPrefix+"inflight")
	require.NoError(t, os.WriteFile(fresh, []byte("{"), 0o600))

	inv, err := s.Inspect(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, inv.StaleUploads)
	assert.Zero(t, inv.Records)

	// Purge leaves temp files alone.
	_, err = s.DeleteAll(ctx)
	require.NoError(t, err)
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
}

func TestList_IgnoresForeignFiles(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	key := storetest.Keys(1)[0]
	require.NoError(t, s.Put(ctx, key, storetest.Video(64, 1), storetest.Sensor(1)))

	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), VideoDir, "notes.txt"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), SensorDir, "random.json"), []byte("{}"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(s.Root(), SensorDir, "nested.json"), 0o750))

	keys, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []record.Key{key}, keys)
}

func TestList_DisambiguatedOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := storetest.Keys(1)[0]
	dup := base + "-001"
	require.NoError(t, s.Put(ctx, dup, storetest.Video(64, 1), storetest.Sensor(1)))
	require.NoError(t, s.Put(ctx, base, storetest.Video(64, 2), storetest.Sensor(2)))

	keys, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []record.Key{base, dup}, keys)
}

func TestOpen_SurvivesConcurrentDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	key := storetest.Keys(1)[0]
	video := storetest.Video(4096, 7)
	require.NoError(t, s.Put(ctx, key, video, storetest.Sensor(7)))

	rr, err := s.Open(ctx, key)
	require.NoError(t, err)
	defer func() { _ = rr.Close() }()

	require.NoError(t, s.Delete(ctx, key))

	buf := make([]byte, len(video))
	_, err = rr.Video.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, video[:32], buf[:32])
}

func TestPut_CancelledContext(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Put(ctx, storetest.Keys(1)[0], storetest.Video(64, 1), storetest.Sensor(1))
	require.ErrorIs(t, err, context.Canceled)

	inv, err := s.Inspect(context.Background())
	require.NoError(t, err)
	assert.Zero(t, inv.Records)
}

func TestPing_MissingArea(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Ping(context.Background()))

	require.NoError(t, os.RemoveAll(filepath.Join(s.Root(), SensorDir)))
	err := s.Ping(context.Background())
	assert.ErrorIs(t, err, record.ErrStorage)
}

func TestWritable(t *testing.T) {
	dir := t.TempDir()
	assert.True(t, writable(dir))
	assert.False(t, writable(filepath.Join(dir, "missing")))
}
