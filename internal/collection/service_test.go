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

package collection

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/klauspost/compress/zip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/altairalabs/motion-collector/internal/archive"
	"github.com/altairalabs/motion-collector/internal/record"
	"github.com/altairalabs/motion-collector/internal/record/storetest"
	"github.com/altairalabs/motion-collector/pkg/metrics"
)

// fakeStore wraps a MemoryStore with injectable failures.
type fakeStore struct {
	*record.MemoryStore

	mu        sync.Mutex
	conflicts int
	putErr    error
	pingErr   error
	inventory *record.Inventory
}

func newFakeStore() *fakeStore {
	return &fakeStore{MemoryStore: record.NewMemoryStore()}
}

func (f *fakeStore) Put(ctx context.Context, key record.Key, video, sensor []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	if f.conflicts > 0 {
		f.conflicts--
		// Another writer wins the key.
		_ = f.MemoryStore.Put(ctx, key, storetest.Video(64, 0xff), storetest.Sensor(99))
		return record.ErrKeyExists
	}
	return f.MemoryStore.Put(ctx, key, video, sensor)
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingErr != nil {
		return f.pingErr
	}
	return f.MemoryStore.Ping(ctx)
}

func (f *fakeStore) Inspect(ctx context.Context) (*record.Inventory, error) {
	if f.inventory != nil {
		return f.inventory, nil
	}
	return f.MemoryStore.Inspect(ctx)
}

func validUpload(seed int) Upload {
	return Upload{
		Video:             storetest.Video(2048, byte(seed)),
		VideoFilename:     "capture.mp4",
		VideoContentType:  "video/mp4",
		Sensor:            storetest.Sensor(seed),
		SensorFilename:    "capture.json",
		SensorContentType: "application/json",
	}
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newTestService(t *testing.T, store record.Store, cfg Config, opts ...Option) *Service {
	t.Helper()
	return NewService(store, cfg, logr.Discard(), opts...)
}

func TestIngest_StoresRecord(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(t, store, Config{})
	u := validUpload(1)

	res, err := svc.Ingest(context.Background(), u)
	require.NoError(t, err)

	_, err = record.ParseKey(res.Key.String())
	require.NoError(t, err)
	assert.Equal(t, "Files uploaded successfully", res.Message)
	assert.Equal(t, "videos/"+res.Key.String()+".mp4", res.Video)
	assert.Equal(t, "json_data/"+res.Key.String()+".json", res.JSON)
	assert.JSONEq(t, `[{"x":0.1,"y":0.2,"z":0.3,"timestamp":1}]`, string(res.GyroscopeData))
	assert.JSONEq(t, `[{"x":9.8,"y":0.0,"z":0.1,"timestamp":1}]`, string(res.AccelerometerData))

	rec, err := svc.FetchOne(context.Background(), res.Key)
	require.NoError(t, err)
	assert.Equal(t, u.Video, rec.Video)
	assert.Equal(t, u.Sensor, rec.Sensor)
}

func TestIngest_Rejects(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Upload)
		wantKind error
	}{
		{name: "missing video", mutate: func(u *Upload) { u.Video = nil }},
		{name: "missing json", mutate: func(u *Upload) { u.Sensor = nil }},
		{name: "truncated json", mutate: func(u *Upload) { u.Sensor = []byte(`{"gyroscopeData": [`) }},
		{name: "video declared as png", mutate: func(u *Upload) { u.VideoContentType = "image/png" },
			wantKind: record.ErrUnsupportedMedia},
		{name: "json declared as text", mutate: func(u *Upload) { u.SensorContentType = "text/plain" },
			wantKind: record.ErrUnsupportedMedia},
		{name: "not a video", mutate: func(u *Upload) { u.Video = []byte("definitely not an mp4 container") },
			wantKind: record.ErrUnsupportedMedia},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			svc := newTestService(t, store, Config{})
			u := validUpload(1)
			tt.mutate(&u)

			_, err := svc.Ingest(context.Background(), u)
			require.ErrorIs(t, err, record.ErrValidation)
			if tt.wantKind != nil {
				assert.ErrorIs(t, err, tt.wantKind)
			}

			keys, err := svc.ListKeys(context.Background())
			require.NoError(t, err)
			assert.Empty(t, keys, "rejected upload must not be stored")
		})
	}
}

func TestIngest_SeriesDefaultToEmptyArrays(t *testing.T) {
	tests := []struct {
		name   string
		sensor string
	}{
		{name: "object without series", sensor: `{"device":"pixel"}`},
		{name: "top-level array", sensor: `[1,2,3]`},
		{name: "null series", sensor: `{"gyroscopeData":null}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(t, newFakeStore(), Config{})
			u := validUpload(1)
			u.Sensor = []byte(tt.sensor)

			res, err := svc.Ingest(context.Background(), u)
			require.NoError(t, err)
			assert.JSONEq(t, `[]`, string(res.AccelerometerData))
			if tt.name != "null series" {
				assert.JSONEq(t, `[]`, string(res.GyroscopeData))
			}
		})
	}
}

func TestIngest_KeysUniqueAndAscending(t *testing.T) {
	svc := newTestService(t, newFakeStore(), Config{})
	ctx := context.Background()

	const n = 50
	var issued []record.Key
	for i := 0; i < n; i++ {
		res, err := svc.Ingest(ctx, validUpload(i))
		require.NoError(t, err)
		issued = append(issued, res.Key)
	}

	keys, err := svc.ListKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, issued, keys, "keys must be listed in issue order")
	for i := 1; i < len(keys); i++ {
		assert.Less(t, keys[i-1], keys[i])
	}
}

func TestIngest_SameInstantDisambiguates(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	store := newFakeStore()
	gen := record.NewKeyGenerator(store, record.WithClock(fixedClock(now)))
	svc := newTestService(t, store, Config{}, WithKeyGenerator(gen))

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(seed int) {
			defer wg.Done()
			_, err := svc.Ingest(context.Background(), validUpload(seed))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	keys, err := svc.ListKeys(context.Background())
	require.NoError(t, err)
	require.Len(t, keys, 10)
	assert.Equal(t, record.Key("2025-03-14_09-26-53.000000"), keys[0])
	assert.Equal(t, record.Key("2025-03-14_09-26-53.000000-009"), keys[9])
}

func TestIngest_RetriesOnConflict(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	store := newFakeStore()
	store.conflicts = 2
	gen := record.NewKeyGenerator(store, record.WithClock(fixedClock(now)))
	svc := newTestService(t, store, Config{KeyRetries: 3}, WithKeyGenerator(gen))
	u := validUpload(7)

	res, err := svc.Ingest(context.Background(), u)
	require.NoError(t, err)
	assert.Equal(t, record.Key("2025-03-14_09-26-53.000000-002"), res.Key)

	rec, err := svc.FetchOne(context.Background(), res.Key)
	require.NoError(t, err)
	assert.Equal(t, u.Video, rec.Video)
}

func TestIngest_GivesUpAfterRetries(t *testing.T) {
	store := newFakeStore()
	store.conflicts = 5
	svc := newTestService(t, store, Config{KeyRetries: 3})

	_, err := svc.Ingest(context.Background(), validUpload(1))
	require.ErrorIs(t, err, record.ErrKeyExists)
}

func TestIngest_StorageFailure(t *testing.T) {
	store := newFakeStore()
	store.putErr = record.NewStorageError("put", "", errors.New("disk full"))
	svc := newTestService(t, store, Config{})

	_, err := svc.Ingest(context.Background(), validUpload(1))
	require.ErrorIs(t, err, record.ErrStorage)
}

func TestIngest_RateLimited(t *testing.T) {
	svc := newTestService(t, newFakeStore(), Config{IngestRate: 0.001, IngestBurst: 1})

	_, err := svc.Ingest(context.Background(), validUpload(1))
	require.NoError(t, err)
	_, err = svc.Ingest(context.Background(), validUpload(2))
	require.ErrorIs(t, err, ErrRateLimited)
}

func TestIngest_RateLimitAppliesAfterValidation(t *testing.T) {
	svc := newTestService(t, newFakeStore(), Config{IngestRate: 0.001, IngestBurst: 1})

	bad := validUpload(1)
	bad.Sensor = nil
	_, err := svc.Ingest(context.Background(), bad)
	require.ErrorIs(t, err, record.ErrValidation)

	_, err = svc.Ingest(context.Background(), validUpload(2))
	require.NoError(t, err, "invalid uploads must not consume the budget")
}

func TestIngest_MetricsAndSpans(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewCollectionMetricsWithRegistry(reg)
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	svc := newTestService(t, newFakeStore(), Config{},
		WithMetrics(m), WithTracer(tp.Tracer("test")))

	u := validUpload(1)
	_, err := svc.Ingest(context.Background(), u)
	require.NoError(t, err)
	u.Sensor = nil
	_, err = svc.Ingest(context.Background(), u)
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues(OpIngest, metrics.ResultSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues(OpIngest, metrics.ResultInvalid)))
	assert.Equal(t, float64(len(u.Video)), testutil.ToFloat64(m.IngestBytesTotal.WithLabelValues("video")))

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "collection.ingest", spans[0].Name())
}

func TestFetchOne(t *testing.T) {
	svc := newTestService(t, newFakeStore(), Config{})
	ctx := context.Background()

	_, err := svc.FetchOne(ctx, storetest.Keys(1)[0])
	require.ErrorIs(t, err, record.ErrNotFound)

	_, err = svc.FetchOne(ctx, "../../etc/passwd")
	require.ErrorIs(t, err, record.ErrValidation)

	_, err = svc.OpenOne(ctx, "2025-03-14")
	require.ErrorIs(t, err, record.ErrValidation)
}

func TestOpenOne(t *testing.T) {
	store := newFakeStore()
	key := storetest.Keys(1)[0]
	require.NoError(t, store.Put(context.Background(), key, storetest.Video(512, 3), storetest.Sensor(3)))
	svc := newTestService(t, store, Config{})

	rr, err := svc.OpenOne(context.Background(), key)
	require.NoError(t, err)
	defer func() { _ = rr.Close() }()
	got, err := io.ReadAll(rr.Sensor)
	require.NoError(t, err)
	assert.Equal(t, storetest.Sensor(3), got)
}

func zipNames(t *testing.T, data []byte) []string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	return names
}

func TestFetchAllAsArchive_ExampleScenario(t *testing.T) {
	store := newFakeStore()
	keys := storetest.Keys(2)
	ctx := context.Background()
	// Inserted newest first; the archive must still be in key order.
	require.NoError(t, store.Put(ctx, keys[1], storetest.Video(128, 2), storetest.Sensor(2)))
	require.NoError(t, store.Put(ctx, keys[0], storetest.Video(128, 1), storetest.Sensor(1)))
	svc := newTestService(t, store, Config{})

	var buf bytes.Buffer
	res, err := svc.FetchAllAsArchive(ctx, &buf, archive.FormatZip)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Records)
	assert.Empty(t, res.Skipped)

	k1, k2 := keys[0].String(), keys[1].String()
	assert.Equal(t, []string{
		k1 + "/" + k1 + ".mp4", k1 + "/" + k1 + ".json",
		k2 + "/" + k2 + ".mp4", k2 + "/" + k2 + ".json",
	}, zipNames(t, buf.Bytes()))
}

func TestFetchOneAsArchive(t *testing.T) {
	store := newFakeStore()
	key := storetest.Keys(1)[0]
	require.NoError(t, store.Put(context.Background(), key, storetest.Video(128, 1), storetest.Sensor(1)))
	svc := newTestService(t, store, Config{})

	var buf bytes.Buffer
	res, err := svc.FetchOneAsArchive(context.Background(), &buf, key, archive.FormatZip)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Records)
	assert.Len(t, zipNames(t, buf.Bytes()), 2)

	buf.Reset()
	_, err = svc.FetchOneAsArchive(context.Background(), &buf, storetest.Keys(2)[1], archive.FormatZip)
	require.ErrorIs(t, err, record.ErrNotFound)
	assert.Zero(t, buf.Len())
}

func TestFetchAllBuffered(t *testing.T) {
	store := newFakeStore()
	for i, k := range storetest.Keys(3) {
		require.NoError(t, store.Put(context.Background(), k, storetest.Video(4096, byte(i)), storetest.Sensor(i)))
	}

	svc := newTestService(t, store, Config{ArchiveBufferLimit: 1 << 20})
	data, res, err := svc.FetchAllBuffered(context.Background(), archive.FormatZip)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Records)
	assert.Len(t, zipNames(t, data), 6)

	small := newTestService(t, store, Config{ArchiveBufferLimit: 1024})
	_, _, err = small.FetchAllBuffered(context.Background(), archive.FormatZip)
	require.ErrorIs(t, err, archive.ErrArchiveTooLarge)
}

func TestDelete(t *testing.T) {
	store := newFakeStore()
	key := storetest.Keys(1)[0]
	require.NoError(t, store.Put(context.Background(), key, storetest.Video(128, 1), storetest.Sensor(1)))
	svc := newTestService(t, store, Config{})

	require.NoError(t, svc.Delete(context.Background(), key))
	require.ErrorIs(t, svc.Delete(context.Background(), key), record.ErrNotFound)
	require.ErrorIs(t, svc.Delete(context.Background(), "bad/key"), record.ErrValidation)
}

func TestPurgeAll(t *testing.T) {
	store := newFakeStore()
	keys := storetest.Keys(4)
	for i, k := range keys {
		require.NoError(t, store.Put(context.Background(), k, storetest.Video(128, byte(i)), storetest.Sensor(i)))
	}
	reg := prometheus.NewRegistry()
	m := metrics.NewCollectionMetricsWithRegistry(reg)
	svc := newTestService(t, store, Config{}, WithMetrics(m))

	res, err := svc.PurgeAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, res.Removed)
	assert.Equal(t, 4.0, testutil.ToFloat64(m.PurgedRecordsTotal))

	listed, err := svc.ListKeys(context.Background())
	require.NoError(t, err)
	assert.Empty(t, listed)
	assert.NotNil(t, listed, "empty list must encode as [] rather than null")
	for _, k := range keys {
		_, err := svc.FetchOne(context.Background(), k)
		assert.ErrorIs(t, err, record.ErrNotFound)
	}
}

func TestDiagnostics(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		store := newFakeStore()
		require.NoError(t, store.Put(context.Background(), storetest.Keys(1)[0], storetest.Video(64, 1), storetest.Sensor(1)))
		svc := newTestService(t, store, Config{})

		report, err := svc.Diagnostics(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StatusOK, report.Status)
		assert.Equal(t, "memory", report.Backend)
		assert.Equal(t, 1, report.Inventory.Records)
		assert.Empty(t, report.Problems)
	})

	t.Run("degraded", func(t *testing.T) {
		store := newFakeStore()
		keys := storetest.Keys(2)
		store.inventory = &record.Inventory{
			Backend:       "filesystem",
			Records:       3,
			OrphanVideos:  []record.Key{keys[0]},
			OrphanSensors: []record.Key{keys[1]},
			StaleUploads:  1,
			Areas: []record.AreaStatus{
				{Name: "videos", Location: "/data/videos", Writable: true},
				{Name: "json_data", Location: "/data/json_data", Writable: false},
			},
		}
		reg := prometheus.NewRegistry()
		m := metrics.NewCollectionMetricsWithRegistry(reg)
		svc := newTestService(t, store, Config{}, WithMetrics(m))

		report, err := svc.Diagnostics(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StatusDegraded, report.Status)
		assert.Len(t, report.Problems, 4)
		assert.Equal(t, 3.0, testutil.ToFloat64(m.StoredRecords))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.OrphanBlobs.WithLabelValues("sensor")))
	})

	t.Run("unavailable", func(t *testing.T) {
		store := newFakeStore()
		store.pingErr = errors.New("connection refused")
		svc := newTestService(t, store, Config{})

		report, err := svc.Diagnostics(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StatusUnavailable, report.Status)
		assert.Contains(t, report.Error, "connection refused")
		assert.Nil(t, report.Inventory)
	})
}

func TestResultFor(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, metrics.ResultSuccess},
		{ErrRateLimited, metrics.ResultRateLimited},
		{record.NewValidationError("json", "bad"), metrics.ResultInvalid},
		{&record.OrphanError{Key: "k", Missing: record.PartSensor}, metrics.ResultNotFound},
		{record.ErrKeyExists, metrics.ResultConflict},
		{record.NewStorageError("get", "k", errors.New("io")), metrics.ResultError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, resultFor(tt.err))
	}
}
