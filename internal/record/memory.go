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
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
	"time"
)

type memoryRecord struct {
	video   []byte
	sensor  []byte
	created time.Time
}

// MemoryStore is a thread-safe in-memory Store. Both halves live in one map
// entry, so it can never hold an orphan.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[Key]memoryRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[Key]memoryRecord)}
}

func (m *MemoryStore) Put(_ context.Context, key Key, video, sensor []byte) error {
	if err := CheckPut(key, video, sensor); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[key]; ok {
		return ErrKeyExists
	}
	m.records[key] = memoryRecord{
		video:   bytes.Clone(video),
		sensor:  bytes.Clone(sensor),
		created: time.Now(),
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key Key) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &Record{Key: key, Video: bytes.Clone(r.video), Sensor: bytes.Clone(r.sensor)}, nil
}

func (m *MemoryStore) Open(_ context.Context, key Key) (*RecordReader, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	// Stored slices are never mutated after Put, so readers can share them.
	return &RecordReader{
		Key:        key,
		Video:      io.NopCloser(bytes.NewReader(r.video)),
		VideoSize:  int64(len(r.video)),
		Sensor:     io.NopCloser(bytes.NewReader(r.sensor)),
		SensorSize: int64(len(r.sensor)),
		ModTime:    r.created,
	}, nil
}

func (m *MemoryStore) List(_ context.Context) ([]Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]Key, 0, len(m.records))
	for k := range m.records {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys, nil
}

func (m *MemoryStore) Exists(_ context.Context, key Key) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[key]
	return ok, nil
}

func (m *MemoryStore) Delete(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[key]; !ok {
		return ErrNotFound
	}
	delete(m.records, key)
	return nil
}

func (m *MemoryStore) DeleteAll(_ context.Context) (*PurgeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.records)
	m.records = make(map[Key]memoryRecord)
	return &PurgeResult{Removed: n}, nil
}

func (m *MemoryStore) Inspect(_ context.Context) (*Inventory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &Inventory{
		Backend: "memory",
		Records: len(m.records),
		Areas: []AreaStatus{
			{Name: "records", Location: "memory", Writable: true},
		},
	}, nil
}

func (m *MemoryStore) Ping(_ context.Context) error {
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
