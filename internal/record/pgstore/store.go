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

// Package pgstore keeps records in PostgreSQL, one row per record. Both
// halves live in the same row, so a record is written, read and removed in a
// single statement and can never be orphaned.
package pgstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-logr/logr"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/altairalabs/motion-collector/internal/record"
)

// Store implements record.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
	log  logr.Logger
}

// New applies pending migrations and opens a pool for connString.
func New(ctx context.Context, connString string, log logr.Logger) (*Store, error) {
	if _, err := Migrate(connString, log); err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}
	return NewFromPool(pool, log), nil
}

// NewFromPool wraps an existing pool. The schema must already be migrated.
func NewFromPool(pool *pgxpool.Pool, log logr.Logger) *Store {
	return &Store{pool: pool, log: log.WithName("pgstore")}
}

func (s *Store) Put(ctx context.Context, key record.Key, video, sensor []byte) error {
	if err := record.CheckPut(key, video, sensor); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO records (key, video, sensor, video_size) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (key) DO NOTHING`,
		key.String(), video, sensor, len(video))
	if err != nil {
		return record.NewStorageError("put", key, err)
	}
	if tag.RowsAffected() == 0 {
		return record.ErrKeyExists
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key record.Key) (*record.Record, error) {
	rec, _, err := s.get(ctx, key)
	return rec, err
}

func (s *Store) get(ctx context.Context, key record.Key) (*record.Record, time.Time, error) {
	if _, err := record.ParseKey(key.String()); err != nil {
		return nil, time.Time{}, record.ErrNotFound
	}
	rec := &record.Record{Key: key}
	var created time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT video, sensor, created_at FROM records WHERE key = $1`, key.String(),
	).Scan(&rec.Video, &rec.Sensor, &created)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, time.Time{}, record.ErrNotFound
	}
	if err != nil {
		return nil, time.Time{}, record.NewStorageError("get", key, err)
	}
	return rec, created, nil
}

// Open reads the row in one query; bytea values are not streamed by the
// driver, so memory per open record equals its size.
func (s *Store) Open(ctx context.Context, key record.Key) (*record.RecordReader, error) {
	rec, created, err := s.get(ctx, key)
	if err != nil {
		return nil, err
	}
	return &record.RecordReader{
		Key:        key,
		Video:      io.NopCloser(bytes.NewReader(rec.Video)),
		VideoSize:  int64(len(rec.Video)),
		Sensor:     io.NopCloser(bytes.NewReader(rec.Sensor)),
		SensorSize: int64(len(rec.Sensor)),
		ModTime:    created,
	}, nil
}

func (s *Store) List(ctx context.Context) ([]record.Key, error) {
	rows, err := s.pool.Query(ctx, `SELECT key FROM records ORDER BY key COLLATE "C"`)
	if err != nil {
		return nil, record.NewStorageError("list", "", err)
	}
	keys, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (record.Key, error) {
		var k string
		err := row.Scan(&k)
		return record.Key(k), err
	})
	if err != nil {
		return nil, record.NewStorageError("list", "", err)
	}
	if keys == nil {
		keys = []record.Key{}
	}
	return keys, nil
}

func (s *Store) Exists(ctx context.Context, key record.Key) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM records WHERE key = $1)`, key.String(),
	).Scan(&ok)
	if err != nil {
		return false, record.NewStorageError("exists", key, err)
	}
	return ok, nil
}

func (s *Store) Delete(ctx context.Context, key record.Key) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM records WHERE key = $1`, key.String())
	if err != nil {
		return record.NewStorageError("delete", key, err)
	}
	if tag.RowsAffected() == 0 {
		return record.ErrNotFound
	}
	return nil
}

// DeleteAll removes every row in one transactional statement.
func (s *Store) DeleteAll(ctx context.Context) (*record.PurgeResult, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM records`)
	if err != nil {
		return nil, record.NewStorageError("purge", "", err)
	}
	return &record.PurgeResult{Removed: int(tag.RowsAffected())}, nil
}

// Inspect asks the server for the INSERT privilege instead of test-writing,
// and reports the schema version the table was migrated to.
func (s *Store) Inspect(ctx context.Context) (*record.Inventory, error) {
	var (
		count    int
		writable bool
	)
	err := s.pool.QueryRow(ctx,
		`SELECT count(*), has_table_privilege('records', 'INSERT') FROM records`,
	).Scan(&count, &writable)
	if err != nil {
		return nil, record.NewStorageError("inspect", "", err)
	}
	area := record.AreaStatus{Name: "records", Location: "table records", Writable: writable}
	if !writable {
		area.Detail = "current role lacks INSERT on records"
	} else if state, err := s.schemaState(ctx); err != nil {
		area.Detail = "schema version unknown: " + err.Error()
	} else if state.Dirty {
		area.Writable = false
		area.Detail = fmt.Sprintf("schema dirty at version %d", state.Version)
	} else {
		area.Detail = fmt.Sprintf("schema version %d", state.Version)
	}
	return &record.Inventory{
		Backend: "postgres",
		Records: count,
		Areas:   []record.AreaStatus{area},
	}, nil
}

// schemaState reads the migration bookkeeping row over the store's pool.
func (s *Store) schemaState(ctx context.Context) (SchemaState, error) {
	var (
		state   SchemaState
		version int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT version, dirty FROM schema_migrations LIMIT 1`,
	).Scan(&version, &state.Dirty)
	if errors.Is(err, pgx.ErrNoRows) {
		return state, nil
	}
	if err != nil {
		return state, err
	}
	state.Version = uint(version)
	return state, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return record.NewStorageError("ping", "", s.pool.Ping(ctx))
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ensure Store implements record.Store.
var _ record.Store = (*Store)(nil)
