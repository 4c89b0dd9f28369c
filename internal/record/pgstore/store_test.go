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

package pgstore

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/altairalabs/motion-collector/internal/record"
	"github.com/altairalabs/motion-collector/internal/record/storetest"
)

var testConnStr string

func TestMain(m *testing.M) {
	flag.Parse()

	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("collector_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		// Database tests skip themselves when no container is available.
		fmt.Fprintf(os.Stderr, "postgres container unavailable, skipping database tests: %v\n", err)
		os.Exit(m.Run())
	}

	testConnStr, err = container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get connection string: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	if err := container.Terminate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to terminate container: %v\n", err)
	}
	os.Exit(code)
}

func requireDB(t *testing.T) {
	t.Helper()
	if testConnStr == "" {
		t.Skip("postgres not available")
	}
}

// freshDB creates an isolated database and returns its connection string.
func freshDB(t *testing.T) string {
	t.Helper()
	requireDB(t)

	dbName := fmt.Sprintf("test_%d", time.Now().UnixNano())
	db, err := sql.Open("pgx", testConnStr)
	require.NoError(t, err)
	_, err = db.Exec(fmt.Sprintf("CREATE DATABASE %s", dbName))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	t.Cleanup(func() {
		mainDB, err := sql.Open("pgx", testConnStr)
		if err == nil {
			_, _ = mainDB.Exec(fmt.Sprintf("DROP DATABASE %s WITH (FORCE)", dbName))
			_ = mainDB.Close()
		}
	})
	return replaceDBName(testConnStr, dbName)
}

func replaceDBName(connStr, newDB string) string {
	qIdx := strings.IndexByte(connStr, '?')
	if qIdx < 0 {
		qIdx = len(connStr)
	}
	slashIdx := strings.LastIndexByte(connStr[:qIdx], '/')
	return connStr[:slashIdx+1] + newDB + connStr[qIdx:]
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(context.Background(), freshDB(t), logr.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_Conformance(t *testing.T) {
	requireDB(t)
	storetest.Run(t, func(t *testing.T) record.Store { return newTestStore(t) })
}

func TestStore_KeyCheckConstraint(t *testing.T) {
	s := newTestStore(t)
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO records (key, video, sensor, video_size) VALUES ('../escape', '\x00', '{}', 1)`)
	assert.Error(t, err)
}

func TestStore_SensorBytesPreserved(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	key := storetest.Keys(1)[0]
	sensor := []byte("{ \"gyroscopeData\" : [],\n  \"accelerometerData\":[ ] }")
	require.NoError(t, s.Put(ctx, key, storetest.Video(64, 1), sensor))

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, sensor, got.Sensor, "whitespace and key order must survive storage")
}

func TestNewFromPool(t *testing.T) {
	connStr := freshDB(t)
	state, err := Migrate(connStr, logr.Discard())
	require.NoError(t, err)
	assert.Equal(t, SchemaState{Version: 1}, state)

	pool, err := pgxpool.New(context.Background(), connStr)
	require.NoError(t, err)
	s := NewFromPool(pool, logr.Discard())
	defer func() { _ = s.Close() }()
	require.NoError(t, s.Ping(context.Background()))
}

func TestSchema_UpgradeIsIdempotentAndDrop(t *testing.T) {
	connStr := freshDB(t)
	schema, err := OpenSchema(connStr, logr.Discard())
	require.NoError(t, err)
	defer func() { _ = schema.Close() }()

	state, err := schema.State()
	require.NoError(t, err)
	assert.Equal(t, SchemaState{}, state, "fresh database has no version")

	first, err := schema.Upgrade()
	require.NoError(t, err)
	second, err := schema.Upgrade()
	require.NoError(t, err)
	assert.Equal(t, first, second)

	require.NoError(t, schema.Drop())
	state, err = schema.State()
	require.NoError(t, err)
	assert.Zero(t, state.Version)
}

func TestSchema_RefusesDirty(t *testing.T) {
	connStr := freshDB(t)
	_, err := Migrate(connStr, logr.Discard())
	require.NoError(t, err)

	pool, err := pgxpool.New(context.Background(), connStr)
	require.NoError(t, err)
	defer pool.Close()
	_, err = pool.Exec(context.Background(), `UPDATE schema_migrations SET dirty = true`)
	require.NoError(t, err)

	_, err = Migrate(connStr, logr.Discard())
	require.ErrorIs(t, err, ErrDirtySchema)

	inv, err := NewFromPool(pool, logr.Discard()).Inspect(context.Background())
	require.NoError(t, err)
	require.Len(t, inv.Areas, 1)
	assert.False(t, inv.Areas[0].Writable)
	assert.Contains(t, inv.Areas[0].Detail, "dirty")
}

func TestStore_InspectReportsSchemaVersion(t *testing.T) {
	s := newTestStore(t)
	inv, err := s.Inspect(context.Background())
	require.NoError(t, err)
	require.Len(t, inv.Areas, 1)
	assert.Equal(t, "schema version 1", inv.Areas[0].Detail)
}

func TestMigrationFS_ContainsMigrations(t *testing.T) {
	entries, err := MigrationFS.ReadDir("migrations")
	require.NoError(t, err)

	var up, down int
	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Name(), ".up.sql"):
			up++
		case strings.HasSuffix(e.Name(), ".down.sql"):
			down++
		}
	}
	assert.Positive(t, up)
	assert.Equal(t, up, down, "every up migration needs a down migration")
}

func TestReplaceDBName(t *testing.T) {
	assert.Equal(t,
		"postgres://u:p@localhost:5432/other?sslmode=disable",
		replaceDBName("postgres://u:p@localhost:5432/collector_test?sslmode=disable", "other"))
	assert.Equal(t,
		"postgres://u:p@localhost:5432/other",
		replaceDBName("postgres://u:p@localhost:5432/collector_test", "other"))
}
