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

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/altairalabs/motion-collector/internal/collection"
	"github.com/altairalabs/motion-collector/internal/config"
	"github.com/altairalabs/motion-collector/internal/record"
	"github.com/altairalabs/motion-collector/internal/record/fsstore"
	"github.com/altairalabs/motion-collector/internal/record/objectstore"
	"github.com/altairalabs/motion-collector/internal/record/pgstore"
	"github.com/altairalabs/motion-collector/internal/record/redisreserve"
)

// Pool configuration defaults.
const (
	defaultMaxConns        = 10
	defaultMinConns        = 1
	defaultMaxConnLifetime = time.Hour
	defaultMaxConnIdleTime = 30 * time.Minute
)

// openStore opens the configured record store backend.
func openStore(ctx context.Context, opts *config.Options, log logr.Logger) (record.Store, error) {
	switch opts.Store.Backend {
	case config.BackendFilesystem:
		s, err := fsstore.New(opts.FilesystemConfig(), log)
		if err != nil {
			return nil, record.NewStorageError("open", "", err)
		}
		return s, nil

	case config.BackendPostgres:
		if err := runMigrations(opts.Store.PostgresConn, log); err != nil {
			return nil, record.NewStorageError("open", "", err)
		}
		pool, err := initPool(ctx, opts.Store.PostgresConn)
		if err != nil {
			return nil, record.NewStorageError("open", "", err)
		}
		return pgstore.NewFromPool(pool, log), nil

	case config.BackendS3, config.BackendGCS, config.BackendAzure:
		cfg, err := opts.ObjectStoreConfig()
		if err != nil {
			return nil, err
		}
		s, err := objectstore.NewFromConfig(ctx, cfg, log)
		if err != nil {
			return nil, record.NewStorageError("open", "", err)
		}
		return s, nil

	case config.BackendMemory:
		log.Info("using in-memory store; records are lost on exit")
		return record.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", opts.Store.Backend)
}

// initPool creates and returns a pgxpool connection pool with configured limits.
// Pool settings are read from environment variables with sensible defaults:
//
//	PG_MAX_CONNS (default 10), PG_MIN_CONNS (default 1),
//	PG_MAX_CONN_LIFETIME (default 1h), PG_MAX_CONN_IDLE_TIME (default 30m).
func initPool(ctx context.Context, connStr string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres connection string: %w", err)
	}

	poolCfg.MaxConns = envInt32("PG_MAX_CONNS", defaultMaxConns)
	poolCfg.MinConns = envInt32("PG_MIN_CONNS", defaultMinConns)
	poolCfg.MaxConnLifetime = envDuration("PG_MAX_CONN_LIFETIME", defaultMaxConnLifetime)
	poolCfg.MaxConnIdleTime = envDuration("PG_MAX_CONN_IDLE_TIME", defaultMaxConnIdleTime)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}
	return pool, nil
}

// runMigrations brings the records schema up to date before the pool opens.
func runMigrations(connStr string, log logr.Logger) error {
	state, err := pgstore.Migrate(connStr, log)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	log.V(1).Info("records schema ready", "version", state.Version)
	return nil
}

// backend is an opened store plus the service built on it.
type backend struct {
	store    record.Store
	reserver *redisreserve.Reserver
	service  *collection.Service
}

// Close releases the store and the reservation client.
func (b *backend) Close() {
	if b.reserver != nil {
		_ = b.reserver.Close()
	}
	_ = b.store.Close()
}

// openBackend opens the store and builds the collection service. withReserver
// connects the shared Redis reservation when one is configured; only
// ingestion needs it.
func openBackend(ctx context.Context, opts *config.Options, log logr.Logger, withReserver bool, extra ...collection.Option) (*backend, error) {
	valCfg, err := opts.ValidatorConfig()
	if err != nil {
		return nil, &usageError{msg: err.Error()}
	}
	validator, err := record.NewValidator(valCfg)
	if err != nil {
		return nil, &usageError{msg: err.Error()}
	}

	store, err := openStore(ctx, opts, log)
	if err != nil {
		return nil, err
	}
	b := &backend{store: store}

	var genOpts []record.KeyGeneratorOption
	if withReserver && opts.RedisEnabled() {
		r, err := redisreserve.New(opts.RedisConfig())
		if err != nil {
			_ = store.Close()
			return nil, record.NewStorageError("open", "", err)
		}
		b.reserver = r
		genOpts = append(genOpts, record.WithReserver(r))
		log.V(1).Info("shared key reservation enabled", "addrs", opts.Redis.Addrs)
	}

	svcOpts := append([]collection.Option{
		collection.WithValidator(validator),
		collection.WithKeyGenerator(record.NewKeyGenerator(store, genOpts...)),
	}, extra...)
	b.service = collection.NewService(store, opts.ServiceConfig(), log, svcOpts...)
	return b, nil
}
