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
	"embed"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres" // registers the postgres:// driver
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// MigrationFS holds the records schema, one up and one down file per version.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS

// ErrDirtySchema means a previous migration stopped halfway. The schema must
// be repaired by hand before the collector will use it.
var ErrDirtySchema = errors.New("records schema is dirty")

// SchemaState is the version recorded in schema_migrations.
type SchemaState struct {
	Version uint `json:"version"`
	Dirty   bool `json:"dirty"`
}

// Schema applies the embedded migrations to one database.
type Schema struct {
	m   *migrate.Migrate
	log logr.Logger
}

// OpenSchema connects to connString for migration. Close it when done.
func OpenSchema(connString string, log logr.Logger) (*Schema, error) {
	src, err := iofs.New(MigrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("reading embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, connString)
	if err != nil {
		return nil, fmt.Errorf("connecting for migration: %w", err)
	}
	return &Schema{m: m, log: log.WithName("schema")}, nil
}

// State reports the applied version. A fresh database is version 0.
func (s *Schema) State() (SchemaState, error) {
	v, dirty, err := s.m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		return SchemaState{}, nil
	case err != nil:
		return SchemaState{}, fmt.Errorf("reading schema version: %w", err)
	}
	return SchemaState{Version: v, Dirty: dirty}, nil
}

// Upgrade applies pending migrations. It refuses to touch a dirty schema.
func (s *Schema) Upgrade() (SchemaState, error) {
	before, err := s.State()
	if err != nil {
		return before, err
	}
	if before.Dirty {
		return before, fmt.Errorf("%w at version %d", ErrDirtySchema, before.Version)
	}
	if err := s.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return before, fmt.Errorf("upgrading records schema: %w", err)
	}
	after, err := s.State()
	if err != nil {
		return after, err
	}
	if after.Version != before.Version {
		s.log.Info("records schema upgraded", "from", before.Version, "to", after.Version)
	} else {
		s.log.V(1).Info("records schema up to date", "version", after.Version)
	}
	return after, nil
}

// Drop rolls every migration back, removing the records table.
func (s *Schema) Drop() error {
	if err := s.m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("dropping records schema: %w", err)
	}
	return nil
}

func (s *Schema) Close() error {
	srcErr, dbErr := s.m.Close()
	return errors.Join(srcErr, dbErr)
}

// Migrate opens the schema for connString, upgrades it and closes it again.
func Migrate(connString string, log logr.Logger) (SchemaState, error) {
	schema, err := OpenSchema(connString, log)
	if err != nil {
		return SchemaState{}, err
	}
	state, upErr := schema.Upgrade()
	if err := schema.Close(); err != nil {
		log.Error(err, "closing migration connection")
	}
	return state, upErr
}
