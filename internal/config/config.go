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

// Package config provides configuration management for the motion collector.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/altairalabs/motion-collector/internal/auth"
	"github.com/altairalabs/motion-collector/internal/collection"
	"github.com/altairalabs/motion-collector/internal/record"
	"github.com/altairalabs/motion-collector/internal/record/fsstore"
	"github.com/altairalabs/motion-collector/internal/record/objectstore"
	"github.com/altairalabs/motion-collector/internal/record/redisreserve"
	"github.com/altairalabs/motion-collector/internal/tracing"
)

// Storage backends.
const (
	BackendFilesystem = "filesystem"
	BackendPostgres   = "postgres"
	BackendS3         = "s3"
	BackendGCS        = "gcs"
	BackendAzure      = "azure"
	BackendMemory     = "memory"
)

// minJWTSecretLen is the shortest HS256 key accepted.
const minJWTSecretLen = 32

// ErrNoAuth is returned by ValidateServe when the API would be unprotected
// without an explicit opt-in.
var ErrNoAuth = errors.New("no auth token or JWT secret configured; set one or pass --insecure-no-auth")

// Options holds all configuration options for the collector.
type Options struct {
	// APIAddr is the address the upload/download API binds to.
	APIAddr string `yaml:"apiAddr"`

	// HealthAddr is the address the health probes bind to.
	HealthAddr string `yaml:"healthAddr"`

	// MetricsAddr is the address the metrics endpoint binds to. Empty disables it.
	MetricsAddr string `yaml:"metricsAddr"`

	// ShutdownTimeout bounds graceful shutdown of all servers.
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`

	// ReadHeaderTimeout bounds how long a client may take to send headers.
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`

	// TLS serves the API over HTTPS when CertDir is set.
	TLS TLSConfig `yaml:"tls"`

	// EnableHTTP2 keeps HTTP/2 enabled on the TLS listener.
	EnableHTTP2 bool `yaml:"enableHTTP2"`

	Store   StoreOptions   `yaml:"store"`
	Auth    AuthOptions    `yaml:"auth"`
	Ingest  IngestOptions  `yaml:"ingest"`
	Archive ArchiveOptions `yaml:"archive"`
	Redis   RedisOptions   `yaml:"redis"`
	Tracing TracingOptions `yaml:"tracing"`
}

// StoreOptions selects and configures the record store.
type StoreOptions struct {
	// Backend is one of filesystem, postgres, s3, gcs, azure or memory.
	Backend string `yaml:"backend"`

	// Root is the filesystem store's base directory.
	Root string `yaml:"root"`

	// StaleUploadAge is how old an unfinished upload (a temp file, or a video
	// still waiting for its sensor half) must be before diagnostics flag it
	// and purge removes it.
	StaleUploadAge time.Duration `yaml:"staleUploadAge"`

	// PostgresConn is the Postgres connection string.
	PostgresConn string `yaml:"postgresConn"`

	// Object storage settings.
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"usePathStyle"`
	AzureAccount string `yaml:"azureAccount"`

	// AzureAccountKey and GCSCredentialsFile are normally supplied through
	// the environment rather than the config file.
	AzureAccountKey    string `yaml:"-"`
	GCSCredentialsFile string `yaml:"gcsCredentialsFile"`

	// BreakerDisabled turns off the object store circuit breaker.
	BreakerDisabled bool `yaml:"breakerDisabled"`
}

// AuthOptions configures the API authentication boundary.
type AuthOptions struct {
	Tokens         []string `yaml:"tokens"`
	JWTSecret      string   `yaml:"-"`
	JWTIssuer      string   `yaml:"jwtIssuer"`
	InsecureNoAuth bool     `yaml:"insecureNoAuth"`
}

// IngestOptions configures upload handling.
type IngestOptions struct {
	// Rate is the sustained uploads per second. Zero disables limiting.
	Rate float64 `yaml:"rate"`
	// Burst is the number of uploads accepted above Rate.
	Burst int `yaml:"burst"`
	// MaxUploadBytes caps the whole multipart request body.
	MaxUploadBytes int64 `yaml:"maxUploadBytes"`
	// MaxVideoBytes and MaxSensorBytes cap the individual parts.
	MaxVideoBytes  int64 `yaml:"maxVideoBytes"`
	MaxSensorBytes int64 `yaml:"maxSensorBytes"`
	// SensorSchema is an optional path to a JSON schema for sensor records.
	SensorSchema string `yaml:"sensorSchema"`
	// KeyRetries is how many keys an upload tries after a key conflict.
	KeyRetries int `yaml:"keyRetries"`
}

// ArchiveOptions configures archive downloads.
type ArchiveOptions struct {
	// BufferLimit caps the size of a buffered archive.
	BufferLimit int64 `yaml:"bufferLimit"`
}

// RedisOptions configures the shared key reservation. Empty Addrs keeps
// reservations in process.
type RedisOptions struct {
	Addrs     []string      `yaml:"addrs"`
	Password  string        `yaml:"-"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"keyPrefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// TracingOptions configures OpenTelemetry export.
type TracingOptions struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Protocol    string  `yaml:"protocol"`
	Environment string  `yaml:"environment"`
	SampleRate  float64 `yaml:"sampleRate"`
	Insecure    bool    `yaml:"insecure"`
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	svc := collection.DefaultConfig()
	val := record.DefaultValidatorConfig()
	obj := objectstore.DefaultConfig()
	rds := redisreserve.DefaultConfig()
	fs := fsstore.DefaultConfig("./uploads")

	return Options{
		APIAddr:           ":8080",
		HealthAddr:        ":8081",
		MetricsAddr:       ":9090",
		ShutdownTimeout:   30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		TLS: TLSConfig{
			CertName: "tls.crt",
			KeyName:  "tls.key",
		},
		Store: StoreOptions{
			Backend:        BackendFilesystem,
			Root:           fs.Root,
			StaleUploadAge: fs.StaleUploadAge,
			Prefix:         obj.Prefix,
		},
		Ingest: IngestOptions{
			Rate:           svc.IngestRate,
			Burst:          svc.IngestBurst,
			MaxUploadBytes: 600 * 1024 * 1024,
			MaxVideoBytes:  val.MaxVideoBytes,
			MaxSensorBytes: val.MaxSensorBytes,
			KeyRetries:     svc.KeyRetries,
		},
		Archive: ArchiveOptions{
			BufferLimit: svc.ArchiveBufferLimit,
		},
		Redis: RedisOptions{
			KeyPrefix: rds.KeyPrefix,
			TTL:       rds.TTL,
		},
		Tracing: TracingOptions{
			SampleRate: 1.0,
		},
	}
}

// LoadFile overlays the YAML file at path onto DefaultOptions. Unknown
// fields are rejected so a typo does not silently fall back to a default.
func LoadFile(path string) (Options, error) {
	opts := DefaultOptions()
	f, err := os.Open(path)
	if err != nil {
		return opts, fmt.Errorf("opening config file: %w", err)
	}
	defer func() { _ = f.Close() }()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&opts); err != nil {
		return opts, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return opts, nil
}

// Validate checks the options every command needs. All problems are
// reported together.
func (o *Options) Validate() error {
	var errs []error

	switch o.Store.Backend {
	case BackendFilesystem:
		if o.Store.Root == "" {
			errs = append(errs, errors.New("store.root is required for the filesystem backend"))
		}
	case BackendPostgres:
		if o.Store.PostgresConn == "" {
			errs = append(errs, errors.New("store.postgresConn is required for the postgres backend"))
		}
	case BackendS3, BackendGCS:
		if o.Store.Bucket == "" {
			errs = append(errs, fmt.Errorf("store.bucket is required for the %s backend", o.Store.Backend))
		}
	case BackendAzure:
		if o.Store.Bucket == "" {
			errs = append(errs, errors.New("store.bucket (container) is required for the azure backend"))
		}
		if o.Store.AzureAccount == "" && o.Store.Endpoint == "" {
			errs = append(errs, errors.New("store.azureAccount or store.endpoint is required for the azure backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", o.Store.Backend))
	}

	if o.Ingest.Rate < 0 {
		errs = append(errs, errors.New("ingest.rate must not be negative"))
	}
	if o.Ingest.Burst < 0 {
		errs = append(errs, errors.New("ingest.burst must not be negative"))
	}
	if o.Ingest.KeyRetries < 0 {
		errs = append(errs, errors.New("ingest.keyRetries must not be negative"))
	}
	if o.Tracing.Enabled && o.Tracing.Endpoint == "" {
		errs = append(errs, errors.New("tracing.endpoint is required when tracing is enabled"))
	}
	switch o.Tracing.Protocol {
	case "", tracing.ProtocolGRPC, tracing.ProtocolHTTP:
	default:
		errs = append(errs, fmt.Errorf("tracing.protocol %q must be grpc or http", o.Tracing.Protocol))
	}
	if o.Tracing.SampleRate < 0 || o.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("tracing.sampleRate %v is outside [0, 1]", o.Tracing.SampleRate))
	}
	if s := o.Auth.JWTSecret; s != "" && len(s) < minJWTSecretLen {
		errs = append(errs, fmt.Errorf("JWT secret must be at least %d bytes", minJWTSecretLen))
	}
	return errors.Join(errs...)
}

// ValidateServe runs Validate plus the checks that only matter when the
// HTTP API is exposed.
func (o *Options) ValidateServe() error {
	if err := o.Validate(); err != nil {
		return err
	}
	if o.APIAddr == "" {
		return errors.New("api address is required")
	}
	if !o.AuthConfigured() && !o.Auth.InsecureNoAuth {
		return ErrNoAuth
	}
	return nil
}

// AuthConfigured reports whether any credential source is set.
func (o *Options) AuthConfigured() bool {
	return len(o.Auth.Tokens) > 0 || o.Auth.JWTSecret != ""
}

// AuthConfig converts the auth options for auth.New.
func (o *Options) AuthConfig() auth.Config {
	cfg := auth.Config{
		Tokens: o.Auth.Tokens,
		Issuer: o.Auth.JWTIssuer,
	}
	if o.Auth.JWTSecret != "" {
		cfg.JWTSecret = []byte(o.Auth.JWTSecret)
	}
	return cfg
}

// ServiceConfig converts the ingest and archive options for collection.NewService.
func (o *Options) ServiceConfig() collection.Config {
	return collection.Config{
		IngestRate:         o.Ingest.Rate,
		IngestBurst:        o.Ingest.Burst,
		ArchiveBufferLimit: o.Archive.BufferLimit,
		KeyRetries:         o.Ingest.KeyRetries,
	}
}

// ValidatorConfig converts the ingest options, reading the sensor schema
// file when one is configured.
func (o *Options) ValidatorConfig() (record.ValidatorConfig, error) {
	cfg := record.DefaultValidatorConfig()
	cfg.MaxVideoBytes = o.Ingest.MaxVideoBytes
	cfg.MaxSensorBytes = o.Ingest.MaxSensorBytes
	if o.Ingest.SensorSchema != "" {
		schema, err := record.LoadSensorSchema(o.Ingest.SensorSchema)
		if err != nil {
			return cfg, err
		}
		cfg.SensorSchema = schema
	}
	return cfg, nil
}

// FilesystemConfig converts the store options for fsstore.New.
func (o *Options) FilesystemConfig() fsstore.Config {
	cfg := fsstore.DefaultConfig(filepath.Clean(o.Store.Root))
	if o.Store.StaleUploadAge > 0 {
		cfg.StaleUploadAge = o.Store.StaleUploadAge
	}
	return cfg
}

// ObjectStoreConfig converts the store options for objectstore.NewFromConfig.
func (o *Options) ObjectStoreConfig() (objectstore.Config, error) {
	cfg := objectstore.DefaultConfig()
	cfg.Backend = objectstore.BackendType(o.Store.Backend)
	cfg.Bucket = o.Store.Bucket
	cfg.Prefix = o.Store.Prefix
	cfg.Breaker.Disabled = o.Store.BreakerDisabled
	if o.Store.StaleUploadAge > 0 {
		cfg.UploadGrace = o.Store.StaleUploadAge
	}

	switch o.Store.Backend {
	case BackendS3:
		cfg.S3 = &objectstore.S3Config{
			Region:       o.Store.Region,
			Endpoint:     o.Store.Endpoint,
			UsePathStyle: o.Store.UsePathStyle,
		}
	case BackendGCS:
		gcs := &objectstore.GCSConfig{Endpoint: o.Store.Endpoint}
		if o.Store.GCSCredentialsFile != "" {
			creds, err := os.ReadFile(o.Store.GCSCredentialsFile)
			if err != nil {
				return cfg, fmt.Errorf("reading GCS credentials: %w", err)
			}
			gcs.CredentialsJSON = creds
		}
		cfg.GCS = gcs
	case BackendAzure:
		cfg.Azure = &objectstore.AzureConfig{
			AccountName: o.Store.AzureAccount,
			AccountKey:  o.Store.AzureAccountKey,
			Endpoint:    o.Store.Endpoint,
		}
	default:
		return cfg, fmt.Errorf("%s is not an object storage backend", o.Store.Backend)
	}
	return cfg, nil
}

// RedisEnabled reports whether key reservations are shared through Redis.
func (o *Options) RedisEnabled() bool {
	return len(o.Redis.Addrs) > 0
}

// RedisConfig converts the redis options for redisreserve.New.
func (o *Options) RedisConfig() redisreserve.Config {
	cfg := redisreserve.DefaultConfig()
	cfg.Addrs = o.Redis.Addrs
	cfg.Password = o.Redis.Password
	cfg.DB = o.Redis.DB
	if o.Redis.KeyPrefix != "" {
		cfg.KeyPrefix = o.Redis.KeyPrefix
	}
	if o.Redis.TTL > 0 {
		cfg.TTL = o.Redis.TTL
	}
	cfg.Tracing = o.Tracing.Enabled
	return cfg
}

// TracingConfig converts the tracing options for tracing.NewProvider.
func (o *Options) TracingConfig(serviceName, version string) tracing.Config {
	return tracing.Config{
		Enabled:        o.Tracing.Enabled,
		Endpoint:       o.Tracing.Endpoint,
		Protocol:       o.Tracing.Protocol,
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    o.Tracing.Environment,
		SampleRate:     o.Tracing.SampleRate,
		Insecure:       o.Tracing.Insecure,
	}
}

// SplitList splits a comma separated flag or env value, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// TLSConfig holds TLS-related configuration.
type TLSConfig struct {
	// CertDir is the directory containing certificates.
	CertDir string `yaml:"certDir"`

	// CertName is the certificate filename.
	CertName string `yaml:"certName"`

	// KeyName is the key filename.
	KeyName string `yaml:"keyName"`
}

// IsConfigured returns true if the TLS config has a cert directory specified.
func (t *TLSConfig) IsConfigured() bool {
	return len(t.CertDir) > 0
}

// Files returns the certificate and key paths.
func (t *TLSConfig) Files() (certFile, keyFile string) {
	return filepath.Join(t.CertDir, t.CertName), filepath.Join(t.CertDir, t.KeyName)
}

// DisableHTTP2TLSConfig returns a TLS config modifier that disables HTTP/2.
// This is recommended due to HTTP/2 vulnerabilities (CVE-2023-44487, CVE-2023-39325).
func DisableHTTP2TLSConfig() func(*tls.Config) {
	return func(c *tls.Config) {
		c.NextProtos = []string{"http/1.1"}
	}
}

// BuildTLSConfig returns the server TLS configuration, or nil when TLS is
// not configured.
func (o *Options) BuildTLSConfig() *tls.Config {
	if !o.TLS.IsConfigured() {
		return nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if !o.EnableHTTP2 {
		DisableHTTP2TLSConfig()(cfg)
	}
	return cfg
}
