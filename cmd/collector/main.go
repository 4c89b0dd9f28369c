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

// Command collector runs the motion collector API and its admin commands.
//
//	collector [serve] [flags]
//	collector list|export|purge|diagnose|get|token [flags]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/altairalabs/motion-collector/internal/config"
)

// version is set at build time.
var version = "dev"

// Exit codes.
const (
	exitOK       = 0
	exitFailure  = 1
	exitUsage    = 2
	exitNotFound = 3
	exitStorage  = 4
	exitStream   = 5
)

// flags groups all CLI flags shared by every command. Empty or zero values
// mean "not set" so the config file and DefaultOptions can supply them.
type flags struct {
	configFile  string
	apiAddr     string
	healthAddr  string
	metricsAddr string
	tlsCertDir  string

	backend      string
	root         string
	postgresConn string
	bucket       string
	prefix       string
	region       string
	endpoint     string
	azureAccount string
	usePathStyle bool

	redisAddrs string

	authTokens     string
	jwtSecret      string
	jwtIssuer      string
	insecureNoAuth bool

	ingestRate     string
	ingestBurst    string
	maxUploadBytes string
	sensorSchema   string
	bufferLimit    string

	tracingEnabled  bool
	tracingEndpoint string
	tracingProto    string
	tracingInsecure bool
}

// command is one CLI subcommand.
type command struct {
	name  string
	usage string
	// setup registers command specific flags on fs.
	setup func(fs *flag.FlagSet) commandFunc
}

// commandFunc runs a command once flags are parsed and options resolved.
type commandFunc func(ctx context.Context, env *cliEnv) error

// cliEnv carries what every command needs.
type cliEnv struct {
	opts   config.Options
	args   []string
	stdout io.Writer
	stderr io.Writer
}

// usageError marks a problem with how the command was invoked.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

func main() {
	ctx, cancel := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM,
	)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	if err != nil && !errors.Is(err, flag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	os.Exit(exitCode(err))
}

// run dispatches args to a command. The first argument names the command
// unless it is a flag, in which case serve is assumed.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	name := "serve"
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		name, args = args[0], args[1:]
	}
	cmd, ok := lookupCommand(name)
	if !ok {
		return usagef("unknown command %q", name)
	}

	fs := flag.NewFlagSet("collector "+cmd.name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	f := registerFlags(fs)
	fn := cmd.setup(fs)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: collector %s\n\n", cmd.usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return &usageError{msg: err.Error()}
	}
	f.applyEnvFallbacks()

	opts, err := f.options()
	if err != nil {
		return err
	}
	if err := opts.Validate(); err != nil {
		return &usageError{msg: err.Error()}
	}
	return fn(ctx, &cliEnv{opts: opts, args: fs.Args(), stdout: stdout, stderr: stderr})
}

func registerFlags(fs *flag.FlagSet) *flags {
	f := &flags{}
	fs.StringVar(&f.configFile, "config", "", "YAML config file")
	fs.StringVar(&f.apiAddr, "api-addr", "", "API server listen address (default :8080)")
	fs.StringVar(&f.healthAddr, "health-addr", "", "Health probe listen address (default :8081)")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "Metrics server listen address (default :9090)")
	fs.StringVar(&f.tlsCertDir, "tls-cert-dir", "", "Directory holding tls.crt and tls.key for the API server")

	fs.StringVar(&f.backend, "backend", "", "Record store backend (filesystem, postgres, s3, gcs, azure, memory)")
	fs.StringVar(&f.root, "root", "", "Filesystem store directory (default ./uploads)")
	fs.StringVar(&f.postgresConn, "postgres-conn", "", "Postgres connection string")
	fs.StringVar(&f.bucket, "bucket", "", "Object storage bucket or container")
	fs.StringVar(&f.prefix, "prefix", "", "Object key prefix (default collector/)")
	fs.StringVar(&f.region, "region", "", "Object storage region (S3)")
	fs.StringVar(&f.endpoint, "endpoint", "", "Object storage endpoint override")
	fs.StringVar(&f.azureAccount, "azure-account", "", "Azure storage account name")
	fs.BoolVar(&f.usePathStyle, "use-path-style", false, "Use path-style S3 addressing")

	fs.StringVar(&f.redisAddrs, "redis-addrs", "", "Redis addresses for shared key reservation (comma-separated)")

	fs.StringVar(&f.jwtIssuer, "jwt-issuer", "", "Required JWT issuer")
	fs.BoolVar(&f.insecureNoAuth, "insecure-no-auth", false, "Serve the API without authentication")

	fs.StringVar(&f.ingestRate, "ingest-rate", "", "Sustained uploads per second (0 disables limiting)")
	fs.StringVar(&f.ingestBurst, "ingest-burst", "", "Uploads accepted above the sustained rate")
	fs.StringVar(&f.maxUploadBytes, "max-upload-bytes", "", "Maximum upload request size in bytes")
	fs.StringVar(&f.sensorSchema, "sensor-schema", "", "JSON schema file sensor records must satisfy")
	fs.StringVar(&f.bufferLimit, "archive-buffer-limit", "", "Maximum buffered archive size in bytes")

	fs.BoolVar(&f.tracingEnabled, "tracing-enabled", false, "Export traces over OTLP")
	fs.StringVar(&f.tracingEndpoint, "tracing-endpoint", "", "OTLP collector host:port")
	fs.StringVar(&f.tracingProto, "tracing-protocol", "", "OTLP transport: grpc or http (default grpc)")
	fs.BoolVar(&f.tracingInsecure, "tracing-insecure", false, "Disable TLS for the OTLP connection")
	return f
}

// applyEnvFallbacks applies environment variable overrides to unset flags.
func (f *flags) applyEnvFallbacks() {
	envFallback(&f.configFile, "", "COLLECTOR_CONFIG")
	envFallback(&f.apiAddr, "", "API_ADDR")
	envFallback(&f.healthAddr, "", "HEALTH_ADDR")
	envFallback(&f.metricsAddr, "", "METRICS_ADDR")
	envFallback(&f.tlsCertDir, "", "TLS_CERT_DIR")

	envFallback(&f.backend, "", "STORE_BACKEND")
	envFallback(&f.root, "", "STORE_ROOT")
	envFallback(&f.postgresConn, "", "POSTGRES_CONN")
	envFallback(&f.bucket, "", "STORE_BUCKET")
	envFallback(&f.prefix, "", "STORE_PREFIX")
	envFallback(&f.region, "", "STORE_REGION")
	envFallback(&f.endpoint, "", "STORE_ENDPOINT")
	envFallback(&f.azureAccount, "", "AZURE_STORAGE_ACCOUNT")
	envBoolFallback(&f.usePathStyle, "STORE_USE_PATH_STYLE")

	envFallback(&f.redisAddrs, "", "REDIS_ADDRS")

	envFallback(&f.authTokens, "", "AUTH_TOKENS")
	envFallback(&f.jwtSecret, "", "JWT_SECRET")
	envFallback(&f.jwtIssuer, "", "JWT_ISSUER")
	envBoolFallback(&f.insecureNoAuth, "INSECURE_NO_AUTH")

	envFallback(&f.ingestRate, "", "INGEST_RATE")
	envFallback(&f.ingestBurst, "", "INGEST_BURST")
	envFallback(&f.maxUploadBytes, "", "MAX_UPLOAD_BYTES")
	envFallback(&f.sensorSchema, "", "SENSOR_SCHEMA")
	envFallback(&f.bufferLimit, "", "ARCHIVE_BUFFER_LIMIT")

	envBoolFallback(&f.tracingEnabled, "TRACING_ENABLED")
	envFallback(&f.tracingEndpoint, "", "TRACING_ENDPOINT")
	envFallback(&f.tracingProto, "", "TRACING_PROTOCOL")
	envBoolFallback(&f.tracingInsecure, "TRACING_INSECURE")
}

// envFallback sets *dst from the environment variable envKey when *dst still
// equals the default value and the environment variable is non-empty.
func envFallback(dst *string, defaultVal, envKey string) {
	if *dst == defaultVal {
		if v := os.Getenv(envKey); v != "" {
			*dst = v
		}
	}
}

// envBoolFallback enables a boolean flag from an environment variable when the
// flag is still false and the env var is "true".
func envBoolFallback(dst *bool, envKey string) {
	if !*dst && os.Getenv(envKey) == "true" {
		*dst = true
	}
}

// options resolves the effective configuration: DefaultOptions, then the
// config file, then flags and environment.
func (f *flags) options() (config.Options, error) {
	opts := config.DefaultOptions()
	if f.configFile != "" {
		loaded, err := config.LoadFile(f.configFile)
		if err != nil {
			return opts, &usageError{msg: err.Error()}
		}
		opts = loaded
	}

	setString(&opts.APIAddr, f.apiAddr)
	setString(&opts.HealthAddr, f.healthAddr)
	setString(&opts.MetricsAddr, f.metricsAddr)
	setString(&opts.TLS.CertDir, f.tlsCertDir)

	setString(&opts.Store.Backend, f.backend)
	setString(&opts.Store.Root, f.root)
	setString(&opts.Store.PostgresConn, f.postgresConn)
	setString(&opts.Store.Bucket, f.bucket)
	setString(&opts.Store.Prefix, f.prefix)
	setString(&opts.Store.Region, f.region)
	setString(&opts.Store.Endpoint, f.endpoint)
	setString(&opts.Store.AzureAccount, f.azureAccount)
	opts.Store.UsePathStyle = opts.Store.UsePathStyle || f.usePathStyle
	setString(&opts.Store.AzureAccountKey, os.Getenv("AZURE_STORAGE_KEY"))
	setString(&opts.Store.GCSCredentialsFile, os.Getenv("GCS_CREDENTIALS_FILE"))

	if f.redisAddrs != "" {
		opts.Redis.Addrs = config.SplitList(f.redisAddrs)
	}
	setString(&opts.Redis.Password, os.Getenv("REDIS_PASSWORD"))

	if f.authTokens != "" {
		opts.Auth.Tokens = config.SplitList(f.authTokens)
	}
	setString(&opts.Auth.JWTSecret, f.jwtSecret)
	setString(&opts.Auth.JWTIssuer, f.jwtIssuer)
	opts.Auth.InsecureNoAuth = opts.Auth.InsecureNoAuth || f.insecureNoAuth

	var err error
	if opts.Ingest.Rate, err = parseFloat("ingest-rate", f.ingestRate, opts.Ingest.Rate); err != nil {
		return opts, err
	}
	if opts.Ingest.Burst, err = parseInt("ingest-burst", f.ingestBurst, opts.Ingest.Burst); err != nil {
		return opts, err
	}
	if opts.Ingest.MaxUploadBytes, err = parseInt64("max-upload-bytes", f.maxUploadBytes, opts.Ingest.MaxUploadBytes); err != nil {
		return opts, err
	}
	if opts.Archive.BufferLimit, err = parseInt64("archive-buffer-limit", f.bufferLimit, opts.Archive.BufferLimit); err != nil {
		return opts, err
	}
	setString(&opts.Ingest.SensorSchema, f.sensorSchema)

	opts.Tracing.Enabled = opts.Tracing.Enabled || f.tracingEnabled
	opts.Tracing.Insecure = opts.Tracing.Insecure || f.tracingInsecure
	setString(&opts.Tracing.Endpoint, f.tracingEndpoint)
	setString(&opts.Tracing.Protocol, f.tracingProto)
	return opts, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func parseFloat(name, v string, def float64) (float64, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, usagef("invalid --%s %q", name, v)
	}
	return n, nil
}

func parseInt(name, v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, usagef("invalid --%s %q", name, v)
	}
	return n, nil
}

func parseInt64(name, v string, def int64) (int64, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def, usagef("invalid --%s %q", name, v)
	}
	return n, nil
}

// envInt32 reads an environment variable as int32, returning def on missing/invalid values.
func envInt32(key string, def int32) int32 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		return def
	}
	return int32(n)
}

// envDuration reads an environment variable as a time.Duration, returning def on missing/invalid.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
