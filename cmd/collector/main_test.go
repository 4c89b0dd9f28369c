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
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/klauspost/compress/zip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altairalabs/motion-collector/internal/auth"
	"github.com/altairalabs/motion-collector/internal/config"
	"github.com/altairalabs/motion-collector/internal/record"
	"github.com/altairalabs/motion-collector/internal/record/fsstore"
	"github.com/altairalabs/motion-collector/internal/record/storetest"
)

// clearEnv blanks every variable the CLI reads so the host environment
// cannot leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"COLLECTOR_CONFIG", "API_ADDR", "HEALTH_ADDR", "METRICS_ADDR", "TLS_CERT_DIR",
		"STORE_BACKEND", "STORE_ROOT", "POSTGRES_CONN", "STORE_BUCKET", "STORE_PREFIX",
		"STORE_REGION", "STORE_ENDPOINT", "AZURE_STORAGE_ACCOUNT", "STORE_USE_PATH_STYLE",
		"REDIS_ADDRS", "AUTH_TOKENS", "JWT_SECRET", "JWT_ISSUER", "INSECURE_NO_AUTH",
		"INGEST_RATE", "INGEST_BURST", "MAX_UPLOAD_BYTES", "SENSOR_SCHEMA", "ARCHIVE_BUFFER_LIMIT",
		"TRACING_ENABLED", "TRACING_ENDPOINT", "TRACING_PROTOCOL", "TRACING_INSECURE",
		"AZURE_STORAGE_KEY", "GCS_CREDENTIALS_FILE", "REDIS_PASSWORD",
	} {
		t.Setenv(k, "")
	}
	t.Setenv("LOG_LEVEL", "error")
}

// seedStore writes n records into a filesystem store rooted at dir.
func seedStore(t *testing.T, dir string, n int) []record.Key {
	t.Helper()
	s, err := fsstore.New(fsstore.DefaultConfig(dir), logr.Discard())
	require.NoError(t, err)
	keys := storetest.Keys(n)
	for i, k := range keys {
		require.NoError(t, s.Put(context.Background(), k, storetest.Video(512, byte(i)), storetest.Sensor(i)))
	}
	return keys
}

func runCLI(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	var out, errOut bytes.Buffer
	err = run(context.Background(), args, &out, &errOut)
	return out.String(), errOut.String(), err
}

func TestEnvFallback(t *testing.T) {
	tests := []struct {
		name       string
		initial    string
		defaultVal string
		envVal     string
		want       string
	}{
		{"uses env when at default", "", "", "from-env", "from-env"},
		{"keeps flag when set", "from-flag", "", "from-env", "from-flag"},
		{"keeps default when env empty", "", "", "", ""},
		{"non-empty default", ":8080", ":8080", ":9000", ":9000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := "TEST_ENV_FALLBACK"
			t.Setenv(key, tt.envVal)
			got := tt.initial
			envFallback(&got, tt.defaultVal, key)
			if got != tt.want {
				t.Errorf("envFallback() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEnvBoolFallback(t *testing.T) {
	tests := []struct {
		name    string
		initial bool
		envVal  string
		want    bool
	}{
		{"env true enables", false, "true", true},
		{"env other value ignored", false, "yes", false},
		{"flag already set", true, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := "TEST_ENV_BOOL_FALLBACK"
			t.Setenv(key, tt.envVal)
			got := tt.initial
			envBoolFallback(&got, key)
			if got != tt.want {
				t.Errorf("envBoolFallback() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitOK},
		{"help", flag.ErrHelp, exitOK},
		{"usage", usagef("bad"), exitUsage},
		{"validation", record.NewValidationError("key", "malformed record key"), exitUsage},
		{"not found", fmt.Errorf("get: %w", record.ErrNotFound), exitNotFound},
		{"orphan", &record.OrphanError{Key: "k", Missing: record.PartSensor}, exitNotFound},
		{"storage", record.NewStorageError("list", "", errors.New("disk gone")), exitStorage},
		{"key space", record.ErrKeySpaceExhausted, exitStorage},
		{"stream", &record.StreamError{Err: io.ErrShortWrite}, exitStream},
		{"other", errors.New("boom"), exitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestRun_UnknownCommand(t *testing.T) {
	clearEnv(t)
	_, _, err := runCLI(t, "frobnicate")
	require.Error(t, err)
	assert.Equal(t, exitUsage, exitCode(err))
}

func TestRun_BadFlag(t *testing.T) {
	clearEnv(t)
	_, _, err := runCLI(t, "list", "-no-such-flag")
	assert.Equal(t, exitUsage, exitCode(err))

	_, _, err = runCLI(t, "list", "-ingest-rate", "fast")
	assert.Equal(t, exitUsage, exitCode(err))
}

func TestRun_InvalidConfig(t *testing.T) {
	clearEnv(t)
	_, _, err := runCLI(t, "list", "-backend", "floppy")
	require.Error(t, err)
	assert.Equal(t, exitUsage, exitCode(err))
	assert.Contains(t, err.Error(), "floppy")
}

func TestRun_ServeRefusesWithoutAuth(t *testing.T) {
	clearEnv(t)
	_, _, err := runCLI(t, "-backend", "memory")
	require.Error(t, err)
	assert.ErrorContains(t, err, "insecure-no-auth")
	assert.Equal(t, exitUsage, exitCode(err))
}

func TestFlagsOptions(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("AUTH_TOKENS", "a, b")
	t.Setenv("INGEST_RATE", "2.5")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	f := registerFlags(fs)
	require.NoError(t, fs.Parse([]string{"-api-addr", ":7000", "-ingest-burst", "7"}))
	f.applyEnvFallbacks()

	opts, err := f.options()
	require.NoError(t, err)
	assert.Equal(t, ":7000", opts.APIAddr)
	assert.Equal(t, ":8081", opts.HealthAddr)
	assert.Equal(t, config.BackendMemory, opts.Store.Backend)
	assert.Equal(t, []string{"a", "b"}, opts.Auth.Tokens)
	assert.Equal(t, 2.5, opts.Ingest.Rate)
	assert.Equal(t, 7, opts.Ingest.Burst)
}

func TestFlagsOptions_FlagBeatsEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORE_BACKEND", "postgres")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	f := registerFlags(fs)
	require.NoError(t, fs.Parse([]string{"-backend", "memory"}))
	f.applyEnvFallbacks()

	opts, err := f.options()
	require.NoError(t, err)
	assert.Equal(t, config.BackendMemory, opts.Store.Backend)
}

func TestFlagsOptions_ConfigFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "collector.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  backend: memory\ningest:\n  burst: 3\n"), 0o600))

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	f := registerFlags(fs)
	require.NoError(t, fs.Parse([]string{"-config", path, "-ingest-burst", "9"}))
	f.applyEnvFallbacks()

	opts, err := f.options()
	require.NoError(t, err)
	assert.Equal(t, config.BackendMemory, opts.Store.Backend)
	assert.Equal(t, 9, opts.Ingest.Burst, "flags override the file")

	f.configFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = f.options()
	assert.Equal(t, exitUsage, exitCode(err))
}

func TestListCommand(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	keys := seedStore(t, dir, 3)

	out, _, err := runCLI(t, "list", "-root", dir)
	require.NoError(t, err)
	lines := strings.Fields(out)
	require.Len(t, lines, 3)
	for i, k := range keys {
		assert.Equal(t, k.String(), lines[i])
	}

	out, _, err = runCLI(t, "list", "-root", dir, "-json")
	require.NoError(t, err)
	assert.Contains(t, out, `"`+keys[0].String()+`"`)
}

func TestListCommand_Empty(t *testing.T) {
	clearEnv(t)
	out, _, err := runCLI(t, "list", "-root", t.TempDir(), "-json")
	require.NoError(t, err)
	assert.Equal(t, "[]", strings.TrimSpace(out))
}

func TestGetCommand(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	keys := seedStore(t, dir, 2)
	outDir := filepath.Join(t.TempDir(), "out")

	_, _, err := runCLI(t, "get", "-root", dir, "-o", outDir, keys[1].String())
	require.NoError(t, err)

	video, err := os.ReadFile(filepath.Join(outDir, keys[1].VideoName()))
	require.NoError(t, err)
	assert.Equal(t, storetest.Video(512, 1), video)
	sensor, err := os.ReadFile(filepath.Join(outDir, keys[1].SensorName()))
	require.NoError(t, err)
	assert.Equal(t, storetest.Sensor(1), sensor)
}

func TestGetCommand_Errors(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	seedStore(t, dir, 1)

	_, _, err := runCLI(t, "get", "-root", dir)
	assert.Equal(t, exitUsage, exitCode(err), "missing key argument")

	_, _, err = runCLI(t, "get", "-root", dir, "../etc/passwd")
	assert.Equal(t, exitUsage, exitCode(err), "malformed key")

	_, _, err = runCLI(t, "get", "-root", dir, "-o", t.TempDir(), "2001-01-01_00-00-00.000000")
	assert.Equal(t, exitNotFound, exitCode(err))
}

func TestExportCommand(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	keys := seedStore(t, dir, 2)
	out := filepath.Join(t.TempDir(), "all.zip")

	_, stderr, err := runCLI(t, "export", "-root", dir, "-o", out)
	require.NoError(t, err)
	assert.Contains(t, stderr, "exported 2 records")

	zr, err := zip.OpenReader(out)
	require.NoError(t, err)
	defer func() { _ = zr.Close() }()

	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{
		keys[0].String() + "/" + keys[0].VideoName(),
		keys[0].String() + "/" + keys[0].SensorName(),
		keys[1].String() + "/" + keys[1].VideoName(),
		keys[1].String() + "/" + keys[1].SensorName(),
	}, names)

	leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(out), ".export-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestExportCommand_Errors(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	_, _, err := runCLI(t, "export", "-root", dir)
	assert.Equal(t, exitUsage, exitCode(err), "missing -o")

	_, _, err = runCLI(t, "export", "-root", dir, "-o", filepath.Join(t.TempDir(), "x"), "-format", "rar")
	assert.Equal(t, exitUsage, exitCode(err), "unknown format")

	_, _, err = runCLI(t, "export", "-root", dir, "-o", filepath.Join(t.TempDir(), "missing", "all.zip"))
	assert.Equal(t, exitStream, exitCode(err), "unwritable destination")
}

func TestExportCommand_Stdout(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	seedStore(t, dir, 1)

	out, _, err := runCLI(t, "export", "-root", dir, "-o", "-", "-format", "tar.zst")
	require.NoError(t, err)
	// zstd frame magic number.
	require.GreaterOrEqual(t, len(out), 4)
	assert.Equal(t, []byte{0x28, 0xb5, 0x2f, 0xfd}, []byte(out[:4]))
}

func TestPurgeCommand(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	seedStore(t, dir, 3)

	_, _, err := runCLI(t, "purge", "-root", dir)
	assert.Equal(t, exitUsage, exitCode(err), "purge needs confirmation")

	out, _, err := runCLI(t, "purge", "-root", dir, "-yes")
	require.NoError(t, err)
	assert.Contains(t, out, `"removed": 3`)

	out, _, err = runCLI(t, "list", "-root", dir)
	require.NoError(t, err)
	assert.Empty(t, strings.TrimSpace(out))
}

func TestDiagnoseCommand(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	seedStore(t, dir, 2)
	// A lone video is an orphan.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "videos", "2001-01-01_00-00-00.000000.mp4"), storetest.Video(64, 9), 0o644))

	out, _, err := runCLI(t, "diagnose", "-root", dir)
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "degraded"`)
	assert.Contains(t, out, `"records": 2`)
}

func TestTokenCommand(t *testing.T) {
	clearEnv(t)
	secret := strings.Repeat("s", 32)

	_, _, err := runCLI(t, "token", "-subject", "phone-1")
	assert.Equal(t, exitUsage, exitCode(err), "no secret")

	// Secrets are never accepted on the command line.
	_, _, err = runCLI(t, "token", "-jwt-secret", secret, "-subject", "phone-1")
	assert.Equal(t, exitUsage, exitCode(err), "secret flag")

	t.Setenv("JWT_SECRET", secret)
	out, _, err := runCLI(t, "token", "-backend", "memory", "-jwt-issuer", "fleet", "-subject", "phone-1", "-ttl", "1h")
	require.NoError(t, err)

	a, err := auth.New(auth.Config{JWTSecret: []byte(secret), Issuer: "fleet"})
	require.NoError(t, err)
	p, err := a.Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "phone-1", p.Subject)
}

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

func TestNewHealthServer(t *testing.T) {
	tests := []struct {
		name       string
		checks     []readinessCheck
		path       string
		wantStatus int
		wantBody   string
	}{
		{"healthz", nil, "/healthz", http.StatusOK, "ok"},
		{"ready", []readinessCheck{{"store", stubPinger{}}}, "/readyz", http.StatusOK, "ok"},
		{
			"store down",
			[]readinessCheck{{"store", stubPinger{}}, {"redis", stubPinger{err: errors.New("refused")}}},
			"/readyz", http.StatusServiceUnavailable, "redis unavailable",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newHealthServer(":0", tt.checks...)
			rec := httptest.NewRecorder()
			srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantBody, rec.Body.String())
		})
	}
}

func TestNewMetricsServer(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "collector_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	srv := newMetricsServer(":0", reg)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "collector_test_total 1")
}

func TestOpenStore_Memory(t *testing.T) {
	opts := config.DefaultOptions()
	opts.Store.Backend = config.BackendMemory
	s, err := openStore(context.Background(), &opts, logr.Discard())
	require.NoError(t, err)
	assert.IsType(t, &record.MemoryStore{}, s)
}

func TestOpenBackend_BadSchema(t *testing.T) {
	opts := config.DefaultOptions()
	opts.Store.Backend = config.BackendMemory
	opts.Ingest.SensorSchema = filepath.Join(t.TempDir(), "missing.json")
	_, err := openBackend(context.Background(), &opts, logr.Discard(), false)
	assert.Equal(t, exitUsage, exitCode(err))
}
