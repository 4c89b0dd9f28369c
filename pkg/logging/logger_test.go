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

package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantDev bool
	}{
		{in: "", want: zapcore.InfoLevel},
		{in: "info", want: zapcore.InfoLevel},
		{in: "Debug", want: zapcore.DebugLevel, wantDev: true},
		{in: " trace ", want: zapcore.DebugLevel, wantDev: true},
		{in: "warning", want: zapcore.WarnLevel},
		{in: "error", want: zapcore.ErrorLevel},
		{in: "2", want: zapcore.Level(-2)},
		{in: "0", want: zapcore.InfoLevel},
		{in: "42", want: zapcore.InfoLevel},
		{in: "verbose", want: zapcore.InfoLevel},
	}
	for _, tt := range tests {
		got, dev := parseLevel(tt.in)
		if got != tt.want || dev != tt.wantDev {
			t.Errorf("parseLevel(%q) = (%v, %v), want (%v, %v)", tt.in, got, dev, tt.want, tt.wantDev)
		}
	}
}

func TestNewZapLogger_Thresholds(t *testing.T) {
	tests := []struct {
		level    string
		enabled  zapcore.Level
		disabled zapcore.Level
	}{
		{level: "", enabled: zapcore.InfoLevel, disabled: zapcore.DebugLevel},
		{level: "warn", enabled: zapcore.WarnLevel, disabled: zapcore.InfoLevel},
		{level: "error", enabled: zapcore.ErrorLevel, disabled: zapcore.WarnLevel},
		{level: "1", enabled: zapcore.DebugLevel, disabled: zapcore.Level(-2)},
	}
	for _, tt := range tests {
		z, err := newZapLogger(tt.level, "")
		if err != nil {
			t.Fatalf("newZapLogger(%q): %v", tt.level, err)
		}
		if !z.Core().Enabled(tt.enabled) {
			t.Errorf("LOG_LEVEL=%q: %v should be enabled", tt.level, tt.enabled)
		}
		if z.Core().Enabled(tt.disabled) {
			t.Errorf("LOG_LEVEL=%q: %v should be disabled", tt.level, tt.disabled)
		}
	}
}

func TestNewZapLogger_ConsoleFormat(t *testing.T) {
	if _, err := newZapLogger("warn", "CONSOLE"); err != nil {
		t.Fatalf("console format: %v", err)
	}
}

func TestNewLogger_Verbosity(t *testing.T) {
	t.Setenv("LOG_LEVEL", "2")
	t.Setenv("LOG_FORMAT", "")

	log, flush, err := NewLogger()
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer flush()

	if !log.V(2).Enabled() {
		t.Error("LOG_LEVEL=2 should enable V(2)")
	}
	if log.V(3).Enabled() {
		t.Error("LOG_LEVEL=2 should not enable V(3)")
	}
}

func TestNewLogger_DefaultHidesDebug(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log, flush, err := NewLogger()
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer flush()
	if log.V(1).Enabled() {
		t.Error("default logger should hide V(1)")
	}
}

func TestServerErrorLog(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	std := ServerErrorLog(zap.New(core), "api-server")

	std.Printf("http: TLS handshake error from %s: EOF", "10.0.0.1:4431")

	if logs.Len() != 1 {
		t.Fatalf("got %d entries, want 1", logs.Len())
	}
	e := logs.All()[0]
	if e.Level != zapcore.WarnLevel || e.LoggerName != "api-server" {
		t.Errorf("got level %v logger %q", e.Level, e.LoggerName)
	}
}
