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

// Package logging builds the zap-backed logr.Logger used across the collector.
//
// LOG_LEVEL selects verbosity:
//
//	debug, trace   development encoder, logr V(1) enabled
//	1..9           production encoder, logr V(n) enabled
//	warn, error    production encoder, raised threshold
//	anything else  production encoder at info
//
// LOG_FORMAT=console swaps the production JSON encoder for a console one.
package logging

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger returns a logr.Logger configured from the environment and a
// flush func to defer.
func NewLogger() (logr.Logger, func(), error) {
	z, err := NewZapLogger()
	if err != nil {
		return logr.Discard(), func() {}, err
	}
	return zapr.NewLogger(z), func() { _ = z.Sync() }, nil
}

// NewZapLogger is NewLogger without the logr wrapper, for callers that also
// bridge a standard library logger onto the same core.
func NewZapLogger() (*zap.Logger, error) {
	return newZapLogger(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
}

// ServerErrorLog routes http.Server.ErrorLog output, such as TLS handshake
// failures or clients dropping an archive stream, into z at warn level.
func ServerErrorLog(z *zap.Logger, name string) *log.Logger {
	named := z.Named(name)
	if l, err := zap.NewStdLogAt(named, zapcore.WarnLevel); err == nil {
		return l
	}
	return zap.NewStdLog(named)
}

func newZapLogger(level, format string) (*zap.Logger, error) {
	lvl, dev := parseLevel(level)
	cfg := zap.NewProductionConfig()
	if dev {
		cfg = zap.NewDevelopmentConfig()
	} else if strings.EqualFold(format, "console") {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// parseLevel maps LOG_LEVEL to a zap level. logr's V(n) logs at zap level -n,
// so a numeric value n enables V(0) through V(n).
func parseLevel(level string) (zapcore.Level, bool) {
	level = strings.ToLower(strings.TrimSpace(level))
	switch level {
	case "debug", "trace":
		return zapcore.DebugLevel, true
	case "warn", "warning":
		return zapcore.WarnLevel, false
	case "error":
		return zapcore.ErrorLevel, false
	}
	if n, err := strconv.Atoi(level); err == nil && n > 0 && n < 10 {
		return zapcore.Level(-n), false
	}
	return zapcore.InfoLevel, false
}
