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
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"

	"github.com/altairalabs/motion-collector/internal/archive"
	"github.com/altairalabs/motion-collector/internal/auth"
	"github.com/altairalabs/motion-collector/internal/collection"
	"github.com/altairalabs/motion-collector/internal/record"
	"github.com/altairalabs/motion-collector/pkg/logging"
)

var commands = []command{
	{name: "serve", usage: "serve [flags]", setup: serveCommand},
	{name: "list", usage: "list [-json] [flags]", setup: listCommand},
	{name: "export", usage: "export -o FILE [-format zip|tar.zst] [flags]", setup: exportCommand},
	{name: "get", usage: "get -o DIR [flags] KEY", setup: getCommand},
	{name: "purge", usage: "purge -yes [flags]", setup: purgeCommand},
	{name: "diagnose", usage: "diagnose [flags]", setup: diagnoseCommand},
	{name: "token", usage: "token -subject NAME [-ttl 24h] [flags]", setup: tokenCommand},
}

func lookupCommand(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	var ue *usageError
	switch {
	case err == nil, errors.Is(err, flag.ErrHelp):
		return exitOK
	case errors.As(err, &ue), errors.Is(err, record.ErrValidation):
		return exitUsage
	case errors.Is(err, record.ErrNotFound):
		return exitNotFound
	case errors.Is(err, record.ErrStream):
		return exitStream
	case errors.Is(err, record.ErrStorage), errors.Is(err, record.ErrKeySpaceExhausted):
		return exitStorage
	}
	return exitFailure
}

// withBackend opens the store for an admin command and runs fn against the
// collection service.
func withBackend(ctx context.Context, env *cliEnv, fn func(svc *collection.Service, log logr.Logger) error) error {
	log, syncLog, err := logging.NewLogger()
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer syncLog()

	b, err := openBackend(ctx, &env.opts, log, false)
	if err != nil {
		return err
	}
	defer b.Close()
	return fn(b.service, log)
}

func listCommand(fs *flag.FlagSet) commandFunc {
	asJSON := fs.Bool("json", false, "Print keys as a JSON array")
	return func(ctx context.Context, env *cliEnv) error {
		return withBackend(ctx, env, func(svc *collection.Service, _ logr.Logger) error {
			keys, err := svc.ListKeys(ctx)
			if err != nil {
				return err
			}
			if *asJSON {
				return writeJSON(env.stdout, keys)
			}
			for _, k := range keys {
				if _, err := fmt.Fprintln(env.stdout, k); err != nil {
					return err
				}
			}
			return nil
		})
	}
}

func exportCommand(fs *flag.FlagSet) commandFunc {
	out := fs.String("o", "", "Archive file to write (- for stdout)")
	formatName := fs.String("format", "", "Archive format: zip (default) or tar.zst")
	return func(ctx context.Context, env *cliEnv) error {
		if *out == "" {
			return usagef("export requires -o FILE")
		}
		format, err := archive.ParseFormat(*formatName)
		if err != nil {
			return err
		}
		return withBackend(ctx, env, func(svc *collection.Service, log logr.Logger) error {
			if *out == "-" {
				_, err := svc.FetchAllAsArchive(ctx, env.stdout, format)
				return err
			}
			result, err := exportToFile(ctx, svc, *out, format)
			if err != nil {
				return err
			}
			if len(result.Skipped) > 0 {
				log.Info("records changed during export were skipped", "skipped", result.Skipped)
			}
			_, err = fmt.Fprintf(env.stderr, "exported %d records to %s (%d bytes, %d skipped)\n",
				result.Records, *out, result.Bytes, len(result.Skipped))
			return err
		})
	}
}

// exportToFile streams the archive into a temporary file next to path and
// renames it into place only once the archive is complete.
func exportToFile(ctx context.Context, svc *collection.Service, path string, format archive.Format) (*archive.Result, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".export-*")
	if err != nil {
		return nil, &record.StreamError{Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	result, err := svc.FetchAllAsArchive(ctx, tmp, format)
	if err != nil {
		return nil, err
	}
	if err := tmp.Sync(); err != nil {
		return nil, &record.StreamError{Err: err}
	}
	if err := tmp.Close(); err != nil {
		return nil, &record.StreamError{Err: err}
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return nil, &record.StreamError{Err: err}
	}
	committed = true
	return result, nil
}

func getCommand(fs *flag.FlagSet) commandFunc {
	dir := fs.String("o", ".", "Directory to write KEY.mp4 and KEY.json into")
	return func(ctx context.Context, env *cliEnv) error {
		if len(env.args) != 1 {
			return usagef("get requires exactly one KEY")
		}
		key, err := record.ParseKey(env.args[0])
		if err != nil {
			return err
		}
		return withBackend(ctx, env, func(svc *collection.Service, _ logr.Logger) error {
			rec, err := svc.FetchOne(ctx, key)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(*dir, 0o755); err != nil {
				return err
			}
			for name, data := range map[string][]byte{
				key.VideoName():  rec.Video,
				key.SensorName(): rec.Sensor,
			} {
				if err := os.WriteFile(filepath.Join(*dir, name), data, 0o644); err != nil {
					return err
				}
			}
			_, err = fmt.Fprintf(env.stderr, "wrote %s and %s to %s\n", key.VideoName(), key.SensorName(), *dir)
			return err
		})
	}
}

func purgeCommand(fs *flag.FlagSet) commandFunc {
	yes := fs.Bool("yes", false, "Confirm deletion of every record")
	return func(ctx context.Context, env *cliEnv) error {
		if !*yes {
			return usagef("purge deletes every record; rerun with -yes to confirm")
		}
		return withBackend(ctx, env, func(svc *collection.Service, _ logr.Logger) error {
			result, err := svc.PurgeAll(ctx)
			if err != nil {
				return err
			}
			if err := writeJSON(env.stdout, result); err != nil {
				return err
			}
			if len(result.Failed) > 0 {
				return record.NewStorageError("purge", "", fmt.Errorf("%d records could not be removed", len(result.Failed)))
			}
			return nil
		})
	}
}

func diagnoseCommand(_ *flag.FlagSet) commandFunc {
	return func(ctx context.Context, env *cliEnv) error {
		return withBackend(ctx, env, func(svc *collection.Service, _ logr.Logger) error {
			report, err := svc.Diagnostics(ctx)
			if err != nil {
				return err
			}
			if err := writeJSON(env.stdout, report); err != nil {
				return err
			}
			if report.Status == collection.StatusUnavailable {
				return record.NewStorageError("diagnose", "", errors.New(report.Error))
			}
			return nil
		})
	}
}

func tokenCommand(fs *flag.FlagSet) commandFunc {
	subject := fs.String("subject", "", "Token subject, usually the device or operator name")
	ttl := fs.Duration("ttl", 24*time.Hour, "Token lifetime")
	return func(_ context.Context, env *cliEnv) error {
		if env.opts.Auth.JWTSecret == "" {
			return usagef("token requires JWT_SECRET")
		}
		if *subject == "" {
			return usagef("token requires -subject")
		}
		if *ttl <= 0 {
			return usagef("-ttl must be positive")
		}
		token, err := auth.IssueToken([]byte(env.opts.Auth.JWTSecret), env.opts.Auth.JWTIssuer, *subject, *ttl)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(env.stdout, token)
		return err
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
