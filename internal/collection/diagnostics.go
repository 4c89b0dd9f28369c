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

package collection

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/altairalabs/motion-collector/internal/record"
	"github.com/altairalabs/motion-collector/internal/tracing"
)

// Status summarises store health.
type Status string

const (
	// StatusOK means the store is reachable and consistent.
	StatusOK Status = "ok"
	// StatusDegraded means the store is usable but has orphans, stale
	// uploads or unwritable areas.
	StatusDegraded Status = "degraded"
	// StatusUnavailable means the store could not be reached or inspected.
	StatusUnavailable Status = "unavailable"
)

// Report is the result of a diagnostics run.
type Report struct {
	Status    Status            `json:"status"`
	CheckedAt time.Time         `json:"checkedAt"`
	Backend   string            `json:"backend,omitempty"`
	Error     string            `json:"error,omitempty"`
	Problems  []string          `json:"problems,omitempty"`
	Inventory *record.Inventory `json:"inventory,omitempty"`
}

// Diagnostics inspects the store without modifying it. An unreachable store
// is reported through Report.Status rather than the error return.
func (s *Service) Diagnostics(ctx context.Context) (report *Report, err error) {
	ctx, finish := s.begin(ctx, OpDiagnostics)
	defer func() { finish(err) }()

	report = &Report{Status: StatusOK, CheckedAt: time.Now().UTC()}
	if pingErr := s.store.Ping(ctx); pingErr != nil {
		report.Status = StatusUnavailable
		report.Error = pingErr.Error()
		s.logger(ctx).Info("store unreachable", "error", pingErr.Error())
		return report, nil
	}

	inv, inspectErr := s.store.Inspect(ctx)
	if inspectErr != nil {
		report.Status = StatusUnavailable
		report.Error = inspectErr.Error()
		s.logger(ctx).Info("store inspection failed", "error", inspectErr.Error())
		return report, nil
	}
	report.Backend = inv.Backend
	report.Inventory = inv
	trace.SpanFromContext(ctx).SetAttributes(tracing.AttrStoreBackend.String(inv.Backend))
	report.Problems = problemsIn(inv)
	if len(report.Problems) > 0 {
		report.Status = StatusDegraded
	}
	s.metrics.SetInventory(inv.Records, len(inv.OrphanVideos), len(inv.OrphanSensors))
	return report, nil
}

func problemsIn(inv *record.Inventory) []string {
	var problems []string
	if n := len(inv.OrphanVideos); n > 0 {
		problems = append(problems, fmt.Sprintf("%d video blob(s) without sensor data", n))
	}
	if n := len(inv.OrphanSensors); n > 0 {
		problems = append(problems, fmt.Sprintf("%d sensor blob(s) without video", n))
	}
	if inv.StaleUploads > 0 {
		problems = append(problems, fmt.Sprintf("%d stale partial upload(s)", inv.StaleUploads))
	}
	for _, a := range inv.Areas {
		if !a.Writable {
			problems = append(problems, fmt.Sprintf("area %s (%s) is not writable", a.Name, a.Location))
		}
	}
	return problems
}
