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

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Operation results used as label values.
const (
	ResultSuccess     = "success"
	ResultInvalid     = "invalid"
	ResultNotFound    = "not_found"
	ResultConflict    = "conflict"
	ResultRateLimited = "rate_limited"
	ResultError       = "error"
)

// CollectionMetrics holds Prometheus metrics for record collection.
type CollectionMetrics struct {
	// OperationsTotal counts service operations by operation and result.
	OperationsTotal *prometheus.CounterVec
	// OperationDuration tracks operation latency in seconds.
	OperationDuration *prometheus.HistogramVec
	// IngestBytesTotal counts accepted upload bytes by part (video, sensor).
	IngestBytesTotal *prometheus.CounterVec
	// ArchiveRecordsTotal counts records written into archives by format.
	ArchiveRecordsTotal *prometheus.CounterVec
	// ArchiveSkippedTotal counts records skipped because they vanished mid-archive.
	ArchiveSkippedTotal *prometheus.CounterVec
	// ArchiveBytesTotal counts archive bytes sent by format.
	ArchiveBytesTotal *prometheus.CounterVec
	// PurgedRecordsTotal counts records removed by purges.
	PurgedRecordsTotal prometheus.Counter
	// StoredRecords is the record count seen by the last diagnostics run.
	StoredRecords prometheus.Gauge
	// OrphanBlobs is the orphan count by missing part seen by the last diagnostics run.
	OrphanBlobs *prometheus.GaugeVec
}

// NewCollectionMetrics creates and registers collection metrics with the
// default registry.
func NewCollectionMetrics() *CollectionMetrics {
	return NewCollectionMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewCollectionMetricsWithRegistry creates collection metrics registered
// with reg. Tests pass a fresh prometheus.NewRegistry().
func NewCollectionMetricsWithRegistry(reg prometheus.Registerer) *CollectionMetrics {
	factory := promauto.With(reg)
	return &CollectionMetrics{
		OperationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "motion_collector_operations_total",
			Help: "Total collection operations by operation and result",
		}, []string{"operation", "result"}),

		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "motion_collector_operation_duration_seconds",
			Help:    "Collection operation duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		}, []string{"operation"}),

		IngestBytesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "motion_collector_ingest_bytes_total",
			Help: "Total bytes accepted by ingestion, by record part",
		}, []string{"part"}),

		ArchiveRecordsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "motion_collector_archive_records_total",
			Help: "Total records written into archives, by format",
		}, []string{"format"}),

		ArchiveSkippedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "motion_collector_archive_skipped_total",
			Help: "Total records skipped while archiving because they were missing, by format",
		}, []string{"format"}),

		ArchiveBytesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "motion_collector_archive_bytes_total",
			Help: "Total archive bytes written, by format",
		}, []string{"format"}),

		PurgedRecordsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "motion_collector_purged_records_total",
			Help: "Total records removed by purge",
		}),

		StoredRecords: factory.NewGauge(prometheus.GaugeOpts{
			Name: "motion_collector_stored_records",
			Help: "Complete records in the store at the last diagnostics run",
		}),

		OrphanBlobs: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "motion_collector_orphan_blobs",
			Help: "Blobs without their counterpart at the last diagnostics run, by missing part",
		}, []string{"missing"}),
	}
}

// Initialize pre-registers label combinations so they appear in /metrics at startup.
func (m *CollectionMetrics) Initialize() {
	for _, part := range []string{"video", "sensor"} {
		m.IngestBytesTotal.WithLabelValues(part).Add(0)
		m.OrphanBlobs.WithLabelValues(part).Set(0)
	}
	for _, result := range []string{ResultSuccess, ResultInvalid, ResultConflict, ResultRateLimited, ResultError} {
		m.OperationsTotal.WithLabelValues("ingest", result).Add(0)
	}
	m.StoredRecords.Set(0)
}

// RecordOperation counts one operation and observes its duration. A nil
// receiver is a no-op so callers may run without metrics.
func (m *CollectionMetrics) RecordOperation(op, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(op, result).Inc()
	m.OperationDuration.WithLabelValues(op).Observe(d.Seconds())
}

// RecordIngestBytes adds the sizes of an accepted upload.
func (m *CollectionMetrics) RecordIngestBytes(video, sensor int) {
	if m == nil {
		return
	}
	m.IngestBytesTotal.WithLabelValues("video").Add(float64(video))
	m.IngestBytesTotal.WithLabelValues("sensor").Add(float64(sensor))
}

// RecordArchive adds the totals of one archive.
func (m *CollectionMetrics) RecordArchive(format string, records, skipped int, bytes int64) {
	if m == nil {
		return
	}
	m.ArchiveRecordsTotal.WithLabelValues(format).Add(float64(records))
	m.ArchiveSkippedTotal.WithLabelValues(format).Add(float64(skipped))
	m.ArchiveBytesTotal.WithLabelValues(format).Add(float64(bytes))
}

// RecordPurge adds the number of removed records.
func (m *CollectionMetrics) RecordPurge(removed int) {
	if m == nil {
		return
	}
	m.PurgedRecordsTotal.Add(float64(removed))
}

// SetInventory publishes the latest store inventory.
func (m *CollectionMetrics) SetInventory(records, orphanVideos, orphanSensors int) {
	if m == nil {
		return
	}
	m.StoredRecords.Set(float64(records))
	// An orphan video is missing its sensor half and vice versa.
	m.OrphanBlobs.WithLabelValues("sensor").Set(float64(orphanVideos))
	m.OrphanBlobs.WithLabelValues("video").Set(float64(orphanSensors))
}
