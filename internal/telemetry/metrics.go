package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/devicelog"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Ingestion metrics
	EntriesEnqueuedTotal  metric.Int64Counter
	EntriesPersistedTotal metric.Int64Counter
	EntriesDroppedTotal   metric.Int64Counter
	QueueDepth            metric.Int64UpDownCounter

	// Storage metrics
	FlushesTotal             metric.Int64Counter
	FlushErrorsTotal         metric.Int64Counter
	StorageInitFailuresTotal metric.Int64Counter

	// Upload metrics
	UploadTasksStartedTotal  metric.Int64Counter
	UploadTasksFinishedTotal metric.Int64Counter
	UploadRecordsTotal       metric.Int64Counter
	UploadFilesTotal         metric.Int64Counter
	UploadBytesTotal         metric.Int64Counter
	UploadDuration           metric.Float64Histogram
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	// Ingestion metrics
	m.EntriesEnqueuedTotal, _ = meter.Int64Counter(
		"devicelog.entries.enqueued.total",
		metric.WithDescription("Total number of log entries accepted into the ingestion queue"),
		metric.WithUnit("{entry}"),
	)

	m.EntriesPersistedTotal, _ = meter.Int64Counter(
		"devicelog.entries.persisted.total",
		metric.WithDescription("Total number of log entries appended to storage"),
		metric.WithUnit("{entry}"),
	)

	m.EntriesDroppedTotal, _ = meter.Int64Counter(
		"devicelog.entries.dropped.total",
		metric.WithDescription("Total number of log entries dropped due to storage errors or low disk space"),
		metric.WithUnit("{entry}"),
	)

	m.QueueDepth, _ = meter.Int64UpDownCounter(
		"devicelog.queue.depth",
		metric.WithDescription("Number of actions waiting for the storage worker"),
		metric.WithUnit("{action}"),
	)

	// Storage metrics
	m.FlushesTotal, _ = meter.Int64Counter(
		"devicelog.storage.flushes.total",
		metric.WithDescription("Total number of storage flushes"),
		metric.WithUnit("{flush}"),
	)

	m.FlushErrorsTotal, _ = meter.Int64Counter(
		"devicelog.storage.flush_errors.total",
		metric.WithDescription("Total number of failed storage flushes"),
		metric.WithUnit("{error}"),
	)

	m.StorageInitFailuresTotal, _ = meter.Int64Counter(
		"devicelog.storage.init_failures.total",
		metric.WithDescription("Total number of failed storage initialisation attempts"),
		metric.WithUnit("{attempt}"),
	)

	// Upload metrics
	m.UploadTasksStartedTotal, _ = meter.Int64Counter(
		"devicelog.upload.tasks.started.total",
		metric.WithDescription("Total number of upload tasks started"),
		metric.WithUnit("{task}"),
	)

	m.UploadTasksFinishedTotal, _ = meter.Int64Counter(
		"devicelog.upload.tasks.finished.total",
		metric.WithDescription("Total number of upload tasks finished, by status"),
		metric.WithUnit("{task}"),
	)

	m.UploadRecordsTotal, _ = meter.Int64Counter(
		"devicelog.upload.records.total",
		metric.WithDescription("Total number of records sent in inline batches"),
		metric.WithUnit("{record}"),
	)

	m.UploadFilesTotal, _ = meter.Int64Counter(
		"devicelog.upload.files.total",
		metric.WithDescription("Total number of log files uploaded"),
		metric.WithUnit("{file}"),
	)

	m.UploadBytesTotal, _ = meter.Int64Counter(
		"devicelog.upload.bytes.total",
		metric.WithDescription("Total number of log file bytes uploaded"),
		metric.WithUnit("By"),
	)

	m.UploadDuration, _ = meter.Float64Histogram(
		"devicelog.upload.duration",
		metric.WithDescription("Duration of upload tasks"),
		metric.WithUnit("ms"),
	)

	return m
}
