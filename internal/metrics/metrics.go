// Package metrics exposes Prometheus collectors for backups, restores and
// deduplication
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "memvault"

// Recorder receives operation outcomes. Managers accept a Recorder so tests
// and one-shot CLI runs can pass Nop.
type Recorder interface {
	ObserveBackup(backupType, status string, duration time.Duration, sizeBytes int64)
	ObserveBackendOperation(backend, operation string, duration time.Duration, err error)
	ObserveRestore(status string, duration time.Duration)
	ObserveValidation(backend string, valid, driftWarning bool)
	ObserveDedup(operation, status string, groups int, tokenSavings int64)
	ObserveRetention(deleted int)
	ObserveUndo(operationType, result string)
	ObserveScheduledJob(job, result string)
}

// Nop discards every observation
type Nop struct{}

func (Nop) ObserveBackup(string, string, time.Duration, int64)           {}
func (Nop) ObserveBackendOperation(string, string, time.Duration, error) {}
func (Nop) ObserveRestore(string, time.Duration)                         {}
func (Nop) ObserveValidation(string, bool, bool)                         {}
func (Nop) ObserveDedup(string, string, int, int64)                      {}
func (Nop) ObserveRetention(int)                                         {}
func (Nop) ObserveUndo(string, string)                                   {}
func (Nop) ObserveScheduledJob(string, string)                           {}

// Collectors is the Prometheus Recorder
type Collectors struct {
	registry *prometheus.Registry

	backupDuration     *prometheus.HistogramVec
	backupOperations   *prometheus.CounterVec
	lastBackupSize     *prometheus.GaugeVec
	lastBackupTime     *prometheus.GaugeVec
	backendDuration    *prometheus.HistogramVec
	backendFailures    *prometheus.CounterVec
	restoreDuration    *prometheus.HistogramVec
	restoreOperations  *prometheus.CounterVec
	validationResults  *prometheus.CounterVec
	dedupOperations    *prometheus.CounterVec
	dedupGroups        prometheus.Gauge
	dedupTokenSavings  prometheus.Counter
	retentionDeletions prometheus.Counter
	undoOperations     *prometheus.CounterVec
	scheduledJobs      *prometheus.CounterVec
}

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors
func New() *Collectors {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	buckets := []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300, 900}

	return &Collectors{
		registry: reg,
		backupDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backup_duration_seconds",
			Help:      "Time to create a backup across all requested backends",
			Buckets:   buckets,
		}, []string{"type", "status"}),
		backupOperations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backup_operations_total",
			Help:      "Backups by type and final status",
		}, []string{"type", "status"}),
		lastBackupSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_backup_size_bytes",
			Help:      "Total stored size of the most recent backup",
		}, []string{"type"}),
		lastBackupTime: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_backup_timestamp_seconds",
			Help:      "Unix time of the most recent backup",
		}, []string{"type", "status"}),
		backendDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_operation_duration_seconds",
			Help:      "Duration of snapshot and restore calls per backend",
			Buckets:   buckets,
		}, []string{"backend", "operation"}),
		backendFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_operation_failures_total",
			Help:      "Failed snapshot and restore calls per backend",
		}, []string{"backend", "operation"}),
		restoreDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "restore_duration_seconds",
			Help:      "Time to restore, validate and, when needed, roll back",
			Buckets:   buckets,
		}, []string{"status"}),
		restoreOperations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restore_operations_total",
			Help:      "Restores by final status",
		}, []string{"status"}),
		validationResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restore_validations_total",
			Help:      "Post-restore validation outcomes per backend",
		}, []string{"backend", "result"}),
		dedupOperations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_operations_total",
			Help:      "Deduplication operations by kind and status",
		}, []string{"operation", "status"}),
		dedupGroups: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dedup_last_groups",
			Help:      "Duplicate groups found by the most recent dry run",
		}),
		dedupTokenSavings: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_token_savings_total",
			Help:      "Estimated tokens saved by executed deduplications",
		}),
		retentionDeletions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_deleted_backups_total",
			Help:      "Backups removed by the retention sweep",
		}),
		undoOperations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "undo_operations_total",
			Help:      "Undo attempts by operation type and result",
		}, []string{"operation_type", "result"}),
		scheduledJobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduled_jobs_total",
			Help:      "Scheduler job runs by job and result",
		}, []string{"job", "result"}),
	}
}

// Registry returns the registry the collectors live in
func (c *Collectors) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collectors) ObserveBackup(backupType, status string, duration time.Duration, sizeBytes int64) {
	c.backupDuration.WithLabelValues(backupType, status).Observe(duration.Seconds())
	c.backupOperations.WithLabelValues(backupType, status).Inc()
	c.lastBackupSize.WithLabelValues(backupType).Set(float64(sizeBytes))
	c.lastBackupTime.WithLabelValues(backupType, status).SetToCurrentTime()
}

func (c *Collectors) ObserveBackendOperation(backend, operation string, duration time.Duration, err error) {
	c.backendDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	if err != nil {
		c.backendFailures.WithLabelValues(backend, operation).Inc()
	}
}

func (c *Collectors) ObserveRestore(status string, duration time.Duration) {
	c.restoreDuration.WithLabelValues(status).Observe(duration.Seconds())
	c.restoreOperations.WithLabelValues(status).Inc()
}

func (c *Collectors) ObserveValidation(backend string, valid, driftWarning bool) {
	result := "valid"
	switch {
	case !valid:
		result = "invalid"
	case driftWarning:
		result = "count_drift"
	}
	c.validationResults.WithLabelValues(backend, result).Inc()
}

func (c *Collectors) ObserveDedup(operation, status string, groups int, tokenSavings int64) {
	c.dedupOperations.WithLabelValues(operation, status).Inc()
	switch operation {
	case "dry_run":
		c.dedupGroups.Set(float64(groups))
	case "execute":
		c.dedupTokenSavings.Add(float64(tokenSavings))
	}
}

func (c *Collectors) ObserveRetention(deleted int) {
	c.retentionDeletions.Add(float64(deleted))
}

func (c *Collectors) ObserveUndo(operationType, result string) {
	c.undoOperations.WithLabelValues(operationType, result).Inc()
}

func (c *Collectors) ObserveScheduledJob(job, result string) {
	c.scheduledJobs.WithLabelValues(job, result).Inc()
}
