// Package metrics provides Prometheus metrics for JVB operations.
// Collectors live in a private registry; an external exporter serves it
// through Gatherer.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jvs-project/jvb/pkg/model"
)

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process-wide metrics registry.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// Registry holds all JVB metrics.
type Registry struct {
	reg *prometheus.Registry

	FilesScanned        prometheus.Counter
	FilesReused         prometheus.Counter
	ObjectsStored       prometheus.Counter
	ObjectsDeduplicated prometheus.Counter
	BytesRead           prometheus.Counter
	BytesStored         prometheus.Counter
	FileErrors          *prometheus.CounterVec
	Runs                *prometheus.CounterVec
	RunDuration         *prometheus.HistogramVec

	GCManifestsDeleted prometheus.Counter
	GCObjectsDeleted   prometheus.Counter
	GCBytesReclaimed   prometheus.Counter

	SyncObjectsUploaded   prometheus.Counter
	SyncManifestsUploaded prometheus.Counter
	SyncRetries           prometheus.Counter
}

// NewRegistry creates a registry with every JVB collector registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Registry{
		reg: reg,
		FilesScanned: f.NewCounter(prometheus.CounterOpts{
			Name: "jvb_files_scanned_total",
			Help: "Scanner records processed by backup runs",
		}),
		FilesReused: f.NewCounter(prometheus.CounterOpts{
			Name: "jvb_files_reused_total",
			Help: "Files whose hash was reused from the previous manifest without reading",
		}),
		ObjectsStored: f.NewCounter(prometheus.CounterOpts{
			Name: "jvb_objects_stored_total",
			Help: "New objects written to the content store",
		}),
		ObjectsDeduplicated: f.NewCounter(prometheus.CounterOpts{
			Name: "jvb_objects_deduplicated_total",
			Help: "Hashed files whose content was already stored",
		}),
		BytesRead: f.NewCounter(prometheus.CounterOpts{
			Name: "jvb_bytes_read_total",
			Help: "Source bytes read for hashing",
		}),
		BytesStored: f.NewCounter(prometheus.CounterOpts{
			Name: "jvb_bytes_stored_total",
			Help: "Compressed bytes written for new objects",
		}),
		FileErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "jvb_file_errors_total",
			Help: "Per-file errors by kind",
		}, []string{"kind"}),
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "jvb_operations_total",
			Help: "Operations by type and status",
		}, []string{"operation", "status"}),
		RunDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jvb_operation_duration_seconds",
			Help:    "Operation duration",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"operation"}),
		GCManifestsDeleted: f.NewCounter(prometheus.CounterOpts{
			Name: "jvb_gc_manifests_deleted_total",
			Help: "Manifests removed by garbage collection",
		}),
		GCObjectsDeleted: f.NewCounter(prometheus.CounterOpts{
			Name: "jvb_gc_objects_deleted_total",
			Help: "Objects reclaimed by garbage collection",
		}),
		GCBytesReclaimed: f.NewCounter(prometheus.CounterOpts{
			Name: "jvb_gc_bytes_reclaimed_total",
			Help: "Stored bytes reclaimed by garbage collection",
		}),
		SyncObjectsUploaded: f.NewCounter(prometheus.CounterOpts{
			Name: "jvb_sync_objects_uploaded_total",
			Help: "Objects uploaded to the remote",
		}),
		SyncManifestsUploaded: f.NewCounter(prometheus.CounterOpts{
			Name: "jvb_sync_manifests_uploaded_total",
			Help: "Manifests uploaded to the remote",
		}),
		SyncRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "jvb_sync_retries_total",
			Help: "Remote requests retried after a transient failure",
		}),
	}
}

// Gatherer exposes the registry for an external exporter.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// RecordBackup records a backup run.
func (r *Registry) RecordBackup(rep *model.RunReport) {
	r.FilesScanned.Add(float64(rep.Scanned))
	r.FilesReused.Add(float64(rep.Reused))
	r.ObjectsStored.Add(float64(rep.Stored))
	r.ObjectsDeduplicated.Add(float64(rep.Deduplicated))
	r.BytesRead.Add(float64(rep.BytesRead))
	r.BytesStored.Add(float64(rep.BytesStored))
	for _, fe := range rep.Errors {
		r.FileErrors.WithLabelValues(fe.Kind).Inc()
	}
	r.RecordOperation("backup", string(rep.Status), rep.Duration)
}

// RecordGC records a GC run.
func (r *Registry) RecordGC(res *model.GCResult) {
	r.GCManifestsDeleted.Add(float64(res.ManifestsDeleted))
	r.GCObjectsDeleted.Add(float64(res.ObjectsDeleted))
	r.GCBytesReclaimed.Add(float64(res.BytesReclaimed))
	r.RecordOperation("gc", "complete", res.Duration)
}

// RecordSync records a sync run.
func (r *Registry) RecordSync(rep *model.SyncReport, err error) {
	r.SyncObjectsUploaded.Add(float64(rep.ObjectsUploaded))
	r.SyncManifestsUploaded.Add(float64(rep.ManifestsUploaded))
	r.SyncRetries.Add(float64(rep.Retries))
	status := "complete"
	if err != nil {
		status = "failed"
	}
	r.RecordOperation("sync", status, rep.Duration)
}

// RecordOperation records the outcome and duration of any operation.
func (r *Registry) RecordOperation(op, status string, d time.Duration) {
	r.Runs.WithLabelValues(op, status).Inc()
	r.RunDuration.WithLabelValues(op).Observe(d.Seconds())
}
