// Package metrics instruments the orchestrator and backup controller
// with Prometheus counters and histograms, grounded in the domain stack
// SPEC_FULL.md §2 names (tomtom215-cartographus's go.mod pulls in
// github.com/prometheus/client_golang for the same kind of
// backup-tooling instrumentation).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every metric this engine exports. A caller passes a
// *prometheus.Registry (or prometheus.DefaultRegisterer) to New, which
// registers them all once.
type Registry struct {
	FilesCopied    *prometheus.CounterVec
	BytesCopied    prometheus.Counter
	CopyDuration   prometheus.Histogram
	ManifestSaves  prometheus.Counter
	BackupState    *prometheus.GaugeVec
	BackupDuration *prometheus.HistogramVec
	ArchiveWait    prometheus.Histogram
	WorkerErrors   prometheus.Counter
}

// New builds and registers every metric against reg.
func New(reg prometheus.Registerer) *Registry {
	m := &Registry{
		FilesCopied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pgbak",
			Subsystem: "copy",
			Name:      "files_total",
			Help:      "Files processed by the File Copy Worker, by outcome.",
		}, []string{"outcome"}),

		BytesCopied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgbak",
			Subsystem: "copy",
			Name:      "bytes_total",
			Help:      "Bytes written to repository objects by the File Copy Worker.",
		}),

		CopyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pgbak",
			Subsystem: "copy",
			Name:      "duration_seconds",
			Help:      "Duration of one File Copy Worker job.",
			Buckets:   prometheus.DefBuckets,
		}),

		ManifestSaves: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgbak",
			Subsystem: "orchestrator",
			Name:      "manifest_saves_total",
			Help:      "Periodic and final in-progress manifest saves performed by the orchestrator.",
		}),

		BackupState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pgbak",
			Subsystem: "backupctl",
			Name:      "state",
			Help:      "1 while the controller is in the named state machine state, 0 otherwise.",
		}, []string{"state"}),

		BackupDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pgbak",
			Subsystem: "backupctl",
			Name:      "state_duration_seconds",
			Help:      "Time spent in each Backup Controller state.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"state"}),

		ArchiveWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pgbak",
			Subsystem: "backupctl",
			Name:      "archive_check_wait_seconds",
			Help:      "Time spent waiting for WAL segments to appear in the archive during ArchiveCheck.",
			Buckets:   prometheus.DefBuckets,
		}),

		WorkerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgbak",
			Subsystem: "orchestrator",
			Name:      "worker_errors_total",
			Help:      "Worker failures that propagated to the controller.",
		}),
	}

	reg.MustRegister(
		m.FilesCopied,
		m.BytesCopied,
		m.CopyDuration,
		m.ManifestSaves,
		m.BackupState,
		m.BackupDuration,
		m.ArchiveWait,
		m.WorkerErrors,
	)

	return m
}

// ObserveOutcome records one File Copy Worker result.
func (m *Registry) ObserveOutcome(outcome string, repoSize int64) {
	m.FilesCopied.WithLabelValues(outcome).Inc()
	if repoSize > 0 {
		m.BytesCopied.Add(float64(repoSize))
	}
}

// EnterState marks the controller as having entered state, and leaves
// every other previously-set state's gauge value untouched (a
// cumulative trail of "has been in this state" rather than "currently
// in this state", since concurrent scraping otherwise races a
// fast-transitioning state machine).
func (m *Registry) EnterState(state string) {
	m.BackupState.WithLabelValues(state).Set(1)
}
