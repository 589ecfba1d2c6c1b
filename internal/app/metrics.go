package app

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"zbackup/internal/backup"
)

// Metrics collects per-target backup results for the node-exporter
// textfile collector.
type Metrics struct {
	registry *prometheus.Registry

	lastRun     *prometheus.GaugeVec
	lastSuccess *prometheus.GaugeVec
	success     *prometheus.GaugeVec
	duration    *prometheus.GaugeVec
	holds       *prometheus.GaugeVec
	released    *prometheus.GaugeVec
	destroyed   *prometheus.GaugeVec

	observed bool
}

// NewMetrics creates the zbackup metrics on a private registry.
func NewMetrics() *Metrics {
	target := []string{"target"}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "zbackup_last_run_timestamp_seconds",
			Help: "Time the target was last backed up",
		}, target),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "zbackup_last_success_timestamp_seconds",
			Help: "Time the target was last backed up successfully",
		}, target),
		success: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "zbackup_success",
			Help: "Whether the last backup of the target succeeded",
		}, target),
		duration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "zbackup_duration_seconds",
			Help: "Duration of the last backup of the target",
		}, target),
		holds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "zbackup_holds_placed",
			Help: "Hold tags placed on the new snapshot",
		}, target),
		released: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "zbackup_holds_released",
			Help: "Hold tags released by the last purge",
		}, target),
		destroyed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "zbackup_snapshots_destroyed",
			Help: "Snapshots destroyed by the last purge",
		}, target),
	}
	m.registry.MustRegister(m.lastRun, m.lastSuccess, m.success, m.duration, m.holds, m.released, m.destroyed)
	return m
}

// ObserveBackup records the outcome of one target's backup.
func (m *Metrics) ObserveBackup(target string, start, end time.Time, result *backup.BackupResult, err error) {
	m.observed = true
	m.lastRun.WithLabelValues(target).Set(float64(end.Unix()))
	m.duration.WithLabelValues(target).Set(end.Sub(start).Seconds())

	if err != nil {
		m.success.WithLabelValues(target).Set(0)
		return
	}
	m.success.WithLabelValues(target).Set(1)
	m.lastSuccess.WithLabelValues(target).Set(float64(end.Unix()))

	if result == nil {
		return
	}
	m.holds.WithLabelValues(target).Set(float64(len(result.Holds)))
	if result.Purge != nil {
		m.released.WithLabelValues(target).Set(float64(len(result.Purge.Released)))
		m.destroyed.WithLabelValues(target).Set(float64(len(result.Purge.Destroyed)))
	}
}

// Observed reports whether any backup was recorded.
func (m *Metrics) Observed() bool {
	return m.observed
}

// WriteTextfile writes the metrics atomically to path in the text exposition format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
