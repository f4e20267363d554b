package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/oshokin/ota-agent/internal/domain/ota"
	"github.com/oshokin/ota-agent/internal/fsutil"
)

// Metrics holds the agent collectors and the registry they are gathered from.
type Metrics struct {
	registry *prometheus.Registry

	attemptsTotal   *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	inProgress      prometheus.Gauge
	lastAttempt     prometheus.Gauge
	downloadedBytes prometheus.Counter
	firmware        *prometheus.GaugeVec
}

// New creates the collectors on a dedicated registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	promFactory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		attemptsTotal: promFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ota_agent_attempts_total",
				Help: "Update attempts labelled by action, status and error kind",
			},
			[]string{"action", "status", "error_kind"},
		),
		attemptDuration: promFactory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ota_agent_attempt_duration_seconds",
				Help:    "Wall time of update attempts",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"action"},
		),
		inProgress: promFactory.NewGauge(prometheus.GaugeOpts{
			Name: "ota_agent_attempt_in_progress",
			Help: "1 while an update attempt is running",
		}),
		lastAttempt: promFactory.NewGauge(prometheus.GaugeOpts{
			Name: "ota_agent_last_attempt_timestamp_seconds",
			Help: "Unix time of the last finished attempt",
		}),
		downloadedBytes: promFactory.NewCounter(prometheus.CounterOpts{
			Name: "ota_agent_downloaded_bytes_total",
			Help: "Bytes of verified update artifacts",
		}),
		firmware: promFactory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ota_agent_firmware_info",
				Help: "Current firmware version, always 1",
			},
			[]string{"version"},
		),
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// AttemptStarted marks an attempt as running.
func (m *Metrics) AttemptStarted() {
	m.inProgress.Set(1)
}

// AttemptFinished records the outcome of an attempt.
func (m *Metrics) AttemptFinished(attempt ota.UpdateAttempt) {
	m.inProgress.Set(0)
	m.attemptsTotal.With(prometheus.Labels{
		"action":     attempt.Action,
		"status":     string(attempt.Status),
		"error_kind": string(attempt.ErrorKind),
	}).Inc()
	m.attemptDuration.WithLabelValues(attempt.Action).Observe(attempt.Duration.Seconds())
	m.lastAttempt.Set(float64(attempt.StartedAt.Add(attempt.Duration).Unix()))
}

// Downloaded adds verified artifact bytes.
func (m *Metrics) Downloaded(bytes int64) {
	if bytes > 0 {
		m.downloadedBytes.Add(float64(bytes))
	}
}

// SetFirmware publishes the current firmware version.
func (m *Metrics) SetFirmware(version string) {
	m.firmware.Reset()
	m.firmware.WithLabelValues(version).Set(1)
}

// WriteTextfile writes every collector to path for the node exporter textfile collector.
// An empty path is a no-op.
func (m *Metrics) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), fsutil.DirPermissions); err != nil {
		return fmt.Errorf("create metrics directory: %w", err)
	}

	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}

	return nil
}
