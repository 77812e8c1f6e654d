// Package metrics records bootstrap step timings and outcomes and writes
// them in the Prometheus text format, for collection through the
// node-exporter textfile collector.
//
// svcboot exits together with its entrypoint, so nothing is served over
// HTTP. The Recorder is a bootstrap.Observer; the
// cli package writes the file on exit when --metrics-file is set.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shinji-kodama/svcboot/internal/model"
)

// Recorder holds the bootstrap metrics in a private registry.
// It implements bootstrap.Observer.
type Recorder struct {
	registry *prometheus.Registry

	stepDuration *prometheus.HistogramVec
	stepTotal    *prometheus.CounterVec
	failures     *prometheus.CounterVec
	exitCode     prometheus.Gauge
	lastSuccess  prometheus.Gauge
}

// NewRecorder creates a Recorder with all collectors registered.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "svcboot_step_duration_seconds",
				Help:    "Duration of bootstrap steps",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 9),
			},
			[]string{"step"},
		),
		stepTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "svcboot_steps_total",
				Help: "Bootstrap steps run, by result",
			},
			[]string{"step", "result"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "svcboot_bootstrap_failures_total",
				Help: "Aborted bootstraps by error kind",
			},
			[]string{"kind"},
		),
		exitCode: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "svcboot_entrypoint_exit_code",
			Help: "Exit code of the last entrypoint run",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "svcboot_last_success_timestamp_seconds",
			Help: "Unix time of the last bootstrap that reached the entrypoint",
		}),
	}

	r.registry.MustRegister(r.stepDuration, r.stepTotal, r.failures, r.exitCode, r.lastSuccess)
	return r
}

// StepFinished records one step outcome.
func (r *Recorder) StepFinished(step string, d time.Duration, err error) {
	r.stepDuration.WithLabelValues(step).Observe(d.Seconds())
	result := "success"
	if err != nil {
		result = "failure"
	}
	r.stepTotal.WithLabelValues(step, result).Inc()
}

// BootstrapFailed counts a failed bootstrap under its error kind.
func (r *Recorder) BootstrapFailed(err error) {
	kind, ok := model.KindOf(err)
	if !ok {
		kind = "Unknown"
	}
	r.failures.WithLabelValues(kind.String()).Inc()
}

// EntrypointExited records the exit code of the entrypoint.
func (r *Recorder) EntrypointExited(code int, at time.Time) {
	r.exitCode.Set(float64(code))
	r.lastSuccess.Set(float64(at.Unix()))
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// WriteFile writes the metrics to path. The file is replaced atomically so
// a scraping collector never reads a partial file.
func (r *Recorder) WriteFile(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create metrics directory: %w", err)
		}
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics file %s: %w", path, err)
	}
	return nil
}
