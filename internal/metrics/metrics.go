package metrics

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	dumpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "heapdumper",
			Name:      "dumps_total",
			Help:      "Number of heap dump runs by result.",
		}, []string{"result"},
	)
	dumpDuration = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "heapdumper",
			Name:      "dump_duration_seconds",
			Help:      "Wall-clock time of the last heap dump invocation.",
		},
	)
	dumpSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "heapdumper",
			Name:      "dump_size_bytes",
			Help:      "Size of the last heap dump file.",
		},
	)
	lastSuccess = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "heapdumper",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful heap dump.",
		},
	)
	attachDuration = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "heapdumper",
			Name:      "attach_duration_seconds",
			Help:      "Time spent attaching to the target and discovering its connector.",
		},
	)
	targetRSS = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "heapdumper",
			Subsystem: "target",
			Name:      "resident_memory_bytes",
			Help:      "Resident set size of the target JVM before the dump.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{dumpsTotal, dumpDuration, dumpSize, lastSuccess, attachDuration, targetRSS}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func ObserveSuccess(d time.Duration, bytes int64, at time.Time) {
	if !regOK.Load() {
		return
	}
	dumpsTotal.WithLabelValues(ResultSuccess).Inc()
	dumpDuration.Set(d.Seconds())
	dumpSize.Set(float64(bytes))
	lastSuccess.Set(float64(at.Unix()))
}

func ObserveFailure() {
	if regOK.Load() {
		dumpsTotal.WithLabelValues(ResultFailure).Inc()
	}
}

func ObserveAttach(d time.Duration) {
	if regOK.Load() {
		attachDuration.Set(d.Seconds())
	}
}

func SetTargetRSS(bytes uint64) {
	if regOK.Load() {
		targetRSS.Set(float64(bytes))
	}
}

// Config selects where Export delivers the gathered metrics.
type Config struct {
	// Textfile is a node_exporter textfile collector path (*.prom).
	Textfile string
	// Pushgateway is the base URL of a Prometheus Pushgateway.
	Pushgateway string
	// Job is the Pushgateway job label.
	Job string
}

// Enabled reports whether any destination is configured.
func (c Config) Enabled() bool { return c.Textfile != "" || c.Pushgateway != "" }

// Export writes g to every configured destination. All destinations are
// attempted; their errors are joined.
func Export(ctx context.Context, g prometheus.Gatherer, cfg Config) error {
	var errs []error
	if cfg.Textfile != "" {
		if err := prometheus.WriteToTextfile(cfg.Textfile, g); err != nil {
			errs = append(errs, fmt.Errorf("write textfile %s: %w", cfg.Textfile, err))
		}
	}
	if cfg.Pushgateway != "" {
		job := cfg.Job
		if job == "" {
			job = "heapdumper"
		}
		if err := push.New(cfg.Pushgateway, job).Gatherer(g).PushContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("push to %s: %w", cfg.Pushgateway, err))
		}
	}
	return errors.Join(errs...)
}
