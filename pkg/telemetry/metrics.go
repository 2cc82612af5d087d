// Package telemetry exposes Prometheus metrics and OpenTelemetry tracing
// for the builder agent.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "builder",
		Name:      "sessions_active_total",
		Help:      "Number of tracked conversation sessions.",
	})
	metricBuildsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "builder",
		Name:      "builds_started_total",
		Help:      "Number of builds launched.",
	})
	metricBuildsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "builder",
		Name:      "builds_finished_total",
		Help:      "Number of builds finished, by terminal status.",
	}, []string{"status"})
	metricBuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "builder",
		Name:      "build_duration_seconds",
		Help:      "Wall-clock duration of builds.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	})
	metricEventsTranslated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "builder",
		Name:      "events_translated_total",
		Help:      "Translated process events, by kind.",
	}, []string{"kind"})
	metricSubprocessExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "builder",
		Name:      "subprocess_exits_total",
		Help:      "Subprocess exits, by outcome.",
	}, []string{"outcome"})
)

// SetActiveSessions records the current session count.
func SetActiveSessions(n int) {
	metricActiveSessions.Set(float64(n))
}

// BuildStarted counts a launched build.
func BuildStarted() {
	metricBuildsStarted.Inc()
}

// BuildFinished counts a finished build and its duration.
func BuildFinished(status string, elapsed time.Duration) {
	metricBuildsFinished.WithLabelValues(status).Inc()
	metricBuildDuration.Observe(elapsed.Seconds())
}

// EventTranslated counts one translated event by kind.
func EventTranslated(kind string) {
	metricEventsTranslated.WithLabelValues(kind).Inc()
}

// SubprocessExited counts a subprocess exit outcome: clean, abnormal,
// terminated, or timeout.
func SubprocessExited(outcome string) {
	metricSubprocessExits.WithLabelValues(outcome).Inc()
}
