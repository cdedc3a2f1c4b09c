package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/txcoord/txcoord/pkg/abort"
	"github.com/txcoord/txcoord/pkg/invoker"
)

var (
	_ invoker.MetricsRecorder = (*Manager)(nil)
	_ abort.MetricsRecorder   = (*Manager)(nil)
)

// initCallMetrics initializes participant call metrics.
func (m *Manager) initCallMetrics(cfg Config) {
	m.calls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "participant_calls_total",
			Help:      "Participant calls by service, phase and result kind",
		},
		[]string{"service", "phase", "kind"},
	)

	m.callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "participant_call_duration_seconds",
			Help:      "Participant call duration including retries",
			Buckets:   cfg.CallDurationBuckets,
		},
		[]string{"service", "phase"},
	)

	m.callAttempts = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "participant_call_attempts",
			Help:      "Attempts needed per participant call",
			Buckets:   []float64{1, 2, 3, 5, 8},
		},
		[]string{"phase"},
	)

	m.registry.MustRegister(m.calls)
	m.registry.MustRegister(m.callDuration)
	m.registry.MustRegister(m.callAttempts)
}

// RecordCall records one participant call as seen by the invoker.
func (m *Manager) RecordCall(service string, phase invoker.Phase, kind invoker.ErrorKind, attempts int, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.calls.WithLabelValues(service, string(phase), kind.String()).Inc()
	m.callDuration.WithLabelValues(service, string(phase)).Observe(duration.Seconds())
	if attempts > 0 {
		m.callAttempts.WithLabelValues(string(phase)).Observe(float64(attempts))
	}
}

func (m *Manager) initAbortMetrics() {
	m.aborts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "abort_requests_total",
			Help:      "Abort requests by route and result",
		},
		[]string{"route", "result"},
	)
	m.registry.MustRegister(m.aborts)
}

// RecordAbort records one abort request.
func (m *Manager) RecordAbort(route, result string) {
	if !m.enabled {
		return
	}
	m.aborts.WithLabelValues(route, result).Inc()
}
