package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/txcoord/txcoord/pkg/txn"
)

var _ txn.MetricsRecorder = (*Manager)(nil)

func (m *Manager) initTransactionMetrics(cfg Config) {
	m.transactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Total number of finished transactions by mode and terminal status",
		},
		[]string{"kind", "status"},
	)

	m.transactionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transaction_duration_seconds",
			Help:      "Transaction duration from start to terminal status",
			Buckets:   cfg.TransactionDurationBuckets,
		},
		[]string{"kind", "status"},
	)

	m.transactionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transactions_active",
			Help:      "Current number of running transactions",
		},
		[]string{"kind"},
	)

	m.steps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Saga steps and 2pc participant calls by phase and outcome",
		},
		[]string{"kind", "phase", "outcome"},
	)

	m.recoveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recoveries_total",
			Help:      "Transactions finished by crash recovery, by outcome",
		},
		[]string{"kind", "outcome"},
	)

	m.registry.MustRegister(m.transactions)
	m.registry.MustRegister(m.transactionDuration)
	m.registry.MustRegister(m.transactionsActive)
	m.registry.MustRegister(m.steps)
	m.registry.MustRegister(m.recoveries)
}

// IncActive increments the running transaction count for kind.
func (m *Manager) IncActive(kind txn.Kind) {
	if !m.enabled {
		return
	}
	m.transactionsActive.WithLabelValues(string(kind)).Inc()
}

// DecActive decrements the running transaction count for kind.
func (m *Manager) DecActive(kind txn.Kind) {
	if !m.enabled {
		return
	}
	m.transactionsActive.WithLabelValues(string(kind)).Dec()
}

// RecordTransaction records one finished transaction.
func (m *Manager) RecordTransaction(kind txn.Kind, status txn.Status, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.transactions.WithLabelValues(string(kind), string(status)).Inc()
	m.transactionDuration.WithLabelValues(string(kind), string(status)).Observe(duration.Seconds())
}

// RecordStep records the outcome of one step or participant phase.
func (m *Manager) RecordStep(kind txn.Kind, phase, outcome string) {
	if !m.enabled {
		return
	}
	m.steps.WithLabelValues(string(kind), phase, outcome).Inc()
}

// RecordRecovery records one recovered transaction.
func (m *Manager) RecordRecovery(kind txn.Kind, outcome string) {
	if !m.enabled {
		return
	}
	m.recoveries.WithLabelValues(string(kind), outcome).Inc()
}
