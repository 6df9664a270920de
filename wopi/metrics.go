package wopi

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects counters for the protocol endpoints.
type Metrics struct {
	operations    *prometheus.CounterVec
	lockConflicts prometheus.Counter
}

func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	operations := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wopihost_operations_total",
			Help: "Number of WOPI operations served, by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)
	if err := registerer.Register(operations); err != nil {
		return nil, fmt.Errorf("failed to register metric: %w", err)
	}

	lockConflicts := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wopihost_lock_conflicts_total",
			Help: "Number of operations rejected because of a lock token mismatch.",
		},
	)
	if err := registerer.Register(lockConflicts); err != nil {
		return nil, fmt.Errorf("failed to register metric: %w", err)
	}

	return &Metrics{
		operations:    operations,
		lockConflicts: lockConflicts,
	}, nil
}

func (m *Metrics) observe(operation string, outcome string) {
	if m == nil {
		return
	}

	m.operations.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) conflict() {
	if m == nil {
		return
	}

	m.lockConflicts.Inc()
}
