package academic

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/acadledger/acadledger/internal/shared"
)

// Metrics counts sponsored academic operations by outcome.
type Metrics struct {
	operations *prometheus.CounterVec
}

// NewMetrics registers the collectors against registerer, falling back to the
// default registerer when nil.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "acadledger_operations_total",
		Help: "Sponsored academic operations partitioned by operation and outcome.",
	}, []string{"operation", "outcome"})
	registerer.MustRegister(operations)
	return &Metrics{operations: operations}
}

func (m *Metrics) observeOperation(op string, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, outcome(err)).Inc()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "verified"
	case errors.Is(err, shared.ErrReceiptTimeout):
		return "pending"
	case errors.Is(err, shared.ErrTransactionRejected):
		return "rejected"
	case errors.Is(err, shared.ErrTransactionVerificationFailed):
		return "failed"
	}
	return "error"
}
