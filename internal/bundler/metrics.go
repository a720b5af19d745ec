package bundler

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/acadledger/acadledger/internal/chain"
	"github.com/acadledger/acadledger/internal/sponsor"
)

// Metrics observes mempool admission and inclusion.
type Metrics struct {
	submissions *prometheus.CounterVec
	inclusions  *prometheus.CounterVec
}

// NewMetrics registers the bundler collectors against registerer, falling back
// to the default registerer when nil.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	submissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "acadledger_bundler_submissions_total",
		Help: "Operations submitted to the bundler partitioned by admission outcome.",
	}, []string{"outcome"})
	inclusions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "acadledger_bundler_inclusions_total",
		Help: "Bundle transactions partitioned by receipt status.",
	}, []string{"status"})
	registerer.MustRegister(submissions, inclusions)
	return &Metrics{submissions: submissions, inclusions: inclusions}
}

func (m *Metrics) observeSubmission(err error) {
	if m == nil {
		return
	}
	outcome := "accepted"
	var rejected *sponsor.RejectedError
	switch {
	case err == nil:
	case errors.As(err, &rejected):
		outcome = "rejected"
	default:
		outcome = "error"
	}
	m.submissions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeInclusion(r *chain.Receipt) {
	if m == nil {
		return
	}
	status := "success"
	if !r.Succeeded() {
		status = "failed"
	}
	m.inclusions.WithLabelValues(status).Inc()
}
