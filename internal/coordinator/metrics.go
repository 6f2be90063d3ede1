package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	submissionsTotal *prometheus.CounterVec
	stagesTotal      *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	submissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trustlance_escrow_submissions_total",
		Help: "Escrow-lock submission attempts by outcome",
	}, []string{"outcome"})

	stages := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trustlance_escrow_stage_transitions_total",
		Help: "Stage transitions entered by escrow-lock attempts",
	}, []string{"stage"})

	if reg != nil {
		reg.MustRegister(submissions, stages)
	}
	return &metrics{submissionsTotal: submissions, stagesTotal: stages}
}

func (m *metrics) incOutcome(outcome string) {
	m.submissionsTotal.WithLabelValues(outcome).Inc()
}

func (m *metrics) incStage(s Stage) {
	m.stagesTotal.WithLabelValues(s.String()).Inc()
}
