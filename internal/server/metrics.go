package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry           *prometheus.Registry
	jobsTotal          *prometheus.CounterVec
	reviewsTotal       *prometheus.CounterVec
	bestEffortFailures *prometheus.CounterVec
}

func newMetricsRegistry() *metricsRegistry {
	jobs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trustlance_jobs_total",
		Help: "Job persistence requests by result",
	}, []string{"status"})

	reviews := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trustlance_reviews_total",
		Help: "Review submissions by result",
	}, []string{"status"})

	bestEffort := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trustlance_best_effort_failures_total",
		Help: "Side-record writes that failed without failing the request",
	}, []string{"write"})

	r := prometheus.NewRegistry()
	r.MustRegister(jobs, reviews, bestEffort)

	return &metricsRegistry{
		registry:           r,
		jobsTotal:          jobs,
		reviewsTotal:       reviews,
		bestEffortFailures: bestEffort,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incJob(status string) {
	m.jobsTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incReview(status string) {
	m.reviewsTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incBestEffortFailure(write string) {
	m.bestEffortFailures.WithLabelValues(write).Inc()
}
