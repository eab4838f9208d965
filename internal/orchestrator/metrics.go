package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "provisioner_jobs_started_total",
			Help: "Provisioning jobs dispatched to a worker.",
		},
	)

	jobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provisioner_jobs_finished_total",
			Help: "Provisioning jobs that reached a terminal phase.",
		},
		[]string{"outcome", "provider"},
	)

	phaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provisioner_phase_duration_seconds",
			Help:    "Wall time spent in each provisioning phase.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"phase"},
	)

	jobsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "provisioner_jobs_running",
			Help: "Provisioning jobs currently on a worker.",
		},
	)
)
