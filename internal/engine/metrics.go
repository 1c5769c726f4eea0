package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stellarsim_jobs_total",
			Help: "Total number of finished simulation jobs.",
		},
		[]string{"kind", "status"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stellarsim_job_duration_seconds",
			Help:    "Simulation job run time in seconds, from running to a terminal state.",
			Buckets: []float64{0.1, 0.5, 1, 2, 3, 5, 7.5, 10, 15},
		},
		[]string{"kind"},
	)

	activeJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stellarsim_active_jobs",
			Help: "Number of jobs currently in the running state.",
		},
	)

	batchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stellarsim_batches_total",
			Help: "Total number of completed batch runs.",
		},
	)
)

func init() {
	prometheus.MustRegister(jobsTotal)
	prometheus.MustRegister(jobDuration)
	prometheus.MustRegister(activeJobs)
	prometheus.MustRegister(batchesTotal)
}
