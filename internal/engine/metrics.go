package engine

import "github.com/prometheus/client_golang/prometheus"

// Stage call outcomes.
const (
	outcomeOK           = "ok"
	outcomeTransient    = "transient"
	outcomePermanent    = "permanent"
	outcomeUnclassified = "unclassified"
)

var (
	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "imageworker_stage_duration_seconds",
			Help:    "Duration of a single provider call per workflow stage.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 20, 40, 60, 90, 120},
		},
		[]string{"stage", "outcome"},
	)

	stageRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imageworker_stage_retries_total",
			Help: "Total number of stage retries after a transient provider failure.",
		},
		[]string{"stage"},
	)

	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imageworker_jobs_total",
			Help: "Total number of workflow runs by action and result.",
		},
		[]string{"action", "result"},
	)
)

func init() {
	prometheus.MustRegister(stageDuration)
	prometheus.MustRegister(stageRetriesTotal)
	prometheus.MustRegister(jobsTotal)
}
