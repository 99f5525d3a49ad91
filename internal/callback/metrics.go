package callback

import "github.com/prometheus/client_golang/prometheus"

var (
	attemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imageworker_callback_attempts_total",
			Help: "Total number of callback POST attempts by outcome.",
		},
		[]string{"outcome"},
	)

	deliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imageworker_callback_deliveries_total",
			Help: "Total number of callback deliveries by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(attemptsTotal)
	prometheus.MustRegister(deliveriesTotal)
}
