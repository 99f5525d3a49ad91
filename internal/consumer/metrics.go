package consumer

import "github.com/prometheus/client_golang/prometheus"

// Queue message outcomes.
const (
	outcomeAcked    = "acked"
	outcomeRejected = "rejected"
	outcomeUnacked  = "unacked"
)

var (
	inFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "imageworker_inflight_jobs",
			Help: "Number of workflow runs currently executing.",
		},
	)

	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imageworker_queue_messages_total",
			Help: "Total number of queue messages by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(inFlight)
	prometheus.MustRegister(messagesTotal)
}
