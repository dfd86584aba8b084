package internal

import "github.com/prometheus/client_golang/prometheus"

var (
	feedPollCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feeder_feed_polls_total",
			Help: "Number of feed polls, partitioned by outcome",
		},
		[]string{"outcome"},
	)
	deliveryCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feeder_deliveries_total",
			Help: "Number of content deliveries to subscribers, partitioned by result",
		},
		[]string{"result"},
	)
	verificationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feeder_verifications_total",
			Help: "Number of subscription verification attempts, partitioned by mode and result",
		},
		[]string{"mode", "result"},
	)
	publishCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "feeder_publishes_total",
			Help: "Number of publish notifications accepted by the hub",
		},
	)
)

func init() {
	prometheus.MustRegister(feedPollCounter)
	prometheus.MustRegister(deliveryCounter)
	prometheus.MustRegister(verificationCounter)
	prometheus.MustRegister(publishCounter)
}
