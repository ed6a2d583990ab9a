package realtime

import "github.com/prometheus/client_golang/prometheus"

var (
	writesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "portalchat_realtime_writes_total",
		Help: "Atomic updates applied to the tree.",
	})
	writeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portalchat_realtime_write_failures_total",
		Help: "Rejected atomic updates by reason.",
	}, []string{"reason"})
	subscriptionsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "portalchat_realtime_subscriptions",
		Help: "Active subscriptions by kind.",
	}, []string{"kind"})
	eventsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portalchat_realtime_events_delivered_total",
		Help: "Events handed to subscribers by kind.",
	}, []string{"kind"})
	writeLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "portalchat_realtime_write_seconds",
		Help:    "Time spent applying an update including fan-out.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})
)

func init() {
	prometheus.MustRegister(writesTotal)
	prometheus.MustRegister(writeFailures)
	prometheus.MustRegister(subscriptionsActive)
	prometheus.MustRegister(eventsDelivered)
	prometheus.MustRegister(writeLatency)
}
