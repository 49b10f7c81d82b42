package metrics

import "github.com/prometheus/client_golang/prometheus"

var JobsProcessedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "dispatch_jobs_processed_total",
		Help: "Total number of dispatch jobs processed to completion",
	},
	[]string{"kind"},
)

var JobsRetriedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "dispatch_jobs_retried_total",
		Help: "Total number of dispatch job attempts re-scheduled with backoff",
	},
	[]string{"kind"},
)

var JobsFailedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "dispatch_jobs_failed_total",
		Help: "Total number of dispatch jobs that exhausted their retry budget",
	},
	[]string{"kind"},
)

var ProviderSendsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "provider_sends_total",
		Help: "Total number of channel provider send calls",
	},
	[]string{"provider", "outcome"},
)

var ProviderSendDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "provider_send_duration_seconds",
		Help:    "Time taken by channel provider send calls",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"provider"},
)

var BatchDispatchSize = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "batch_dispatch_size",
		Help:    "Number of notifications combined per batch dispatch",
		Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
	},
)

func Init() {
	prometheus.MustRegister(JobsProcessedTotal)
	prometheus.MustRegister(JobsRetriedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(ProviderSendsTotal)
	prometheus.MustRegister(ProviderSendDuration)
	prometheus.MustRegister(BatchDispatchSize)
}
