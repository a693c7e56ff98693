package fetch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	upstreamLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_upstream_latency_seconds",
		Help:    "Time spent on outbound upstream calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"host", "outcome"})
)
