package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_cache_hits_total",
		Help: "Requests served from a fresh cache entry",
	}, []string{"key"})
	cacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_cache_misses_total",
		Help: "Cache lookups that required an upstream refresh",
	}, []string{"key"})
	cacheStale = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_cache_stale_total",
		Help: "Stale entries served because a refresh failed",
	}, []string{"key"})
)
