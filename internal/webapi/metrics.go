package webapi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricNamespace = "serviceworker"
	metricSubsystem = "fetch"
)

var (
	fetchRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricNamespace,
		Subsystem: metricSubsystem,
		Name:      "requests_total",
		Help:      "Completed fetches by request mode and response view.",
	}, []string{"mode", "view"})

	fetchCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricNamespace,
		Subsystem: metricSubsystem,
		Name:      "cache_total",
		Help:      "HTTP cache lookups and stores.",
	}, []string{"result"})

	cacheHits   = fetchCache.WithLabelValues("hit")
	cacheMisses = fetchCache.WithLabelValues("miss")
	cacheStores = fetchCache.WithLabelValues("store")
)
