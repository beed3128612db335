package cache

import (
	"github.com/holidaygen/tripcache/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

type facadeMetrics struct {
	lookups      *prometheus.CounterVec
	writes       *prometheus.CounterVec
	computes     *prometheus.CounterVec
	fetchSeconds *prometheus.HistogramVec
}

func newFacadeMetrics(reg prometheus.Registerer) *facadeMetrics {
	return &facadeMetrics{
		lookups: metrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Backend lookups by backend and result (hit, miss, unavailable).",
		}, []string{"backend", "result"})),
		writes: metrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "cache",
			Name:      "writes_total",
			Help:      "Backend writes by backend and result (ok, error).",
		}, []string{"backend", "result"})),
		computes: metrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "cache",
			Name:      "computes_total",
			Help:      "Compute invocations after a full miss by result (ok, error).",
		}, []string{"result"})),
		fetchSeconds: metrics.Register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "cache",
			Name:      "fetch_seconds",
			Help:      "FetchOrCompute latency by the source that served the value.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"})),
	}
}

func (m *facadeMetrics) write(backend string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.writes.WithLabelValues(backend, result).Inc()
}
