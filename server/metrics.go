package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	replays  prometheus.Counter
	swept    prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_requests_total",
				Help: "Number of handled requests by procedure and result code",
			},
			[]string{"procedure", "code"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_request_duration_seconds",
				Help:    "Time spent handling a request",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"procedure"},
		),
		replays: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_replays_total",
				Help: "Number of requests rejected for reusing a nonce",
			},
		),
		swept: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_swept_nonces_total",
				Help: "Number of expired nonces removed",
			},
		),
	}
	m.registry.MustRegister(m.requests, m.duration, m.replays, m.swept)
	return m
}
