package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var storeOps = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "events_store_ops_total",
	Help: "The number of event store operations by result",
}, []string{"op", "result"})

var storeOpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "events_store_op_duration_seconds",
	Help:    "The duration of event store operations",
	Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
}, []string{"op"})

var writeQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "events_store_write_queue_depth",
	Help: "The number of writes waiting for the store writer",
})
