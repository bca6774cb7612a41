package bq

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "events_bq_queue_depth",
	Help: "Event changes buffered for the next BigQuery insert",
}, []string{"table"})

var changesQueued = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "events_bq_changes_total",
	Help: "Event changes queued for BigQuery by change kind",
}, []string{"table", "change"})

var batchSubmissionSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "events_bq_batch_submission_seconds",
	Help:    "Time spent inserting one batch of event changes into the daily table",
	Buckets: prometheus.DefBuckets,
}, []string{"table"})

var batchSizeHist = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "events_bq_batch_size",
	Help:    "Event changes per BigQuery insert",
	Buckets: prometheus.ExponentialBuckets(1, 2, 16),
}, []string{"table"})
