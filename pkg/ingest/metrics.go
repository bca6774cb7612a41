package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var submissions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingest_submissions_total",
	Help: "The number of events submitted to the coordinator by outcome",
}, []string{"op", "outcome"})

var decodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingest_decode_errors_total",
	Help: "The number of producer payloads dropped because they failed to decode",
}, []string{"transport"})

var changesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingest_changes_published_total",
	Help: "The number of change notifications published by kind",
}, []string{"kind"})

var subscribers = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "ingest_subscribers",
	Help: "The number of open change stream subscriptions",
})

var retentionDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingest_retention_deleted_total",
	Help: "The number of events deleted by retention sweeps",
}, []string{"camera"})
