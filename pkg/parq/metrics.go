package parq

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "parq_queue_depth",
	Help: "The number of records waiting to be written to a parquet file",
})

var filesWritten = promauto.NewCounter(prometheus.CounterOpts{
	Name: "parq_files_written_total",
	Help: "The number of parquet files written",
})

var recordsWritten = promauto.NewCounter(prometheus.CounterOpts{
	Name: "parq_records_written_total",
	Help: "The number of records written to parquet files",
})
