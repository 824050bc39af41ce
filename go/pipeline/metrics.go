package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsReceivedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mstream_pipeline_events_received_total",
	Help: "counter of events received from sources",
}, []string{"connector"})

var eventsDroppedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mstream_pipeline_events_dropped_total",
	Help: "counter of events dropped by middleware, including middleware failures under the drop policy",
}, []string{"connector"})

var publishesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mstream_pipeline_publishes_total",
	Help: "counter of sink publish outcomes",
}, []string{"connector", "sink", "status"})

var publishDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "mstream_pipeline_publish_duration_seconds",
	Help:    "histogram of sink publish latencies",
	Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
}, []string{"connector", "sink"})

var checkpointsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mstream_pipeline_checkpoints_total",
	Help: "counter of persisted checkpoints",
}, []string{"connector"})

var runningPipelinesGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "mstream_pipeline_running",
	Help: "gauge of pipelines currently running",
})
