package source

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var reconnectsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mstream_source_reconnects_total",
	Help: "counter of source stream reconnect attempts",
}, []string{"source"})

var fatalCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mstream_source_fatal_total",
	Help: "counter of fatal source stream failures",
}, []string{"source"})
