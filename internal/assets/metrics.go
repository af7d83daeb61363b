package assets

import "github.com/prometheus/client_golang/prometheus"

var Loads = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "zapstream",
	Subsystem: "assets",
	Name:      "loads",
}, []string{"state"})

var Resolved = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "zapstream",
	Subsystem: "assets",
	Name:      "resolved",
}, []string{"source", "result"})

var Fetches = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "zapstream",
	Subsystem: "assets",
	Name:      "fetches",
})

var BytesDownloaded = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "zapstream",
	Subsystem: "assets",
	Name:      "downloaded_bytes",
})

var Evictions = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "zapstream",
	Subsystem: "assets",
	Name:      "evictions",
})

var DecodeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "zapstream",
	Subsystem: "assets",
	Name:      "decode_duration_seconds",
	Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1},
})

// Collectors returns the asset cache metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{Loads, Resolved, Fetches, BytesDownloaded, Evictions, DecodeDuration}
}
