package query

import "github.com/prometheus/client_golang/prometheus"

var TracesDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "zapstream",
	Subsystem: "coalescer",
	Name:      "traces",
}, []string{"result"})

var FiltersMerged = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "zapstream",
	Subsystem: "coalescer",
	Name:      "filters_merged",
})

var PendingFilters = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "zapstream",
	Subsystem: "coalescer",
	Name:      "pending_filters",
})

var DispatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "zapstream",
	Subsystem: "coalescer",
	Name:      "dispatch_duration_seconds",
	Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
})

// Collectors returns the coalescer metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{TracesDispatched, FiltersMerged, PendingFilters, DispatchDuration}
}
