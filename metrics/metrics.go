// Package metrics exposes kernel-internal gauges and counters through
// github.com/prometheus/client_golang, the way a long-running service
// built from this stack would surface them, rather than the
// printf-based diagnostics (portspace_print, vmmap_printregions) the
// original uses for the same information.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	FreePages = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "machina",
		Subsystem: "mem",
		Name:      "free_pages",
		Help:      "Physical frames on the general free list.",
	})

	PortQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "machina",
		Subsystem: "port",
		Name:      "queue_depth",
		Help:      "Messages currently queued on a port.",
	}, []string{"port"})

	RunnableThreads = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "machina",
		Subsystem: "sched",
		Name:      "runnable_threads",
		Help:      "Threads marked runnable per CPU.",
	}, []string{"cpu"})

	PageFaultSteps = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "machina",
		Subsystem: "vm",
		Name:      "fault_resolution_steps",
		Help:      "Shadow-chain entries walked to resolve a page fault.",
		Buckets:   []float64{0, 1, 2, 3, 4, 8, 16},
	})

	MemPressureEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "machina",
		Subsystem: "mem",
		Name:      "pressure_events_total",
		Help:      "Times the allocator dipped into the reserved low-water pool.",
	})
)

// Registry bundles every collector this package defines so
// cmd/machinad can register them on one call and serve them with
// promhttp.Handler.
func Registry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(FreePages, PortQueueDepth, RunnableThreads, PageFaultSteps, MemPressureEvents)
	return r
}
