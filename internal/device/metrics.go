package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mtla_buffer_pool_hits_total",
		Help: "Total number of successful buffer pool retrievals",
	})

	poolMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mtla_buffer_pool_misses_total",
		Help: "Total number of buffer pool misses (allocations)",
	})

	allocatedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mtla_device_allocated_bytes",
		Help: "Current device memory held by live buffers in bytes",
	})

	queuePending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mtla_queue_pending_ops",
		Help: "Operations enqueued but not yet completed across all queues",
	})

	queueOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mtla_queue_ops_total",
		Help: "Total number of queue operations by name and outcome",
	}, []string{"op", "status"})
)
