package mtla

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	launches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mtla_kernel_launches_total",
		Help: "Total number of score kernels enqueued",
	}, []string{"policy"})

	launchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mtla_kernel_launch_failures_total",
		Help: "Launches rejected before enqueue, by error kind",
	}, []string{"kind"})

	cellsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mtla_kernel_cells_written_total",
		Help: "Total number of score cells written",
	})

	kernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mtla_kernel_duration_seconds",
		Help:    "Time spent executing score kernels on the queue",
		Buckets: []float64{0.00001, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
	}, []string{"policy"})
)
