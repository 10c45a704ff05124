package kernel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	launchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mmul_kernel_launches_total",
		Help: "Total number of kernel launches by variant and outcome",
	}, []string{"variant", "outcome"})

	groupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mmul_kernel_groups_total",
		Help: "Total number of execution groups run",
	}, []string{"variant"})

	launchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mmul_kernel_launch_duration_seconds",
		Help:    "Wall time of one kernel launch",
		Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
	}, []string{"variant"})

	flopsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mmul_kernel_flops_total",
		Help: "Total floating point operations issued by completed launches",
	}, []string{"variant"})

	stagingAllocs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mmul_kernel_staging_allocations_total",
		Help: "Number of group-shared staging buffers allocated (pool misses)",
	})
)
