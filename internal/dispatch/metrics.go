package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	selectionCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mmul_dispatch_selection_cache_total",
		Help: "Variant selection cache lookups by result (hit or miss)",
	}, []string{"result"})

	validationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mmul_dispatch_validation_failures_total",
		Help: "Launches rejected by validation, by reason",
	}, []string{"reason"})

	kernelBuilds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mmul_dispatch_kernel_builds_total",
		Help: "Number of kernel variants compiled",
	})
)
