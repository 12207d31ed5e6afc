package wrapper

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	forwardDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gauntlet_forward_duration_seconds",
		Help:    "Time spent in model forward passes",
		Buckets: prometheus.DefBuckets,
	})

	backwardDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gauntlet_backward_duration_seconds",
		Help:    "Time spent in backward passes for gradient extraction",
		Buckets: prometheus.DefBuckets,
	})

	textsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gauntlet_texts_processed_total",
		Help: "Total number of texts processed, by operation",
	}, []string{"op"})
)
