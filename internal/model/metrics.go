package model

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var layerDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "gauntlet_model_layer_duration_seconds",
		Help:    "Time spent in model layers by stage and pass direction.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
	},
	[]string{"stage", "direction"},
)
