package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LayersInjected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lora_layers_injected_total",
		Help: "The total number of base layers replaced with adapter-capable layers",
	}, []string{"kind"})

	AdaptersRegistered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lora_adapters_registered_total",
		Help: "The total number of adapter configs registered",
	})

	MergeOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lora_merge_ops_total",
		Help: "Per-layer merge and unmerge operations applied",
	}, []string{"op"})

	MergeNoops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lora_merge_noops_total",
		Help: "Merge/unmerge calls that were idempotent no-ops",
	}, []string{"op"})

	MergeUnloads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lora_merge_unload_total",
		Help: "Completed merge-and-unload passes",
	})

	WeightedMerges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lora_weighted_merges_total",
		Help: "Completed weighted adapter combinations",
	})

	TrainableParams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lora_trainable_parameters",
		Help: "Number of parameter elements currently marked trainable",
	})

	FrozenParams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lora_frozen_parameters",
		Help: "Number of parameter elements currently frozen",
	})
)
