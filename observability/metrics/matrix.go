package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type MatrixMetrics struct {
	placements       *prometheus.CounterVec
	rewardsCreated   *prometheus.CounterVec
	sweepTransitions *prometheus.CounterVec
	layerDerivations prometheus.Counter
	layersPerRun     prometheus.Histogram
}

var (
	matrixOnce     sync.Once
	matrixRegistry *MatrixMetrics
)

func Matrix() *MatrixMetrics {
	matrixOnce.Do(func() {
		matrixRegistry = &MatrixMetrics{
			placements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "matrix_placements_total",
				Help: "Count of matrix slot assignments by placement type.",
			}, []string{"type"}),
			rewardsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "matrix_rewards_created_total",
				Help: "Count of reward records created by initial status.",
			}, []string{"status"}),
			sweepTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "matrix_sweep_transitions_total",
				Help: "Count of expiry sweep outcomes by transition.",
			}, []string{"transition"}),
			layerDerivations: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "matrix_layer_derivations_total",
				Help: "Count of completed layer derivations.",
			}),
			layersPerRun: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "matrix_layers_per_derivation",
				Help:    "Distribution of non-empty layers produced per derivation.",
				Buckets: prometheus.LinearBuckets(0, 2, 10),
			}),
		}
		prometheus.MustRegister(
			matrixRegistry.placements,
			matrixRegistry.rewardsCreated,
			matrixRegistry.sweepTransitions,
			matrixRegistry.layerDerivations,
			matrixRegistry.layersPerRun,
		)
	})
	return matrixRegistry
}

func (m *MatrixMetrics) ObservePlacement(placementType string) {
	if m == nil {
		return
	}
	if placementType == "" {
		placementType = "unknown"
	}
	m.placements.WithLabelValues(placementType).Inc()
}

func (m *MatrixMetrics) ObserveRewardCreated(status string) {
	if m == nil {
		return
	}
	if status == "" {
		status = "unknown"
	}
	m.rewardsCreated.WithLabelValues(status).Inc()
}

func (m *MatrixMetrics) ObserveSweepTransition(transition string) {
	if m == nil {
		return
	}
	if transition == "" {
		transition = "unknown"
	}
	m.sweepTransitions.WithLabelValues(transition).Inc()
}

func (m *MatrixMetrics) ObserveLayerDerivation(layers int) {
	if m == nil {
		return
	}
	m.layerDerivations.Inc()
	m.layersPerRun.Observe(float64(layers))
}
