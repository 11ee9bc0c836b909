// Package metrics exposes prometheus collectors for the coordinator and the stage nodes.
// A nil collector is valid and records nothing.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "split_learning"

type NodeCollector struct {
	forwardTotal     *prometheus.CounterVec
	backwardTotal    *prometheus.CounterVec
	pendingGauge     *prometheus.GaugeVec
	lossHistogram    *prometheus.HistogramVec
	divergenceTotal  *prometheus.CounterVec
	validationsTotal *prometheus.CounterVec
}

func NewNodeCollector(registerer prometheus.Registerer) *NodeCollector {
	factory := promauto.With(registerer)
	return &NodeCollector{
		forwardTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forward_messages_total",
			Help:      "Activations emitted downstream",
		}, []string{"client", "stage"}),
		backwardTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backward_messages_total",
			Help:      "Gradients consumed",
		}, []string{"client", "stage"}),
		pendingGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_activations",
			Help:      "Activations awaiting their gradient",
		}, []string{"client", "stage"}),
		lossHistogram: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "training_loss",
			Help:      "Per-microbatch loss at the exit stage",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"client"}),
		divergenceTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "non_finite_loss_total",
			Help:      "Microbatches whose loss was not a finite number",
		}, []string{"client"}),
		validationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_batches_total",
			Help:      "Validation microbatches scored",
		}, []string{"client"}),
	}
}

func (c *NodeCollector) ObserveForward(client string, stage int) {
	if c == nil {
		return
	}
	c.forwardTotal.WithLabelValues(client, strconv.Itoa(stage)).Inc()
}

func (c *NodeCollector) ObserveBackward(client string, stage int) {
	if c == nil {
		return
	}
	c.backwardTotal.WithLabelValues(client, strconv.Itoa(stage)).Inc()
}

func (c *NodeCollector) SetPending(client string, stage int, pending int) {
	if c == nil {
		return
	}
	c.pendingGauge.WithLabelValues(client, strconv.Itoa(stage)).Set(float64(pending))
}

func (c *NodeCollector) ObserveLoss(client string, loss float64, finite bool) {
	if c == nil {
		return
	}
	if !finite {
		c.divergenceTotal.WithLabelValues(client).Inc()
		return
	}
	c.lossHistogram.WithLabelValues(client).Observe(loss)
}

func (c *NodeCollector) ObserveValidation(client string) {
	if c == nil {
		return
	}
	c.validationsTotal.WithLabelValues(client).Inc()
}

type CoordinatorCollector struct {
	messagesTotal   *prometheus.CounterVec
	roundsTotal     *prometheus.CounterVec
	localRounds     *prometheus.CounterVec
	remainingRounds prometheus.Gauge
	roundAccuracy   prometheus.Gauge
	registered      prometheus.Gauge
}

func NewCoordinatorCollector(registerer prometheus.Registerer) *CoordinatorCollector {
	factory := promauto.With(registerer)
	return &CoordinatorCollector{
		messagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_messages_total",
			Help:      "Control messages handled by the coordinator",
		}, []string{"action"}),
		roundsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "global_rounds_total",
			Help:      "Global rounds finished, by outcome",
		}, []string{"outcome"}),
		localRounds: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "local_rounds_total",
			Help:      "Local rounds finished per cluster",
		}, []string{"cluster"}),
		remainingRounds: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "remaining_global_rounds",
			Help:      "Global rounds left in the budget",
		}),
		roundAccuracy: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "validation_accuracy",
			Help:      "Accuracy reported by entry nodes in the last global round",
		}),
		registered: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registered_clients",
			Help:      "Nodes registered with the coordinator",
		}),
	}
}

func (c *CoordinatorCollector) ObserveMessage(action string) {
	if c == nil {
		return
	}
	c.messagesTotal.WithLabelValues(action).Inc()
}

func (c *CoordinatorCollector) ObserveGlobalRound(outcome string, remaining int) {
	if c == nil {
		return
	}
	c.roundsTotal.WithLabelValues(outcome).Inc()
	c.remainingRounds.Set(float64(remaining))
}

func (c *CoordinatorCollector) ObserveLocalRound(cluster int) {
	if c == nil {
		return
	}
	c.localRounds.WithLabelValues(strconv.Itoa(cluster)).Inc()
}

func (c *CoordinatorCollector) SetAccuracy(accuracy float64) {
	if c == nil {
		return
	}
	c.roundAccuracy.Set(accuracy)
}

func (c *CoordinatorCollector) SetRegistered(n int) {
	if c == nil {
		return
	}
	c.registered.Set(float64(n))
}
