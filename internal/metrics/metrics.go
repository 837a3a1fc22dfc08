// Package metrics exports engine activity as Prometheus metrics.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/rulez/internal/engine"
	"github.com/roach88/rulez/internal/rules"
)

const namespace = "rulez"

// Collector records passes and firings of the engines it observes.
// Register one Collector per registry; it can observe many engines.
type Collector struct {
	passes         *prometheus.CounterVec
	firings        *prometheus.CounterVec
	passSteps      prometheus.Histogram
	nonTerminating *prometheus.CounterVec
	facts          *prometheus.GaugeVec
}

// NewCollector creates a Collector and registers its metrics on reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		// Labels: fired ("true", "false")
		passes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "passes_total",
			Help:      "Evaluation passes run",
		}, []string{"fired"}),

		// Labels: rule
		firings: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "firings_total",
			Help:      "Rule firings by rule name",
		}, []string{"rule"}),

		passSteps: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pass_steps",
			Help:      "Rule firings per evaluation pass",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024},
		}),

		// Labels: reason (cycle, limit)
		nonTerminating: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nonterminating_total",
			Help:      "Passes stopped before reaching a fixpoint",
		}, []string{"reason"}),

		// Labels: engine
		facts: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "true_facts",
			Help:      "Number of true facts after the last pass",
		}, []string{"engine"}),
	}
}

// OnFire implements engine.Observer.
func (c *Collector) OnFire(_ string, f engine.Firing) {
	c.firings.WithLabelValues(f.RuleName).Inc()
}

// OnPassEnd implements engine.Observer.
func (c *Collector) OnPassEnd(r engine.PassReport) {
	fired := "false"
	if r.Fired {
		fired = "true"
	}
	c.passes.WithLabelValues(fired).Inc()
	c.passSteps.Observe(float64(r.Steps))
	c.facts.WithLabelValues(r.EngineID).Set(float64(rules.Mask(r.After.Facts).Count()))

	var nt *engine.NonTerminatingError
	if errors.As(r.Err, &nt) {
		reason := "limit"
		if nt.Cycle {
			reason = "cycle"
		}
		c.nonTerminating.WithLabelValues(reason).Inc()
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

var _ engine.Observer = (*Collector)(nil)
