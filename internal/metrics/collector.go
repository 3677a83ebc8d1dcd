// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the subsystem's Prometheus instruments. Instruments are
// registered against an injected registerer so tests can use isolated
// registries without duplicate-registration panics.
type Collector struct {
	observationsAdded *prometheus.CounterVec
	reflectionRuns    prometheus.Counter

	retrievalDuration *prometheus.HistogramVec
	retrievalDegraded *prometheus.CounterVec
	retrievalTokens   prometheus.Histogram

	distillRuns    *prometheus.CounterVec
	mergeConflicts prometheus.Counter

	casesStored prometheus.Gauge
	rulesStored prometheus.Gauge
}

// NewCollector registers all instruments on the given registerer.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		observationsAdded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "observations_added_total",
				Help:      "Observations recorded into working memory",
			},
			[]string{"kind"},
		),
		reflectionRuns: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reflection_runs_total",
				Help:      "Reflection syntheses triggered by accumulated importance",
			},
		),
		retrievalDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "retrieval_duration_seconds",
				Help:      "Context retrieval duration",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"degraded"},
		),
		retrievalDegraded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retrieval_degraded_total",
				Help:      "Sub-store failures during retrieval",
			},
			[]string{"source"},
		),
		retrievalTokens: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "retrieval_tokens_used",
				Help:      "Tokens spent per assembled context bundle",
				Buckets:   prometheus.ExponentialBuckets(64, 2, 8),
			},
		),
		distillRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "distill_runs_total",
				Help:      "Distillation pipeline outcomes",
			},
			[]string{"status", "stage"},
		),
		mergeConflicts: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rule_merge_conflicts_total",
				Help:      "Rule merges abandoned after compare-and-swap retries",
			},
		),
		casesStored: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cases_stored",
				Help:      "Cases currently stored",
			},
		),
		rulesStored: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "rules_stored",
				Help:      "Rules currently stored, including sub-floor ones",
			},
		),
	}
}

// ObservationAdded counts one recorded observation.
func (c *Collector) ObservationAdded(kind string) {
	c.observationsAdded.WithLabelValues(kind).Inc()
}

// ReflectionRun counts one reflection synthesis.
func (c *Collector) ReflectionRun() {
	c.reflectionRuns.Inc()
}

// RetrievalObserved records one retrieval's duration, degradation and
// token spend.
func (c *Collector) RetrievalObserved(d time.Duration, degraded bool, failedSources []string, tokens int) {
	label := "false"
	if degraded {
		label = "true"
	}
	c.retrievalDuration.WithLabelValues(label).Observe(d.Seconds())
	for _, src := range failedSources {
		c.retrievalDegraded.WithLabelValues(src).Inc()
	}
	if tokens > 0 {
		c.retrievalTokens.Observe(float64(tokens))
	}
}

// DistillRun counts one pipeline outcome by status and terminal stage.
func (c *Collector) DistillRun(status, stage string) {
	c.distillRuns.WithLabelValues(status, stage).Inc()
}

// MergeConflict counts one exhausted merge.
func (c *Collector) MergeConflict() {
	c.mergeConflicts.Inc()
}

// SetStoreSizes updates the store-size gauges.
func (c *Collector) SetStoreSizes(cases, rules int64) {
	c.casesStored.Set(float64(cases))
	c.rulesStored.Set(float64(rules))
}
