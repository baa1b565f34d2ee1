// Package metrics exposes Prometheus instruments for sessions, turns and dispatches.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "voice_agent"

// Collector owns its registry so tests can build as many as they like.
// All methods are safe on a nil receiver.
type Collector struct {
	registry *prometheus.Registry

	activeSessions   prometheus.Gauge
	stateTransitions *prometheus.CounterVec
	turns            *prometheus.CounterVec
	interruptions    prometheus.Counter
	staleResults     *prometheus.CounterVec
	stageDuration    *prometheus.HistogramVec
	dispatches       *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	lateDispatches   *prometheus.CounterVec
	framesDropped    prometheus.Counter
}

// NewCollector builds and registers every instrument.
func NewCollector() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Number of sessions currently bound to a participant",
	})
	c.stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "state_transitions_total",
		Help:      "Turn controller state transitions",
	}, []string{"from", "to"})
	c.turns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "turns_total",
		Help:      "Completed turns by outcome",
	}, []string{"outcome"})
	c.interruptions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "interruptions_total",
		Help:      "Replies cut short by the participant",
	})
	c.staleResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stale_results_total",
		Help:      "Async step results discarded because their turn was superseded",
	}, []string{"step"})
	c.stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "stage_duration_seconds",
		Help:      "Latency of transcription, reasoning and first synthesized audio",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"stage"})
	c.dispatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatches_total",
		Help:      "Task dispatches by method and outcome",
	}, []string{"method", "outcome"})
	c.dispatchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_duration_seconds",
		Help:      "Round trip of remote task calls",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"method"})
	c.lateDispatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "late_dispatch_results_total",
		Help:      "Remote results that arrived after the controller stopped waiting",
	}, []string{"method", "outcome"})
	c.framesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audio_frames_dropped_total",
		Help:      "Inbound audio frames dropped because the ingestion queue was full",
	})

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.activeSessions,
		c.stateTransitions,
		c.turns,
		c.interruptions,
		c.staleResults,
		c.stageDuration,
		c.dispatches,
		c.dispatchDuration,
		c.lateDispatches,
		c.framesDropped,
	)
	return c
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) SessionStarted() {
	if c == nil {
		return
	}
	c.activeSessions.Inc()
}

func (c *Collector) SessionEnded() {
	if c == nil {
		return
	}
	c.activeSessions.Dec()
}

func (c *Collector) Transition(from, to string) {
	if c == nil {
		return
	}
	c.stateTransitions.WithLabelValues(from, to).Inc()
}

func (c *Collector) TurnFinished(outcome string) {
	if c == nil {
		return
	}
	c.turns.WithLabelValues(outcome).Inc()
}

func (c *Collector) Interrupted() {
	if c == nil {
		return
	}
	c.interruptions.Inc()
}

func (c *Collector) StaleResult(step string) {
	if c == nil {
		return
	}
	c.staleResults.WithLabelValues(step).Inc()
}

func (c *Collector) ObserveStage(stage string, d time.Duration) {
	if c == nil {
		return
	}
	c.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (c *Collector) ObserveDispatch(method, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.dispatches.WithLabelValues(method, outcome).Inc()
	c.dispatchDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (c *Collector) LateDispatch(method, outcome string) {
	if c == nil {
		return
	}
	c.lateDispatches.WithLabelValues(method, outcome).Inc()
}

func (c *Collector) FrameDropped() {
	if c == nil {
		return
	}
	c.framesDropped.Inc()
}
