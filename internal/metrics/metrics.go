// Package metrics exposes engine and relay counters to Prometheus. Every
// recorder method is safe on a nil *Metrics so components can run without
// instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nebula"

// Metrics holds the collectors registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	sends          *prometheus.CounterVec
	sendLatency    prometheus.Histogram
	pushes         *prometheus.CounterVec
	reconcileMiss  prometheus.Counter
	historyFetches *prometheus.CounterVec
	callOutcomes   *prometheus.CounterVec
	channelState   *prometheus.GaugeVec
	busDrops       *prometheus.CounterVec

	relayConns    prometheus.Gauge
	relayFrames   *prometheus.CounterVec
	relayLimited  prometheus.Counter
	relayRejected *prometheus.CounterVec
}

// New creates a Metrics with its own registry, including Go runtime and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		sends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Message sends by outcome.",
		}, []string{"outcome"}),
		sendLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Time from submit to server confirmation or failure.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15},
		}),
		pushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pushes_total",
			Help:      "Pushed messages by result.",
		}, []string{"result"}),
		reconcileMiss: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_misses_total",
			Help:      "Confirmations or failures for entries no longer present.",
		}),
		historyFetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_fetches_total",
			Help:      "History page fetches by outcome.",
		}, []string{"outcome"}),
		callOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_outcomes_total",
			Help:      "Recorded call outcomes by status and media.",
		}, []string{"status", "media"}),
		channelState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_state",
			Help:      "1 for the current realtime channel state.",
		}, []string{"state"}),
		busDrops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_dropped_events_total",
			Help:      "Events dropped for slow subscribers.",
		}, []string{"kind"}),
		relayConns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Bound relay connections.",
		}),
		relayFrames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_total",
			Help:      "Frames routed by the relay, by event.",
		}, []string{"event"}),
		relayLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "rate_limited_total",
			Help:      "Inbound frames discarded by the rate limiter.",
		}),
		relayRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "rejected_total",
			Help:      "Refused connections or binds, by reason.",
		}, []string{"reason"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveSend records one finished send. outcome is "confirmed" or "failed".
func (m *Metrics) ObserveSend(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(outcome).Inc()
	m.sendLatency.Observe(took.Seconds())
}

// ObservePush records a pushed message as "added" or "duplicate".
func (m *Metrics) ObservePush(added bool) {
	if m == nil {
		return
	}
	result := "duplicate"
	if added {
		result = "added"
	}
	m.pushes.WithLabelValues(result).Inc()
}

// ReconcileMiss counts a confirmation that matched nothing.
func (m *Metrics) ReconcileMiss() {
	if m == nil {
		return
	}
	m.reconcileMiss.Inc()
}

// ObserveHistory records a history fetch as "ok" or "failed".
func (m *Metrics) ObserveHistory(outcome string) {
	if m == nil {
		return
	}
	m.historyFetches.WithLabelValues(outcome).Inc()
}

// ObserveCall records a call outcome message.
func (m *Metrics) ObserveCall(status, media string) {
	if m == nil {
		return
	}
	m.callOutcomes.WithLabelValues(status, media).Inc()
}

// SetChannelState marks state as current and clears prev.
func (m *Metrics) SetChannelState(prev, state string) {
	if m == nil {
		return
	}
	if prev != "" {
		m.channelState.WithLabelValues(prev).Set(0)
	}
	m.channelState.WithLabelValues(state).Set(1)
}

// BusDrop counts an event lost to a full subscriber.
func (m *Metrics) BusDrop(kind string) {
	if m == nil {
		return
	}
	m.busDrops.WithLabelValues(kind).Inc()
}

// RelayConnections adjusts the bound connection gauge by delta.
func (m *Metrics) RelayConnections(delta float64) {
	if m == nil {
		return
	}
	m.relayConns.Add(delta)
}

// RelayFrame counts one routed frame.
func (m *Metrics) RelayFrame(event string) {
	if m == nil {
		return
	}
	m.relayFrames.WithLabelValues(event).Inc()
}

// RelayRateLimited counts one discarded frame.
func (m *Metrics) RelayRateLimited() {
	if m == nil {
		return
	}
	m.relayLimited.Inc()
}

// RelayRejected counts one refused connection or bind.
func (m *Metrics) RelayRejected(reason string) {
	if m == nil {
		return
	}
	m.relayRejected.WithLabelValues(reason).Inc()
}
