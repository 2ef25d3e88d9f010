package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"feedoracle/core/events"
)

type eventMetrics struct {
	emitted   *prometheus.CounterVec
	transfers *prometheus.CounterVec
	pending   prometheus.Gauge
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking committed registry events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "feedoracle",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of committed events segmented by type.",
			}, []string{"type"}),
			transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "feedoracle",
				Subsystem: "events",
				Name:      "transfers_total",
				Help:      "Count of native transfers segmented by asset.",
			}, []string{"asset"}),
			pending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "feedoracle",
				Subsystem: "events",
				Name:      "pending_requests",
				Help:      "Asynchronous requests accepted but not yet delivered.",
			}),
		}
		prometheus.MustRegister(eventRegistry.emitted, eventRegistry.transfers, eventRegistry.pending)
	})
	return eventRegistry
}

// RecordEvent increments the per-type event counter.
func (m *eventMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.emitted.WithLabelValues(normalizeLabel(eventType)).Inc()
}

// RecordTransfer increments the transfer counter for the supplied asset ticker.
func (m *eventMetrics) RecordTransfer(asset string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToUpper(asset))
	if normalized == "" {
		normalized = "UNKNOWN"
	}
	m.transfers.WithLabelValues(normalized).Inc()
}

// AddPending moves the pending request gauge by delta.
func (m *eventMetrics) AddPending(delta float64) {
	if m == nil {
		return
	}
	m.pending.Add(delta)
}

// EventRecorder is an events.Emitter feeding Events(). Opened and Closed name
// the event types that start and finish an asynchronous request.
type EventRecorder struct {
	Opened string
	Closed string
}

// Emit implements events.Emitter.
func (r EventRecorder) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	m := Events()
	eventType := evt.EventType()
	m.RecordEvent(eventType)
	switch eventType {
	case events.TypeTransfer:
		asset := events.NativeAsset
		if t, ok := evt.(events.Transfer); ok && t.Asset != "" {
			asset = t.Asset
		}
		m.RecordTransfer(asset)
	case "":
	case r.Opened:
		m.AddPending(1)
	case r.Closed:
		m.AddPending(-1)
	}
}
