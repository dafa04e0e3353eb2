package monitoring

import (
	"time"

	"huddle/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	peersConnected prometheus.Gauge
	roomsActive    prometheus.Gauge
	connections    prometheus.Gauge

	eventsTotal     *prometheus.CounterVec
	eventDuration   *prometheus.HistogramVec
	engineErrors    *prometheus.CounterVec
	routersReaped   prometheus.Counter
	droppedMessages prometheus.Counter
	rateLimited     prometheus.Counter

	resources *prometheus.GaugeVec
}

var _ ports.SessionMetrics = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers the collector's metrics with reg. Tests
// pass a fresh prometheus.NewRegistry().
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		peersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "huddle_peers_joined",
			Help: "Number of peers currently joined to a room",
		}),

		roomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "huddle_rooms_active",
			Help: "Number of rooms with at least one member",
		}),

		connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "huddle_signal_connections",
			Help: "Number of open signaling connections",
		}),

		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_signal_events_total",
			Help: "Signaling events handled, by event and result",
		}, []string{"event", "result"}),

		eventDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "huddle_signal_event_duration_seconds",
			Help:    "Time spent handling a signaling event",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"event"}),

		engineErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_engine_errors_total",
			Help: "Failed media engine calls, by operation",
		}, []string{"operation"}),

		routersReaped: factory.NewCounter(prometheus.CounterOpts{
			Name: "huddle_routers_reaped_total",
			Help: "Routers closed because their room was never joined",
		}),

		droppedMessages: factory.NewCounter(prometheus.CounterOpts{
			Name: "huddle_signal_dropped_messages_total",
			Help: "Outbound messages dropped because a send queue was full",
		}),

		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "huddle_signal_rate_limited_total",
			Help: "Inbound messages rejected by the per-connection rate limiter",
		}),

		resources: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "huddle_engine_resources",
			Help: "Engine handles held by the resource registry, by type",
		}, []string{"type"}),
	}
}

func (p *PrometheusCollector) RecordEvent(event string, duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	p.eventsTotal.WithLabelValues(event, result).Inc()
	p.eventDuration.WithLabelValues(event).Observe(duration.Seconds())
}

func (p *PrometheusCollector) RecordPeerConnected()    { p.peersConnected.Inc() }
func (p *PrometheusCollector) RecordPeerDisconnected() { p.peersConnected.Dec() }
func (p *PrometheusCollector) RecordRoomCreated()      { p.roomsActive.Inc() }
func (p *PrometheusCollector) RecordRoomClosed()       { p.roomsActive.Dec() }

func (p *PrometheusCollector) RecordEngineError(operation string) {
	p.engineErrors.WithLabelValues(operation).Inc()
}

func (p *PrometheusCollector) RecordRoutersReaped(n int) {
	p.routersReaped.Add(float64(n))
}

func (p *PrometheusCollector) SetResourceCounts(counts ports.ResourceCounts) {
	p.resources.WithLabelValues("connection").Set(float64(counts.Peers))
	p.resources.WithLabelValues("transport").Set(float64(counts.Transports))
	p.resources.WithLabelValues("producer").Set(float64(counts.Producers))
	p.resources.WithLabelValues("consumer").Set(float64(counts.Consumers))
}

func (p *PrometheusCollector) ConnectionOpened() { p.connections.Inc() }
func (p *PrometheusCollector) ConnectionClosed() { p.connections.Dec() }
func (p *PrometheusCollector) MessageDropped()   { p.droppedMessages.Inc() }
func (p *PrometheusCollector) RateLimited()      { p.rateLimited.Inc() }
