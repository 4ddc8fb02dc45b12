package monitoring

import (
	"strconv"
	"time"

	"deskrelay/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.MetricsRecorder and the relay and
// HTTP instrumentation hooks.
type PrometheusCollector struct {
	sessionsActive     prometheus.Gauge
	sessionsRegistered prometheus.Counter
	sessionsRemoved    *prometheus.CounterVec

	connectionTransitions *prometheus.CounterVec

	framesTotal   *prometheus.CounterVec
	frameBytes    *prometheus.CounterVec
	framesDropped *prometheus.CounterVec
	frameSize     prometheus.Histogram

	relayPeers  prometheus.Gauge
	relayEvents *prometheus.CounterVec

	httpDuration *prometheus.HistogramVec
}

// NewPrometheusCollector registers on reg; nil means the default registry.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &PrometheusCollector{
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "deskrelay_sessions_active",
			Help: "Sessions currently registered",
		}),
		sessionsRegistered: f.NewCounter(prometheus.CounterOpts{
			Name: "deskrelay_sessions_registered_total",
			Help: "Session registrations, including overwrites",
		}),
		sessionsRemoved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deskrelay_sessions_removed_total",
			Help: "Sessions removed from the registry by reason",
		}, []string{"reason"}),

		connectionTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deskrelay_connection_transitions_total",
			Help: "Connection state machine transitions by target state",
		}, []string{"state"}),

		framesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deskrelay_frames_total",
			Help: "Frames moved by direction",
		}, []string{"direction"}),
		frameBytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deskrelay_frame_bytes_total",
			Help: "Frame payload bytes moved by direction",
		}, []string{"direction"}),
		framesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deskrelay_frames_dropped_total",
			Help: "Frames dropped by reason",
		}, []string{"reason"}),
		frameSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "deskrelay_frame_size_bytes",
			Help:    "Size of frame payloads",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		}),

		relayPeers: f.NewGauge(prometheus.GaugeOpts{
			Name: "deskrelay_relay_peers",
			Help: "Websocket peers connected to the relay",
		}),
		relayEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deskrelay_relay_events_total",
			Help: "Relay events handled by name",
		}, []string{"event"}),

		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deskrelay_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"method", "route", "status"}),
	}
}

func (p *PrometheusCollector) SessionRegistered() {
	p.sessionsRegistered.Inc()
}

func (p *PrometheusCollector) SessionRemoved(reason string) {
	p.sessionsRemoved.WithLabelValues(reason).Inc()
}

// SetActiveSessions is refreshed by the health handler and the sweep loop.
func (p *PrometheusCollector) SetActiveSessions(n int) {
	p.sessionsActive.Set(float64(n))
}

func (p *PrometheusCollector) ConnectionTransition(state domain.ConnectionState) {
	p.connectionTransitions.WithLabelValues(string(state)).Inc()
}

func (p *PrometheusCollector) FrameSent(bytes int) {
	p.framesTotal.WithLabelValues("sent").Inc()
	p.frameBytes.WithLabelValues("sent").Add(float64(bytes))
	p.frameSize.Observe(float64(bytes))
}

func (p *PrometheusCollector) FrameReceived(bytes int) {
	p.framesTotal.WithLabelValues("received").Inc()
	p.frameBytes.WithLabelValues("received").Add(float64(bytes))
}

func (p *PrometheusCollector) FrameDropped(reason string) {
	p.framesDropped.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) RelayPeerConnected() {
	p.relayPeers.Inc()
}

func (p *PrometheusCollector) RelayPeerDisconnected() {
	p.relayPeers.Dec()
}

func (p *PrometheusCollector) RelayEvent(event string) {
	p.relayEvents.WithLabelValues(event).Inc()
}

func (p *PrometheusCollector) ObserveHTTPRequest(method, route string, status int, d time.Duration) {
	p.httpDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}
