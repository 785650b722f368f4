package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Capture loop
	FramesCaptured  atomic.Uint64
	FramesSent      atomic.Uint64
	FramesUnchanged atomic.Uint64
	FramesSkipped   atomic.Uint64 // shouldSend but no authority
	Keyframes       atomic.Uint64
	BytesSent       atomic.Uint64
	LastChangeBP    atomic.Uint64 // last change percent in basis points

	// Capture errors
	DeviceErrors atomic.Uint64
	EncodeErrors atomic.Uint64
	SendErrors   atomic.Uint64

	// Receive path
	FramesReceived atomic.Uint64
	FramesApplied  atomic.Uint64
	DecodeErrors   atomic.Uint64
	SelfFrames     atomic.Uint64

	// Authority fan-out
	RelayFramesIn   atomic.Uint64
	RelayDeliveries atomic.Uint64
	RelayDrops      atomic.Uint64
	ConnectedPeers  atomic.Uint64
	TotalPeers      atomic.Uint64

	// Signalling
	SignalSessions  atomic.Uint64
	SignalForwarded atomic.Uint64
	PeerSessions    atomic.Uint64

	// Encode latency
	EncodeLatencyUs atomic.Uint64

	// Recording state
	RecordingActive atomic.Uint64 // 0 = inactive, 1 = active
	RecordingBytes  atomic.Uint64
	RecordingFrames atomic.Uint64

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.registerPrometheusMetrics()

	return m
}

type gauge struct {
	name  string
	help  string
	value *atomic.Uint64
}

func (m *Metrics) gauges() []gauge {
	return []gauge{
		{"videorelay_frames_captured_total", "Frames read from the capture device", &m.FramesCaptured},
		{"videorelay_frames_sent_total", "Frames encoded and handed to the transport", &m.FramesSent},
		{"videorelay_frames_unchanged_total", "Frames skipped because too little changed", &m.FramesUnchanged},
		{"videorelay_frames_skipped_total", "Frames skipped because no authority was reachable", &m.FramesSkipped},
		{"videorelay_keyframes_total", "Frames sent because the keyframe interval elapsed", &m.Keyframes},
		{"videorelay_bytes_sent_total", "Compressed bytes handed to the transport", &m.BytesSent},
		{"videorelay_last_change_basis_points", "Change percent of the last measured frame, x100", &m.LastChangeBP},
		{"videorelay_device_errors_total", "Capture device read errors", &m.DeviceErrors},
		{"videorelay_encode_errors_total", "JPEG encode errors", &m.EncodeErrors},
		{"videorelay_send_errors_total", "Transport send errors", &m.SendErrors},
		{"videorelay_frames_received_total", "Relayed frames received from other peers", &m.FramesReceived},
		{"videorelay_frames_applied_total", "Received frames applied to a surface", &m.FramesApplied},
		{"videorelay_decode_errors_total", "Received payloads that failed to decode", &m.DecodeErrors},
		{"videorelay_self_frames_total", "Relayed frames dropped because they were our own", &m.SelfFrames},
		{"videorelay_relay_frames_in_total", "Frames received by the authority", &m.RelayFramesIn},
		{"videorelay_relay_deliveries_total", "Per-peer deliveries made by the authority", &m.RelayDeliveries},
		{"videorelay_relay_drops_total", "Per-peer deliveries dropped by the authority", &m.RelayDrops},
		{"videorelay_connected_peers", "Peers connected to the authority", &m.ConnectedPeers},
		{"videorelay_total_peers", "Peers ever connected to the authority", &m.TotalPeers},
		{"videorelay_signal_sessions", "Open signalling sessions", &m.SignalSessions},
		{"videorelay_signal_forwarded_total", "Signalling messages forwarded", &m.SignalForwarded},
		{"videorelay_peer_sessions", "Established peer-to-peer sessions", &m.PeerSessions},
		{"videorelay_encode_latency_us", "Duration of the last JPEG encode in microseconds", &m.EncodeLatencyUs},
		{"videorelay_recording_active", "Recording active (0=inactive, 1=active)", &m.RecordingActive},
		{"videorelay_recording_bytes", "Total bytes written to recording", &m.RecordingBytes},
		{"videorelay_recording_frames", "Total frames written to recording", &m.RecordingFrames},
	}
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	for _, g := range m.gauges() {
		value := g.value
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: g.name,
				Help: g.help,
			},
			func() float64 { return float64(value.Load()) },
		))
	}
}

// UpdateEncodeLatency stores the duration of the last encode
func (m *Metrics) UpdateEncodeLatency(d time.Duration) {
	m.EncodeLatencyUs.Store(uint64(d.Microseconds()))
}

// UpdateChangePercent stores the last measured change percent
func (m *Metrics) UpdateChangePercent(p float64) {
	m.LastChangeBP.Store(uint64(p * 100))
}

// Snapshot returns the current counter values keyed by metric name
func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	for _, g := range m.gauges() {
		out[g.name] = g.value.Load()
	}
	return out
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
