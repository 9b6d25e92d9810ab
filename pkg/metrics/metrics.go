// Package metrics exposes relay counters and gauges to Prometheus.
//
// A nil *Recorder is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "zentalk_relay"

// Recorder holds the relay collectors
type Recorder struct {
	peers          prometheus.Gauge
	pending        prometheus.Gauge
	channels       prometheus.Gauge
	connects       prometheus.Counter
	disconnects    *prometheus.CounterVec
	handshakeFails *prometheus.CounterVec
	framesIn       *prometheus.CounterVec
	framesOut      prometheus.Counter
	datagramsIn    *prometheus.CounterVec
	datagramsOut   prometheus.Counter
	sendDrops      prometheus.Counter
	denials        *prometheus.CounterVec
}

// NewRecorder creates a recorder and registers it with reg
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Authenticated peers currently connected.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_connections",
			Help:      "Connections waiting for the handshake.",
		}),
		channels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels",
			Help:      "Open channels.",
		}),
		connects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_connects_total",
			Help:      "Completed handshakes.",
		}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_disconnects_total",
			Help:      "Dropped peers by reason.",
		}, []string{"reason"}),
		handshakeFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "Pending connections closed before authentication.",
		}, []string{"reason"}),
		framesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Stream frames received by type.",
		}, []string{"type"}),
		framesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Stream frames queued for delivery.",
		}),
		datagramsIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_received_total",
			Help:      "Datagrams received by type.",
		}, []string{"type"}),
		datagramsOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_sent_total",
			Help:      "Datagrams sent.",
		}),
		sendDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_queue_drops_total",
			Help:      "Frames dropped because a connection's send queue was full.",
		}),
		denials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_denied_total",
			Help:      "Denied requests by operation.",
		}, []string{"op"}),
	}

	if reg != nil {
		reg.MustRegister(
			r.peers, r.pending, r.channels, r.connects, r.disconnects,
			r.handshakeFails, r.framesIn, r.framesOut, r.datagramsIn,
			r.datagramsOut, r.sendDrops, r.denials,
		)
	}
	return r
}

// SetCounts updates the population gauges
func (r *Recorder) SetCounts(peers, pending, channels int) {
	if r == nil {
		return
	}
	r.peers.Set(float64(peers))
	r.pending.Set(float64(pending))
	r.channels.Set(float64(channels))
}

func (r *Recorder) PeerConnected() {
	if r == nil {
		return
	}
	r.connects.Inc()
}

func (r *Recorder) PeerDisconnected(reason string) {
	if r == nil {
		return
	}
	r.disconnects.WithLabelValues(reason).Inc()
}

func (r *Recorder) HandshakeFailed(reason string) {
	if r == nil {
		return
	}
	r.handshakeFails.WithLabelValues(reason).Inc()
}

func (r *Recorder) FrameReceived(typ string) {
	if r == nil {
		return
	}
	r.framesIn.WithLabelValues(typ).Inc()
}

func (r *Recorder) FrameSent() {
	if r == nil {
		return
	}
	r.framesOut.Inc()
}

func (r *Recorder) DatagramReceived(typ string) {
	if r == nil {
		return
	}
	r.datagramsIn.WithLabelValues(typ).Inc()
}

func (r *Recorder) DatagramSent() {
	if r == nil {
		return
	}
	r.datagramsOut.Inc()
}

func (r *Recorder) SendDropped() {
	if r == nil {
		return
	}
	r.sendDrops.Inc()
}

func (r *Recorder) Denied(op string) {
	if r == nil {
		return
	}
	r.denials.WithLabelValues(op).Inc()
}
