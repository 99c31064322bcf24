// Package metrics exposes the process's Prometheus metrics: active
// sessions, fan-out subscribers, dropped frames, and STT reconnects.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Recorder wraps the gauges and counters scraped at /metrics.
type Recorder struct {
	ActiveConversations prometheus.Gauge
	ActiveSubscribers   prometheus.Gauge
	FramesDropped       prometheus.Counter
	STTReconnects       prometheus.Counter
	SessionErrors       *prometheus.CounterVec
}

// NewRecorder registers every metric against registry and returns the Recorder.
func NewRecorder(registry prometheus.Registerer) *Recorder {
	r := &Recorder{
		ActiveConversations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voicegate",
			Name:      "active_conversation_sessions",
			Help:      "Number of conversation sessions currently open.",
		}),
		ActiveSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voicegate",
			Name:      "active_broadcast_subscribers",
			Help:      "Number of broadcast subscribers currently connected.",
		}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voicegate",
			Name:      "fanout_frames_dropped_total",
			Help:      "Audio frames dropped by the fan-out hub under backpressure.",
		}),
		STTReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voicegate",
			Name:      "stt_reconnects_total",
			Help:      "Broadcast Session STT stream reconnect attempts.",
		}),
		SessionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicegate",
			Name:      "session_errors_total",
			Help:      "Session errors by taxonomy kind.",
		}, []string{"kind"}),
	}

	registry.MustRegister(r.ActiveConversations, r.ActiveSubscribers, r.FramesDropped, r.STTReconnects, r.SessionErrors)
	return r
}
