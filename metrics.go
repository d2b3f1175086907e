package uthhub

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the engine's Prometheus collectors. A nil registerer yields
// working but unregistered collectors.
type Metrics struct {
	ConnectionState *prometheus.GaugeVec
	Reconnects      prometheus.Counter
	Frames          *prometheus.CounterVec
	DecodeErrors    *prometheus.CounterVec
	Dropped         *prometheus.CounterVec
	Subscriptions   prometheus.Gauge
	Sends           *prometheus.CounterVec
	OutboxDepth     prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnectionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "uthhub",
			Name:      "connection_state",
			Help:      "1 for the current connection state, 0 for the others.",
		}, []string{"state"}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: "uthhub",
			Name:      "reconnects_total",
			Help:      "Scheduled reconnection attempts.",
		}),
		Frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "uthhub",
			Name:      "frames_received_total",
			Help:      "MESSAGE frames routed to a subscription.",
		}, []string{"routed"}),
		DecodeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "uthhub",
			Name:      "decode_errors_total",
			Help:      "Frames discarded because their handler failed.",
		}, []string{"topic_kind"}),
		Dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "uthhub",
			Name:      "events_dropped_total",
			Help:      "Pushed events ignored by the conversation store.",
		}, []string{"reason"}),
		Subscriptions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "uthhub",
			Name:      "subscriptions",
			Help:      "Topics with a registered handler, armed or pending.",
		}),
		Sends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "uthhub",
			Name:      "sends_total",
			Help:      "Outbound commands by result.",
		}, []string{"result"}),
		OutboxDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "uthhub",
			Name:      "outbox_depth",
			Help:      "Commands waiting for a connection.",
		}),
	}
}

func (m *Metrics) setState(s State) {
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		m.ConnectionState.WithLabelValues(string(st)).Set(v)
	}
}

// topicKind collapses a destination into a low-cardinality label.
func topicKind(topic string) string {
	switch {
	case hasPrefixSuffix(topic, "/topic/conversation/", "/typing"):
		return "typing"
	case hasPrefixSuffix(topic, "/topic/conversation/", "/read"):
		return "read"
	case hasPrefixSuffix(topic, "/topic/conversation/", ""):
		return "conversation"
	case hasPrefixSuffix(topic, "/topic/active/", ""):
		return "presence"
	case hasPrefixSuffix(topic, "/topic/notifications/", ""):
		return "notifications"
	case hasPrefixSuffix(topic, "/user/queue/", ""):
		return "queue"
	}
	return "other"
}

func hasPrefixSuffix(s, prefix, suffix string) bool {
	return len(s) >= len(prefix)+len(suffix) && strings.HasPrefix(s, prefix) && strings.HasSuffix(s, suffix)
}
