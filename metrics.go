package carenest

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the SDK's prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	ConnectionState   *prometheus.GaugeVec
	ReconnectAttempts prometheus.Counter
	MessagesSent      prometheus.Counter
	MessagesFailed    prometheus.Counter
	UploadFailures    prometheus.Counter
	NotificationsIn   *prometheus.CounterVec
	QueueDepth        *prometheus.GaugeVec
	ReplayedEntries   *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "carenest",
			Name:      "connection_state",
			Help:      "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "carenest",
			Name:      "reconnect_attempts_total",
			Help:      "Automatic reconnect attempts scheduled.",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "carenest",
			Name:      "messages_sent_total",
			Help:      "Messages written to the channel.",
		}),
		MessagesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "carenest",
			Name:      "messages_failed_total",
			Help:      "Messages that ended in FAILED.",
		}),
		UploadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "carenest",
			Name:      "upload_failures_total",
			Help:      "Attachment uploads rejected by the storage backend.",
		}),
		NotificationsIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carenest",
			Name:      "notifications_ingested_total",
			Help:      "Notifications ingested, by outcome.",
		}, []string{"outcome"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "carenest",
			Name:      "offline_queue_depth",
			Help:      "Pending offline queue entries per category.",
		}, []string{"category"}),
		ReplayedEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carenest",
			Name:      "offline_replayed_total",
			Help:      "Offline queue replays, by category and result.",
		}, []string{"category", "result"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ConnectionState, m.ReconnectAttempts, m.MessagesSent, m.MessagesFailed,
			m.UploadFailures, m.NotificationsIn, m.QueueDepth, m.ReplayedEntries,
		)
	}
	return m
}

func (m *Metrics) connectionState(s ConnectionState) {
	if m == nil {
		return
	}
	for _, st := range []ConnectionState{StateDisconnected, StateConnecting, StateConnected, StateReconnecting} {
		v := 0.0
		if st == s {
			v = 1
		}
		m.ConnectionState.WithLabelValues(string(st)).Set(v)
	}
}

func (m *Metrics) reconnectAttempt() {
	if m != nil {
		m.ReconnectAttempts.Inc()
	}
}

func (m *Metrics) messageSent() {
	if m != nil {
		m.MessagesSent.Inc()
	}
}

func (m *Metrics) messageFailed() {
	if m != nil {
		m.MessagesFailed.Inc()
	}
}

func (m *Metrics) uploadFailed() {
	if m != nil {
		m.UploadFailures.Inc()
	}
}

func (m *Metrics) notification(outcome string) {
	if m != nil {
		m.NotificationsIn.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) queueDepth(c QueueCategory, n int) {
	if m != nil {
		m.QueueDepth.WithLabelValues(string(c)).Set(float64(n))
	}
}

func (m *Metrics) replayed(c QueueCategory, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.ReplayedEntries.WithLabelValues(string(c), result).Inc()
}
