package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Sources of an appended or dropped message signal.
const (
	SourceLocal   = "local"
	SourceAck     = "ack"
	SourcePush    = "push"
	SourceFetch   = "fetch"
	SourceUnknown = "unknown"
)

// Metrics holds the client counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	MessagesAppended     *prometheus.CounterVec
	DuplicatesDropped    *prometheus.CounterVec
	PushEvents           *prometheus.CounterVec
	SendFailures         prometheus.Counter
	ReactionReplacements *prometheus.CounterVec
	Reconnects           prometheus.Counter
}

// New creates the counters and registers them on reg when reg is non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shipchat",
			Name:      "messages_appended_total",
			Help:      "Messages accepted into a conversation store, by source.",
		}, []string{"source"}),
		DuplicatesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shipchat",
			Name:      "duplicates_dropped_total",
			Help:      "Message signals dropped because the id was already stored, by source.",
		}, []string{"source"}),
		PushEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shipchat",
			Name:      "push_events_total",
			Help:      "Push channel events dispatched, by event type.",
		}, []string{"type"}),
		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shipchat",
			Name:      "send_failures_total",
			Help:      "Send requests that failed and left a retryable entry.",
		}),
		ReactionReplacements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shipchat",
			Name:      "reaction_replacements_total",
			Help:      "Reaction aggregates replaced from canonical state, by source.",
		}, []string{"source"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shipchat",
			Name:      "push_reconnects_total",
			Help:      "Successful push channel reconnects.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.MessagesAppended,
			m.DuplicatesDropped,
			m.PushEvents,
			m.SendFailures,
			m.ReactionReplacements,
			m.Reconnects,
		)
	}
	return m
}

// Appended records an accepted message.
func (m *Metrics) Appended(source string) {
	if m == nil {
		return
	}
	m.MessagesAppended.WithLabelValues(source).Inc()
}

// Duplicate records a dropped duplicate signal.
func (m *Metrics) Duplicate(source string) {
	if m == nil {
		return
	}
	m.DuplicatesDropped.WithLabelValues(source).Inc()
}

// Push records one dispatched push event.
func (m *Metrics) Push(eventType string) {
	if m == nil {
		return
	}
	m.PushEvents.WithLabelValues(eventType).Inc()
}

// SendFailed records a failed send.
func (m *Metrics) SendFailed() {
	if m == nil {
		return
	}
	m.SendFailures.Inc()
}

// ReactionsReplaced records a wholesale aggregate replacement.
func (m *Metrics) ReactionsReplaced(source string) {
	if m == nil {
		return
	}
	m.ReactionReplacements.WithLabelValues(source).Inc()
}

// Reconnected records a successful reconnect.
func (m *Metrics) Reconnected() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}
