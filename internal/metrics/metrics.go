package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Agent processes launched, by sub-command and spawn result.
	ProcessLaunches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rysk_process_launches_total",
			Help: "Total number of ryskV12 agent processes launched.",
		},
		[]string{"command", "result"}, // result = "ok" | "error"
	)

	ProcessExits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rysk_process_exits_total",
			Help: "Agent process exits by sub-command and exit code.",
		},
		[]string{"command", "code"},
	)

	ProcessLifetime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rysk_process_lifetime_seconds",
			Help:    "Wall time between agent launch and exit.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 12), // 10ms → ~12h
		},
		[]string{"command"},
	)

	// Inbound lines classified per channel.
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rysk_messages_received_total",
			Help: "Inbound agent messages by channel and payload kind.",
		},
		[]string{"channel", "kind"},
	)

	FramingErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rysk_framing_errors_total",
			Help: "Inbound lines dropped because they were not JSON-RPC envelopes.",
		},
		[]string{"channel"},
	)

	QuotesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rysk_quotes_total",
			Help: "Quotes produced for inbound RFQs, by result.",
		},
		[]string{"result"}, // sent | rejected | error
	)

	QuoteLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rysk_quote_turnaround_seconds",
			Help:    "Time from RFQ receipt to quote command launch.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"channel"},
	)

	ActiveChannels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rysk_active_channels",
			Help: "Channels whose connect process is currently running.",
		},
	)

	// Relay publications by sink and subject.
	RelayMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rysk_relay_messages_total",
			Help: "Events relayed downstream, by sink, subject and result.",
		},
		[]string{"sink", "subject", "result"},
	)

	RelayLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rysk_relay_latency_seconds",
			Help:    "Time taken to publish a relayed event.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sink"},
	)

	// Tracks total errors (aggregated).
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adapter_errors_total",
			Help: "Count of adapter-level errors by component.",
		},
		[]string{"component", "reason"},
	)
)

// ObserveDuration records the time since start on a histogram vector.
func ObserveDuration(v interface{}, start time.Time, labels ...string) {
	if start.IsZero() {
		return
	}
	duration := time.Since(start).Seconds()

	switch metric := v.(type) {
	case *prometheus.HistogramVec:
		metric.WithLabelValues(labels...).Observe(duration)
	case *prometheus.SummaryVec:
		metric.WithLabelValues(labels...).Observe(duration)
	}
}

func IncMessage(channel, kind string) {
	MessagesReceived.WithLabelValues(channel, kind).Inc()
}

func IncFramingError(channel string) {
	FramingErrors.WithLabelValues(channel).Inc()
}

func IncQuote(result string) {
	QuotesSent.WithLabelValues(result).Inc()
}

func IncRelay(sink, subject, result string) {
	RelayMessages.WithLabelValues(sink, subject, result).Inc()
}

func IncError(component, reason string) {
	ErrorsTotal.WithLabelValues(component, reason).Inc()
}
