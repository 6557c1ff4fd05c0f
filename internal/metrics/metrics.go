// Package metrics owns the Prometheus registry and the collectors shared by the ingestion
// pipeline. Every recording method is safe on a nil *Metrics so components can run without it.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skobkin/groundlink/internal/domain"
)

const namespace = "groundlink"

type Metrics struct {
	registry *prometheus.Registry

	messagesReceived  *prometheus.CounterVec
	decodeErrors      *prometheus.CounterVec
	connectionState   *prometheus.GaugeVec
	reconnects        *prometheus.CounterVec
	busPublished      prometheus.Counter
	busDropped        *prometheus.CounterVec
	busStalls         *prometheus.CounterVec
	busQueueDepth     *prometheus.GaugeVec
	loggerEntries     prometheus.Counter
	loggerFailures    prometheus.Counter
	loggerFlushes     prometheus.Counter
	commandsSubmitted prometheus.Counter
	commandsResolved  *prometheus.CounterVec
	commandLatency    prometheus.Histogram
}

// New registers all collectors plus the Go runtime and process collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "connection", Name: "messages_received_total",
			Help: "Decoded messages per connection.",
		}, []string{"connection"}),
		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "connection", Name: "decode_errors_total",
			Help: "Skipped input spans per connection and reason.",
		}, []string{"connection", "reason"}),
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "connection", Name: "state",
			Help: "1 for the current state of each connection.",
		}, []string{"connection", "state"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "connection", Name: "reconnect_attempts_total",
			Help: "Open attempts after a failure.",
		}, []string{"connection"}),
		busPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "published_total",
			Help: "Messages dispatched by the bus.",
		}),
		busDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "lossy_evictions_total",
			Help: "Messages evicted from lossy subscriber rings.",
		}, []string{"subscriber"}),
		busStalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "subscriber_stalls_total",
			Help: "Lossless subscribers that stayed at their queue ceiling past the stall timeout.",
		}, []string{"subscriber"}),
		busQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "bus", Name: "queue_depth",
			Help: "Queued messages per subscriber.",
		}, []string{"subscriber"}),
		loggerEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "logger", Name: "entries_total",
			Help: "Log entries written.",
		}),
		loggerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "logger", Name: "write_failures_total",
			Help: "Failed log writes.",
		}),
		loggerFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "logger", Name: "flushes_total",
			Help: "Durable flushes of the active segment.",
		}),
		commandsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "telecommand", Name: "submitted_total",
			Help: "Telecommands submitted.",
		}),
		commandsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "telecommand", Name: "resolved_total",
			Help: "Telecommands leaving the pending state, by status and outcome.",
		}, []string{"status", "outcome"}),
		commandLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "telecommand", Name: "reply_latency_seconds",
			Help:    "Time from submission to reply.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.messagesReceived,
		m.decodeErrors,
		m.connectionState,
		m.reconnects,
		m.busPublished,
		m.busDropped,
		m.busStalls,
		m.busQueueDepth,
		m.loggerEntries,
		m.loggerFailures,
		m.loggerFlushes,
		m.commandsSubmitted,
		m.commandsResolved,
		m.commandLatency,
	)

	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}

	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}

	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func connLabel(id domain.ConnectionID) string {
	return strconv.FormatUint(uint64(id), 10)
}

func (m *Metrics) MessageReceived(id domain.ConnectionID) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(connLabel(id)).Inc()
}

func (m *Metrics) DecodeError(id domain.ConnectionID, reason string) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(connLabel(id), reason).Inc()
}

var allStates = []domain.ConnectionState{
	domain.ConnectionStateConnecting,
	domain.ConnectionStateConnected,
	domain.ConnectionStateDisconnected,
	domain.ConnectionStateFailed,
}

func (m *Metrics) ConnectionState(id domain.ConnectionID, state domain.ConnectionState) {
	if m == nil {
		return
	}
	label := connLabel(id)
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.connectionState.WithLabelValues(label, string(s)).Set(v)
	}
}

func (m *Metrics) ReconnectAttempt(id domain.ConnectionID) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(connLabel(id)).Inc()
}

// ForgetConnection drops per-connection series after removal.
func (m *Metrics) ForgetConnection(id domain.ConnectionID) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"connection": connLabel(id)}
	m.messagesReceived.DeletePartialMatch(labels)
	m.decodeErrors.DeletePartialMatch(labels)
	m.connectionState.DeletePartialMatch(labels)
	m.reconnects.DeletePartialMatch(labels)
}

func (m *Metrics) BusPublished() {
	if m == nil {
		return
	}
	m.busPublished.Inc()
}

func (m *Metrics) LossyEviction(subscriber string) {
	if m == nil {
		return
	}
	m.busDropped.WithLabelValues(subscriber).Inc()
}

func (m *Metrics) SubscriberStalled(subscriber string) {
	if m == nil {
		return
	}
	m.busStalls.WithLabelValues(subscriber).Inc()
}

func (m *Metrics) QueueDepth(subscriber string, depth int) {
	if m == nil {
		return
	}
	m.busQueueDepth.WithLabelValues(subscriber).Set(float64(depth))
}

func (m *Metrics) ForgetSubscriber(subscriber string) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"subscriber": subscriber}
	m.busDropped.DeletePartialMatch(labels)
	m.busStalls.DeletePartialMatch(labels)
	m.busQueueDepth.DeletePartialMatch(labels)
}

func (m *Metrics) LoggerEntry() {
	if m == nil {
		return
	}
	m.loggerEntries.Inc()
}

func (m *Metrics) LoggerFailure() {
	if m == nil {
		return
	}
	m.loggerFailures.Inc()
}

func (m *Metrics) LoggerFlush() {
	if m == nil {
		return
	}
	m.loggerFlushes.Inc()
}

func (m *Metrics) CommandSubmitted() {
	if m == nil {
		return
	}
	m.commandsSubmitted.Inc()
}

func (m *Metrics) CommandResolved(cmd domain.PendingCommand) {
	if m == nil {
		return
	}
	m.commandsResolved.WithLabelValues(string(cmd.Status), string(cmd.Outcome)).Inc()
	if cmd.Status == domain.CommandStatusAcked && !cmd.ResolvedAt.IsZero() {
		m.commandLatency.Observe(cmd.ResolvedAt.Sub(cmd.SentAt).Seconds())
	}
}
