package metrics

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "robot_relay_"

	resultSuccess = "success"
	resultError   = "error"
	resultEmpty   = "empty"
)

var (
	registerOnce sync.Once

	cycleTotal   *prometheus.CounterVec
	cycleLatency *prometheus.HistogramVec

	commandsPublished prometheus.Counter
	commandsCompleted prometheus.Counter
	commandFailures   *prometheus.CounterVec

	inboundMessages *prometheus.CounterVec
	decodeErrors    *prometheus.CounterVec
	forwardTotal    *prometheus.CounterVec
	forwardLatency  *prometheus.HistogramVec

	deadLetters          *prometheus.CounterVec
	duplicatesSuppressed *prometheus.CounterVec
	brokerConnected      prometheus.Gauge
)

// Init registers relay metrics. db may be nil; when set, a dead-letter
// gauge backed by the postgres store is registered as well.
func Init(db *sql.DB, logger *log.Logger) {
	registerOnce.Do(func() {
		cycleTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "dispatch_cycles_total",
				Help: "Total dispatch cycles by result",
			},
			[]string{"result"},
		)
		cycleLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "dispatch_cycle_latency_seconds",
				Help:    "Dispatch cycle latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		commandsPublished = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "commands_published_total",
				Help: "Total commands published to robots",
			},
		)
		commandsCompleted = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "commands_completed_total",
				Help: "Total commands marked complete in the backend",
			},
		)
		commandFailures = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_failures_total",
				Help: "Total dispatch failures by step",
			},
			[]string{"step"},
		)

		inboundMessages = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "inbound_messages_total",
				Help: "Total inbound robot messages by topic",
			},
			[]string{"topic"},
		)
		decodeErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "decode_errors_total",
				Help: "Total dropped inbound payloads by topic",
			},
			[]string{"topic"},
		)
		forwardTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "forwards_total",
				Help: "Total backend forwards by topic and result",
			},
			[]string{"topic", "result"},
		)
		forwardLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "forward_latency_seconds",
				Help:    "Backend forward latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"topic"},
		)

		deadLetters = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "dead_letters_total",
				Help: "Total dead-lettered items by kind",
			},
			[]string{"kind"},
		)
		duplicatesSuppressed = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "duplicates_suppressed_total",
				Help: "Total inbound deliveries suppressed as duplicates",
			},
			[]string{"topic"},
		)
		brokerConnected = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "broker_connected",
				Help: "1 when the broker connection is up",
			},
		)

		prometheus.MustRegister(
			cycleTotal,
			cycleLatency,
			commandsPublished,
			commandsCompleted,
			commandFailures,
			inboundMessages,
			decodeErrors,
			forwardTotal,
			forwardLatency,
			deadLetters,
			duplicatesSuppressed,
			brokerConnected,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObserveCycle records one dispatch cycle.
func ObserveCycle(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if cycleTotal != nil {
		cycleTotal.WithLabelValues(result).Inc()
	}
	if cycleLatency != nil {
		cycleLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncCommandPublished increments published command counter.
func IncCommandPublished() {
	if commandsPublished != nil {
		commandsPublished.Inc()
	}
}

// IncCommandCompleted increments completed command counter.
func IncCommandCompleted() {
	if commandsCompleted != nil {
		commandsCompleted.Inc()
	}
}

// IncCommandFailure increments the failure counter for a dispatch step.
func IncCommandFailure(step string) {
	if step == "" {
		step = "unknown"
	}
	if commandFailures != nil {
		commandFailures.WithLabelValues(step).Inc()
	}
}

// IncInbound counts an inbound message.
func IncInbound(topic string) {
	if inboundMessages != nil {
		inboundMessages.WithLabelValues(topic).Inc()
	}
}

// IncDecodeError counts a dropped inbound payload.
func IncDecodeError(topic string) {
	if decodeErrors != nil {
		decodeErrors.WithLabelValues(topic).Inc()
	}
}

// ObserveForward records a backend forward.
func ObserveForward(topic, result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if forwardTotal != nil {
		forwardTotal.WithLabelValues(topic, result).Inc()
	}
	if forwardLatency != nil {
		forwardLatency.WithLabelValues(topic).Observe(duration.Seconds())
	}
}

// IncDeadLetter counts a dead-lettered item.
func IncDeadLetter(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	if deadLetters != nil {
		deadLetters.WithLabelValues(kind).Inc()
	}
}

// IncDuplicate counts a suppressed duplicate delivery.
func IncDuplicate(topic string) {
	if duplicatesSuppressed != nil {
		duplicatesSuppressed.WithLabelValues(topic).Inc()
	}
}

// SetBrokerConnected tracks broker connection state.
func SetBrokerConnected(up bool) {
	if brokerConnected == nil {
		return
	}
	if up {
		brokerConnected.Set(1)
		return
	}
	brokerConnected.Set(0)
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
	ResultEmpty   = resultEmpty

	StepFetch    = "fetch"
	StepPublish  = "publish"
	StepComplete = "complete"
)
