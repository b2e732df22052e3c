// Package metrics wraps Prometheus collectors for the gateway, modeled on
// the teacher's infrastructure/metrics package (spec.md §4.8 egress, and
// ambient observability for every other component).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector the gateway registers.
type Metrics struct {
	SessionsActive      prometheus.Gauge
	SessionsTotal        *prometheus.CounterVec
	MessagesTotal        *prometheus.CounterVec
	MessageDuration      *prometheus.HistogramVec

	DevicesOnline        prometheus.Gauge
	DeviceErrorsTotal    *prometheus.CounterVec

	CommandsTotal        *prometheus.CounterVec
	CommandDuration      *prometheus.HistogramVec
	CommandQueueDepth    *prometheus.GaugeVec

	PatternsActive       prometheus.Gauge
	SafetyTripsTotal     *prometheus.CounterVec

	TelemetryPointsTotal prometheus.Counter
	TelemetryDropped     prometheus.Counter

	RateLimitDenials     *prometheus.CounterVec
}

// New creates Metrics registered against registerer. A nil registerer uses
// the default Prometheus registry.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_sessions_active",
			Help: "Current number of authenticated sessions.",
		}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_sessions_total",
			Help: "Total sessions by outcome.",
		}, []string{"outcome"}),
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_messages_total",
			Help: "Total inbound messages by type and outcome.",
		}, []string{"type", "outcome"}),
		MessageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_message_duration_seconds",
			Help:    "Inbound message handling duration.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"type"}),
		DevicesOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_devices_online",
			Help: "Current number of online devices.",
		}),
		DeviceErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_device_errors_total",
			Help: "Total device adapter errors by device kind.",
		}, []string{"kind"}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_commands_total",
			Help: "Total commands processed by outcome.",
		}, []string{"outcome"}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_command_duration_seconds",
			Help:    "Command dispatch duration, from adapter send to adapter result.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"priority"}),
		CommandQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_command_queue_depth",
			Help: "Current queue depth per device.",
		}, []string{"device_id"}),
		PatternsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_patterns_active",
			Help: "Current number of running pattern instances.",
		}),
		SafetyTripsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_safety_trips_total",
			Help: "Total safety-threshold trips by reason.",
		}, []string{"reason"}),
		TelemetryPointsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_telemetry_points_total",
			Help: "Total telemetry points ingested.",
		}),
		TelemetryDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_telemetry_dropped_total",
			Help: "Total telemetry points dropped due to full ring buffer.",
		}),
		RateLimitDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_rate_limit_denials_total",
			Help: "Total rate limit denials by scope.",
		}, []string{"scope"}),
	}

	registerer.MustRegister(
		m.SessionsActive, m.SessionsTotal, m.MessagesTotal, m.MessageDuration,
		m.DevicesOnline, m.DeviceErrorsTotal,
		m.CommandsTotal, m.CommandDuration, m.CommandQueueDepth,
		m.PatternsActive, m.SafetyTripsTotal,
		m.TelemetryPointsTotal, m.TelemetryDropped,
		m.RateLimitDenials,
	)
	return m
}

// RecordMessage records an inbound message's outcome and duration.
func (m *Metrics) RecordMessage(msgType, outcome string, d time.Duration) {
	m.MessagesTotal.WithLabelValues(msgType, outcome).Inc()
	m.MessageDuration.WithLabelValues(msgType).Observe(d.Seconds())
}

// RecordCommand records a command's priority and dispatch duration.
func (m *Metrics) RecordCommand(priority, outcome string, d time.Duration) {
	m.CommandsTotal.WithLabelValues(outcome).Inc()
	m.CommandDuration.WithLabelValues(priority).Observe(d.Seconds())
}
