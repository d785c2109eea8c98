package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all Prometheus metrics.
// A nil *Registry is valid and records nothing, which keeps tests free of global state.
type Registry struct {
	framesDecoded     prometheus.Counter
	framesMalformed   prometheus.Counter
	commandsTotal     *prometheus.CounterVec
	commandDuration   *prometheus.HistogramVec
	commandRetries    prometheus.Counter
	connectAttempts   prometheus.Counter
	connectFailures   prometheus.Counter
	connectionLost    prometheus.Counter
	linkStatus        *prometheus.GaugeVec
	pollCycles        *prometheus.CounterVec
	panelHealth       *prometheus.GaugeVec
	activeAlarms      prometheus.Gauge
	stateChanges      prometheus.Counter
	mqttPublishErrors prometheus.Counter
}

// NewRegistry creates the metrics and registers them with reg
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		framesDecoded: factory.NewCounter(prometheus.CounterOpts{
			Name: "genpanel_frames_decoded_total",
			Help: "Total number of frames decoded from the bridge",
		}),
		framesMalformed: factory.NewCounter(prometheus.CounterOpts{
			Name: "genpanel_frames_malformed_total",
			Help: "Total number of malformed frames discarded",
		}),
		commandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "genpanel_commands_total",
			Help: "Commands executed by kind and result",
		}, []string{"kind", "result"}),
		commandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "genpanel_command_duration_seconds",
			Help:    "Round trip time of commands",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"kind"}),
		commandRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "genpanel_status_retries_total",
			Help: "Total number of automatic QueryStatus retries",
		}),
		connectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "genpanel_connect_attempts_total",
			Help: "Total number of dial attempts to the bridge",
		}),
		connectFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "genpanel_connect_failures_total",
			Help: "Total number of failed dial attempts",
		}),
		connectionLost: factory.NewCounter(prometheus.CounterOpts{
			Name: "genpanel_connection_lost_total",
			Help: "Total number of times an established link was lost or dropped",
		}),
		linkStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "genpanel_link_status",
			Help: "Current link status (1 for the active status)",
		}, []string{"status"}),
		pollCycles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "genpanel_poll_cycles_total",
			Help: "Poll cycles by result",
		}, []string{"result"}),
		panelHealth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "genpanel_health",
			Help: "Current panel connection health (1 for the active value)",
		}, []string{"health"}),
		activeAlarms: factory.NewGauge(prometheus.GaugeOpts{
			Name: "genpanel_active_alarms",
			Help: "Number of active alarms",
		}),
		stateChanges: factory.NewCounter(prometheus.CounterOpts{
			Name: "genpanel_state_changes_total",
			Help: "Total number of published panel snapshots",
		}),
		mqttPublishErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "genpanel_mqtt_publish_errors_total",
			Help: "Total number of failed MQTT publishes",
		}),
	}
}

// IncFramesDecoded increments the decoded frames counter
func (r *Registry) IncFramesDecoded() {
	if r == nil {
		return
	}
	r.framesDecoded.Inc()
}

// IncFramesMalformed increments the malformed frames counter
func (r *Registry) IncFramesMalformed() {
	if r == nil {
		return
	}
	r.framesMalformed.Inc()
}

// ObserveCommand records one command execution
func (r *Registry) ObserveCommand(kind, result string, seconds float64) {
	if r == nil {
		return
	}
	r.commandsTotal.WithLabelValues(kind, result).Inc()
	r.commandDuration.WithLabelValues(kind).Observe(seconds)
}

// IncStatusRetries increments the QueryStatus retry counter
func (r *Registry) IncStatusRetries() {
	if r == nil {
		return
	}
	r.commandRetries.Inc()
}

// IncConnectAttempts increments the dial attempts counter
func (r *Registry) IncConnectAttempts() {
	if r == nil {
		return
	}
	r.connectAttempts.Inc()
}

// IncConnectFailures increments the dial failures counter
func (r *Registry) IncConnectFailures() {
	if r == nil {
		return
	}
	r.connectFailures.Inc()
}

// IncConnectionLost increments the lost link counter
func (r *Registry) IncConnectionLost() {
	if r == nil {
		return
	}
	r.connectionLost.Inc()
}

// SetLinkStatus marks status as the active link status
func (r *Registry) SetLinkStatus(status string) {
	if r == nil {
		return
	}
	for _, s := range []string{"disconnected", "connecting", "connected", "degraded"} {
		v := 0.0
		if s == status {
			v = 1
		}
		r.linkStatus.WithLabelValues(s).Set(v)
	}
}

// IncPollCycles increments the poll cycle counter for result
func (r *Registry) IncPollCycles(result string) {
	if r == nil {
		return
	}
	r.pollCycles.WithLabelValues(result).Inc()
}

// SetHealth marks health as the active panel health
func (r *Registry) SetHealth(health string) {
	if r == nil {
		return
	}
	for _, h := range []string{"healthy", "degraded", "lost"} {
		v := 0.0
		if h == health {
			v = 1
		}
		r.panelHealth.WithLabelValues(h).Set(v)
	}
}

// SetActiveAlarms sets the active alarm gauge
func (r *Registry) SetActiveAlarms(n int) {
	if r == nil {
		return
	}
	r.activeAlarms.Set(float64(n))
}

// IncStateChanges increments the published snapshot counter
func (r *Registry) IncStateChanges() {
	if r == nil {
		return
	}
	r.stateChanges.Inc()
}

// IncMQTTPublishErrors increments the MQTT publish error counter
func (r *Registry) IncMQTTPublishErrors() {
	if r == nil {
		return
	}
	r.mqttPublishErrors.Inc()
}
