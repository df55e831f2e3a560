package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	SessionEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcufetch",
			Name:      "session_events_total",
			Help:      "Count of transfer events handled by download sessions, by type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	SessionTerminal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcufetch",
			Name:      "session_terminal_total",
			Help:      "Count of download sessions reaching a terminal state.",
		},
		[]string{"state", "code"},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mcufetch",
			Name:      "active_sessions",
			Help:      "Number of download sessions currently initializing or transferring.",
		},
	)

	DispatchErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcufetch",
			Name:      "dispatch_errors_total",
			Help:      "Host notifications that could not be scheduled or whose sink panicked.",
		},
		[]string{"reason"},
	)

	SMPRequestErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcufetch",
			Name:      "smp_request_errors_total",
			Help:      "Errors from SMP requests.",
		},
		[]string{"op"},
	)

	SMPRequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mcufetch",
			Name:      "smp_request_latency_seconds",
			Help:      "Latency of SMP request/response round trips.",
		},
		[]string{"op"},
	)

	Subscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mcufetch",
			Name:      "event_subscribers",
			Help:      "Number of connected notification stream subscribers.",
		},
	)

	BytesDownloaded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mcufetch",
			Name:      "bytes_downloaded_total",
			Help:      "Payload bytes delivered by completed downloads.",
		},
	)
)

// Register registers the collectors into the default registry.
func Register() {
	prometheus.MustRegister(SessionEvents, SessionTerminal, ActiveSessions, DispatchErrors, SMPRequestErrors, SMPRequestLatency, Subscribers, BytesDownloaded)
}
