package observ

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector the gate and the deviation engine export.
var Registry = prometheus.NewRegistry()

var (
	GateMode = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradegate",
		Subsystem: "gate",
		Name:      "mode",
		Help:      "0=halted, 1=armed, 2=live",
	})

	GateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradegate",
		Subsystem: "gate",
		Name:      "transitions_total",
		Help:      "Gate mode transitions",
	}, []string{"from", "to"})

	AuthFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradegate",
		Subsystem: "gate",
		Name:      "auth_failures_total",
		Help:      "Rejected authorization attempts by operation",
	}, []string{"operation"})

	ExecutionChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradegate",
		Subsystem: "gate",
		Name:      "execution_checks_total",
		Help:      "CanExecute decisions",
	}, []string{"kind", "allowed"})

	PersistFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradegate",
		Name:      "persist_failures_total",
		Help:      "Durable storage write failures",
	}, []string{"component"})

	AuditEntries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradegate",
		Subsystem: "gate",
		Name:      "audit_entries_total",
		Help:      "Emergency log entries written",
	}, []string{"action"})

	TradesRecorded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradegate",
		Subsystem: "deviation",
		Name:      "trades_recorded_total",
		Help:      "Completed trades appended to the rolling window",
	})

	WindowSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradegate",
		Subsystem: "deviation",
		Name:      "window_trades",
		Help:      "Trades currently in the rolling window",
	})

	DeviationAlerts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradegate",
		Subsystem: "deviation",
		Name:      "alerts_total",
		Help:      "Emitted deviation alerts",
	})

	SuppressedAlerts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradegate",
		Subsystem: "deviation",
		Name:      "alerts_suppressed_total",
		Help:      "Qualifying deviations dropped by the cooldown",
	})

	Escalations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradegate",
		Subsystem: "deviation",
		Name:      "escalations_total",
		Help:      "Critical escalations after consecutive alerts",
	})

	ConsecutiveDeviations = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradegate",
		Subsystem: "deviation",
		Name:      "consecutive",
		Help:      "Current consecutive alert count",
	})

	BaselineValue = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tradegate",
		Subsystem: "deviation",
		Name:      "baseline_mean",
		Help:      "Baseline mean per tracked metric",
	}, []string{"metric"})

	Notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradegate",
		Subsystem: "alerts",
		Name:      "notifications_total",
		Help:      "Outbound notifications by outcome",
	}, []string{"outcome"})
)

func init() {
	Registry.MustRegister(
		GateMode, GateTransitions, AuthFailures, ExecutionChecks, PersistFailures, AuditEntries,
		TradesRecorded, WindowSize, DeviationAlerts, SuppressedAlerts, Escalations,
		ConsecutiveDeviations, BaselineValue, Notifications,
	)
}

// Handler serves the registry in Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
