package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects core counters used by the repair service.
type Metrics struct {
	repairs     *prometheus.CounterVec
	retries     *prometheus.CounterVec
	snapshots   *prometheus.CounterVec
	escalations *prometheus.CounterVec
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	repairs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "delta_repairs_total",
		Help: "Total repair sessions by outcome action.",
	}, []string{"action"})
	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "delta_retry_sessions_total",
		Help: "Total retry sessions by final status.",
	}, []string{"status"})
	snapshots := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "delta_snapshots_total",
		Help: "Total snapshot operations by kind.",
	}, []string{"op"})
	escalations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "delta_escalations_total",
		Help: "Total human escalations by reason.",
	}, []string{"reason"})

	repairs = registerCounterVec(registerer, repairs)
	retries = registerCounterVec(registerer, retries)
	snapshots = registerCounterVec(registerer, snapshots)
	escalations = registerCounterVec(registerer, escalations)

	return &Metrics{
		repairs:     repairs,
		retries:     retries,
		snapshots:   snapshots,
		escalations: escalations,
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) IncRepair(action string) {
	if m == nil || m.repairs == nil {
		return
	}
	m.repairs.WithLabelValues(action).Inc()
}

func (m *Metrics) IncRetrySession(status string) {
	if m == nil || m.retries == nil {
		return
	}
	m.retries.WithLabelValues(status).Inc()
}

func (m *Metrics) IncSnapshot(op string) {
	if m == nil || m.snapshots == nil {
		return
	}
	m.snapshots.WithLabelValues(op).Inc()
}

func (m *Metrics) IncEscalation(reason string) {
	if m == nil || m.escalations == nil {
		return
	}
	m.escalations.WithLabelValues(reason).Inc()
}

func registerCounterVec(registerer prometheus.Registerer, counter *prometheus.CounterVec) *prometheus.CounterVec {
	if err := registerer.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return counter
}
