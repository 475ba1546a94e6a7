// Package metrics holds the measurer collaborator of the engine. Components take a Measurer and
// default to NULL, so nothing is required from a deployment that does not export metrics.
package metrics

import (
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Admission outcomes passed to CountAdmission.
const (
	AdmissionAdmitted = "admitted"
	AdmissionRejected = "rejected"
)

// Measurer receives counters from the engine.
type Measurer interface {
	// CountSession is called once per HTTP dispatch with the resulting session status.
	CountSession(component, status string)
	// CountSignal is called once per published lifecycle signal.
	CountSignal(component, kind string)
	// CountAdmission is called once per valve decision.
	CountAdmission(outcome string)
	// SetInFlight reports the number of actions currently holding a valve permit.
	SetInFlight(n int64)
}

type noop struct{}

func (noop) CountSession(string, string) {}
func (noop) CountSignal(string, string)  {}
func (noop) CountAdmission(string)       {}
func (noop) SetInFlight(int64)           {}

// NULL discards everything.
var NULL Measurer = noop{}

// OrNull returns m, or NULL if m is nil.
func OrNull(m Measurer) Measurer {
	if m == nil {
		return NULL
	}
	return m
}

// Prometheus exports the counters as Prometheus metrics.
type Prometheus struct {
	sessions   *prometheus.CounterVec
	signals    *prometheus.CounterVec
	admissions *prometheus.CounterVec
	inFlight   prometheus.Gauge
}

// NewPrometheus creates the collectors under namespace and registers them with reg.
func NewPrometheus(reg prometheus.Registerer, namespace string) (*Prometheus, error) {
	p := &Prometheus{
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_master_sessions_total",
			Help:      "HTTP master dispatches by component and session status.",
		}, []string{"component", "status"}),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "response_signals_total",
			Help:      "Lifecycle signals published by component and kind.",
		}, []string{"component", "kind"}),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "valve_admissions_total",
			Help:      "Admission valve decisions by outcome.",
		}, []string{"outcome"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "valve_in_flight",
			Help:      "Actions currently holding a valve permit.",
		}),
	}
	for _, c := range []prometheus.Collector{p.sessions, p.signals, p.admissions, p.inFlight} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Annotate(err, "registering flowrpc collectors")
		}
	}
	return p, nil
}

func (p *Prometheus) CountSession(component, status string) {
	p.sessions.WithLabelValues(component, status).Inc()
}

func (p *Prometheus) CountSignal(component, kind string) {
	p.signals.WithLabelValues(component, kind).Inc()
}

func (p *Prometheus) CountAdmission(outcome string) {
	p.admissions.WithLabelValues(outcome).Inc()
}

func (p *Prometheus) SetInFlight(n int64) {
	p.inFlight.Set(float64(n))
}
