// Package metrics exposes daemon counters on a private Prometheus registry.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scienceol/doppio/internal/power"
)

const namespace = "doppio"

// Request outcomes recorded by ObserveRequest.
const (
	OutcomeOK             = "ok"
	OutcomeSocketError    = "socket_error"
	OutcomeInvalidRequest = "invalid_request"
	OutcomeFailed         = "operation_failed"
)

// Metrics holds the daemon's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry     *prometheus.Registry
	requests     *prometheus.CounterVec
	acquisitions *prometheus.CounterVec
	releases     prometheus.Counter
}

// New registers the daemon collectors. active is sampled on every scrape
// for the doppio_active_inhibitors gauge.
func New(active func() int) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests handled, by request type and outcome.",
		}, []string{"type", "outcome"}),
		acquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acquisitions_total",
			Help:      "Inhibitor acquisitions attempted against the power backend, by outcome.",
		}, []string{"outcome"}),
		releases: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "releases_total",
			Help:      "Inhibitor locks released.",
		}),
	}
	m.registry.MustRegister(m.requests, m.acquisitions, m.releases)
	if active != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_inhibitors",
			Help:      "Labels currently holding an inhibitor.",
		}, func() float64 { return float64(active()) }))
	}
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest counts one handled request. typ is empty for requests
// that never decoded.
func (m *Metrics) ObserveRequest(typ, outcome string) {
	if m == nil {
		return
	}
	if typ == "" {
		typ = "unknown"
	}
	m.requests.WithLabelValues(typ, outcome).Inc()
}

// InstrumentAcquirer counts acquisitions made through acq and releases of
// the locks it hands out.
func (m *Metrics) InstrumentAcquirer(acq power.Acquirer) power.Acquirer {
	if m == nil {
		return acq
	}
	return power.AcquirerFunc(func(ctx context.Context, req power.Request) (power.Lock, error) {
		lock, err := acq.Acquire(ctx, req)
		if err != nil {
			m.acquisitions.WithLabelValues("error").Inc()
			return nil, err
		}
		if lock == nil {
			return nil, nil
		}
		m.acquisitions.WithLabelValues("ok").Inc()
		return &countedLock{Lock: lock, released: m.releases}, nil
	})
}

type countedLock struct {
	power.Lock
	released prometheus.Counter
}

func (l *countedLock) Close() error {
	err := l.Lock.Close()
	l.released.Inc()
	return err
}
