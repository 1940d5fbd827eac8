package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/klyr/mutator/internal/filter"
)

// Metrics counts filter phases and proxied exchanges. A nil *Metrics is a
// valid no-op.
type Metrics struct {
	phasesTotal      *prometheus.CounterVec
	rulesApplied     *prometheus.CounterVec
	rulesSkipped     *prometheus.CounterVec
	routeResolution  *prometheus.CounterVec
	phaseDuration    *prometheus.HistogramVec
	exchangesTotal   *prometheus.CounterVec
	exchangeDuration *prometheus.HistogramVec
	reloadsTotal     *prometheus.CounterVec
}

var _ filter.Observer = (*Metrics)(nil)

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		phasesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "mutator_phase_total", Help: "Completed filter phases"},
			[]string{"phase", "outcome"},
		),
		rulesApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "mutator_rules_applied_total", Help: "Header rules rendered and applied"},
			[]string{"phase"},
		),
		rulesSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "mutator_rules_skipped_total", Help: "Header rules skipped after a template failure"},
			[]string{"phase", "reason"},
		),
		routeResolution: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "mutator_route_resolution_total", Help: "Rule set resolutions by result"},
			[]string{"result"},
		),
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mutator_phase_duration_seconds",
				Help:    "Time spent rendering and applying one phase",
				Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
			},
			[]string{"phase"},
		),
		exchangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "mutator_exchanges_total", Help: "Proxied exchanges"},
			[]string{"route", "code"},
		),
		exchangeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mutator_exchange_duration_seconds",
				Help:    "Exchange duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		reloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "mutator_config_reloads_total", Help: "Configuration reloads applied by the gateway"},
			[]string{"result"},
		),
	}

	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.phasesTotal,
		m.rulesApplied,
		m.rulesSkipped,
		m.routeResolution,
		m.phaseDuration,
		m.exchangesTotal,
		m.exchangeDuration,
		m.reloadsTotal,
	)

	return m
}

func Handler(reg *prometheus.Registry) http.Handler {
	if reg == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// ObservePhase implements filter.Observer.
func (m *Metrics) ObservePhase(r filter.PhaseReport) {
	if m == nil {
		return
	}
	phase := string(r.Phase)
	m.phasesTotal.WithLabelValues(phase, string(r.Outcome)).Inc()
	if r.Resolution != "" {
		m.routeResolution.WithLabelValues(r.Resolution).Inc()
	}
	if n := len(r.Applied); n > 0 {
		m.rulesApplied.WithLabelValues(phase).Add(float64(n))
	}
	for _, s := range r.Skipped {
		m.rulesSkipped.WithLabelValues(phase, string(s.Reason)).Inc()
	}
	m.phaseDuration.WithLabelValues(phase).Observe(r.Duration.Seconds())
}

func (m *Metrics) ObserveExchange(route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "none"
	}
	m.exchangesTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.exchangeDuration.WithLabelValues(route).Observe(d.Seconds())
}

func (m *Metrics) ObserveReload(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.reloadsTotal.WithLabelValues(result).Inc()
}
