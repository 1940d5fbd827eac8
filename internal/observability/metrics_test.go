package observability

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/klyr/mutator/internal/filter"
)

func TestMetricsObservePhase(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	metrics.ObservePhase(filter.PhaseReport{
		Phase:      filter.PhaseRequest,
		Outcome:    filter.OutcomeApplied,
		Resolution: filter.ResolvedRoute,
		Applied:    []string{"x-a", "x-b"},
		Skipped:    []filter.SkippedRule{{Header: "x-c", Reason: filter.SkipRender}},
		Duration:   50 * time.Microsecond,
	})
	metrics.ObservePhase(filter.PhaseReport{
		Phase:      filter.PhaseResponse,
		Outcome:    filter.OutcomeNoRoute,
		Resolution: filter.ResolvedMissing,
	})

	if got := testutil.ToFloat64(metrics.rulesApplied.WithLabelValues("request")); got != 2 {
		t.Fatalf("expected 2 applied rules, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.rulesSkipped.WithLabelValues("request", "render")); got != 1 {
		t.Fatalf("expected 1 skipped rule, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.phasesTotal.WithLabelValues("response", "route_unresolved")); got != 1 {
		t.Fatalf("expected 1 unresolved response phase, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.routeResolution.WithLabelValues("missing")); got != 1 {
		t.Fatalf("expected 1 missing resolution, got %v", got)
	}
}

func TestMetricsObserveExchangeAndReload(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	metrics.ObserveExchange("", 502, 12*time.Millisecond)
	metrics.ObserveReload(nil)
	metrics.ObserveReload(errors.New("bad"))

	if got := testutil.ToFloat64(metrics.exchangesTotal.WithLabelValues("none", "502")); got != 1 {
		t.Fatalf("expected 1 exchange, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.reloadsTotal.WithLabelValues("failure")); got != 1 {
		t.Fatalf("expected 1 failed reload, got %v", got)
	}

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "mutator_exchange_duration_seconds") {
		t.Fatalf("handler output missing histogram:\n%s", rec.Body.String())
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var metrics *Metrics
	metrics.ObservePhase(filter.PhaseReport{Phase: filter.PhaseRequest})
	metrics.ObserveExchange("r", 200, time.Second)
	metrics.ObserveReload(nil)
}
