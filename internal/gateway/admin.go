package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/klyr/mutator/internal/filter"
	"github.com/klyr/mutator/internal/observability"
)

// RulesView is the body served by /rules.
type RulesView struct {
	Filter filter.Summary `json:"filter"`
	Routes []RouteView    `json:"routes"`
}

type RouteView struct {
	Key        string `json:"key"`
	Named      bool   `json:"named"`
	Host       string `json:"host,omitempty"`
	PathPrefix string `json:"path_prefix,omitempty"`
	Upstream   string `json:"upstream"`
	HasRules   bool   `json:"has_rules"`
}

// AdminHandler serves health, readiness, metrics and the active rule set.
// A nil registry disables /metrics.
func (g *Gateway) AdminHandler(reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !g.Ready() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	r.Get("/rules", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, g.rulesView())
	})
	if reg != nil {
		r.Method(http.MethodGet, "/metrics", observability.Handler(reg))
	}
	return r
}

func (g *Gateway) rulesView() RulesView {
	st := g.state.Load()
	view := RulesView{Filter: st.filter.Summary()}
	for _, route := range st.router.Routes() {
		_, hasRules := st.filter.Route(route.Name)
		view.Routes = append(view.Routes, RouteView{
			Key:        route.Key(),
			Named:      route.Name != "",
			Host:       route.Host,
			PathPrefix: route.PathPrefix,
			Upstream:   route.Upstream,
			HasRules:   route.Name != "" && hasRules,
		})
	}
	return view
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
