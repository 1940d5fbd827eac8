package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/klyr/mutator/internal/config"
	"github.com/klyr/mutator/internal/logging"
	"github.com/klyr/mutator/internal/observability"
)

// echoBackend returns the request headers it received as a JSON object.
func echoBackend(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen := map[string]string{"host": r.Host}
		for name := range r.Header {
			seen[strings.ToLower(name)] = r.Header.Get(name)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Backend", "echo")
		_ = json.NewEncoder(w).Encode(seen)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func loadConfig(t *testing.T, backendURL, filterYAML string) *config.Config {
	t.Helper()
	raw := `
configVersion: 1
server:
  listen: 127.0.0.1:0
upstreams:
  - name: app
    url: ` + backendURL + `
routes:
  - name: api
    match: {pathPrefix: /api}
    upstream: app
  - name: other
    match: {pathPrefix: /other}
    upstream: app
  - match: {pathPrefix: /}
    upstream: app
` + filterYAML

	cfg, err := config.Parse([]byte(raw), t.TempDir())
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate error: %v", err)
	}
	return cfg
}

func do(t *testing.T, h http.Handler, req *http.Request) (*httptest.ResponseRecorder, map[string]string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var seen map[string]string
	if rec.Code == http.StatusOK && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &seen); err != nil {
			t.Fatalf("decode echo body: %v", err)
		}
	}
	return rec, seen
}

const globalRules = `
filter:
  request_headers_setter:
    - ["X-substring", "{{substring(\"ENVOYPROXY something\", 5, 10) }}"]
    - ["X-substring-no-end", "{{substring(\"ENVOYPROXY something\", 5) }}"]
    - ["X-donor-copy", "{{ header(\"x-donor\") }}"]
    - ["X-donor-prefix", "{{ substring( header(\"x-donor\"), 0, 7)}}"]
    - ["X-if", "{%- if true -%}supersuper{% endif %}"]
  response_headers_setter:
    - ["X-Bar", "foo"]
    - ["X-Seen-Donor", "{{ request_header(\"x-donor\") }}"]
`

func TestGatewayAppliesGlobalRules(t *testing.T) {
	backend := echoBackend(t)
	gw, err := New(loadConfig(t, backend.URL, globalRules))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	req.Header.Set("X-Donor", "thedonorvalue")
	rec, seen := do(t, gw, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	want := map[string]string{
		"x-substring":        "PROXY",
		"x-substring-no-end": "PROXY something",
		"x-donor-copy":       "thedonorvalue",
		"x-donor-prefix":     "thedono",
		"x-if":               "supersuper",
	}
	for name, value := range want {
		if seen[name] != value {
			t.Fatalf("upstream header %s = %q, want %q", name, seen[name], value)
		}
	}
	if got := rec.Header().Get("X-Bar"); got != "foo" {
		t.Fatalf("expected X-Bar foo, got %q", got)
	}
	if got := rec.Header().Get("X-Seen-Donor"); got != "thedonorvalue" {
		t.Fatalf("expected X-Seen-Donor from request, got %q", got)
	}
	if got := rec.Header().Get("X-Backend"); got != "echo" {
		t.Fatalf("expected upstream headers kept, got %q", got)
	}
}

const routeRules = `
filter:
  request_headers_setter:
    - ["X-Scope", "global"]
  response_headers_setter:
    - ["X-Bar", "foo"]
  route_specific:
    api: '{"request_headers_setter": [["X-Scope", "api"]], "response_headers_setter": [["X-Api", "{{ header(\":status\") }}"]]}'
`

func TestGatewayRouteOverride(t *testing.T) {
	backend := echoBackend(t)
	gw, err := New(loadConfig(t, backend.URL, routeRules))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	rec, seen := do(t, gw, httptest.NewRequest(http.MethodGet, "http://example.com/api/users", nil))
	if seen["x-scope"] != "api" {
		t.Fatalf("expected route rules on /api, got %q", seen["x-scope"])
	}
	if got := rec.Header().Get("X-Api"); got != "200" {
		t.Fatalf("expected X-Api 200, got %q", got)
	}
	if got := rec.Header().Get("X-Bar"); got != "" {
		t.Fatalf("route rules replace global rules, got X-Bar %q", got)
	}
}

func TestGatewayRouteFallback(t *testing.T) {
	backend := echoBackend(t)

	tests := []struct {
		name     string
		fallback string
		path     string
		want     string
	}{
		{name: "unnamed route skips", fallback: "skip", path: "/", want: ""},
		{name: "unknown route skips", fallback: "skip", path: "/other", want: ""},
		{name: "unnamed route falls back", fallback: "global", path: "/", want: "global"},
		{name: "unknown route falls back", fallback: "global", path: "/other", want: "global"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw, err := New(loadConfig(t, backend.URL, routeRules+"  route_fallback: "+tt.fallback+"\n"))
			if err != nil {
				t.Fatalf("New error: %v", err)
			}
			rec, seen := do(t, gw, httptest.NewRequest(http.MethodGet, "http://example.com"+tt.path, nil))
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rec.Code)
			}
			if seen["x-scope"] != tt.want {
				t.Fatalf("expected X-Scope %q, got %q", tt.want, seen["x-scope"])
			}
		})
	}
}

func TestGatewaySkipsFailedRules(t *testing.T) {
	backend := echoBackend(t)
	rules := `
filter:
  request_headers_setter:
    - ["X-Range", "{{ substring(\"abc\", 0, 10) }}"]
    - ["X-Unknown", "{{ lookup(\"a\") }}"]
    - ["X-Ok", "ok"]
`
	gw, err := New(loadConfig(t, backend.URL, rules))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	rec, seen := do(t, gw, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	for _, name := range []string{"x-range", "x-unknown"} {
		if _, ok := seen[name]; ok {
			t.Fatalf("expected %s to be skipped", name)
		}
	}
	if seen["x-ok"] != "ok" {
		t.Fatalf("expected later rules to apply, got %q", seen["x-ok"])
	}
}

func TestGatewayRejectsLargeMutatedHeaders(t *testing.T) {
	backend := echoBackend(t)
	rules := `
filter:
  request_headers_setter:
    - ["X-Big", "{{ header(\"x-in\") ~ header(\"x-in\") ~ header(\"x-in\") ~ header(\"x-in\") }}"]
`
	cfg := loadConfig(t, backend.URL, rules)
	cfg.Server.MaxHeaderBytes = 48
	gw, err := New(cfg)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	req.Header.Set("X-In", "0123456789")
	rec, _ := do(t, gw, req)
	if rec.Code != http.StatusRequestHeaderFieldsTooLarge {
		t.Fatalf("expected 431, got %d", rec.Code)
	}
}

func TestGatewayNoRoute(t *testing.T) {
	backend := echoBackend(t)
	cfg := loadConfig(t, backend.URL, "")
	cfg.Routes = cfg.Routes[:1]
	gw, err := New(cfg)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	rec, _ := do(t, gw, httptest.NewRequest(http.MethodGet, "http://example.com/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGatewayUpstreamDown(t *testing.T) {
	backend := echoBackend(t)
	url := backend.URL
	backend.Close()

	var buf bytes.Buffer
	gw, err := New(loadConfig(t, url, globalRules), WithExchangeLog(logging.NewExchangeLogger(&buf)))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	rec, _ := do(t, gw, httptest.NewRequest(http.MethodGet, "http://example.com/", nil))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if rec.Header().Get("X-Bar") != "" {
		t.Fatal("response rules must not run without an upstream response")
	}

	var ex logging.Exchange
	if err := json.Unmarshal(buf.Bytes(), &ex); err != nil {
		t.Fatalf("decode exchange log: %v", err)
	}
	if ex.Request.Outcome != "applied" || ex.Response.Outcome != "not_run" {
		t.Fatalf("unexpected outcomes %q/%q", ex.Request.Outcome, ex.Response.Outcome)
	}
}

func TestGatewayExchangeLogAndMetrics(t *testing.T) {
	backend := echoBackend(t)
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)

	var buf bytes.Buffer
	gw, err := New(
		loadConfig(t, backend.URL, routeRules),
		WithMetrics(metrics),
		WithExchangeLog(logging.NewExchangeLogger(&buf)),
	)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	do(t, gw, httptest.NewRequest(http.MethodGet, "http://example.com/api/x", nil))

	var ex logging.Exchange
	if err := json.Unmarshal(buf.Bytes(), &ex); err != nil {
		t.Fatalf("decode exchange log: %v", err)
	}
	if ex.ExchangeID == "" || ex.Route != "api" || ex.StatusCode != http.StatusOK {
		t.Fatalf("unexpected exchange record: %+v", ex)
	}
	if ex.Request.Source != "route" || len(ex.Request.Applied) != 1 || ex.Request.Applied[0] != "X-Scope" {
		t.Fatalf("unexpected request phase: %+v", ex.Request)
	}

	admin := gw.AdminHandler(reg)
	rec := httptest.NewRecorder()
	admin.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected metrics 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, metric := range []string{"mutator_phase_total", "mutator_exchanges_total", "mutator_route_resolution_total"} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %s in metrics output", metric)
		}
	}
}

func TestAdminEndpoints(t *testing.T) {
	backend := echoBackend(t)
	gw, err := New(loadConfig(t, backend.URL, routeRules))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	admin := gw.AdminHandler(nil)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		admin.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	admin.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected /metrics disabled, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	admin.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rules", nil))
	var view RulesView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode rules: %v", err)
	}
	if _, ok := view.Filter.Routes["api"]; !ok {
		t.Fatalf("expected api route rules, got %+v", view.Filter.Routes)
	}
	if len(view.Routes) != 3 {
		t.Fatalf("expected 3 routes, got %d", len(view.Routes))
	}
	for _, r := range view.Routes {
		if r.HasRules != (r.Key == "api") {
			t.Fatalf("unexpected has_rules for %s", r.Key)
		}
	}
}

func TestGatewayApply(t *testing.T) {
	backend := echoBackend(t)
	gw, err := New(loadConfig(t, backend.URL, globalRules))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	if err := gw.Apply(loadConfig(t, backend.URL, routeRules)); err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	_, seen := do(t, gw, httptest.NewRequest(http.MethodGet, "http://example.com/api", nil))
	if seen["x-scope"] != "api" {
		t.Fatalf("expected reloaded rules, got %q", seen["x-scope"])
	}

	bad := loadConfig(t, backend.URL, globalRules)
	bad.Upstreams[0].URL = "://bad"
	if err := gw.Apply(bad); err == nil {
		t.Fatal("expected Apply error")
	}
	_, seen = do(t, gw, httptest.NewRequest(http.MethodGet, "http://example.com/api", nil))
	if seen["x-scope"] != "api" {
		t.Fatalf("expected previous state kept, got %q", seen["x-scope"])
	}
}
