package gateway

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/klyr/mutator/internal/config"
)

func TestRouterMatchLongestPrefix(t *testing.T) {
	cfg := &config.Config{
		Routes: []config.Route{
			{Name: "api", Match: config.RouteMatch{PathPrefix: "/api"}},
			{Name: "v1", Match: config.RouteMatch{PathPrefix: "/api/v1"}},
		},
	}

	router, err := NewRouter(cfg)
	if err != nil {
		t.Fatalf("NewRouter error: %v", err)
	}

	req := &http.Request{URL: &url.URL{Path: "/api/v1/users"}, Host: "example.com"}
	route, ok := router.Match(req)
	if !ok {
		t.Fatal("expected route match")
	}
	if route.Name != "v1" || route.PathPrefix != "/api/v1" {
		t.Fatalf("expected v1 on /api/v1, got %q on %q", route.Name, route.PathPrefix)
	}
}

func TestRouterMatchHost(t *testing.T) {
	cfg := &config.Config{
		Routes: []config.Route{
			{Match: config.RouteMatch{Host: "", PathPrefix: "/"}},
			{Name: "example", Match: config.RouteMatch{Host: "Example.com", PathPrefix: "/"}},
		},
	}

	router, err := NewRouter(cfg)
	if err != nil {
		t.Fatalf("NewRouter error: %v", err)
	}

	req := &http.Request{URL: &url.URL{Path: "/"}, Host: "example.com:8443"}
	route, ok := router.Match(req)
	if !ok {
		t.Fatal("expected route match")
	}
	if route.Host != "example.com" || route.Key() != "example" {
		t.Fatalf("expected host route example.com, got %q (%s)", route.Host, route.Key())
	}

	other := &http.Request{URL: &url.URL{Path: "/x"}, Host: "other.org"}
	route, ok = router.Match(other)
	if !ok {
		t.Fatal("expected catch-all match")
	}
	if route.Name != "" || route.Key() != "route-0" {
		t.Fatalf("expected unnamed route-0, got %q", route.Key())
	}
}

func TestRouterNoMatch(t *testing.T) {
	router, err := NewRouter(&config.Config{Routes: []config.Route{{Match: config.RouteMatch{PathPrefix: "/api"}}}})
	if err != nil {
		t.Fatalf("NewRouter error: %v", err)
	}
	if _, ok := router.Match(&http.Request{URL: &url.URL{Path: "/web"}}); ok {
		t.Fatal("expected no match")
	}
	if _, ok := router.Match(nil); ok {
		t.Fatal("expected no match for nil request")
	}
}

func TestRouterMatchCleansPath(t *testing.T) {
	router, err := NewRouter(&config.Config{Routes: []config.Route{
		{Name: "admin", Match: config.RouteMatch{PathPrefix: "/admin"}},
		{Name: "api", Match: config.RouteMatch{PathPrefix: "/api"}},
	}})
	if err != nil {
		t.Fatalf("NewRouter error: %v", err)
	}

	tests := map[string]string{
		"/api/../admin/users": "admin",
		"//api/./v1":          "api",
		"/admin/../api/":      "api",
	}
	for path, want := range tests {
		route, ok := router.Match(&http.Request{URL: &url.URL{Path: path}})
		if !ok || route.Name != want {
			t.Fatalf("%s: expected %s, got %q (matched %v)", path, want, route.Name, ok)
		}
	}
}

func TestCleanPath(t *testing.T) {
	tests := map[string]string{
		"":             "/",
		"/":            "/",
		"/a/b/":        "/a/b/",
		"/a/../../b":   "/b",
		"a/b":          "/a/b",
		"/a//b/./c/..": "/a/b",
	}
	for in, want := range tests {
		if got := cleanPath(in); got != want {
			t.Fatalf("cleanPath(%q) = %q, want %q", in, got, want)
		}
	}
}
