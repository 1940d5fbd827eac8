package gateway

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"path"
	"sort"
	"strings"

	"github.com/klyr/mutator/internal/config"
)

// Route is a compiled routing entry. Name is the route key handed to the
// header filter; unnamed routes carry no route key.
type Route struct {
	ID         string
	Name       string
	Host       string
	PathPrefix string
	Upstream   string
}

// Key returns the route name, or the positional ID for unnamed routes, for
// use in logs and metrics.
func (r Route) Key() string {
	if r.Name != "" {
		return r.Name
	}
	return r.ID
}

type Router struct {
	routes []Route
}

func NewRouter(cfg *config.Config) (*Router, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	routes := make([]Route, 0, len(cfg.Routes))
	for i, route := range cfg.Routes {
		routes = append(routes, Route{
			ID:         fmt.Sprintf("route-%d", i),
			Name:       route.Name,
			Host:       strings.ToLower(strings.TrimSpace(route.Match.Host)),
			PathPrefix: route.Match.PathPrefix,
			Upstream:   route.Upstream,
		})
	}

	// Longest prefix first; host-bound routes win over catch-alls of the
	// same length; otherwise declaration order.
	sort.SliceStable(routes, func(i, j int) bool {
		if len(routes[i].PathPrefix) != len(routes[j].PathPrefix) {
			return len(routes[i].PathPrefix) > len(routes[j].PathPrefix)
		}
		return routes[i].Host != "" && routes[j].Host == ""
	})

	return &Router{routes: routes}, nil
}

func (r *Router) Match(req *http.Request) (Route, bool) {
	if req == nil {
		return Route{}, false
	}

	host := strings.ToLower(stripPort(req.Host))
	path := cleanPath(req.URL.Path)

	for _, route := range r.routes {
		if route.Host != "" && route.Host != host {
			continue
		}
		if strings.HasPrefix(path, route.PathPrefix) {
			return route, true
		}
	}

	return Route{}, false
}

func (r *Router) Routes() []Route {
	return append([]Route(nil), r.routes...)
}

// cleanPath resolves dot segments and repeated slashes so that route
// selection, and with it the header rule set, matches the path the upstream
// will serve. A trailing slash is kept.
func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	cleaned := path.Clean("/" + p)
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

func stripPort(hostport string) string {
	if hostport == "" {
		return ""
	}

	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}

	return hostport
}
