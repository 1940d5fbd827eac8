package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"sort"
	"strings"

	"github.com/klyr/mutator/internal/filter"
	"github.com/klyr/mutator/internal/logging"
)

type ValidationError struct {
	Problems []string
}

func (v *ValidationError) Add(format string, args ...any) {
	v.Problems = append(v.Problems, fmt.Sprintf(format, args...))
}

func (v *ValidationError) Error() string {
	return fmt.Sprintf("%d validation error(s)", len(v.Problems))
}

func (c *Config) Validate() error {
	v := &ValidationError{}

	if c.ConfigVersion != 1 {
		v.Add("configVersion must be 1")
	}

	if err := validateListen(c.Server.Listen); err != nil {
		v.Add("server.listen invalid: %v", err)
	}
	if c.Server.MaxHeaderBytes < 0 {
		v.Add("server.maxHeaderBytes must be >= 0")
	}
	if c.Server.UpstreamTimeout < 0 {
		v.Add("server.upstreamTimeout must be >= 0")
	}
	if c.Server.ShutdownTimeout < 0 {
		v.Add("server.shutdownTimeout must be >= 0")
	}

	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" {
			v.Add("server.tls.certFile required when tls.enabled is true")
		}
		if c.Server.TLS.KeyFile == "" {
			v.Add("server.tls.keyFile required when tls.enabled is true")
		}
		if c.Server.TLS.CertFile != "" {
			if err := requireFile(c.resolvePath(c.Server.TLS.CertFile)); err != nil {
				v.Add("server.tls.certFile invalid: %v", err)
			}
		}
		if c.Server.TLS.KeyFile != "" {
			if err := requireFile(c.resolvePath(c.Server.TLS.KeyFile)); err != nil {
				v.Add("server.tls.keyFile invalid: %v", err)
			}
		}
	}

	if c.Metrics.Enabled {
		if err := validateListen(c.Metrics.Listen); err != nil {
			v.Add("metrics.listen invalid: %v", err)
		}
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		v.Add("logging.level invalid: %v", err)
	}
	switch c.Logging.Format {
	case "", logging.FormatJSON, logging.FormatConsole:
	default:
		v.Add("logging.format must be json|console")
	}

	upstreamNames := map[string]struct{}{}
	for i, upstream := range c.Upstreams {
		if upstream.Name == "" {
			v.Add("upstreams[%d].name is required", i)
		} else if _, exists := upstreamNames[upstream.Name]; exists {
			v.Add("upstreams[%d].name %q is duplicated", i, upstream.Name)
		} else {
			upstreamNames[upstream.Name] = struct{}{}
		}

		if upstream.URL == "" {
			v.Add("upstreams[%d].url is required", i)
		} else if err := validateURL(upstream.URL); err != nil {
			v.Add("upstreams[%d].url invalid: %v", i, err)
		}
	}

	routeNames := map[string]struct{}{}
	for i, route := range c.Routes {
		if route.Name != "" {
			if _, exists := routeNames[route.Name]; exists {
				v.Add("routes[%d].name %q is duplicated", i, route.Name)
			}
			routeNames[route.Name] = struct{}{}
		}
		if route.Match.PathPrefix == "" {
			v.Add("routes[%d].match.pathPrefix is required", i)
		} else if !strings.HasPrefix(route.Match.PathPrefix, "/") {
			v.Add("routes[%d].match.pathPrefix must start with /", i)
		}
		if route.Upstream == "" {
			v.Add("routes[%d].upstream is required", i)
		} else if _, exists := upstreamNames[route.Upstream]; !exists {
			v.Add("routes[%d].upstream %q does not exist", i, route.Upstream)
		}
	}

	c.validateFilter(v, routeNames)

	if len(v.Problems) > 0 {
		sort.Strings(v.Problems)
		return v
	}
	return nil
}

func (c *Config) validateFilter(v *ValidationError, routeNames map[string]struct{}) {
	if c.Filter != nil && c.FilterFile != "" {
		v.Add("filter and filterFile are mutually exclusive")
		return
	}
	if c.FilterFile != "" {
		if err := requireFile(c.resolvePath(c.FilterFile)); err != nil {
			v.Add("filterFile invalid: %v", err)
			return
		}
	}

	spec, err := c.FilterSpec()
	if err != nil {
		addFilterError(v, err)
		return
	}
	if _, err := filter.New(spec); err != nil {
		addFilterError(v, err)
		return
	}

	for name := range spec.RouteSpecific {
		if _, ok := routeNames[name]; !ok {
			v.Add("filter.route_specific.%s does not name a configured route", name)
		}
	}
}

func addFilterError(v *ValidationError, err error) {
	var perr *filter.ConfigParseError
	if errors.As(err, &perr) && len(perr.Problems) > 0 {
		for _, p := range perr.Problems {
			v.Add("filter: %s", p)
		}
		return
	}
	v.Add("filter invalid: %v", err)
}

func validateListen(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("address is required")
	}
	if _, err := net.ResolveTCPAddr("tcp", addr); err != nil {
		return err
	}
	return nil
}

func validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return errors.New("must include scheme and host")
	}
	return nil
}

func requireFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	return nil
}
