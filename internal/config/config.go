package config

import (
	"time"

	"github.com/klyr/mutator/internal/filter"
)

type Config struct {
	ConfigVersion int           `yaml:"configVersion"`
	Server        ServerConfig  `yaml:"server"`
	Upstreams     []Upstream    `yaml:"upstreams"`
	Routes        []Route       `yaml:"routes"`
	Filter        *filter.Spec  `yaml:"filter"`
	FilterFile    string        `yaml:"filterFile"`
	Logging       LoggingConfig `yaml:"logging"`
	Metrics       MetricsConfig `yaml:"metrics"`

	baseDir string `yaml:"-"`
	path    string `yaml:"-"`
}

type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	TLS             TLSConfig     `yaml:"tls"`
	MaxHeaderBytes  int           `yaml:"maxHeaderBytes"`
	UpstreamTimeout time.Duration `yaml:"upstreamTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
}

type Upstream struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// Route maps requests to an upstream. Name is the route key header rules
// are selected by.
type Route struct {
	Name     string     `yaml:"name"`
	Match    RouteMatch `yaml:"match"`
	Upstream string     `yaml:"upstream"`
}

type RouteMatch struct {
	Host       string `yaml:"host"`
	PathPrefix string `yaml:"pathPrefix"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	ExchangeLog string `yaml:"exchangeLog"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

const (
	DefaultShutdownTimeout = 10 * time.Second
	DefaultUpstreamTimeout = 30 * time.Second
)

func (c *Config) BaseDir() string {
	return c.baseDir
}

// Path is the file the configuration was loaded from, if any.
func (c *Config) Path() string {
	return c.path
}

func (c *Config) ResolvePath(path string) string {
	return c.resolvePath(path)
}

func (c *Config) RouteNames() []string {
	var names []string
	for _, r := range c.Routes {
		if r.Name != "" {
			names = append(names, r.Name)
		}
	}
	return names
}
