package filter

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/net/http/httpguts"
	"gopkg.in/yaml.v3"

	"github.com/klyr/mutator/internal/logging"
	"github.com/klyr/mutator/internal/template"
)

// Rule is a HeaderRule with its template compiled. A rule whose template did
// not compile is kept so it can be reported and skipped at runtime.
type Rule struct {
	Name   string
	Source string

	tmpl *template.Template
	err  error
}

// Err returns the compile error of the rule's template, if any.
func (r Rule) Err() error {
	return r.err
}

// RuleSet holds the ordered rules of both directions.
type RuleSet struct {
	Request  []Rule
	Response []Rule
}

func (s RuleSet) forPhase(phase Phase) []Rule {
	if phase == PhaseResponse {
		return s.Response
	}
	return s.Request
}

// Config is the validated filter configuration. It is immutable after New and
// shared by every Filter created from it.
type Config struct {
	global   RuleSet
	routes   map[string]RuleSet
	dropped  map[string]*RouteParseError
	fallback RouteFallback
	metadata RouteMetadata

	awaitRequest  bool
	awaitResponse bool

	env      *template.Environment
	logger   zerolog.Logger
	observer Observer
}

type options struct {
	logger   zerolog.Logger
	observer Observer
	env      *template.Environment
}

type Option func(*options)

// WithLogger sets the logger used for configuration warnings and per-rule
// failures.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithObserver registers an observer notified after every completed phase.
func WithObserver(observer Observer) Option {
	return func(o *options) { o.observer = observer }
}

// WithEnvironment overrides the template environment.
func WithEnvironment(env *template.Environment) Option {
	return func(o *options) { o.env = env }
}

// ParseSpec decodes configuration text, JSON or YAML. Unknown keys are
// rejected.
func ParseSpec(text []byte) (Spec, error) {
	var spec Spec
	if len(bytes.TrimSpace(text)) == 0 {
		return spec, &ConfigParseError{Err: errors.New("empty configuration")}
	}
	if err := decodeStrict(text, &spec); err != nil {
		return Spec{}, &ConfigParseError{Err: err}
	}
	return spec, nil
}

// decodeStrict reads a JSON object with encoding/json and anything else with
// YAML. JSON escapes such as \/ are not valid YAML, so YAML alone would
// reject some JSON documents.
func decodeStrict(text []byte, out any) error {
	trimmed := bytes.TrimSpace(text)
	if len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed) {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		return dec.Decode(out)
	}
	dec := yaml.NewDecoder(bytes.NewReader(text))
	dec.KnownFields(true)
	return dec.Decode(out)
}

// Parse decodes text and builds a Config from it.
func Parse(text []byte, opts ...Option) (*Config, error) {
	spec, err := ParseSpec(text)
	if err != nil {
		return nil, err
	}
	return New(spec, opts...)
}

// New validates spec and compiles every template once. Problems with the
// global rules or policies reject the configuration with a
// *ConfigParseError. A malformed route override only drops that route.
func New(spec Spec, opts ...Option) (*Config, error) {
	o := options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.env == nil {
		o.env = template.NewEnvironment()
	}

	cfg := &Config{
		routes:        make(map[string]RuleSet),
		dropped:       make(map[string]*RouteParseError),
		fallback:      spec.RouteFallback,
		metadata:      spec.RouteMetadata,
		awaitRequest:  spec.Phases.Request.await(true),
		awaitResponse: spec.Phases.Response.await(false),
		env:           o.env,
		logger:        o.logger,
		observer:      o.observer,
	}

	problems := &ConfigParseError{}
	switch cfg.fallback {
	case "":
		cfg.fallback = FallbackSkip
	case FallbackSkip, FallbackGlobal:
	default:
		problems.add("route_fallback must be %q or %q, got %q", FallbackSkip, FallbackGlobal, cfg.fallback)
	}
	if cfg.metadata.Namespace == "" {
		cfg.metadata.Namespace = DefaultMetadataNamespace
	}
	if cfg.metadata.Key == "" {
		cfg.metadata.Key = DefaultMetadataKey
	}

	global, nameProblems := cfg.compile(spec.Setters)
	for _, p := range nameProblems {
		problems.add("%s", p)
	}
	if problems.hasProblems() {
		problems.sortProblems()
		return nil, problems
	}
	cfg.global = global
	cfg.logCompileErrors("", global)

	for _, name := range sortedKeys(spec.RouteSpecific) {
		set, err := cfg.buildRoute(spec.RouteSpecific[name])
		if err != nil {
			perr := &RouteParseError{Route: name, Err: err}
			cfg.dropped[name] = perr
			cfg.logger.Warn().
				Str(logging.FieldEvent, "filter.route_dropped").
				Str(logging.FieldRoute, name).
				Err(err).
				Msg("dropping malformed route configuration")
			continue
		}
		cfg.routes[name] = set
		cfg.logCompileErrors(name, set)
	}

	return cfg, nil
}

func (c *Config) buildRoute(blob RouteBlob) (RuleSet, error) {
	text, err := blob.text()
	if err != nil {
		return RuleSet{}, err
	}
	if len(bytes.TrimSpace(text)) == 0 {
		return RuleSet{}, errors.New("empty route configuration")
	}

	var setters Setters
	if err := decodeStrict(text, &setters); err != nil {
		return RuleSet{}, err
	}

	set, problems := c.compile(setters)
	if len(problems) > 0 {
		sort.Strings(problems)
		return RuleSet{}, errors.New(strings.Join(problems, "; "))
	}
	return set, nil
}

// compile turns setters into a RuleSet. Invalid header names are returned as
// problems; template compile errors are recorded on the rule.
func (c *Config) compile(s Setters) (RuleSet, []string) {
	var problems []string
	build := func(field string, in []HeaderRule) []Rule {
		out := make([]Rule, 0, len(in))
		for i, hr := range in {
			if !httpguts.ValidHeaderFieldName(hr.Name) {
				problems = append(problems, fmt.Sprintf("%s[%d]: invalid header name %q", field, i, hr.Name))
				continue
			}
			rule := Rule{Name: hr.Name, Source: hr.Template}
			rule.tmpl, rule.err = c.env.Compile(hr.Template)
			out = append(out, rule)
		}
		return out
	}
	set := RuleSet{
		Request:  build("request_headers_setter", s.RequestHeadersSetter),
		Response: build("response_headers_setter", s.ResponseHeadersSetter),
	}
	return set, problems
}

func (c *Config) logCompileErrors(route string, set RuleSet) {
	for _, phase := range []Phase{PhaseRequest, PhaseResponse} {
		for _, rule := range set.forPhase(phase) {
			if rule.err == nil {
				continue
			}
			c.logger.Warn().
				Str(logging.FieldEvent, "filter.template_invalid").
				Str(logging.FieldRoute, route).
				Str(logging.FieldPhase, string(phase)).
				Str(logging.FieldHeader, rule.Name).
				Err(rule.err).
				Msg("template does not compile; header will be skipped")
		}
	}
}

// Global returns the default rule set.
func (c *Config) Global() RuleSet {
	return c.global
}

// Route returns the override for a route key.
func (c *Config) Route(key string) (RuleSet, bool) {
	set, ok := c.routes[key]
	return set, ok
}

// Routes lists the route keys with a usable override, sorted.
func (c *Config) Routes() []string {
	return sortedKeys(c.routes)
}

// DroppedRoutes lists the overrides rejected while building, sorted by route.
func (c *Config) DroppedRoutes() []*RouteParseError {
	out := make([]*RouteParseError, 0, len(c.dropped))
	for _, name := range sortedKeys(c.dropped) {
		out = append(out, c.dropped[name])
	}
	return out
}

func (c *Config) Fallback() RouteFallback {
	return c.fallback
}

func (c *Config) Metadata() RouteMetadata {
	return c.metadata
}

// AwaitEndOfStream reports whether phase waits for the end-of-stream flag.
func (c *Config) AwaitEndOfStream(phase Phase) bool {
	if phase == PhaseResponse {
		return c.awaitResponse
	}
	return c.awaitRequest
}

// Problems describes every non-fatal problem found while building: dropped
// routes and templates that did not compile.
func (c *Config) Problems() []string {
	var out []string
	for _, perr := range c.DroppedRoutes() {
		out = append(out, perr.Error())
	}
	collect := func(scope string, set RuleSet) {
		for _, phase := range []Phase{PhaseRequest, PhaseResponse} {
			for _, rule := range set.forPhase(phase) {
				if rule.err != nil {
					out = append(out, fmt.Sprintf("%s %s header %q: %v", scope, phase, rule.Name, rule.err))
				}
			}
		}
	}
	collect("global", c.global)
	for _, name := range c.Routes() {
		collect(fmt.Sprintf("route %q", name), c.routes[name])
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
