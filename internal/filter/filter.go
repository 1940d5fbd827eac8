package filter

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/klyr/mutator/internal/logging"
	"github.com/klyr/mutator/internal/template"
)

type Phase string

const (
	PhaseRequest  Phase = "request"
	PhaseResponse Phase = "response"
)

// State is the position of a Filter in its exchange.
type State int

const (
	AwaitingRequestHeaders State = iota
	RequestHeadersProcessed
	AwaitingResponseHeaders
	ResponseHeadersProcessed
)

func (s State) String() string {
	switch s {
	case AwaitingRequestHeaders:
		return "awaiting_request_headers"
	case RequestHeadersProcessed:
		return "request_headers_processed"
	case AwaitingResponseHeaders:
		return "awaiting_response_headers"
	case ResponseHeadersProcessed:
		return "response_headers_processed"
	default:
		return "unknown"
	}
}

// Outcome is how a phase ended.
type Outcome string

const (
	OutcomeNotRun      Outcome = "not_run"
	OutcomeDeferred    Outcome = "deferred"
	OutcomeApplied     Outcome = "applied"
	OutcomeNoRoute     Outcome = "route_unresolved"
	OutcomeDecodeError Outcome = "decode_error"
)

type SkipReason string

const (
	SkipCompile SkipReason = "compile"
	SkipRender  SkipReason = "render"
)

type SkippedRule struct {
	Header string
	Reason SkipReason
	Err    error
}

// PhaseReport records what one phase did.
type PhaseReport struct {
	Phase      Phase
	Outcome    Outcome
	Source     Source
	Route      string
	Resolution string
	Applied    []string
	Skipped    []SkippedRule
	Err        error
	Duration   time.Duration
}

type Report struct {
	Request  PhaseReport
	Response PhaseReport
}

// Observer is notified once per completed phase.
type Observer interface {
	ObservePhase(PhaseReport)
}

// Filter applies a Config to one exchange. It is not safe for concurrent use;
// the host calls it from a single goroutine per exchange.
type Filter struct {
	cfg    *Config
	logger zerolog.Logger
	state  State
	report Report
}

type FilterOption func(*Filter)

// FilterLogger replaces the configuration's logger for this exchange, which
// lets hosts attach exchange-scoped fields.
func FilterLogger(logger zerolog.Logger) FilterOption {
	return func(f *Filter) { f.logger = logger }
}

// NewFilter returns a Filter for a new exchange.
func (c *Config) NewFilter(opts ...FilterOption) *Filter {
	f := &Filter{
		cfg:    c,
		logger: c.logger,
		report: Report{
			Request:  PhaseReport{Phase: PhaseRequest, Outcome: OutcomeNotRun},
			Response: PhaseReport{Phase: PhaseResponse, Outcome: OutcomeNotRun},
		},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Filter) State() State {
	return f.state
}

func (f *Filter) Report() Report {
	return f.report
}

// OnRequestHeaders runs the request phase. Until the end-of-stream flag is
// seen it returns StopIteration without touching headers, unless the request
// phase is configured not to wait.
func (f *Filter) OnRequestHeaders(host Host, endOfStream bool) Status {
	if f.state != AwaitingRequestHeaders {
		return Continue
	}
	if f.cfg.awaitRequest && !endOfStream {
		f.report.Request.Outcome = OutcomeDeferred
		return StopIteration
	}
	f.report.Request = f.run(PhaseRequest, host)
	f.state = RequestHeadersProcessed
	return Continue
}

// OnResponseHeaders runs the response phase. By default it does not wait for
// the end-of-stream flag.
func (f *Filter) OnResponseHeaders(host Host, endOfStream bool) Status {
	if f.state == ResponseHeadersProcessed {
		return Continue
	}
	if f.cfg.awaitResponse && !endOfStream {
		f.report.Response.Outcome = OutcomeDeferred
		f.state = AwaitingResponseHeaders
		return StopIteration
	}
	f.report.Response = f.run(PhaseResponse, host)
	f.state = ResponseHeadersProcessed
	return Continue
}

func (f *Filter) run(phase Phase, host Host) PhaseReport {
	start := time.Now()
	rep := f.apply(phase, host)
	rep.Duration = time.Since(start)
	if f.cfg.observer != nil {
		f.cfg.observer.ObservePhase(rep)
	}
	return rep
}

func (f *Filter) apply(phase Phase, host Host) PhaseReport {
	rep := PhaseReport{Phase: phase}
	log := f.logger.With().Str(logging.FieldPhase, string(phase)).Logger()

	ctx, err := phaseContext(phase, host)
	if err != nil {
		rep.Outcome = OutcomeDecodeError
		rep.Err = err
		log.Warn().Str(logging.FieldEvent, "filter.decode_failed").Err(err).Msg("headers not decodable; phase left unmodified")
		return rep
	}

	res, err := f.cfg.Resolve(host)
	rep.Resolution = resolutionResult(res, err)
	if err != nil {
		if f.cfg.fallback != FallbackGlobal {
			rep.Outcome = OutcomeNoRoute
			rep.Route = res.Route
			rep.Err = err
			log.Warn().Str(logging.FieldEvent, "filter.route_unresolved").Err(err).Msg("no rules for route; phase left unmodified")
			return rep
		}
		log.Debug().Str(logging.FieldEvent, "filter.route_fallback").Err(err).Msg("falling back to global rules")
		res = Resolution{Rules: f.cfg.global, Source: SourceFallback, Route: res.Route}
	}
	rep.Source = res.Source
	rep.Route = res.Route

	set := host.SetRequestHeader
	if phase == PhaseResponse {
		set = host.SetResponseHeader
	}

	for _, rule := range res.Rules.forPhase(phase) {
		if rule.err != nil {
			rep.Skipped = append(rep.Skipped, SkippedRule{Header: rule.Name, Reason: SkipCompile, Err: rule.err})
			continue
		}
		value, err := rule.tmpl.Render(ctx)
		if err != nil {
			rep.Skipped = append(rep.Skipped, SkippedRule{Header: rule.Name, Reason: SkipRender, Err: err})
			log.Warn().
				Str(logging.FieldEvent, "filter.render_failed").
				Str(logging.FieldHeader, rule.Name).
				Str(logging.FieldRoute, res.Route).
				Err(err).
				Msg("template render failed; header skipped")
			continue
		}
		set(rule.Name, []byte(value))
		rep.Applied = append(rep.Applied, rule.Name)
	}

	rep.Outcome = OutcomeApplied
	return rep
}

// phaseContext snapshots the host headers a phase renders against. The
// response phase also sees the request headers.
func phaseContext(phase Phase, host Host) (template.Context, error) {
	if phase == PhaseRequest {
		headers, err := decodeHeaders(host.RequestHeaders())
		if err != nil {
			return template.Context{}, err
		}
		return template.Context{Headers: headers}, nil
	}

	headers, err := decodeHeaders(host.ResponseHeaders())
	if err != nil {
		return template.Context{}, err
	}
	requestHeaders, err := decodeHeaders(host.RequestHeaders())
	if err != nil {
		return template.Context{}, err
	}
	return template.Context{Headers: headers, RequestHeaders: requestHeaders}, nil
}
