package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/klyr/mutator/internal/config"
	"github.com/klyr/mutator/internal/filter"
	"github.com/klyr/mutator/internal/logging"
	"github.com/klyr/mutator/internal/observability"
)

// Gateway is a reverse proxy that runs the header filter on every exchange.
// Its configuration can be replaced at runtime with Apply; exchanges in
// flight finish with the configuration they started with.
type Gateway struct {
	state atomic.Pointer[state]

	base        zerolog.Logger
	logger      zerolog.Logger
	metrics     *observability.Metrics
	exchangeLog *logging.ExchangeLogger
}

type state struct {
	cfg     *config.Config
	router  *Router
	proxies map[string]*httputil.ReverseProxy
	filter  *filter.Config
}

type Option func(*Gateway)

func WithLogger(logger zerolog.Logger) Option {
	return func(g *Gateway) { g.base = logger }
}

func WithMetrics(metrics *observability.Metrics) Option {
	return func(g *Gateway) { g.metrics = metrics }
}

func WithExchangeLog(log *logging.ExchangeLogger) Option {
	return func(g *Gateway) { g.exchangeLog = log }
}

func New(cfg *config.Config, opts ...Option) (*Gateway, error) {
	g := &Gateway{base: zerolog.Nop()}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = logging.WithComponent(g.base, "gateway")

	if err := g.Apply(cfg); err != nil {
		return nil, err
	}
	return g, nil
}

// Apply builds routing and filter state from cfg and swaps it in. On error
// the current state is kept.
func (g *Gateway) Apply(cfg *config.Config) error {
	st, err := g.build(cfg)
	if err != nil {
		return err
	}
	g.state.Store(st)

	for _, problem := range st.filter.Problems() {
		g.logger.Warn().Str(logging.FieldEvent, "gateway.filter_problem").Str(logging.FieldReason, problem).Msg("header filter configuration problem")
	}
	g.logger.Info().
		Str(logging.FieldEvent, "gateway.config_applied").
		Int("routes", len(st.router.routes)).
		Strs("filter_routes", st.filter.Routes()).
		Msg("configuration applied")
	return nil
}

// Filter returns the active header filter configuration.
func (g *Gateway) Filter() *filter.Config {
	if st := g.state.Load(); st != nil {
		return st.filter
	}
	return nil
}

// Router returns the active router.
func (g *Gateway) Router() *Router {
	if st := g.state.Load(); st != nil {
		return st.router
	}
	return nil
}

func (g *Gateway) Ready() bool {
	return g.state.Load() != nil
}

func (g *Gateway) build(cfg *config.Config) (*state, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	router, err := NewRouter(cfg)
	if err != nil {
		return nil, err
	}

	filterOpts := []filter.Option{filter.WithLogger(logging.WithComponent(g.base, "filter"))}
	if g.metrics != nil {
		filterOpts = append(filterOpts, filter.WithObserver(g.metrics))
	}
	fc, err := cfg.BuildFilter(filterOpts...)
	if err != nil {
		return nil, fmt.Errorf("build header filter: %w", err)
	}

	timeout := cfg.Server.UpstreamTimeout
	if timeout <= 0 {
		timeout = config.DefaultUpstreamTimeout
	}
	transport := newTransport(timeout)

	proxies := make(map[string]*httputil.ReverseProxy, len(cfg.Upstreams))
	for _, upstream := range cfg.Upstreams {
		target, err := url.Parse(upstream.URL)
		if err != nil {
			return nil, fmt.Errorf("parse upstream %s: %w", upstream.Name, err)
		}
		proxy := httputil.NewSingleHostReverseProxy(target)
		proxy.Transport = transport
		proxy.ModifyResponse = g.modifyResponse
		proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
			switch {
			case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
				http.Error(w, "upstream timeout", http.StatusGatewayTimeout)
			default:
				http.Error(w, "upstream error", http.StatusBadGateway)
			}
		}
		proxies[upstream.Name] = proxy
	}

	return &state{cfg: cfg, router: router, proxies: proxies, filter: fc}, nil
}

// exchange carries per-request filter state from ServeHTTP to
// ModifyResponse through the outbound request context.
type exchange struct {
	id     string
	route  Route
	filter *filter.Filter
	md     filter.RouteMetadata
	logger zerolog.Logger
}

type exchangeKey struct{}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	st := g.state.Load()
	route, ok := st.router.Match(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	proxy, ok := st.proxies[route.Upstream]
	if !ok {
		http.NotFound(w, r)
		return
	}

	start := time.Now()
	ex := &exchange{
		id:    uuid.NewString(),
		route: route,
		md:    st.filter.Metadata(),
	}
	ex.logger = g.logger.With().
		Str(logging.FieldExchangeID, ex.id).
		Str(logging.FieldRoute, route.Key()).
		Logger()
	ex.filter = st.filter.NewFilter(filter.FilterLogger(ex.logger))

	record := logging.Exchange{
		Timestamp:  start.UTC(),
		ExchangeID: ex.id,
		ClientIP:   clientIP(r),
		Host:       r.Host,
		Method:     r.Method,
		Path:       r.URL.Path,
		Route:      route.Key(),
		Upstream:   route.Upstream,
	}

	outbound := r.Clone(context.WithValue(r.Context(), exchangeKey{}, ex))
	host := newHTTPHost(outbound, ex.md, route.Name)
	// net/http hands over the complete header block, so the request phase
	// always sees end of stream.
	if status := ex.filter.OnRequestHeaders(host, true); status != filter.Continue {
		ex.logger.Warn().Str(logging.FieldEvent, "gateway.request_deferred").Msg("request phase did not complete; forwarding unmodified headers")
	}
	g.logRejected(ex, host)

	if limit := st.cfg.Server.MaxHeaderBytes; exceedsHeaderLimit(outbound.Header, int64(limit)) {
		record.StatusCode = http.StatusRequestHeaderFieldsTooLarge
		g.finish(record, ex, start, 0)
		http.Error(w, "request headers too large after mutation", http.StatusRequestHeaderFieldsTooLarge)
		return
	}

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	upstreamStart := time.Now()
	proxy.ServeHTTP(rec, outbound)
	record.StatusCode = rec.status
	g.finish(record, ex, start, time.Since(upstreamStart))
}

func (g *Gateway) modifyResponse(resp *http.Response) error {
	ex, ok := resp.Request.Context().Value(exchangeKey{}).(*exchange)
	if !ok {
		return nil
	}
	host := newHTTPHost(resp.Request, ex.md, ex.route.Name)
	host.resp = resp
	ex.filter.OnResponseHeaders(host, true)
	g.logRejected(ex, host)
	return nil
}

func (g *Gateway) logRejected(ex *exchange, host *httpHost) {
	for _, name := range host.rejected {
		ex.logger.Warn().
			Str(logging.FieldEvent, "gateway.header_rejected").
			Str(logging.FieldHeader, name).
			Msg("rendered value is not a valid header value; not set")
	}
	host.rejected = nil
}

func (g *Gateway) finish(record logging.Exchange, ex *exchange, start time.Time, upstream time.Duration) {
	report := ex.filter.Report()
	record.Request = phaseRecord(report.Request)
	record.Response = phaseRecord(report.Response)
	record.DurationMS = time.Since(start).Milliseconds()
	record.UpstreamMS = upstream.Milliseconds()

	if err := g.exchangeLog.Write(record); err != nil {
		g.logger.Error().Str(logging.FieldEvent, "gateway.exchange_log_failed").Err(err).Msg("failed to write exchange log")
	}
	g.metrics.ObserveExchange(record.Route, record.StatusCode, time.Since(start))
}

func phaseRecord(r filter.PhaseReport) logging.Phase {
	p := logging.Phase{
		Outcome:    string(r.Outcome),
		Source:     string(r.Source),
		Resolution: r.Resolution,
		Applied:    append([]string(nil), r.Applied...),
	}
	if r.Err != nil {
		p.Error = r.Err.Error()
	}
	for _, s := range r.Skipped {
		skipped := logging.SkippedRule{Header: s.Header, Reason: string(s.Reason)}
		if s.Err != nil {
			skipped.Error = s.Err.Error()
		}
		p.Skipped = append(p.Skipped, skipped)
	}
	return p
}

func clientIP(r *http.Request) string {
	if r == nil {
		return ""
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func exceedsHeaderLimit(headers http.Header, maxBytes int64) bool {
	if maxBytes <= 0 {
		return false
	}

	var total int64
	for name, values := range headers {
		for _, value := range values {
			total += int64(len(name) + len(value) + 2)
			if total > maxBytes {
				return true
			}
		}
	}

	return total > maxBytes
}

func newTransport(timeout time.Duration) *http.Transport {
	dialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   timeout,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
}
