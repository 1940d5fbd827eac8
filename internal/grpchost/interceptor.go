package grpchost

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/klyr/mutator/internal/filter"
	"github.com/klyr/mutator/internal/logging"
)

const fieldMethod = "method"

// FilterSource supplies the active filter configuration. It is consulted
// once per call so reloads take effect on the next RPC.
type FilterSource interface {
	Filter() *filter.Config
}

type staticSource struct{ cfg *filter.Config }

func (s staticSource) Filter() *filter.Config { return s.cfg }

// Static wraps a fixed configuration as a FilterSource.
func Static(cfg *filter.Config) FilterSource {
	return staticSource{cfg: cfg}
}

type Interceptor struct {
	source FilterSource
	logger zerolog.Logger
}

type Option func(*Interceptor)

func WithLogger(logger zerolog.Logger) Option {
	return func(i *Interceptor) { i.logger = logger }
}

func New(source FilterSource, opts ...Option) *Interceptor {
	i := &Interceptor{source: source, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(i)
	}
	i.logger = logging.WithComponent(i.logger, "grpchost")
	return i
}

// Unary returns a server interceptor for unary RPCs.
func (i *Interceptor) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		c := i.begin(ctx, info.FullMethod)
		if c == nil {
			return handler(ctx, req)
		}
		ctx = c.requestContext(ctx)

		var buf *headerBuffer
		if stream := grpc.ServerTransportStreamFromContext(ctx); stream != nil {
			buf = c.newBuffer(stream.SetHeader, stream.SendHeader)
			ctx = grpc.NewContextWithServerTransportStream(ctx, &transportStream{ServerTransportStream: stream, buf: buf})
		}

		resp, err := handler(ctx, req)
		if buf != nil {
			if ferr := buf.flush(); ferr != nil {
				c.logger.Warn().Str(logging.FieldEvent, "grpchost.header_failed").Err(ferr).Msg("failed to set response headers")
			}
		}
		c.finish()
		return resp, err
	}
}

// Stream returns a server interceptor for streaming RPCs. Response rules run
// before the header block is sent: on SendHeader, the first SendMsg, or when
// the handler returns.
func (i *Interceptor) Stream() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		c := i.begin(ss.Context(), info.FullMethod)
		if c == nil {
			return handler(srv, ss)
		}

		buf := c.newBuffer(ss.SetHeader, ss.SendHeader)
		ctx := c.requestContext(ss.Context())
		if stream := grpc.ServerTransportStreamFromContext(ctx); stream != nil {
			ctx = grpc.NewContextWithServerTransportStream(ctx, &transportStream{ServerTransportStream: stream, buf: buf})
		}

		err := handler(srv, &serverStream{ServerStream: ss, ctx: ctx, buf: buf})
		if ferr := buf.flush(); ferr != nil {
			c.logger.Warn().Str(logging.FieldEvent, "grpchost.header_failed").Err(ferr).Msg("failed to set response headers")
		}
		c.finish()
		return err
	}
}

// call is the filter state of one RPC.
type call struct {
	filter *filter.Filter
	host   *callHost
	logger zerolog.Logger
}

func (i *Interceptor) begin(ctx context.Context, method string) *call {
	cfg := i.source.Filter()
	if cfg == nil {
		return nil
	}
	incoming, _ := metadata.FromIncomingContext(ctx)
	logger := i.logger.With().Str(fieldMethod, method).Logger()
	return &call{
		filter: cfg.NewFilter(filter.FilterLogger(logger)),
		host:   newCallHost(method, cfg.Metadata(), incoming),
		logger: logger,
	}
}

// requestContext runs the request phase and returns ctx carrying the
// rewritten incoming metadata.
func (c *call) requestContext(ctx context.Context) context.Context {
	c.filter.OnRequestHeaders(c.host, true)
	c.logRejected()
	return metadata.NewIncomingContext(ctx, c.host.incoming)
}

func (c *call) respond() {
	c.filter.OnResponseHeaders(c.host, true)
	c.logRejected()
}

func (c *call) logRejected() {
	for _, name := range c.host.rejected {
		c.logger.Warn().
			Str(logging.FieldEvent, "grpchost.header_rejected").
			Str(logging.FieldHeader, name).
			Msg("rendered value cannot be carried as metadata; not set")
	}
	c.host.rejected = nil
}

func (c *call) finish() {
	report := c.filter.Report()
	c.logger.Debug().
		Str(logging.FieldEvent, "grpchost.call_filtered").
		Str("request_outcome", string(report.Request.Outcome)).
		Strs("request_applied", report.Request.Applied).
		Str("response_outcome", string(report.Response.Outcome)).
		Strs("response_applied", report.Response.Applied).
		Msg("call filtered")
}

func (c *call) newBuffer(set, send func(metadata.MD) error) *headerBuffer {
	return &headerBuffer{call: c, set: set, send: send}
}

// headerBuffer holds response metadata set by the handler until the response
// phase has run over it.
type headerBuffer struct {
	mu   sync.Mutex
	call *call
	sent bool
	set  func(metadata.MD) error
	send func(metadata.MD) error
}

func (b *headerBuffer) setHeader(md metadata.MD) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sent {
		return b.set(md)
	}
	b.call.host.header = metadata.Join(b.call.host.header, md)
	return nil
}

func (b *headerBuffer) sendHeader(md metadata.MD) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sent {
		return b.send(md)
	}
	b.call.host.header = metadata.Join(b.call.host.header, md)
	b.call.respond()
	b.sent = true
	return b.send(b.call.host.header)
}

func (b *headerBuffer) flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sent {
		return nil
	}
	b.call.respond()
	b.sent = true
	if b.call.host.header.Len() == 0 {
		return nil
	}
	return b.set(b.call.host.header)
}

type transportStream struct {
	grpc.ServerTransportStream
	buf *headerBuffer
}

func (s *transportStream) SetHeader(md metadata.MD) error  { return s.buf.setHeader(md) }
func (s *transportStream) SendHeader(md metadata.MD) error { return s.buf.sendHeader(md) }

type serverStream struct {
	grpc.ServerStream
	ctx context.Context
	buf *headerBuffer
}

func (s *serverStream) Context() context.Context        { return s.ctx }
func (s *serverStream) SetHeader(md metadata.MD) error  { return s.buf.setHeader(md) }
func (s *serverStream) SendHeader(md metadata.MD) error { return s.buf.sendHeader(md) }

func (s *serverStream) SendMsg(m any) error {
	if err := s.buf.flush(); err != nil {
		return err
	}
	return s.ServerStream.SendMsg(m)
}
