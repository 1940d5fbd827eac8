// Package grpchost runs the header filter inside a gRPC server. Request rules
// rewrite the incoming metadata a handler sees; response rules rewrite the
// header metadata sent back to the client. The route key is the full method
// name, e.g. "/grpc.health.v1.Health/Check".
package grpchost

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/net/http/httpguts"
	"google.golang.org/grpc/metadata"

	"github.com/klyr/mutator/internal/filter"
)

// callHost adapts one RPC to filter.Host.
type callHost struct {
	method   string
	metadata filter.RouteMetadata

	incoming metadata.MD
	header   metadata.MD

	rejected []string
}

func newCallHost(method string, md filter.RouteMetadata, incoming metadata.MD) *callHost {
	return &callHost{
		method:   method,
		metadata: md,
		incoming: incoming.Copy(),
		header:   metadata.MD{},
	}
}

func (h *callHost) RequestHeaders() []filter.HeaderField {
	out := []filter.HeaderField{field(":path", h.method)}
	return appendMD(out, h.incoming)
}

func (h *callHost) ResponseHeaders() []filter.HeaderField {
	return appendMD(nil, h.header)
}

func (h *callHost) SetRequestHeader(name string, value []byte) {
	if h.valid(name, value) {
		h.incoming.Set(name, string(value))
	}
}

func (h *callHost) SetResponseHeader(name string, value []byte) {
	if h.valid(name, value) {
		h.header.Set(name, string(value))
	}
}

func (h *callHost) DynamicMetadataString(namespace, key string) ([]byte, bool) {
	if namespace != h.metadata.Namespace || key != h.metadata.Key {
		return nil, false
	}
	return []byte(h.method), true
}

// valid rejects pseudo-headers and values gRPC cannot carry as text. Binary
// metadata (-bin) accepts any bytes.
func (h *callHost) valid(name string, value []byte) bool {
	lower := strings.ToLower(name)
	switch {
	case strings.HasPrefix(lower, ":"), strings.HasPrefix(lower, "grpc-"):
	case strings.HasSuffix(lower, "-bin"):
		return true
	case httpguts.ValidHeaderFieldValue(string(value)) && utf8.Valid(value):
		return true
	}
	h.rejected = append(h.rejected, name)
	return false
}

func field(name, value string) filter.HeaderField {
	return filter.HeaderField{Name: []byte(name), Value: []byte(value)}
}

func appendMD(out []filter.HeaderField, md metadata.MD) []filter.HeaderField {
	for name, values := range md {
		for _, v := range values {
			out = append(out, field(name, v))
		}
	}
	return out
}
