package gateway

import (
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/klyr/mutator/internal/filter"
)

// httpHost presents a net/http exchange to the header filter. Header names
// are exposed lowercased, together with the HTTP/2 style pseudo-headers.
type httpHost struct {
	req      *http.Request
	resp     *http.Response
	metadata map[string]string

	// rejected collects writes whose value is not a legal field value.
	rejected []string
}

func newHTTPHost(req *http.Request, md filter.RouteMetadata, route string) *httpHost {
	h := &httpHost{req: req}
	if route != "" {
		h.metadata = map[string]string{md.Namespace + "/" + md.Key: route}
	}
	return h
}

func (h *httpHost) RequestHeaders() []filter.HeaderField {
	if h.req == nil {
		return nil
	}
	scheme := "http"
	if h.req.TLS != nil {
		scheme = "https"
	}
	out := []filter.HeaderField{
		field(":authority", h.req.Host),
		field(":method", h.req.Method),
		field(":path", h.req.URL.RequestURI()),
		field(":scheme", scheme),
		field("host", h.req.Host),
	}
	return appendHeader(out, h.req.Header)
}

func (h *httpHost) ResponseHeaders() []filter.HeaderField {
	if h.resp == nil {
		return nil
	}
	out := []filter.HeaderField{field(":status", strconv.Itoa(h.resp.StatusCode))}
	return appendHeader(out, h.resp.Header)
}

func (h *httpHost) SetRequestHeader(name string, value []byte) {
	if h.req == nil || !h.valid(name, value) {
		return
	}
	if strings.EqualFold(name, "host") {
		h.req.Host = string(value)
		return
	}
	h.req.Header.Set(name, string(value))
}

func (h *httpHost) SetResponseHeader(name string, value []byte) {
	if h.resp == nil || !h.valid(name, value) {
		return
	}
	h.resp.Header.Set(name, string(value))
}

func (h *httpHost) DynamicMetadataString(namespace, key string) ([]byte, bool) {
	v, ok := h.metadata[namespace+"/"+key]
	if !ok {
		return nil, false
	}
	return []byte(v), true
}

func (h *httpHost) valid(name string, value []byte) bool {
	if httpguts.ValidHeaderFieldValue(string(value)) {
		return true
	}
	h.rejected = append(h.rejected, name)
	return false
}

func field(name, value string) filter.HeaderField {
	return filter.HeaderField{Name: []byte(name), Value: []byte(value)}
}

func appendHeader(out []filter.HeaderField, header http.Header) []filter.HeaderField {
	for name, values := range header {
		lower := strings.ToLower(name)
		for _, v := range values {
			out = append(out, field(lower, v))
		}
	}
	return out
}
