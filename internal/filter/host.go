package filter

import (
	"unicode/utf8"

	"github.com/klyr/mutator/internal/template"
)

// HeaderField is one raw header as held by the host.
type HeaderField struct {
	Name  []byte
	Value []byte
}

// MetadataSource exposes the host's per-exchange dynamic metadata.
type MetadataSource interface {
	DynamicMetadataString(namespace, key string) ([]byte, bool)
}

// Host is the proxy runtime that owns the exchange's header state. Header
// getters return point-in-time snapshots; setters replace any existing value.
type Host interface {
	MetadataSource
	RequestHeaders() []HeaderField
	ResponseHeaders() []HeaderField
	SetRequestHeader(name string, value []byte)
	SetResponseHeader(name string, value []byte)
}

// Status tells the host whether to keep iterating the filter chain.
type Status int

const (
	Continue Status = iota
	StopIteration
)

func (s Status) String() string {
	switch s {
	case Continue:
		return "continue"
	case StopIteration:
		return "stop_iteration"
	default:
		return "unknown"
	}
}

// decodeHeaders builds a template header map. Names that are not valid UTF-8
// are skipped; a value that is not valid UTF-8 fails the whole map.
func decodeHeaders(fields []HeaderField) (template.HeaderMap, error) {
	m := make(template.HeaderMap, len(fields))
	for _, f := range fields {
		if !utf8.Valid(f.Name) {
			continue
		}
		if !utf8.Valid(f.Value) {
			return nil, &HeaderDecodeError{Name: string(f.Name)}
		}
		m.Set(string(f.Name), string(f.Value))
	}
	return m, nil
}
