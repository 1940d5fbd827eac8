package template

import (
	"sort"
	"strings"
)

// HeaderMap maps lowercased header names to values.
type HeaderMap map[string]string

// NewHeaderMap builds a HeaderMap from name/value pairs. Names are lowercased
// and a repeated name keeps its last value.
func NewHeaderMap(pairs ...[2]string) HeaderMap {
	m := make(HeaderMap, len(pairs))
	for _, p := range pairs {
		m.Set(p[0], p[1])
	}
	return m
}

func (m HeaderMap) Set(name, value string) {
	m[strings.ToLower(name)] = value
}

// Get looks up name case-insensitively.
func (m HeaderMap) Get(name string) (string, bool) {
	if m == nil {
		return "", false
	}
	if v, ok := m[name]; ok {
		return v, true
	}
	v, ok := m[strings.ToLower(name)]
	return v, ok
}

func (m HeaderMap) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Context is the data a template renders against. Headers holds the headers
// of the phase being processed (request headers in the request phase,
// response headers in the response phase). RequestHeaders is only set in the
// response phase.
type Context struct {
	Headers        HeaderMap
	RequestHeaders HeaderMap
}

const (
	varHeaders        = "headers"
	varRequestHeaders = "request_headers"
)

func (c Context) lookup(name string) Value {
	switch name {
	case varHeaders:
		if c.Headers != nil {
			return mapValue(c.Headers)
		}
	case varRequestHeaders:
		if c.RequestHeaders != nil {
			return mapValue(c.RequestHeaders)
		}
	}
	return undefined
}
