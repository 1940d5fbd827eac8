package filter

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrMissingRouteMetadata means per-route rules are configured but the
	// host holds no usable route key for the exchange.
	ErrMissingRouteMetadata = errors.New("route metadata missing")
	// ErrUnknownRouteKey means the route key names no configured route.
	ErrUnknownRouteKey = errors.New("unknown route key")
)

// ConfigParseError rejects a whole filter configuration.
type ConfigParseError struct {
	Problems []string
	Err      error
}

func (e *ConfigParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse filter config: %v", e.Err)
	}
	return "invalid filter config: " + strings.Join(e.Problems, "; ")
}

func (e *ConfigParseError) Unwrap() error { return e.Err }

func (e *ConfigParseError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

func (e *ConfigParseError) hasProblems() bool {
	return len(e.Problems) > 0
}

func (e *ConfigParseError) sortProblems() {
	sort.Strings(e.Problems)
}

// RouteParseError explains why one route's override was dropped.
type RouteParseError struct {
	Route string
	Err   error
}

func (e *RouteParseError) Error() string {
	return fmt.Sprintf("route %q: %v", e.Route, e.Err)
}

func (e *RouteParseError) Unwrap() error { return e.Err }

// HeaderDecodeError reports a header value that is not valid UTF-8.
type HeaderDecodeError struct {
	Name string
}

func (e *HeaderDecodeError) Error() string {
	return fmt.Sprintf("header %q: value is not valid utf-8", e.Name)
}
