package filter

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// Source says where the rules applied in a phase came from.
type Source string

const (
	SourceNone     Source = ""
	SourceGlobal   Source = "global"
	SourceRoute    Source = "route"
	SourceFallback Source = "global_fallback"
)

// Resolution results, as reported to observers.
const (
	ResolvedGlobal  = "global"
	ResolvedRoute   = "route"
	ResolvedMissing = "missing"
	ResolvedUnknown = "unknown"
)

// Resolution is the rule set selected for an exchange.
type Resolution struct {
	Rules  RuleSet
	Source Source
	Route  string
}

// Resolve selects the active rule set. Without route overrides the global set
// is returned and md is never consulted. Otherwise the route key must be
// present and known; the override then replaces the global set entirely.
func (c *Config) Resolve(md MetadataSource) (Resolution, error) {
	if len(c.routes) == 0 {
		return Resolution{Rules: c.global, Source: SourceGlobal}, nil
	}
	if md == nil {
		return Resolution{}, ErrMissingRouteMetadata
	}

	raw, ok := md.DynamicMetadataString(c.metadata.Namespace, c.metadata.Key)
	if !ok {
		return Resolution{}, fmt.Errorf("%w: no %s/%s entry", ErrMissingRouteMetadata, c.metadata.Namespace, c.metadata.Key)
	}
	if !utf8.Valid(raw) {
		return Resolution{}, fmt.Errorf("%w: route key is not valid utf-8", ErrMissingRouteMetadata)
	}

	key := string(raw)
	set, ok := c.routes[key]
	if !ok {
		return Resolution{Route: key}, fmt.Errorf("%w: %q", ErrUnknownRouteKey, key)
	}
	return Resolution{Rules: set, Source: SourceRoute, Route: key}, nil
}

func resolutionResult(res Resolution, err error) string {
	switch {
	case errors.Is(err, ErrUnknownRouteKey):
		return ResolvedUnknown
	case err != nil:
		return ResolvedMissing
	case res.Source == SourceRoute:
		return ResolvedRoute
	default:
		return ResolvedGlobal
	}
}
