package filter

// Summary is a JSON-friendly view of a Config.
type Summary struct {
	Global        SetSummary            `json:"global"`
	Routes        map[string]SetSummary `json:"routes"`
	DroppedRoutes map[string]string     `json:"dropped_routes,omitempty"`
	RouteFallback RouteFallback         `json:"route_fallback"`
	RouteMetadata string                `json:"route_metadata"`
	AwaitRequest  bool                  `json:"await_request_end_of_stream"`
	AwaitResponse bool                  `json:"await_response_end_of_stream"`
}

type SetSummary struct {
	Request  []RuleSummary `json:"request"`
	Response []RuleSummary `json:"response"`
}

type RuleSummary struct {
	Header   string `json:"header"`
	Template string `json:"template"`
	Error    string `json:"error,omitempty"`
}

func (c *Config) Summary() Summary {
	s := Summary{
		Global:        summarizeSet(c.global),
		Routes:        make(map[string]SetSummary, len(c.routes)),
		RouteFallback: c.fallback,
		RouteMetadata: c.metadata.Namespace + "/" + c.metadata.Key,
		AwaitRequest:  c.awaitRequest,
		AwaitResponse: c.awaitResponse,
	}
	for name, set := range c.routes {
		s.Routes[name] = summarizeSet(set)
	}
	if len(c.dropped) > 0 {
		s.DroppedRoutes = make(map[string]string, len(c.dropped))
		for name, perr := range c.dropped {
			s.DroppedRoutes[name] = perr.Err.Error()
		}
	}
	return s
}

func summarizeSet(set RuleSet) SetSummary {
	return SetSummary{
		Request:  summarizeRules(set.Request),
		Response: summarizeRules(set.Response),
	}
}

func summarizeRules(rules []Rule) []RuleSummary {
	out := make([]RuleSummary, 0, len(rules))
	for _, r := range rules {
		rs := RuleSummary{Header: r.Name, Template: r.Source}
		if r.err != nil {
			rs.Error = r.err.Error()
		}
		out = append(out, rs)
	}
	return out
}
