package filter

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// HeaderRule sets header Name to the rendered Template.
type HeaderRule struct {
	Name     string `yaml:"name" json:"name"`
	Template string `yaml:"template" json:"template"`
}

// UnmarshalYAML accepts ["X-Name", "template"] as well as
// {name: X-Name, template: "..."}.
func (r *HeaderRule) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		if len(node.Content) != 2 {
			return fmt.Errorf("line %d: header rule needs [name, template], got %d items", node.Line, len(node.Content))
		}
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: header rule items must be strings", item.Line)
			}
		}
		r.Name = node.Content[0].Value
		r.Template = node.Content[1].Value
		return nil
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			if key := node.Content[i].Value; key != "name" && key != "template" {
				return fmt.Errorf("line %d: unknown header rule field %q", node.Content[i].Line, key)
			}
		}
		type plain HeaderRule
		var out plain
		if err := node.Decode(&out); err != nil {
			return err
		}
		*r = HeaderRule(out)
		return nil
	default:
		return fmt.Errorf("line %d: header rule must be a list or a mapping", node.Line)
	}
}

// UnmarshalJSON accepts the same two shapes as UnmarshalYAML.
func (r *HeaderRule) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return errors.New("empty header rule")
	}
	switch data[0] {
	case '[':
		var pair []string
		if err := json.Unmarshal(data, &pair); err != nil {
			return fmt.Errorf("header rule items must be strings: %w", err)
		}
		if len(pair) != 2 {
			return fmt.Errorf("header rule needs [name, template], got %d items", len(pair))
		}
		r.Name, r.Template = pair[0], pair[1]
		return nil
	case '{':
		type plain HeaderRule
		var out plain
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&out); err != nil {
			return fmt.Errorf("header rule: %w", err)
		}
		*r = HeaderRule(out)
		return nil
	default:
		return errors.New("header rule must be a list or a mapping")
	}
}

// Setters is the rule layout shared by the global configuration and each
// per-route blob.
type Setters struct {
	RequestHeadersSetter  []HeaderRule `yaml:"request_headers_setter" json:"request_headers_setter"`
	ResponseHeadersSetter []HeaderRule `yaml:"response_headers_setter" json:"response_headers_setter"`
}

// Spec is the parsed, not yet validated, filter configuration.
type Spec struct {
	Setters       `yaml:",inline"`
	RouteSpecific map[string]RouteBlob `yaml:"route_specific" json:"route_specific"`
	RouteFallback RouteFallback        `yaml:"route_fallback" json:"route_fallback"`
	RouteMetadata RouteMetadata        `yaml:"route_metadata" json:"route_metadata"`
	Phases        Phases               `yaml:"phases" json:"phases"`
}

// RouteBlob holds one route's embedded configuration undecoded so a
// malformed route can be dropped without rejecting the whole Spec. The blob
// is either a string holding JSON/YAML text or an inline mapping.
type RouteBlob struct {
	node yaml.Node
}

// RouteText wraps configuration text as a RouteBlob.
func RouteText(text string) RouteBlob {
	return RouteBlob{node: yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: text}}
}

// RouteRules wraps already structured rules as a RouteBlob.
func RouteRules(s Setters) RouteBlob {
	var b RouteBlob
	if err := b.node.Encode(s); err != nil {
		// Encoding a struct of strings cannot fail.
		panic(err)
	}
	return b
}

func (b *RouteBlob) UnmarshalYAML(node *yaml.Node) error {
	b.node = *node
	return nil
}

// UnmarshalJSON keeps a string blob as text and re-encodes an object as a
// mapping node. Duplicate keys inside the object keep the last value.
func (b *RouteBlob) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	b.node = yaml.Node{}
	return b.node.Encode(v)
}

func (b RouteBlob) MarshalYAML() (any, error) {
	return &b.node, nil
}

// text returns the blob as configuration text for strict decoding.
func (b RouteBlob) text() ([]byte, error) {
	switch b.node.Kind {
	case 0:
		return nil, fmt.Errorf("empty route configuration")
	case yaml.ScalarNode:
		if b.node.Tag == "!!null" {
			return nil, fmt.Errorf("empty route configuration")
		}
		return []byte(b.node.Value), nil
	case yaml.MappingNode:
		return yaml.Marshal(&b.node)
	default:
		return nil, fmt.Errorf("route configuration must be text or a mapping")
	}
}

// RouteFallback decides what a phase does when per-route rules are
// configured but the exchange has no usable route key.
type RouteFallback string

const (
	// FallbackSkip continues the phase without mutating headers.
	FallbackSkip RouteFallback = "skip"
	// FallbackGlobal renders the global rules instead.
	FallbackGlobal RouteFallback = "global"
)

// RouteMetadata names the dynamic metadata entry holding the route key.
type RouteMetadata struct {
	Namespace string `yaml:"namespace" json:"namespace"`
	Key       string `yaml:"key" json:"key"`
}

const (
	DefaultMetadataNamespace = "kgateway"
	DefaultMetadataKey       = "route"
)

type Phases struct {
	Request  PhasePolicy `yaml:"request" json:"request"`
	Response PhasePolicy `yaml:"response" json:"response"`
}

// PhasePolicy controls buffering for one phase. A nil AwaitEndOfStream
// takes the phase default: true for requests, false for responses.
type PhasePolicy struct {
	AwaitEndOfStream *bool `yaml:"await_end_of_stream" json:"await_end_of_stream"`
}

func (p PhasePolicy) await(def bool) bool {
	if p.AwaitEndOfStream == nil {
		return def
	}
	return *p.AwaitEndOfStream
}
