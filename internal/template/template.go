// Package template implements the small template language used by header
// rules: literal text, {{ expression }} interpolation and
// {% if %}/{% elif %}/{% else %}/{% endif %} blocks, with a fixed set of
// callable functions (substring, header, request_header).
package template

import (
	"sort"
	"strings"
)

// Environment compiles templates. It holds no mutable state and may be shared.
type Environment struct {
	funcs map[string]funcSpec
}

func NewEnvironment() *Environment {
	return &Environment{funcs: builtins}
}

// Restrict returns an Environment that only accepts the named functions.
// Names that are not built in are ignored.
func (e *Environment) Restrict(names ...string) *Environment {
	funcs := make(map[string]funcSpec, len(names))
	for _, name := range names {
		if spec, ok := e.funcs[name]; ok {
			funcs[name] = spec
		}
	}
	return &Environment{funcs: funcs}
}

// Functions lists the names templates may call.
func (e *Environment) Functions() []string {
	names := make([]string, 0, len(e.funcs))
	for name := range e.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Compile parses source into a reusable Template.
func (e *Environment) Compile(source string) (*Template, error) {
	nodes, err := parse(source, e.funcs)
	if err != nil {
		return nil, err
	}
	return &Template{source: source, nodes: nodes}, nil
}

// Render compiles and renders source in one step.
func (e *Environment) Render(source string, ctx Context) (string, error) {
	t, err := e.Compile(source)
	if err != nil {
		return "", err
	}
	return t.Render(ctx)
}

// Template is a compiled template. Render is safe for concurrent use.
type Template struct {
	source string
	nodes  []node
}

func (t *Template) Source() string {
	return t.source
}

// Render evaluates the template against ctx. On error no partial output is
// returned.
func (t *Template) Render(ctx Context) (string, error) {
	var b strings.Builder
	if err := renderNodes(t.nodes, &ctx, &b); err != nil {
		return "", err
	}
	return b.String(), nil
}
