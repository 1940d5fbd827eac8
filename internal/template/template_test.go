package template

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func donorContext() Context {
	return Context{
		Headers: NewHeaderMap(
			[2]string{"host", "example.com"},
			[2]string{"x-donor", "thedonorvalue"},
		),
	}
}

func TestRender(t *testing.T) {
	env := NewEnvironment()

	tests := []struct {
		name   string
		source string
		ctx    Context
		want   string
	}{
		{name: "literal", source: "foo", want: "foo"},
		{name: "substring", source: `{{substring("ENVOYPROXY something", 5, 10) }}`, want: "PROXY"},
		{name: "substring no end", source: `{{substring("ENVOYPROXY something", 5) }}`, want: "PROXY something"},
		{name: "header", source: `{{ header("x-donor") }}`, ctx: donorContext(), want: "thedonorvalue"},
		{name: "nested call", source: `{{ substring( header("x-donor"), 0, 7)}}`, ctx: donorContext(), want: "thedono"},
		{name: "if true", source: "{%- if true -%}supersuper{% endif %}", want: "supersuper"},
		{name: "if false", source: "a{% if false %}b{% endif %}c", want: "ac"},
		{name: "else", source: `{% if header("missing") %}yes{% else %}no{% endif %}`, ctx: donorContext(), want: "no"},
		{name: "elif", source: `{% if header("host") == "a" %}1{% elif header("host") == "example.com" %}2{% else %}3{% endif %}`, ctx: donorContext(), want: "2"},
		{name: "whitespace control", source: "x   {{- 'y' -}}   z", want: "xyz"},
		{name: "whitespace kept", source: "x {{ 'y' }} z", want: "x y z"},
		{name: "comment", source: "a{# ignored #}b", want: "ab"},
		{name: "concat", source: `{{ "v=" ~ header("x-donor") }}`, ctx: donorContext(), want: "v=thedonorvalue"},
		{name: "subscript", source: `{{ headers["X-Donor"] }}`, ctx: donorContext(), want: "thedonorvalue"},
		{name: "in map", source: `{% if "x-donor" in headers %}has{% endif %}`, ctx: donorContext(), want: "has"},
		{name: "not in string", source: `{% if "zz" not in header("x-donor") %}ok{% endif %}`, ctx: donorContext(), want: "ok"},
		{name: "and or not", source: `{% if not false and (false or 1) %}t{% endif %}`, want: "t"},
		{name: "integer", source: "{{ 42 }}", want: "42"},
		{name: "negative integer", source: "{{ -3 }}", want: "-3"},
		{name: "bool", source: "{{ true }}", want: "true"},
		{name: "none", source: "{{ none }}", want: "none"},
		{name: "undefined is empty", source: "[{{ nothing }}]", want: "[]"},
		{name: "request header absent map", source: `[{{ request_header("x-donor") }}]`, ctx: donorContext(), want: "[]"},
		{name: "string escapes", source: `{{ "a\"b" }}`, want: `a"b`},
		{name: "single quotes with braces", source: `{{ '}}' }}`, want: "}}"},
		{name: "integer comparison", source: `{% if 3 < 10 %}lt{% endif %}`, want: "lt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := env.Render(tt.source, tt.ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRenderResponseContext(t *testing.T) {
	env := NewEnvironment()
	tmpl, err := env.Compile(`{{ header("content-type") }};{{ request_header("x-request-id") }}`)
	require.NoError(t, err)

	got, err := tmpl.Render(Context{
		Headers:        NewHeaderMap([2]string{"Content-Type", "text/plain"}),
		RequestHeaders: NewHeaderMap([2]string{"X-Request-Id", "abc"}),
	})
	require.NoError(t, err)
	assert.Equal(t, "text/plain;abc", got)
}

func TestCompileErrors(t *testing.T) {
	env := NewEnvironment()

	tests := []struct {
		name   string
		source string
		is     error
	}{
		{name: "unknown function", source: `{{ base64_encode("x") }}`, is: ErrUnknownFunction},
		{name: "header arity", source: `{{ header() }}`, is: ErrArity},
		{name: "request_header arity", source: `{{ request_header("a", "b") }}`, is: ErrArity},
		{name: "substring arity", source: `{{ substring() }}`, is: ErrArity},
		{name: "unterminated expression", source: `{{ header("x") `},
		{name: "unterminated string", source: `{{ "abc }}`},
		{name: "unclosed if", source: `{% if true %}x`},
		{name: "stray endif", source: `x{% endif %}`},
		{name: "unknown tag", source: `{% for x in headers %}{% endfor %}`},
		{name: "empty expression", source: `{{ }}`},
		{name: "trailing tokens", source: `{{ "a" "b" }}`},
		{name: "else with condition", source: `{% if true %}a{% else false %}b{% endif %}`},
		{name: "bad character", source: `{{ a | b }}`},
		{name: "unterminated comment", source: `{# never closed`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.Compile(tt.source)
			require.Error(t, err)
			var cerr *CompileError
			require.True(t, errors.As(err, &cerr), "want CompileError, got %T", err)
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
		})
	}
}

func TestRenderErrors(t *testing.T) {
	env := NewEnvironment()

	tests := []struct {
		name   string
		source string
		is     error
	}{
		{name: "substring out of range", source: `{{ substring("abc", 0, 10) }}`, is: ErrSubstringRange},
		{name: "nested substring out of range", source: `prefix {{ substring(header("x-donor"), 20) }}`, is: ErrSubstringRange},
		{name: "render map", source: `{{ headers }}`, is: ErrNotRenderable},
		{name: "compare mixed kinds", source: `{% if 1 < "a" %}x{% endif %}`},
		{name: "negate string", source: `{{ -header("x-donor") }}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := env.Render(tt.source, donorContext())
			require.Error(t, err)
			assert.Empty(t, out)
			var rerr *RenderError
			require.True(t, errors.As(err, &rerr), "want RenderError, got %T", err)
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
		})
	}
}

func TestTemplateRenderIsolated(t *testing.T) {
	env := NewEnvironment()
	tmpl, err := env.Compile(`{{ header("x") }}`)
	require.NoError(t, err)

	ctx := Context{Headers: NewHeaderMap([2]string{"x", "1"})}
	first, err := tmpl.Render(ctx)
	require.NoError(t, err)
	ctx.Headers.Set("x", "2")
	second, err := tmpl.Render(ctx)
	require.NoError(t, err)

	assert.Equal(t, "1", first)
	assert.Equal(t, "2", second)
	assert.Equal(t, []string{"header", "request_header", "substring"}, env.Functions())
}

func TestRestrictedEnvironment(t *testing.T) {
	env := NewEnvironment().Restrict("header", "base64_encode")
	assert.Equal(t, []string{"header"}, env.Functions())

	_, err := env.Compile(`{{ substring("abc", 1) }}`)
	assert.ErrorIs(t, err, ErrUnknownFunction)

	_, err = env.Compile(`{% if true %}{{ substring("abc", 1) }}{% endif %}`)
	assert.ErrorIs(t, err, ErrUnknownFunction)

	out, err := env.Render(`{{ header("x-donor") }}`, donorContext())
	require.NoError(t, err)
	assert.Equal(t, "thedonorvalue", out)
}
