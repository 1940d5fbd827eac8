package template

import (
	"fmt"
	"strconv"
	"unicode/utf8"
)

// Func identifies one of the functions templates may call. The set is closed.
type Func int

const (
	FuncSubstring Func = iota + 1
	FuncHeader
	FuncRequestHeader
)

type funcSpec struct {
	fn      Func
	name    string
	minArgs int
	maxArgs int // -1 means unbounded
}

var builtins = map[string]funcSpec{
	"substring":      {fn: FuncSubstring, name: "substring", minArgs: 1, maxArgs: -1},
	"header":         {fn: FuncHeader, name: "header", minArgs: 1, maxArgs: 1},
	"request_header": {fn: FuncRequestHeader, name: "request_header", minArgs: 1, maxArgs: 1},
}

func (f Func) String() string {
	for name, spec := range builtins {
		if spec.fn == f {
			return name
		}
	}
	return fmt.Sprintf("func(%d)", int(f))
}

func (s funcSpec) checkArity(n int) error {
	if n < s.minArgs || (s.maxArgs >= 0 && n > s.maxArgs) {
		if s.maxArgs < 0 {
			return fmt.Errorf("%w: %s takes at least %d, got %d", ErrArity, s.name, s.minArgs, n)
		}
		return fmt.Errorf("%w: %s takes %d, got %d", ErrArity, s.name, s.minArgs, n)
	}
	return nil
}

func call(fn Func, ctx *Context, args []Value) (Value, error) {
	switch fn {
	case FuncSubstring:
		rest := make([]string, 0, len(args)-1)
		for _, a := range args[1:] {
			rest = append(rest, a.String())
		}
		out, err := Substring(args[0].String(), rest...)
		if err != nil {
			return undefined, err
		}
		return StringValue(out), nil
	case FuncHeader:
		return StringValue(Header(ctx, args[0].String())), nil
	case FuncRequestHeader:
		return StringValue(RequestHeader(ctx, args[0].String())), nil
	default:
		return undefined, fmt.Errorf("%w: %d", ErrUnknownFunction, int(fn))
	}
}

// Substring slices input by byte offsets. With no arguments or more than two
// it returns input unchanged. Arguments that do not parse as unsigned
// integers fall back to 0 for the start and len(input) for the end.
func Substring(input string, args ...string) (string, error) {
	if len(args) == 0 || len(args) > 2 {
		return input, nil
	}
	start := parseIndex(args[0], 0)
	end := len(input)
	if len(args) == 2 {
		end = parseIndex(args[1], len(input))
	}

	if start > end || end > len(input) {
		return "", fmt.Errorf("%w: [%d:%d] of %d bytes", ErrSubstringRange, start, end, len(input))
	}
	if !onBoundary(input, start) || !onBoundary(input, end) {
		return "", fmt.Errorf("%w: [%d:%d] splits a utf-8 sequence", ErrSubstringRange, start, end)
	}
	return input[start:end], nil
}

func parseIndex(raw string, fallback int) int {
	n, err := strconv.ParseUint(raw, 10, strconv.IntSize-1)
	if err != nil {
		return fallback
	}
	return int(n)
}

func onBoundary(s string, i int) bool {
	return i == len(s) || utf8.RuneStart(s[i])
}

// Header returns the value of key in the context's phase headers, or "".
func Header(ctx *Context, key string) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Headers.Get(key)
	return v
}

// RequestHeader returns the value of key in the context's request headers, or "".
func RequestHeader(ctx *Context, key string) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.RequestHeaders.Get(key)
	return v
}
