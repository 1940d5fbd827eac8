package template

import (
	"strconv"
	"strings"
)

type Kind int

const (
	KindUndefined Kind = iota
	KindNone
	KindString
	KindInt
	KindBool
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindUndefined:
		return "undefined"
	case KindNone:
		return "none"
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// Value is the result of evaluating an expression.
type Value struct {
	kind Kind
	s    string
	i    int64
	b    bool
	m    HeaderMap
}

var (
	undefined = Value{kind: KindUndefined}
	none      = Value{kind: KindNone}
)

func StringValue(s string) Value { return Value{kind: KindString, s: s} }
func IntValue(i int64) Value     { return Value{kind: KindInt, i: i} }
func BoolValue(b bool) Value     { return Value{kind: KindBool, b: b} }

func mapValue(m HeaderMap) Value { return Value{kind: KindMap, m: m} }

func (v Value) Kind() Kind { return v.kind }

// String returns the text form used when a value is passed to a function
// argument or concatenated.
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.s
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindBool:
		if v.b {
			return "true"
		}
		return "false"
	case KindNone:
		return "none"
	case KindMap:
		keys := v.m.Keys()
		return "{" + strings.Join(keys, ", ") + "}"
	default:
		return ""
	}
}

func (v Value) Truthy() bool {
	switch v.kind {
	case KindString:
		return v.s != ""
	case KindInt:
		return v.i != 0
	case KindBool:
		return v.b
	case KindMap:
		return len(v.m) > 0
	default:
		return false
	}
}

func (v Value) equal(o Value) bool {
	if v.kind != o.kind {
		// undefined and none compare equal so `header("x") == none` style
		// checks behave the same for absent maps.
		return (v.kind == KindUndefined || v.kind == KindNone) &&
			(o.kind == KindUndefined || o.kind == KindNone)
	}
	switch v.kind {
	case KindString:
		return v.s == o.s
	case KindInt:
		return v.i == o.i
	case KindBool:
		return v.b == o.b
	case KindMap:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, val := range v.m {
			if other, ok := o.m[k]; !ok || other != val {
				return false
			}
		}
		return true
	default:
		return true
	}
}
