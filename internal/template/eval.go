package template

import (
	"fmt"
	"strings"
)

func (n *textNode) render(_ *Context, b *strings.Builder) error {
	b.WriteString(n.text)
	return nil
}

func (n *outputNode) render(ctx *Context, b *strings.Builder) error {
	v, err := n.expr.eval(ctx)
	if err != nil {
		return err
	}
	switch v.kind {
	case KindUndefined:
		return nil
	case KindMap:
		return &RenderError{Pos: n.pos, Err: fmt.Errorf("%w: header map", ErrNotRenderable)}
	}
	b.WriteString(v.String())
	return nil
}

func (n *ifNode) render(ctx *Context, b *strings.Builder) error {
	for _, br := range n.branches {
		v, err := br.cond.eval(ctx)
		if err != nil {
			return err
		}
		if v.Truthy() {
			return renderNodes(br.body, ctx, b)
		}
	}
	return renderNodes(n.elseBody, ctx, b)
}

func renderNodes(nodes []node, ctx *Context, b *strings.Builder) error {
	for _, n := range nodes {
		if err := n.render(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

func (e *literalExpr) eval(*Context) (Value, error) {
	return e.v, nil
}

func (e *varExpr) eval(ctx *Context) (Value, error) {
	return ctx.lookup(e.name), nil
}

func (e *indexExpr) eval(ctx *Context) (Value, error) {
	target, err := e.target.eval(ctx)
	if err != nil {
		return undefined, err
	}
	key, err := e.key.eval(ctx)
	if err != nil {
		return undefined, err
	}
	switch target.kind {
	case KindUndefined, KindNone:
		return undefined, nil
	case KindMap:
		if v, ok := target.m.Get(key.String()); ok {
			return StringValue(v), nil
		}
		return undefined, nil
	default:
		return undefined, &RenderError{Pos: e.pos, Err: fmt.Errorf("cannot index %s", target.kind)}
	}
}

func (e *callExpr) eval(ctx *Context) (Value, error) {
	args := make([]Value, 0, len(e.args))
	for _, a := range e.args {
		v, err := a.eval(ctx)
		if err != nil {
			return undefined, err
		}
		args = append(args, v)
	}
	v, err := call(e.fn, ctx, args)
	if err != nil {
		return undefined, &RenderError{Pos: e.pos, Err: fmt.Errorf("%s: %w", e.fn, err)}
	}
	return v, nil
}

func (e *unaryExpr) eval(ctx *Context) (Value, error) {
	x, err := e.x.eval(ctx)
	if err != nil {
		return undefined, err
	}
	switch e.op {
	case "not":
		return BoolValue(!x.Truthy()), nil
	case "-":
		if x.kind != KindInt {
			return undefined, &RenderError{Pos: e.pos, Err: fmt.Errorf("cannot negate %s", x.kind)}
		}
		return IntValue(-x.i), nil
	}
	return undefined, &RenderError{Pos: e.pos, Err: fmt.Errorf("unknown operator %q", e.op)}
}

func (e *binaryExpr) eval(ctx *Context) (Value, error) {
	l, err := e.l.eval(ctx)
	if err != nil {
		return undefined, err
	}

	// and/or short-circuit and yield an operand, not a bool.
	switch e.op {
	case "and":
		if !l.Truthy() {
			return l, nil
		}
		return e.r.eval(ctx)
	case "or":
		if l.Truthy() {
			return l, nil
		}
		return e.r.eval(ctx)
	}

	r, err := e.r.eval(ctx)
	if err != nil {
		return undefined, err
	}

	switch e.op {
	case "~":
		return StringValue(l.String() + r.String()), nil
	case "==":
		return BoolValue(l.equal(r)), nil
	case "!=":
		return BoolValue(!l.equal(r)), nil
	case "<", "<=", ">", ">=":
		c, err := compare(l, r)
		if err != nil {
			return undefined, &RenderError{Pos: e.pos, Err: err}
		}
		return BoolValue(orderHolds(e.op, c)), nil
	case "in", "not in":
		found, err := contains(r, l)
		if err != nil {
			return undefined, &RenderError{Pos: e.pos, Err: err}
		}
		if e.op == "not in" {
			found = !found
		}
		return BoolValue(found), nil
	}
	return undefined, &RenderError{Pos: e.pos, Err: fmt.Errorf("unknown operator %q", e.op)}
}

func compare(l, r Value) (int, error) {
	switch {
	case l.kind == KindInt && r.kind == KindInt:
		switch {
		case l.i < r.i:
			return -1, nil
		case l.i > r.i:
			return 1, nil
		}
		return 0, nil
	case l.kind == KindString && r.kind == KindString:
		return strings.Compare(l.s, r.s), nil
	}
	return 0, fmt.Errorf("cannot compare %s with %s", l.kind, r.kind)
}

func orderHolds(op string, c int) bool {
	switch op {
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	case ">":
		return c > 0
	default:
		return c >= 0
	}
}

func contains(container, item Value) (bool, error) {
	switch container.kind {
	case KindMap:
		_, ok := container.m.Get(item.String())
		return ok, nil
	case KindString:
		return strings.Contains(container.s, item.String()), nil
	case KindUndefined, KindNone:
		return false, nil
	}
	return false, fmt.Errorf("cannot test membership in %s", container.kind)
}
