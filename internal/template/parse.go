package template

import (
	"strconv"
	"strings"
)

type node interface {
	render(ctx *Context, b *strings.Builder) error
}

type textNode struct {
	text string
}

type outputNode struct {
	expr expr
	pos  int
}

type ifBranch struct {
	cond expr
	body []node
}

type ifNode struct {
	branches []ifBranch
	elseBody []node
}

type expr interface {
	eval(ctx *Context) (Value, error)
}

type literalExpr struct {
	v Value
}

type varExpr struct {
	name string
}

type indexExpr struct {
	target expr
	key    expr
	pos    int
}

type callExpr struct {
	fn   Func
	args []expr
	pos  int
}

type unaryExpr struct {
	op  string
	x   expr
	pos int
}

type binaryExpr struct {
	op   string
	l, r expr
	pos  int
}

// parser builds the node tree from segments.
type parser struct {
	segs  []segment
	i     int
	funcs map[string]funcSpec
}

func parse(src string, funcs map[string]funcSpec) ([]node, error) {
	segs, err := splitSegments(src)
	if err != nil {
		return nil, err
	}
	p := &parser{segs: segs, funcs: funcs}
	nodes, stop, err := p.parseBody()
	if err != nil {
		return nil, err
	}
	if stop != nil {
		return nil, compileErrorf(stop.pos, "unexpected %q", tagName(stop.text))
	}
	return nodes, nil
}

// parseBody consumes segments until one of the stop tags or the end of input.
// It returns the stop segment, or nil at the end of input.
func (p *parser) parseBody(stopAt ...string) ([]node, *segment, error) {
	var nodes []node
	for p.i < len(p.segs) {
		seg := p.segs[p.i]
		p.i++
		switch seg.kind {
		case segText:
			if seg.text != "" {
				nodes = append(nodes, &textNode{text: seg.text})
			}
		case segComment:
		case segExpr:
			e, err := parseExpr(seg.text, seg.pos, p.funcs)
			if err != nil {
				return nil, nil, err
			}
			nodes = append(nodes, &outputNode{expr: e, pos: seg.pos})
		case segTag:
			name := tagName(seg.text)
			for _, stop := range stopAt {
				if name == stop {
					return nodes, &seg, nil
				}
			}
			switch name {
			case "if":
				n, err := p.parseIf(seg)
				if err != nil {
					return nil, nil, err
				}
				nodes = append(nodes, n)
			case "elif", "else", "endif":
				return nil, nil, compileErrorf(seg.pos, "unexpected %q", name)
			case "":
				return nil, nil, compileErrorf(seg.pos, "empty tag")
			default:
				return nil, nil, compileErrorf(seg.pos, "unknown tag %q", name)
			}
		}
	}
	return nodes, nil, nil
}

func (p *parser) parseIf(open segment) (node, error) {
	n := &ifNode{}
	cond, err := parseExpr(tagArgs(open.text), open.pos, p.funcs)
	if err != nil {
		return nil, err
	}

	for {
		body, stop, err := p.parseBody("elif", "else", "endif")
		if err != nil {
			return nil, err
		}
		if stop == nil {
			return nil, compileErrorf(open.pos, "unclosed if block")
		}
		n.branches = append(n.branches, ifBranch{cond: cond, body: body})

		switch tagName(stop.text) {
		case "endif":
			return n, nil
		case "elif":
			cond, err = parseExpr(tagArgs(stop.text), stop.pos, p.funcs)
			if err != nil {
				return nil, err
			}
		case "else":
			if strings.TrimSpace(tagArgs(stop.text)) != "" {
				return nil, compileErrorf(stop.pos, "else takes no condition")
			}
			elseBody, end, err := p.parseBody("endif")
			if err != nil {
				return nil, err
			}
			if end == nil {
				return nil, compileErrorf(open.pos, "unclosed if block")
			}
			n.elseBody = elseBody
			return n, nil
		}
	}
}

func tagName(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func tagArgs(text string) string {
	text = strings.TrimSpace(text)
	name := tagName(text)
	return strings.TrimSpace(text[len(name):])
}

// exprParser is a recursive descent parser over one expression.
//
//	or      := and ("or" and)*
//	and     := not ("and" not)*
//	not     := "not" not | compare
//	compare := concat (op concat | ["not"] "in" concat)?
//	concat  := unary ("~" unary)*
//	unary   := "-" unary | postfix
//	postfix := primary ("[" or "]")*
type exprParser struct {
	toks  []token
	i     int
	funcs map[string]funcSpec
}

func parseExpr(src string, base int, funcs map[string]funcSpec) (expr, error) {
	toks, err := newScanner(src, base).all()
	if err != nil {
		return nil, err
	}
	p := &exprParser{toks: toks, funcs: funcs}
	if p.peek().kind == tokEOF {
		return nil, compileErrorf(base, "empty expression")
	}
	e, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, compileErrorf(tok.pos, "unexpected %q", tok.text)
	}
	return e, nil
}

func (p *exprParser) peek() token {
	return p.toks[p.i]
}

func (p *exprParser) advance() token {
	tok := p.toks[p.i]
	if tok.kind != tokEOF {
		p.i++
	}
	return tok
}

func (p *exprParser) isKeyword(word string) bool {
	tok := p.peek()
	return tok.kind == tokIdent && tok.text == word
}

func (p *exprParser) expect(kind tokenKind, what string) (token, error) {
	tok := p.advance()
	if tok.kind != kind {
		return tok, compileErrorf(tok.pos, "expected %s", what)
	}
	return tok, nil
}

func (p *exprParser) parseOr() (expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("or") {
		tok := p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryExpr{op: "or", l: left, r: right, pos: tok.pos}
	}
	return left, nil
}

func (p *exprParser) parseAnd() (expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("and") {
		tok := p.advance()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &binaryExpr{op: "and", l: left, r: right, pos: tok.pos}
	}
	return left, nil
}

func (p *exprParser) parseNot() (expr, error) {
	if p.isKeyword("not") {
		tok := p.advance()
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &unaryExpr{op: "not", x: x, pos: tok.pos}, nil
	}
	return p.parseCompare()
}

func (p *exprParser) parseCompare() (expr, error) {
	left, err := p.parseConcat()
	if err != nil {
		return nil, err
	}

	tok := p.peek()
	op := ""
	switch {
	case tok.kind == tokCompare:
		op = tok.text
		p.advance()
	case p.isKeyword("in"):
		op = "in"
		p.advance()
	case p.isKeyword("not") && p.i+1 < len(p.toks) &&
		p.toks[p.i+1].kind == tokIdent && p.toks[p.i+1].text == "in":
		op = "not in"
		p.advance()
		p.advance()
	default:
		return left, nil
	}

	right, err := p.parseConcat()
	if err != nil {
		return nil, err
	}
	return &binaryExpr{op: op, l: left, r: right, pos: tok.pos}, nil
}

func (p *exprParser) parseConcat() (expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokTilde {
		tok := p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryExpr{op: "~", l: left, r: right, pos: tok.pos}
	}
	return left, nil
}

func (p *exprParser) parseUnary() (expr, error) {
	if p.peek().kind == tokMinus {
		tok := p.advance()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if lit, ok := x.(*literalExpr); ok && lit.v.kind == KindInt {
			return &literalExpr{v: IntValue(-lit.v.i)}, nil
		}
		return &unaryExpr{op: "-", x: x, pos: tok.pos}, nil
	}
	return p.parsePostfix()
}

func (p *exprParser) parsePostfix() (expr, error) {
	e, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokLBracket {
		tok := p.advance()
		key, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRBracket, "']'"); err != nil {
			return nil, err
		}
		e = &indexExpr{target: e, key: key, pos: tok.pos}
	}
	return e, nil
}

func (p *exprParser) parsePrimary() (expr, error) {
	tok := p.advance()
	switch tok.kind {
	case tokString:
		return &literalExpr{v: StringValue(tok.text)}, nil
	case tokInt:
		n, err := strconv.ParseInt(tok.text, 10, 64)
		if err != nil {
			return nil, compileErrorf(tok.pos, "integer %s out of range", tok.text)
		}
		return &literalExpr{v: IntValue(n)}, nil
	case tokLParen:
		e, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return e, nil
	case tokIdent:
		switch tok.text {
		case "true", "True":
			return &literalExpr{v: BoolValue(true)}, nil
		case "false", "False":
			return &literalExpr{v: BoolValue(false)}, nil
		case "none", "None":
			return &literalExpr{v: none}, nil
		}
		if p.peek().kind == tokLParen {
			return p.parseCall(tok)
		}
		return &varExpr{name: tok.text}, nil
	case tokEOF:
		return nil, compileErrorf(tok.pos, "unexpected end of expression")
	default:
		return nil, compileErrorf(tok.pos, "unexpected %q", tok.text)
	}
}

func (p *exprParser) parseCall(name token) (expr, error) {
	spec, ok := p.funcs[name.text]
	if !ok {
		return nil, &CompileError{Pos: name.pos, Msg: "unknown function " + strconv.Quote(name.text), Err: ErrUnknownFunction}
	}
	p.advance() // (

	var args []expr
	if p.peek().kind != tokRParen {
		for {
			arg, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.peek().kind != tokComma {
				break
			}
			p.advance()
		}
	}
	if _, err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}
	if err := spec.checkArity(len(args)); err != nil {
		return nil, &CompileError{Pos: name.pos, Msg: err.Error(), Err: err}
	}
	return &callExpr{fn: spec.fn, args: args, pos: name.pos}, nil
}
