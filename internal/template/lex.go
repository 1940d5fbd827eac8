package template

import (
	"strings"
	"unicode"
)

type segKind int

const (
	segText segKind = iota
	segExpr
	segTag
	segComment
)

// segment is one piece of template source: literal text, the inside of a
// {{ }} interpolation, the inside of a {% %} tag, or a {# #} comment.
type segment struct {
	kind      segKind
	text      string
	pos       int
	trimLeft  bool
	trimRight bool
}

func splitSegments(src string) ([]segment, error) {
	var segs []segment
	i := 0
	for i < len(src) {
		j := indexOpen(src, i)
		if j < 0 {
			segs = append(segs, segment{kind: segText, text: src[i:], pos: i})
			break
		}
		if j > i {
			segs = append(segs, segment{kind: segText, text: src[i:j], pos: i})
		}

		var kind segKind
		var closing string
		switch src[j+1] {
		case '{':
			kind, closing = segExpr, "}}"
		case '%':
			kind, closing = segTag, "%}"
		default:
			kind, closing = segComment, "#}"
		}

		start := j + 2
		seg := segment{kind: kind}
		if start < len(src) && src[start] == '-' {
			seg.trimLeft = true
			start++
		}

		var end int
		if kind == segComment {
			rel := strings.Index(src[start:], closing)
			if rel < 0 {
				return nil, compileErrorf(j, "unterminated comment")
			}
			end = start + rel
		} else {
			var ok bool
			end, ok = findClose(src, start, closing)
			if !ok {
				return nil, compileErrorf(j, "missing %q", closing)
			}
		}

		inner := src[start:end]
		if strings.HasSuffix(inner, "-") {
			seg.trimRight = true
			inner = inner[:len(inner)-1]
		}
		seg.text = inner
		seg.pos = start
		segs = append(segs, seg)
		i = end + len(closing)
	}

	applyTrim(segs)
	return segs, nil
}

func indexOpen(src string, from int) int {
	for k := from; k+1 < len(src); k++ {
		if src[k] != '{' {
			continue
		}
		switch src[k+1] {
		case '{', '%', '#':
			return k
		}
	}
	return -1
}

// findClose finds closing outside of quoted strings.
func findClose(src string, from int, closing string) (int, bool) {
	for k := from; k < len(src); k++ {
		switch c := src[k]; c {
		case '"', '\'':
			k++
			for k < len(src) && src[k] != c {
				if src[k] == '\\' {
					k++
				}
				k++
			}
			if k >= len(src) {
				return 0, false
			}
		default:
			if strings.HasPrefix(src[k:], closing) {
				return k, true
			}
		}
	}
	return 0, false
}

func applyTrim(segs []segment) {
	for i, seg := range segs {
		if seg.kind == segText {
			continue
		}
		if seg.trimLeft && i > 0 && segs[i-1].kind == segText {
			segs[i-1].text = strings.TrimRightFunc(segs[i-1].text, unicode.IsSpace)
		}
		if seg.trimRight && i+1 < len(segs) && segs[i+1].kind == segText {
			segs[i+1].text = strings.TrimLeftFunc(segs[i+1].text, unicode.IsSpace)
		}
	}
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokInt
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
	tokTilde
	tokMinus
	tokCompare
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

var punctuation = map[byte]tokenKind{
	'(': tokLParen,
	')': tokRParen,
	'[': tokLBracket,
	']': tokRBracket,
	',': tokComma,
	'~': tokTilde,
	'-': tokMinus,
}

// scanner tokenizes the expression language used inside {{ }} and {% %}.
type scanner struct {
	input string
	base  int
	i     int
}

func newScanner(input string, base int) *scanner {
	return &scanner{input: input, base: base}
}

func (s *scanner) all() ([]token, error) {
	var toks []token
	for {
		tok, err := s.next()
		if err != nil {
			return nil, err
		}
		toks = append(toks, tok)
		if tok.kind == tokEOF {
			return toks, nil
		}
	}
}

func (s *scanner) next() (token, error) {
	for s.i < len(s.input) && isSpace(s.input[s.i]) {
		s.i++
	}
	pos := s.base + s.i
	if s.i >= len(s.input) {
		return token{kind: tokEOF, pos: pos}, nil
	}

	ch := s.input[s.i]
	switch {
	case ch == '"' || ch == '\'':
		return s.scanString(ch)
	case isDigit(ch):
		start := s.i
		for s.i < len(s.input) && isDigit(s.input[s.i]) {
			s.i++
		}
		return token{kind: tokInt, text: s.input[start:s.i], pos: pos}, nil
	case isIdentStart(ch):
		start := s.i
		for s.i < len(s.input) && isIdentPart(s.input[s.i]) {
			s.i++
		}
		return token{kind: tokIdent, text: s.input[start:s.i], pos: pos}, nil
	}

	if kind, ok := punctuation[ch]; ok {
		s.i++
		return token{kind: kind, text: string(ch), pos: pos}, nil
	}

	for _, op := range []string{"==", "!=", "<=", ">=", "<", ">"} {
		if strings.HasPrefix(s.input[s.i:], op) {
			s.i += len(op)
			return token{kind: tokCompare, text: op, pos: pos}, nil
		}
	}

	return token{}, compileErrorf(pos, "unexpected character %q", ch)
}

func (s *scanner) scanString(quote byte) (token, error) {
	pos := s.base + s.i
	s.i++
	var b strings.Builder
	for s.i < len(s.input) {
		ch := s.input[s.i]
		switch ch {
		case quote:
			s.i++
			return token{kind: tokString, text: b.String(), pos: pos}, nil
		case '\\':
			if s.i+1 >= len(s.input) {
				return token{}, compileErrorf(pos, "unterminated string")
			}
			s.i++
			switch esc := s.input[s.i]; esc {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			default:
				b.WriteByte(esc)
			}
			s.i++
		default:
			b.WriteByte(ch)
			s.i++
		}
	}
	return token{}, compileErrorf(pos, "unterminated string")
}

func isSpace(ch byte) bool {
	return ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r'
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

func isIdentStart(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isIdentPart(ch byte) bool {
	return isIdentStart(ch) || isDigit(ch)
}
