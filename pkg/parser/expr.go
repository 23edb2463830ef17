package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

var (
	refPattern  = regexp.MustCompile(`^\$[A-Za-z_][A-Za-z0-9_]*$`)
	callPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*\s*\(`)
)

// LooksLikeExpr reports whether a plain string should be parsed as an
// expression rather than kept as a literal.
func LooksLikeExpr(s string) bool {
	s = strings.TrimSpace(s)
	if refPattern.MatchString(s) {
		return true
	}
	return callPattern.MatchString(s) && strings.HasSuffix(s, ")")
}

// ParseValueString turns a plain (unquoted) string into a value node. Strings
// that do not look like expressions stay literal; expressions that fail to
// parse become KindInvalid nodes.
func ParseValueString(s string) *Value {
	if !LooksLikeExpr(s) {
		return Literal(s)
	}
	v, err := ParseExpr(s)
	if err != nil {
		return Invalid(err)
	}
	return v
}

// ParseExpr parses a single value expression.
//
//	expr    := '$' IDENT | IDENT '(' [arg {',' arg}] ')' | quoted | bareword
//	arg     := IDENT '=' expr | expr
//
// Bare words are classified as bool (true/false), undefined, number or string.
func ParseExpr(src string) (*Value, error) {
	p := &exprParser{src: src}
	p.skipSpace()
	v, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if !p.eof() {
		return nil, p.errorf("unexpected trailing input %q", p.src[p.pos:])
	}
	return v, nil
}

type exprParser struct {
	src string
	pos int
}

func (p *exprParser) eof() bool { return p.pos >= len(p.src) }

func (p *exprParser) peek() byte {
	if p.eof() {
		return 0
	}
	return p.src[p.pos]
}

func (p *exprParser) skipSpace() {
	for !p.eof() && unicode.IsSpace(rune(p.src[p.pos])) {
		p.pos++
	}
}

func (p *exprParser) errorf(format string, args ...any) error {
	return fmt.Errorf("parse %q at offset %d: %s", p.src, p.pos, fmt.Sprintf(format, args...))
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func (p *exprParser) ident(allowDots bool) string {
	start := p.pos
	for !p.eof() && (isIdentChar(p.peek()) || (allowDots && p.peek() == '.')) {
		p.pos++
	}
	return p.src[start:p.pos]
}

func (p *exprParser) parseExpr() (*Value, error) {
	if p.eof() {
		return nil, p.errorf("unexpected end of expression")
	}

	switch c := p.peek(); {
	case c == '$':
		p.pos++
		key := p.ident(false)
		if key == "" {
			return nil, p.errorf("expected item key after '$'")
		}
		return Ref(key), nil
	case c == '"' || c == '\'':
		s, err := p.quoted()
		if err != nil {
			return nil, err
		}
		return Literal(s), nil
	case isIdentStart(c):
		start := p.pos
		name := p.ident(true)
		p.skipSpace()
		if p.peek() == '(' {
			p.pos++
			return p.parseCallArgs(name)
		}
		p.pos = start
	}

	return p.bareWord()
}

func (p *exprParser) parseCallArgs(name string) (*Value, error) {
	call := &Call{Name: name}
	p.skipSpace()
	if p.peek() == ')' {
		p.pos++
		return &Value{Kind: KindCall, Call: call}, nil
	}

	for {
		p.skipSpace()

		keyed := false
		if isIdentStart(p.peek()) {
			save := p.pos
			id := p.ident(false)
			p.skipSpace()
			if p.peek() == '=' {
				p.pos++
				p.skipSpace()
				v, err := p.parseExpr()
				if err != nil {
					return nil, err
				}
				call.KwArgs = append(call.KwArgs, KwArg{Name: id, Value: v})
				keyed = true
			} else {
				p.pos = save
			}
		}
		if !keyed {
			v, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			call.Args = append(call.Args, v)
		}

		p.skipSpace()
		switch p.peek() {
		case ',':
			p.pos++
		case ')':
			p.pos++
			return &Value{Kind: KindCall, Call: call}, nil
		default:
			if p.eof() {
				return nil, p.errorf("unterminated call to %s()", name)
			}
			return nil, p.errorf("expected ',' or ')' in call to %s()", name)
		}
	}
}

func (p *exprParser) quoted() (string, error) {
	quote := p.peek()
	start := p.pos
	p.pos++
	for !p.eof() {
		c := p.peek()
		if c == '\\' {
			p.pos += 2
			continue
		}
		p.pos++
		if c == quote {
			raw := p.src[start:p.pos]
			if quote == '"' {
				s, err := strconv.Unquote(raw)
				if err != nil {
					return "", p.errorf("bad string literal %s", raw)
				}
				return s, nil
			}
			inner := raw[1 : len(raw)-1]
			return strings.NewReplacer(`\'`, `'`, `\\`, `\`).Replace(inner), nil
		}
	}
	return "", p.errorf("unterminated string literal")
}

func (p *exprParser) bareWord() (*Value, error) {
	start := p.pos
	for !p.eof() && p.peek() != ',' && p.peek() != ')' {
		p.pos++
	}
	word := strings.TrimSpace(p.src[start:p.pos])
	if word == "" {
		return nil, p.errorf("expected a value")
	}
	return Literal(classifyWord(word)), nil
}

func classifyWord(word string) any {
	switch word {
	case "true":
		return true
	case "false":
		return false
	case "undefined":
		return nil
	}
	if strings.ContainsAny(word[:1], "0123456789-.") && !strings.ContainsAny(word, "xXeE_") {
		if f, err := strconv.ParseFloat(word, 64); err == nil {
			return f
		}
	}
	return word
}
