package expr

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Parse compiles an expression into a Program, rejecting anything outside
// the closed grammar. Identifiers are component binding names; the only
// callable names are MIN, MAX and IF (case-insensitive).
func Parse(src string) (*Program, error) {
	p := &parser{src: src}
	p.next()
	root, err := p.parseCompare()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, &SyntaxError{Pos: p.tok.pos, Msg: "unexpected " + p.tok.describe()}
	}
	return &Program{root: root, source: src}, nil
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokIdent
	tokOp     // + - * / ( ) ,
	tokCmp    // < > <= >= == !=
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func (t token) describe() string {
	if t.kind == tokEOF {
		return "end of expression"
	}
	return "\"" + t.text + "\""
}

type parser struct {
	src string
	off int
	tok token
}

func (p *parser) errf(msg string) error {
	return &SyntaxError{Pos: p.tok.pos, Msg: msg}
}

func (p *parser) next() {
	for p.off < len(p.src) && (p.src[p.off] == ' ' || p.src[p.off] == '\t' || p.src[p.off] == '\n' || p.src[p.off] == '\r') {
		p.off++
	}
	start := p.off
	if p.off >= len(p.src) {
		p.tok = token{kind: tokEOF, pos: start}
		return
	}
	c := p.src[p.off]
	switch {
	case c >= '0' && c <= '9' || c == '.':
		for p.off < len(p.src) && (p.src[p.off] >= '0' && p.src[p.off] <= '9' || p.src[p.off] == '.') {
			p.off++
		}
		p.tok = token{kind: tokNumber, text: p.src[start:p.off], pos: start}
	case c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_':
		for p.off < len(p.src) && (isIdentChar(p.src[p.off])) {
			p.off++
		}
		p.tok = token{kind: tokIdent, text: p.src[start:p.off], pos: start}
	case c == '<' || c == '>' || c == '=' || c == '!':
		p.off++
		if p.off < len(p.src) && p.src[p.off] == '=' {
			p.off++
		}
		p.tok = token{kind: tokCmp, text: p.src[start:p.off], pos: start}
	case c == '+' || c == '-' || c == '*' || c == '/' || c == '(' || c == ')' || c == ',':
		p.off++
		p.tok = token{kind: tokOp, text: p.src[start:p.off], pos: start}
	default:
		p.tok = token{kind: tokOp, text: p.src[start : p.off+1], pos: start}
		p.off++
	}
}

func isIdentChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_'
}

func (p *parser) isOp(text string) bool {
	return p.tok.kind == tokOp && p.tok.text == text
}

func (p *parser) expectOp(text string) error {
	if !p.isOp(text) {
		return p.errf("expected \"" + text + "\", got " + p.tok.describe())
	}
	p.next()
	return nil
}

// compare := sum (cmpop sum)?
func (p *parser) parseCompare() (node, error) {
	left, err := p.parseSum()
	if err != nil {
		return nil, err
	}
	if p.tok.kind == tokCmp {
		op := p.tok.text
		switch op {
		case "<", ">", "<=", ">=", "==", "!=":
		case "=":
			return nil, p.errf("use \"==\" for equality")
		default:
			return nil, p.errf("unknown comparison " + p.tok.describe())
		}
		p.next()
		right, err := p.parseSum()
		if err != nil {
			return nil, err
		}
		return compare{op: op, left: left, right: right}, nil
	}
	return left, nil
}

// sum := term (('+'|'-') term)*
func (p *parser) parseSum() (node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for p.isOp("+") || p.isOp("-") {
		op := p.tok.text[0]
		p.next()
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = binary{op: op, left: left, right: right}
	}
	return left, nil
}

// term := unary (('*'|'/') unary)*
func (p *parser) parseTerm() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.isOp("*") || p.isOp("/") {
		op := p.tok.text[0]
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = binary{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.isOp("-") {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return negate{operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	switch p.tok.kind {
	case tokNumber:
		d, err := decimal.NewFromString(p.tok.text)
		if err != nil {
			return nil, p.errf("bad number \"" + p.tok.text + "\"")
		}
		p.next()
		return numberLit{val: d}, nil
	case tokIdent:
		name := p.tok.text
		p.next()
		if p.isOp("(") {
			return p.parseCall(name)
		}
		return varRef{name: name}, nil
	case tokOp:
		if p.tok.text == "(" {
			p.next()
			inner, err := p.parseCompare()
			if err != nil {
				return nil, err
			}
			if err := p.expectOp(")"); err != nil {
				return nil, err
			}
			return inner, nil
		}
	}
	return nil, p.errf("unexpected " + p.tok.describe())
}

func (p *parser) parseCall(name string) (node, error) {
	fn := strings.ToUpper(name)
	switch fn {
	case "MIN", "MAX", "IF":
	default:
		return nil, p.errf("unknown function \"" + name + "\"")
	}
	if err := p.expectOp("("); err != nil {
		return nil, err
	}
	var args []node
	for {
		arg, err := p.parseCompare()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.isOp(",") {
			p.next()
			continue
		}
		break
	}
	if err := p.expectOp(")"); err != nil {
		return nil, err
	}
	switch fn {
	case "MIN", "MAX":
		if len(args) < 2 {
			return nil, p.errf(fn + " expects at least 2 arguments")
		}
	case "IF":
		if len(args) != 3 {
			return nil, p.errf("IF expects exactly 3 arguments")
		}
	}
	return call{fn: fn, args: args}, nil
}
