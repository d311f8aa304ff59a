// Package expression implements the small boolean/string DSL used for stream
// filters, group conditions and dynamic-fetch conditions.
//
// An expression is parsed once into an AST and can then be evaluated many
// times against a candidate stream collection. Expressions that reference
// per-stream fields (outside of a collection function) are predicates: applied
// to a collection they yield the sub-list of matching streams in input order.
// Expressions built only from collection functions and literals yield a
// scalar (boolean, number or string).
package expression

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ParseError reports a syntactically invalid expression together with the
// byte position of the offending token.
type ParseError struct {
	Pos int
	Msg string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid expression at position %d: %s", e.Pos, e.Msg)
}

// TypeError reports an evaluation whose sub-expression produced a value of
// the wrong kind. Expr holds the offending sub-expression text.
type TypeError struct {
	Expr string
	Got  Kind
	Want Kind
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("expression %q evaluates to %s, want %s", e.Expr, e.Got, e.Want)
}

// Expression is a parsed, reusable expression. It's safe for concurrent use.
type Expression struct {
	src       string
	root      node
	predicate bool
}

// Source returns the original expression text.
func (e *Expression) Source() string {
	return e.src
}

// Predicate reports whether the expression references per-stream fields and
// therefore selects a sub-list when evaluated over a collection.
func (e *Expression) Predicate() bool {
	return e.predicate
}

// Parse compiles an expression. The returned error is a *ParseError.
func Parse(src string) (*Expression, error) {
	tokens, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, tokens: tokens}
	root, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tkEOF {
		return nil, &ParseError{Pos: tok.pos, Msg: fmt.Sprintf("unexpected %q", tok.text)}
	}
	return &Expression{src: src, root: root, predicate: referencesFields(root)}, nil
}

// Validate checks that the expression parses. It doesn't evaluate anything.
func Validate(src string) error {
	_, err := Parse(src)
	return err
}

// ValidateCondition checks that the expression parses and that a dry run
// against an empty collection yields a boolean.
func ValidateCondition(src string) error {
	expr, err := Parse(src)
	if err != nil {
		return err
	}
	if expr.predicate {
		return &TypeError{Expr: src, Got: KindStreams, Want: KindBool}
	}
	v, err := expr.Evaluate(nil)
	if err != nil {
		return err
	}
	if v.Kind != KindBool {
		return &TypeError{Expr: src, Got: v.Kind, Want: KindBool}
	}
	return nil
}

// ValidateSelector checks that the expression parses and that a dry run
// against an empty collection yields a stream list.
func ValidateSelector(src string) error {
	expr, err := Parse(src)
	if err != nil {
		return err
	}
	if expr.predicate {
		return nil
	}
	v, err := expr.Evaluate(nil)
	if err != nil {
		return err
	}
	if v.Kind != KindStreams {
		return &TypeError{Expr: src, Got: v.Kind, Want: KindStreams}
	}
	return nil
}

// Tokens

type tokenKind int

const (
	tkEOF tokenKind = iota
	tkIdent
	tkString
	tkNumber
	tkLParen
	tkRParen
	tkComma
	tkEq
	tkNeq
	tkLt
	tkLte
	tkGt
	tkGte
	tkMinus
)

type token struct {
	kind tokenKind
	pos  int
	text string
	num  float64
}

// sizeSuffixes are powers of 1024.
var sizeSuffixes = map[string]float64{
	"kb": 1 << 10,
	"mb": 1 << 20,
	"gb": 1 << 30,
	"tb": 1 << 40,
}

func lex(src string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			tokens = append(tokens, token{kind: tkLParen, pos: i, text: "("})
			i++
		case c == ')':
			tokens = append(tokens, token{kind: tkRParen, pos: i, text: ")"})
			i++
		case c == ',':
			tokens = append(tokens, token{kind: tkComma, pos: i, text: ","})
			i++
		case c == '=':
			tokens = append(tokens, token{kind: tkEq, pos: i, text: "="})
			i++
		case c == '!':
			if i+1 >= len(src) || src[i+1] != '=' {
				return nil, &ParseError{Pos: i, Msg: "expected != "}
			}
			tokens = append(tokens, token{kind: tkNeq, pos: i, text: "!="})
			i += 2
		case c == '<':
			if i+1 < len(src) && src[i+1] == '=' {
				tokens = append(tokens, token{kind: tkLte, pos: i, text: "<="})
				i += 2
			} else {
				tokens = append(tokens, token{kind: tkLt, pos: i, text: "<"})
				i++
			}
		case c == '>':
			if i+1 < len(src) && src[i+1] == '=' {
				tokens = append(tokens, token{kind: tkGte, pos: i, text: ">="})
				i += 2
			} else {
				tokens = append(tokens, token{kind: tkGt, pos: i, text: ">"})
				i++
			}
		case c == '-':
			tokens = append(tokens, token{kind: tkMinus, pos: i, text: "-"})
			i++
		case c == '\'' || c == '"':
			quote := c
			j := i + 1
			for j < len(src) && src[j] != quote {
				j++
			}
			if j >= len(src) {
				return nil, &ParseError{Pos: i, Msg: "unterminated string literal"}
			}
			tokens = append(tokens, token{kind: tkString, pos: i, text: src[i+1 : j]})
			i = j + 1
		case c >= '0' && c <= '9':
			j := i
			for j < len(src) && (src[j] >= '0' && src[j] <= '9' || src[j] == '.') {
				j++
			}
			numEnd := j
			for j < len(src) && isLetter(src[j]) {
				j++
			}
			num, err := strconv.ParseFloat(src[i:numEnd], 64)
			if err != nil {
				return nil, &ParseError{Pos: i, Msg: fmt.Sprintf("bad number %q", src[i:numEnd])}
			}
			if suffix := strings.ToLower(src[numEnd:j]); suffix != "" {
				mult, ok := sizeSuffixes[suffix]
				if !ok {
					return nil, &ParseError{Pos: numEnd, Msg: fmt.Sprintf("unknown size suffix %q", suffix)}
				}
				num *= mult
			}
			tokens = append(tokens, token{kind: tkNumber, pos: i, text: src[i:j], num: num})
			i = j
		case isLetter(c):
			j := i
			for j < len(src) && (isLetter(src[j]) || src[j] >= '0' && src[j] <= '9' || src[j] == '_') {
				j++
			}
			tokens = append(tokens, token{kind: tkIdent, pos: i, text: src[i:j]})
			i = j
		default:
			return nil, &ParseError{Pos: i, Msg: fmt.Sprintf("unexpected character %q", string(c))}
		}
	}
	tokens = append(tokens, token{kind: tkEOF, pos: len(src)})
	return tokens, nil
}

func isLetter(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

// AST

type node interface {
	span() (int, int)
}

type binaryNode struct {
	op         string
	lhs, rhs   node
	start, end int
	// re is precompiled when op is "matches" and rhs is a string literal.
	re *regexp.Regexp
}

type unaryNode struct {
	op         string
	operand    node
	start, end int
}

type identNode struct {
	name       string
	start, end int
}

type litNode struct {
	value      Value
	start, end int
}

type callNode struct {
	name       string
	args       []node
	start, end int
}

func (n *binaryNode) span() (int, int) { return n.start, n.end }
func (n *unaryNode) span() (int, int)  { return n.start, n.end }
func (n *identNode) span() (int, int)  { return n.start, n.end }
func (n *litNode) span() (int, int)    { return n.start, n.end }
func (n *callNode) span() (int, int)   { return n.start, n.end }

// referencesFields reports whether the node refers to a per-stream field
// outside of a collection function, which makes the expression a predicate.
func referencesFields(n node) bool {
	switch t := n.(type) {
	case *identNode:
		return t.name != streamsIdent
	case *binaryNode:
		return referencesFields(t.lhs) || referencesFields(t.rhs)
	case *unaryNode:
		return referencesFields(t.operand)
	default:
		// Collection functions evaluate their arguments against the whole
		// collection, literals reference nothing.
		return false
	}
}

// Parser (recursive descent, precedence low to high: or, and, not,
// comparators, unary minus, primary)

type parser struct {
	src    string
	tokens []token
	idx    int
}

func (p *parser) peek() token {
	return p.tokens[p.idx]
}

func (p *parser) next() token {
	tok := p.tokens[p.idx]
	if tok.kind != tkEOF {
		p.idx++
	}
	return tok
}

func (p *parser) isWord(tok token, word string) bool {
	return tok.kind == tkIdent && strings.EqualFold(tok.text, word)
}

func (p *parser) parseExpr() (node, error) {
	return p.parseOr()
}

func (p *parser) parseOr() (node, error) {
	lhs, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isWord(p.peek(), "or") {
		p.next()
		rhs, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		start, _ := lhs.span()
		_, end := rhs.span()
		lhs = &binaryNode{op: "or", lhs: lhs, rhs: rhs, start: start, end: end}
	}
	return lhs, nil
}

func (p *parser) parseAnd() (node, error) {
	lhs, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.isWord(p.peek(), "and") {
		p.next()
		rhs, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		start, _ := lhs.span()
		_, end := rhs.span()
		lhs = &binaryNode{op: "and", lhs: lhs, rhs: rhs, start: start, end: end}
	}
	return lhs, nil
}

func (p *parser) parseNot() (node, error) {
	if tok := p.peek(); p.isWord(tok, "not") {
		p.next()
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		_, end := operand.span()
		return &unaryNode{op: "not", operand: operand, start: tok.pos, end: end}, nil
	}
	return p.parseComparison()
}

var wordComparators = map[string]bool{"contains": true, "matches": true, "in": true}

func (p *parser) parseComparison() (node, error) {
	lhs, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	var op string
	switch tok := p.peek(); {
	case tok.kind == tkEq:
		op = "="
	case tok.kind == tkNeq:
		op = "!="
	case tok.kind == tkLt:
		op = "<"
	case tok.kind == tkLte:
		op = "<="
	case tok.kind == tkGt:
		op = ">"
	case tok.kind == tkGte:
		op = ">="
	case tok.kind == tkIdent && wordComparators[strings.ToLower(tok.text)]:
		op = strings.ToLower(tok.text)
	default:
		return lhs, nil
	}
	p.next()
	rhs, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	start, _ := lhs.span()
	_, end := rhs.span()
	bn := &binaryNode{op: op, lhs: lhs, rhs: rhs, start: start, end: end}
	if op == "matches" {
		if lit, ok := rhs.(*litNode); ok && lit.value.Kind == KindString {
			re, err := regexp.Compile(lit.value.Str)
			if err != nil {
				pos, _ := rhs.span()
				return nil, &ParseError{Pos: pos, Msg: fmt.Sprintf("invalid regular expression: %v", err)}
			}
			bn.re = re
		}
	}
	return bn, nil
}

func (p *parser) parseUnary() (node, error) {
	if tok := p.peek(); tok.kind == tkMinus {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		_, end := operand.span()
		return &unaryNode{op: "-", operand: operand, start: tok.pos, end: end}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.next()
	switch tok.kind {
	case tkNumber:
		return &litNode{value: Number(tok.num), start: tok.pos, end: tok.pos + len(tok.text)}, nil
	case tkString:
		// +2 for the quotes the text doesn't carry
		return &litNode{value: String(tok.text), start: tok.pos, end: tok.pos + len(tok.text) + 2}, nil
	case tkLParen:
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		closing := p.next()
		if closing.kind != tkRParen {
			return nil, &ParseError{Pos: closing.pos, Msg: "expected )"}
		}
		return inner, nil
	case tkIdent:
		lower := strings.ToLower(tok.text)
		switch lower {
		case "true":
			return &litNode{value: Bool(true), start: tok.pos, end: tok.pos + len(tok.text)}, nil
		case "false":
			return &litNode{value: Bool(false), start: tok.pos, end: tok.pos + len(tok.text)}, nil
		}
		if p.peek().kind == tkLParen {
			return p.parseCall(tok)
		}
		if lower != streamsIdent {
			if _, ok := fieldTable[lower]; !ok {
				return nil, &ParseError{Pos: tok.pos, Msg: fmt.Sprintf("unknown identifier %q", tok.text)}
			}
		}
		return &identNode{name: lower, start: tok.pos, end: tok.pos + len(tok.text)}, nil
	case tkEOF:
		return nil, &ParseError{Pos: tok.pos, Msg: "unexpected end of expression"}
	default:
		return nil, &ParseError{Pos: tok.pos, Msg: fmt.Sprintf("unexpected %q", tok.text)}
	}
}

func (p *parser) parseCall(name token) (node, error) {
	fn, ok := builtins[strings.ToLower(name.text)]
	if !ok {
		return nil, &ParseError{Pos: name.pos, Msg: fmt.Sprintf("unknown function %q", name.text)}
	}
	p.next() // consume (
	var args []node
	if p.peek().kind != tkRParen {
		for {
			arg, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.peek().kind != tkComma {
				break
			}
			p.next()
		}
	}
	closing := p.next()
	if closing.kind != tkRParen {
		return nil, &ParseError{Pos: closing.pos, Msg: "expected )"}
	}
	if len(args) != fn.arity {
		return nil, &ParseError{
			Pos: name.pos,
			Msg: fmt.Sprintf("%s takes %d argument(s), got %d", strings.ToLower(name.text), fn.arity, len(args)),
		}
	}
	return &callNode{name: strings.ToLower(name.text), args: args, start: name.pos, end: closing.pos + 1}, nil
}
