// Copyright 2025 Cellwise, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package expr evaluates derived-PEG formulas. The language is
// deliberately tiny: numbers, identifiers, unary +/-, the four basic
// arithmetic operators and parentheses. Anything else is a parse error,
// so a formula can never reach the host environment.
package expr

import (
	"fmt"
	"math"
	"strconv"
	"unicode"
)

// Expression is a parsed formula ready for evaluation.
type Expression struct {
	root  node
	vars  []string
	nodes int
}

type node interface {
	eval(vars map[string]float64) float64
}

type numNode struct {
	value float64
}

type varNode struct {
	name string
}

type unaryNode struct {
	op byte // '+' or '-'
	x  node
}

type binaryNode struct {
	op   byte // '+', '-', '*', '/'
	x, y node
}

func (n numNode) eval(map[string]float64) float64 {
	return n.value
}

func (n varNode) eval(vars map[string]float64) float64 {
	v, ok := vars[n.name]
	if !ok {
		return math.NaN()
	}
	return v
}

func (n unaryNode) eval(vars map[string]float64) float64 {
	v := n.x.eval(vars)
	if n.op == '-' {
		return -v
	}
	return v
}

func (n binaryNode) eval(vars map[string]float64) float64 {
	x := n.x.eval(vars)
	y := n.y.eval(vars)
	switch n.op {
	case '+':
		return x + y
	case '-':
		return x - y
	case '*':
		return x * y
	default:
		if y == 0 {
			return math.NaN()
		}
		return x / y
	}
}

// Parse compiles formula. maxNodes caps the AST size; 0 means unlimited.
func Parse(formula string, maxNodes int) (*Expression, error) {
	toks, err := lex(formula)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	root, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if !p.done() {
		return nil, fmt.Errorf("unexpected %q at position %d", p.peek().text, p.peek().pos)
	}
	if maxNodes > 0 && p.nodes > maxNodes {
		return nil, fmt.Errorf("formula too complex: %d nodes exceeds limit %d", p.nodes, maxNodes)
	}
	e := &Expression{root: root, nodes: p.nodes}
	seen := map[string]bool{}
	collectVars(root, seen, &e.vars)
	return e, nil
}

// Eval computes the formula over vars. Division by zero and references to
// variables missing from vars both yield NaN rather than an error; the
// caller decides what a NaN result means.
func (e *Expression) Eval(vars map[string]float64) float64 {
	return e.root.eval(vars)
}

// Vars lists referenced identifiers in first-appearance order.
func (e *Expression) Vars() []string {
	return e.vars
}

// NodeCount reports the AST size, used for complexity accounting.
func (e *Expression) NodeCount() int {
	return e.nodes
}

func collectVars(n node, seen map[string]bool, out *[]string) {
	switch n := n.(type) {
	case varNode:
		if !seen[n.name] {
			seen[n.name] = true
			*out = append(*out, n.name)
		}
	case unaryNode:
		collectVars(n.x, seen, out)
	case binaryNode:
		collectVars(n.x, seen, out)
		collectVars(n.y, seen, out)
	}
}

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokIdent
	tokOp     // + - * /
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || r == '.' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func lex(input string) ([]token, error) {
	var toks []token
	rs := []rune(input)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case r == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case r == '+' || r == '-' || r == '*' || r == '/':
			toks = append(toks, token{tokOp, string(r), i})
			i++
		case unicode.IsDigit(r) || r == '.':
			start := i
			for i < len(rs) && (unicode.IsDigit(rs[i]) || rs[i] == '.') {
				i++
			}
			// Exponent suffix, e.g. 1e3 or 2.5E-4.
			if i < len(rs) && (rs[i] == 'e' || rs[i] == 'E') {
				j := i + 1
				if j < len(rs) && (rs[j] == '+' || rs[j] == '-') {
					j++
				}
				if j < len(rs) && unicode.IsDigit(rs[j]) {
					for j < len(rs) && unicode.IsDigit(rs[j]) {
						j++
					}
					i = j
				}
			}
			text := string(rs[start:i])
			if _, err := strconv.ParseFloat(text, 64); err != nil {
				return nil, fmt.Errorf("invalid number %q at position %d", text, start)
			}
			toks = append(toks, token{tokNumber, text, start})
		case isIdentStart(r):
			start := i
			for i < len(rs) && isIdentPart(rs[i]) {
				i++
			}
			toks = append(toks, token{tokIdent, string(rs[start:i]), start})
		default:
			return nil, fmt.Errorf("unsupported character %q at position %d", string(r), i)
		}
	}
	if len(toks) == 0 {
		return nil, fmt.Errorf("empty formula")
	}
	return toks, nil
}

type parser struct {
	toks  []token
	pos   int
	nodes int
}

func (p *parser) done() bool {
	return p.pos >= len(p.toks)
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.toks[p.pos]
	p.pos++
	return t
}

// expr := term (('+'|'-') term)*
func (p *parser) parseExpr() (node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for !p.done() && p.peek().kind == tokOp && (p.peek().text == "+" || p.peek().text == "-") {
		op := p.next().text[0]
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, x: left, y: right}
		p.nodes++
	}
	return left, nil
}

// term := unary (('*'|'/') unary)*
func (p *parser) parseTerm() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for !p.done() && p.peek().kind == tokOp && (p.peek().text == "*" || p.peek().text == "/") {
		op := p.next().text[0]
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, x: left, y: right}
		p.nodes++
	}
	return left, nil
}

// unary := ('+'|'-') unary | primary
func (p *parser) parseUnary() (node, error) {
	if !p.done() && p.peek().kind == tokOp && (p.peek().text == "+" || p.peek().text == "-") {
		op := p.next().text[0]
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		p.nodes++
		return unaryNode{op: op, x: x}, nil
	}
	return p.parsePrimary()
}

// primary := NUMBER | IDENT | '(' expr ')'
func (p *parser) parsePrimary() (node, error) {
	if p.done() {
		return nil, fmt.Errorf("unexpected end of formula")
	}
	t := p.next()
	switch t.kind {
	case tokNumber:
		v, _ := strconv.ParseFloat(t.text, 64)
		p.nodes++
		return numNode{value: v}, nil
	case tokIdent:
		p.nodes++
		return varNode{name: t.text}, nil
	case tokLParen:
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.done() || p.peek().kind != tokRParen {
			return nil, fmt.Errorf("missing closing parenthesis (opened at position %d)", t.pos)
		}
		p.next()
		return inner, nil
	default:
		return nil, fmt.Errorf("unexpected %q at position %d", t.text, t.pos)
	}
}

// ExtractIdentifiers returns identifier-shaped substrings of a raw
// formula without parsing it. Used for dependency discovery when loading
// definitions whose expressions are compiled later.
func ExtractIdentifiers(formula string) []string {
	var out []string
	seen := map[string]bool{}
	rs := []rune(formula)
	for i := 0; i < len(rs); {
		if isIdentStart(rs[i]) && (i == 0 || !isIdentPart(rs[i-1])) {
			start := i
			for i < len(rs) && isIdentPart(rs[i]) {
				i++
			}
			name := string(rs[start:i])
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
			continue
		}
		i++
	}
	return out
}
