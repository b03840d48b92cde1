// Package expr implements the closed expression language used by grading
// formulas: decimal arithmetic (+ - * /), the MIN/MAX/IF function set, and
// comparisons that are only meaningful as the test of an IF or inside a
// condition predicate. Expressions are parsed once (Parse) into a Program
// and evaluated many times against a binding map. There is no access to
// anything beyond the bound names and the whitelisted functions.
package expr

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Value is one binding passed to Eval. Missing marks a component that
// produced no usable data; referencing it in arithmetic is an EvalError.
type Value struct {
	Num     decimal.Decimal
	Missing bool
}

// Number builds a present Value.
func Number(d decimal.Decimal) Value { return Value{Num: d} }

// MissingValue builds an absent Value.
func MissingValue() Value { return Value{Missing: true} }

// SyntaxError is returned by Parse. It blocks formula activation, so it
// never surfaces during a per-student computation.
type SyntaxError struct {
	Pos int // byte offset into the source
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at offset %d: %s", e.Pos, e.Msg)
}

// EvalError is returned by Eval: unknown or missing binding, division by
// zero, or a comparison used where a number is required.
type EvalError struct {
	Msg string
}

func (e *EvalError) Error() string { return "evaluation error: " + e.Msg }

func evalErrf(format string, args ...any) *EvalError {
	return &EvalError{Msg: fmt.Sprintf(format, args...)}
}

// result is the runtime value of a node: either a number or, for
// comparison nodes, a boolean usable only as an IF test.
type result struct {
	num    decimal.Decimal
	isBool bool
	truth  bool
}

type node interface {
	eval(vars map[string]Value) (result, error)
}

type numberLit struct {
	val decimal.Decimal
}

func (n numberLit) eval(map[string]Value) (result, error) {
	return result{num: n.val}, nil
}

type varRef struct {
	name string
}

func (n varRef) eval(vars map[string]Value) (result, error) {
	v, ok := vars[n.name]
	if !ok {
		return result{}, evalErrf("unknown binding %q", n.name)
	}
	if v.Missing {
		return result{}, evalErrf("binding %q has no value", n.name)
	}
	return result{num: v.Num}, nil
}

type negate struct {
	operand node
}

func (n negate) eval(vars map[string]Value) (result, error) {
	v, err := evalNumber(n.operand, vars)
	if err != nil {
		return result{}, err
	}
	return result{num: v.Neg()}, nil
}

type binary struct {
	op          byte // one of + - * /
	left, right node
}

func (n binary) eval(vars map[string]Value) (result, error) {
	l, err := evalNumber(n.left, vars)
	if err != nil {
		return result{}, err
	}
	r, err := evalNumber(n.right, vars)
	if err != nil {
		return result{}, err
	}
	switch n.op {
	case '+':
		return result{num: l.Add(r)}, nil
	case '-':
		return result{num: l.Sub(r)}, nil
	case '*':
		return result{num: l.Mul(r)}, nil
	case '/':
		if r.IsZero() {
			return result{}, evalErrf("division by zero")
		}
		return result{num: l.Div(r)}, nil
	}
	return result{}, evalErrf("unknown operator %q", n.op)
}

type compare struct {
	op          string // < > <= >= == !=
	left, right node
}

func (n compare) eval(vars map[string]Value) (result, error) {
	l, err := evalNumber(n.left, vars)
	if err != nil {
		return result{}, err
	}
	r, err := evalNumber(n.right, vars)
	if err != nil {
		return result{}, err
	}
	c := l.Cmp(r)
	var truth bool
	switch n.op {
	case "<":
		truth = c < 0
	case ">":
		truth = c > 0
	case "<=":
		truth = c <= 0
	case ">=":
		truth = c >= 0
	case "==":
		truth = c == 0
	case "!=":
		truth = c != 0
	}
	return result{isBool: true, truth: truth}, nil
}

type call struct {
	fn   string // MIN, MAX or IF
	args []node
}

func (n call) eval(vars map[string]Value) (result, error) {
	switch n.fn {
	case "MIN", "MAX":
		best, err := evalNumber(n.args[0], vars)
		if err != nil {
			return result{}, err
		}
		for _, a := range n.args[1:] {
			v, err := evalNumber(a, vars)
			if err != nil {
				return result{}, err
			}
			if (n.fn == "MIN" && v.LessThan(best)) || (n.fn == "MAX" && v.GreaterThan(best)) {
				best = v
			}
		}
		return result{num: best}, nil
	case "IF":
		cond, err := n.args[0].eval(vars)
		if err != nil {
			return result{}, err
		}
		if !cond.isBool {
			return result{}, evalErrf("IF condition must be a comparison")
		}
		if cond.truth {
			return n.args[1].eval(vars)
		}
		return n.args[2].eval(vars)
	}
	return result{}, evalErrf("unknown function %s", n.fn)
}

func evalNumber(n node, vars map[string]Value) (decimal.Decimal, error) {
	r, err := n.eval(vars)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if r.isBool {
		return decimal.Decimal{}, evalErrf("comparison used where a number is required")
	}
	return r.num, nil
}

// Program is a parsed expression ready for repeated evaluation. Programs
// are immutable and safe for concurrent use.
type Program struct {
	root   node
	source string
}

// Source returns the original expression text.
func (p *Program) Source() string { return p.source }

// Vars lists every binding name the program references, without
// duplicates, in first-reference order.
func (p *Program) Vars() []string {
	var names []string
	seen := map[string]bool{}
	var walk func(n node)
	walk = func(n node) {
		switch v := n.(type) {
		case varRef:
			if !seen[v.name] {
				seen[v.name] = true
				names = append(names, v.name)
			}
		case negate:
			walk(v.operand)
		case binary:
			walk(v.left)
			walk(v.right)
		case compare:
			walk(v.left)
			walk(v.right)
		case call:
			for _, a := range v.args {
				walk(a)
			}
		}
	}
	walk(p.root)
	return names
}

// Eval interprets the program against vars and returns a numeric result.
func (p *Program) Eval(vars map[string]Value) (decimal.Decimal, error) {
	r, err := p.root.eval(vars)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if r.isBool {
		return decimal.Decimal{}, evalErrf("expression yields a comparison, not a number")
	}
	return r.num, nil
}
