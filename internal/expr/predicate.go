package expr

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// PredicateOp enumerates the supported condition predicate forms. The
// grammar is deliberately minimal: one binding, one comparison, no
// boolean composition.
type PredicateOp string

const (
	PredLess    PredicateOp = "<"
	PredGreater PredicateOp = ">"
	PredMissing PredicateOp = "is_missing"
)

// Predicate is a compiled condition test, e.g. "uas < 60" or
// "uas is_missing". Built once at formula activation.
type Predicate struct {
	Binding string
	Op      PredicateOp
	Literal decimal.Decimal // unused for PredMissing
}

func (p Predicate) String() string {
	if p.Op == PredMissing {
		return p.Binding + " is_missing"
	}
	return fmt.Sprintf("%s %s %s", p.Binding, p.Op, p.Literal)
}

// ParsePredicate compiles a predicate source string. Accepted forms:
//
//	<binding> < <literal>
//	<binding> > <literal>
//	<binding> is_missing
func ParsePredicate(src string) (Predicate, error) {
	fields := strings.Fields(src)
	bad := func(msg string) (Predicate, error) {
		return Predicate{}, &SyntaxError{Msg: "predicate \"" + src + "\": " + msg}
	}
	if len(fields) < 2 {
		return bad("expected \"<binding> < literal\", \"<binding> > literal\" or \"<binding> is_missing\"")
	}
	binding := fields[0]
	if !isIdent(binding) {
		return bad("bad binding name \"" + binding + "\"")
	}
	switch fields[1] {
	case "is_missing":
		if len(fields) != 2 {
			return bad("is_missing takes no operand")
		}
		return Predicate{Binding: binding, Op: PredMissing}, nil
	case "<", ">":
		if len(fields) != 3 {
			return bad("expected a single literal operand")
		}
		lit, err := decimal.NewFromString(fields[2])
		if err != nil {
			return bad("bad literal \"" + fields[2] + "\"")
		}
		return Predicate{Binding: binding, Op: PredicateOp(fields[1]), Literal: lit}, nil
	}
	return bad("unknown operator \"" + fields[1] + "\"")
}

func isIdent(s string) bool {
	if s == "" || s[0] >= '0' && s[0] <= '9' {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isIdentChar(s[i]) {
			return false
		}
	}
	return true
}

// Holds reports whether the predicate matches the given bindings. A
// binding that is absent or marked missing satisfies is_missing; for the
// ordering predicates it simply fails the test, since there is no value
// to compare.
func (p Predicate) Holds(vars map[string]Value) bool {
	v, ok := vars[p.Binding]
	missing := !ok || v.Missing
	switch p.Op {
	case PredMissing:
		return missing
	case PredLess:
		return !missing && v.Num.LessThan(p.Literal)
	case PredGreater:
		return !missing && v.Num.GreaterThan(p.Literal)
	}
	return false
}
