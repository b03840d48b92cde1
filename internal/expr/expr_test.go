package expr_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/sekolahlabs/rapor/internal/expr"
)

func vars(kv map[string]string) map[string]expr.Value {
	out := make(map[string]expr.Value, len(kv))
	for k, v := range kv {
		out[k] = expr.Number(decimal.RequireFromString(v))
	}
	return out
}

func eval(t *testing.T, src string, bindings map[string]expr.Value) decimal.Decimal {
	t.Helper()
	p, err := expr.Parse(src)
	if err != nil {
		t.Fatalf("parse %q: %v", src, err)
	}
	got, err := p.Eval(bindings)
	if err != nil {
		t.Fatalf("eval %q: %v", src, err)
	}
	return got
}

func TestArithmetic(t *testing.T) {
	cases := []struct {
		src      string
		bindings map[string]string
		want     string
	}{
		{"1 + 2 * 3", nil, "7"},
		{"(1 + 2) * 3", nil, "9"},
		{"10 / 4", nil, "2.5"},
		{"-x + 5", map[string]string{"x": "2"}, "3"},
		{"2 - 3 - 4", nil, "-5"},
		{"0.1 + 0.2", nil, "0.3"}, // exact in decimal
		{"0.25*85 + 0.25*78 + 0.2*70 + 0.3*78", nil, "78.15"},
	}
	for _, c := range cases {
		got := eval(t, c.src, vars(c.bindings))
		if !got.Equal(decimal.RequireFromString(c.want)) {
			t.Fatalf("%q = %s, want %s", c.src, got, c.want)
		}
	}
}

func TestFunctions(t *testing.T) {
	b := vars(map[string]string{"a": "70", "b": "85"})
	if got := eval(t, "MIN(a, b, 90)", b); !got.Equal(decimal.NewFromInt(70)) {
		t.Fatalf("MIN = %s", got)
	}
	if got := eval(t, "MAX(a, b)", b); !got.Equal(decimal.NewFromInt(85)) {
		t.Fatalf("MAX = %s", got)
	}
	if got := eval(t, "IF(a < 75, a, b)", b); !got.Equal(decimal.NewFromInt(70)) {
		t.Fatalf("IF true branch = %s", got)
	}
	if got := eval(t, "IF(a >= 75, a, b)", b); !got.Equal(decimal.NewFromInt(85)) {
		t.Fatalf("IF false branch = %s", got)
	}
	// lower-case function names are accepted
	if got := eval(t, "min(a, b)", b); !got.Equal(decimal.NewFromInt(70)) {
		t.Fatalf("min = %s", got)
	}
}

func TestSyntaxErrors(t *testing.T) {
	bad := []string{
		"",
		"1 +",
		"foo(1, 2)",    // unknown function
		"IF(1, 2)",     // wrong arity
		"MIN(1)",       // wrong arity
		"a << b",
		"a = 1",
		"1 2",
		"(1 + 2",
		"system.exit",  // '.' only valid inside numbers
	}
	for _, src := range bad {
		if _, err := expr.Parse(src); err == nil {
			t.Fatalf("Parse(%q) succeeded, want syntax error", src)
		} else {
			var se *expr.SyntaxError
			if !errors.As(err, &se) {
				t.Fatalf("Parse(%q) returned %T, want *SyntaxError", src, err)
			}
		}
	}
}

func TestEvalErrors(t *testing.T) {
	cases := []struct {
		src      string
		bindings map[string]expr.Value
	}{
		{"a + 1", nil},                                         // unknown binding
		{"a + 1", map[string]expr.Value{"a": expr.MissingValue()}}, // missing binding
		{"1 / (2 - 2)", nil},                                   // division by zero
		{"1 + (a < 2)", vars(map[string]string{"a": "1"})},     // comparison as number
		{"a < 2", vars(map[string]string{"a": "1"})},           // bare comparison result
	}
	for _, c := range cases {
		p, err := expr.Parse(c.src)
		if err != nil {
			t.Fatalf("parse %q: %v", c.src, err)
		}
		if _, err := p.Eval(c.bindings); err == nil {
			t.Fatalf("Eval(%q) succeeded, want error", c.src)
		} else {
			var ee *expr.EvalError
			if !errors.As(err, &ee) {
				t.Fatalf("Eval(%q) returned %T, want *EvalError", c.src, err)
			}
		}
	}
}

func TestPredicates(t *testing.T) {
	b := vars(map[string]string{"uas": "55"})
	b["empty"] = expr.MissingValue()

	p, err := expr.ParsePredicate("uas < 60")
	if err != nil {
		t.Fatalf("parse predicate: %v", err)
	}
	if !p.Holds(b) {
		t.Fatalf("uas < 60 should hold for uas=55")
	}

	p, err = expr.ParsePredicate("uas > 60")
	if err != nil {
		t.Fatalf("parse predicate: %v", err)
	}
	if p.Holds(b) {
		t.Fatalf("uas > 60 should not hold for uas=55")
	}

	p, err = expr.ParsePredicate("empty is_missing")
	if err != nil {
		t.Fatalf("parse predicate: %v", err)
	}
	if !p.Holds(b) {
		t.Fatalf("is_missing should hold for a missing binding")
	}
	if q, _ := expr.ParsePredicate("uas is_missing"); q.Holds(b) {
		t.Fatalf("is_missing should not hold for a present binding")
	}

	// ordering predicates never match a missing or unknown binding
	if q, _ := expr.ParsePredicate("empty < 60"); q.Holds(b) {
		t.Fatalf("ordering predicate must not match a missing binding")
	}

	for _, src := range []string{"", "uas", "uas <= 60", "uas < sixty", "uas is_missing 1", "1uas < 60"} {
		if _, err := expr.ParsePredicate(src); err == nil {
			t.Fatalf("ParsePredicate(%q) succeeded, want error", src)
		}
	}
}
