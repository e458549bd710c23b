package alert

import (
	"errors"
	"strings"
	"testing"
)

func mustParse(t *testing.T, input string) Node {
	t.Helper()
	n, err := Parse(input)
	if err != nil {
		t.Fatalf("Parse(%q) failed: %v", input, err)
	}
	return n
}

func TestParseSimpleCondition(t *testing.T) {
	t.Parallel()

	n := mustParse(t, "price > 5 300")
	cond, ok := n.(*Condition)
	if !ok {
		t.Fatalf("node type = %T, want *Condition", n)
	}
	if cond.Module != "price" || cond.Op != OpGT {
		t.Errorf("condition = %+v", cond)
	}
	if len(cond.Params) != 2 || cond.Params[0] != 5 || cond.Params[1] != 300 {
		t.Errorf("params = %v, want [5 300]", cond.Params)
	}
	if got := n.Canonical(); got != "price > 5 300" {
		t.Errorf("canonical = %q", got)
	}
}

func TestCanonicalIgnoresWhitespace(t *testing.T) {
	t.Parallel()

	a := mustParse(t, "price > 5 300")
	b := mustParse(t, "  price\t>\n5   300  ")

	if a.Canonical() != b.Canonical() {
		t.Errorf("canonicals differ: %q vs %q", a.Canonical(), b.Canonical())
	}
	if Fingerprint(a) != Fingerprint(b) {
		t.Error("equal canonical forms must share a fingerprint")
	}
}

func TestParsePrecedence(t *testing.T) {
	t.Parallel()

	// '&' binds tighter than '|'.
	n := mustParse(t, "price > 5 300 & volume > 1000000 60 | oi < 10")
	or, ok := n.(*Or)
	if !ok {
		t.Fatalf("root = %T, want *Or", n)
	}
	if len(or.Children) != 2 {
		t.Fatalf("or arity = %d, want 2", len(or.Children))
	}
	if _, ok := or.Children[0].(*And); !ok {
		t.Errorf("left child = %T, want *And", or.Children[0])
	}
	if _, ok := or.Children[1].(*Condition); !ok {
		t.Errorf("right child = %T, want *Condition", or.Children[1])
	}
}

func TestParseParenthesizedOr(t *testing.T) {
	t.Parallel()

	n := mustParse(t, "price > 5 300 & (volume > 1000000 60 | oi < 10)")
	and, ok := n.(*And)
	if !ok {
		t.Fatalf("root = %T, want *And", n)
	}
	if _, ok := and.Children[1].(*Or); !ok {
		t.Fatalf("second child = %T, want *Or", and.Children[1])
	}

	// Canonical keeps the parens so it re-parses to the same tree.
	canonical := n.Canonical()
	if canonical != "price > 5 300 & (volume > 1000000 60 | oi < 10)" {
		t.Errorf("canonical = %q", canonical)
	}
	again := mustParse(t, canonical)
	if again.Canonical() != canonical {
		t.Errorf("canonical is not a fixed point: %q -> %q", canonical, again.Canonical())
	}
}

func TestParseCooldownSuffix(t *testing.T) {
	t.Parallel()

	n := mustParse(t, "price > 5 300 & volume > 1000000 60 @600")
	cd, ok := n.(*Cooldown)
	if !ok {
		t.Fatalf("root = %T, want *Cooldown", n)
	}
	if cd.Seconds != 600 {
		t.Errorf("cooldown = %d, want 600", cd.Seconds)
	}
	if got := CooldownSeconds(n); got != 600 {
		t.Errorf("CooldownSeconds = %d, want 600", got)
	}
	if got := n.Canonical(); got != "price > 5 300 & volume > 1000000 60 @600" {
		t.Errorf("canonical = %q", got)
	}

	// No suffix means no cooldown.
	if got := CooldownSeconds(mustParse(t, "price > 5 300")); got != 0 {
		t.Errorf("CooldownSeconds without suffix = %d, want 0", got)
	}
}

func TestParseCooldownOnlyAtRoot(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input   string
		wantMsg string
	}{
		{"(price > 5 300 @60) & volume > 1000000 60", "only allowed at the root"},
		{"@60", "only allowed at the root"},
		{"price > 5 300 @60 @30", "only allowed once"},
		{"price > 5 300 @60 & volume > 1000000 60", "unexpected input after expression"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			_, err := Parse(tt.input)
			if err == nil {
				t.Fatalf("Parse(%q) succeeded, want error", tt.input)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error = %q, want it to mention %q", err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		wantPos int
		wantMsg string
	}{
		{"empty", "", 0, "empty expression"},
		{"blank", "   ", 0, "empty expression"},
		{"unknown module", "frobnicate > 5", 0, `unknown module "frobnicate"`},
		{"word instead of number", "price > foo", 8, `expected a number after "price" >, got "foo"`},
		{"missing params", "price > 5", 0, `module "price" takes 2 parameter(s), got 1`},
		{"too many params", "oi < 10 20", 0, `module "oi" takes 1 parameter(s), got 2`},
		{"missing operator", "price 5 300", 6, `requires a comparison operator`},
		{"single equals", "price = 5 300", 6, `unexpected character "="`},
		{"stray character", "price > 5 300 $", 14, `unexpected character "$"`},
		{"unbalanced open", "(price > 5 300", 0, "unbalanced parenthesis: missing ')'"},
		{"unbalanced close", ") price > 5 300", 0, "unbalanced parenthesis: unexpected ')'"},
		{"trailing close", "price > 5 300)", 13, "unexpected input after expression"},
		{"cooldown not a number", "price > 5 300 @ x", 14, "cooldown requires a number of seconds"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse(tt.input)
			if err == nil {
				t.Fatalf("Parse(%q) succeeded, want error", tt.input)
			}
			var perr *ParseError
			if !errors.As(err, &perr) {
				t.Fatalf("error type = %T, want *ParseError", err)
			}
			if perr.Pos != tt.wantPos {
				t.Errorf("pos = %d, want %d (error: %s)", perr.Pos, tt.wantPos, perr.Msg)
			}
			if !strings.Contains(perr.Msg, tt.wantMsg) {
				t.Errorf("msg = %q, want it to contain %q", perr.Msg, tt.wantMsg)
			}
		})
	}
}

func TestParseErrorRendering(t *testing.T) {
	t.Parallel()

	_, err := Parse("price > foo")
	if err == nil {
		t.Fatal("want error")
	}
	want := `parse error at offset 8: expected a number after "price" >, got "foo"`
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestFingerprintFormat(t *testing.T) {
	t.Parallel()

	fp := Fingerprint(mustParse(t, "price > 5 300"))
	if len(fp) != 16 {
		t.Fatalf("fingerprint length = %d, want 16", len(fp))
	}
	for _, c := range fp {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			t.Fatalf("fingerprint %q contains non-hex character %q", fp, string(c))
		}
	}

	other := Fingerprint(mustParse(t, "price > 6 300"))
	if fp == other {
		t.Error("different parameters must not collide on fingerprint")
	}
}

func TestModuleArity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		module string
		arity  int
	}{
		{"price", 2},
		{"volume", 2},
		{"volume_change", 2},
		{"oi", 1},
		{"oi_sum", 1},
		{"funding", 2},
		{"order", 3},
		{"order_num", 2},
	}
	for _, tt := range tests {
		got, ok := ModuleArity(tt.module)
		if !ok {
			t.Errorf("module %q unknown", tt.module)
			continue
		}
		if got != tt.arity {
			t.Errorf("arity(%s) = %d, want %d", tt.module, got, tt.arity)
		}
	}
	if _, ok := ModuleArity("nope"); ok {
		t.Error("unknown module should not resolve")
	}
}
