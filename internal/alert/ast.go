// Package alert implements the alert expression language: tokenizer,
// recursive-descent parser, AST with a canonical rendering, and plan
// compilation into a pure set-algebra function.
//
// Grammar:
//
//	root      := expr ( '@' integer )?
//	expr      := and ( '|' and )*
//	and       := factor ( '&' factor )*
//	factor    := condition | '(' expr ')'
//	condition := module op number+
//
// Example: "price > 5 300 & (oi < 100 | funding > 0.1 600) @60"
package alert

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
)

// Op is a comparison operator of a condition.
type Op string

const (
	OpGT Op = ">"
	OpLT Op = "<"
	OpGE Op = ">="
	OpLE Op = "<="
	OpEQ Op = "=="
	OpNE Op = "!="
)

// moduleArity maps each module to its required parameter count.
// Parameters, in order:
//
//	price         percent, window_sec
//	volume        threshold_usd, window_sec
//	volume_change percent, window_sec
//	oi            percent (vs 24h median)
//	oi_sum        threshold_usd
//	funding       percent, settle_within_sec
//	order         threshold_usd, max_pct, min_duration_sec
//	order_num     percent, window_sec
var moduleArity = map[string]int{
	"price":         2,
	"volume":        2,
	"volume_change": 2,
	"oi":            1,
	"oi_sum":        1,
	"funding":       2,
	"order":         3,
	"order_num":     2,
}

// ModuleArity returns the parameter count a module requires.
func ModuleArity(module string) (int, bool) {
	n, ok := moduleArity[module]
	return n, ok
}

// Node is one vertex of a parsed expression.
type Node interface {
	// Canonical renders the node in the fixed normal form. Two
	// expressions with the same meaning and parameters render
	// identically regardless of surface whitespace.
	Canonical() string
}

// Condition is an elementary predicate bound to one module.
type Condition struct {
	Module string
	Op     Op
	Params []float64
}

// And is an n-ary conjunction.
type And struct {
	Children []Node
}

// Or is an n-ary disjunction.
type Or struct {
	Children []Node
}

// Cooldown wraps the root expression with a per-instrument re-fire
// suppression window. It is only valid at the root.
type Cooldown struct {
	Inner   Node
	Seconds int
}

// Canonical renders "module op p1 p2 ..." with minimal float formatting.
func (c *Condition) Canonical() string {
	var sb strings.Builder
	sb.WriteString(c.Module)
	sb.WriteByte(' ')
	sb.WriteString(string(c.Op))
	for _, p := range c.Params {
		sb.WriteByte(' ')
		sb.WriteString(strconv.FormatFloat(p, 'f', -1, 64))
	}
	return sb.String()
}

// Canonical joins children with " & ". Or children are parenthesized
// because '|' binds looser than '&'.
func (a *And) Canonical() string {
	parts := make([]string, len(a.Children))
	for i, child := range a.Children {
		if _, isOr := child.(*Or); isOr {
			parts[i] = "(" + child.Canonical() + ")"
		} else {
			parts[i] = child.Canonical()
		}
	}
	return strings.Join(parts, " & ")
}

// Canonical joins children with " | ". No parens are needed: '|' is the
// loosest binder.
func (o *Or) Canonical() string {
	parts := make([]string, len(o.Children))
	for i, child := range o.Children {
		parts[i] = child.Canonical()
	}
	return strings.Join(parts, " | ")
}

// Canonical appends the " @N" suffix to the inner rendering.
func (cd *Cooldown) Canonical() string {
	return fmt.Sprintf("%s @%d", cd.Inner.Canonical(), cd.Seconds)
}

// Fingerprint hashes a node's canonical form with FNV-64a, rendered as
// 16 hex digits. Equal canonical forms always yield equal fingerprints.
func Fingerprint(n Node) string {
	h := fnv.New64a()
	h.Write([]byte(n.Canonical()))
	return fmt.Sprintf("%016x", h.Sum64())
}

// CooldownSeconds returns the root cooldown, or 0 when none was given.
func CooldownSeconds(root Node) int {
	if cd, ok := root.(*Cooldown); ok {
		return cd.Seconds
	}
	return 0
}
