package alert

import (
	"futures-screener/pkg/types"
)

// Plan is a compiled expression: a pure function from per-condition
// matched sets to the expression's matched set. The context is keyed by
// condition fingerprint, so two parameterizations of the same module in
// one expression resolve independently.
type Plan func(ctx map[string]types.SymbolSet) types.SymbolSet

// Compile lowers the AST into a Plan once, decoupling tick-time
// evaluation from the tree shape.
func Compile(root Node) Plan {
	switch n := root.(type) {
	case *Cooldown:
		return Compile(n.Inner)

	case *Condition:
		fp := Fingerprint(n)
		return func(ctx map[string]types.SymbolSet) types.SymbolSet {
			return ctx[fp]
		}

	case *And:
		children := compileChildren(n.Children)
		return func(ctx map[string]types.SymbolSet) types.SymbolSet {
			out := children[0](ctx)
			for _, child := range children[1:] {
				if len(out) == 0 {
					return out
				}
				out = out.Intersect(child(ctx))
			}
			return out
		}

	case *Or:
		children := compileChildren(n.Children)
		return func(ctx map[string]types.SymbolSet) types.SymbolSet {
			out := children[0](ctx)
			for _, child := range children[1:] {
				out = out.Union(child(ctx))
			}
			return out
		}

	default:
		// Unreachable for parser-produced trees.
		return func(map[string]types.SymbolSet) types.SymbolSet { return nil }
	}
}

func compileChildren(nodes []Node) []Plan {
	plans := make([]Plan, len(nodes))
	for i, n := range nodes {
		plans[i] = Compile(n)
	}
	return plans
}

// Conditions returns the condition leaves of an expression in
// left-to-right order, deduplicated by fingerprint.
func Conditions(root Node) []*Condition {
	var out []*Condition
	seen := make(map[string]struct{})

	var walk func(Node)
	walk = func(n Node) {
		switch v := n.(type) {
		case *Cooldown:
			walk(v.Inner)
		case *Condition:
			fp := Fingerprint(v)
			if _, dup := seen[fp]; dup {
				return
			}
			seen[fp] = struct{}{}
			out = append(out, v)
		case *And:
			for _, child := range v.Children {
				walk(child)
			}
		case *Or:
			for _, child := range v.Children {
				walk(child)
			}
		}
	}
	walk(root)
	return out
}
