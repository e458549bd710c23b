package alert

import (
	"testing"

	"futures-screener/pkg/types"
)

// leafCtx builds a plan context from condition text to matched symbols,
// keyed the way the engine keys it: by condition fingerprint.
func leafCtx(t *testing.T, matched map[string][]string) map[string]types.SymbolSet {
	t.Helper()
	ctx := make(map[string]types.SymbolSet, len(matched))
	for expr, symbols := range matched {
		cond := mustParse(t, expr)
		ctx[Fingerprint(cond)] = types.NewSymbolSet(symbols...)
	}
	return ctx
}

func TestCompileAndIntersects(t *testing.T) {
	t.Parallel()

	plan := Compile(mustParse(t, "price > 5 300 & volume > 1000000 60"))
	ctx := leafCtx(t, map[string][]string{
		"price > 5 300":       {"BTCUSDT", "ETHUSDT", "SOLUSDT"},
		"volume > 1000000 60": {"ETHUSDT", "SOLUSDT", "XRPUSDT"},
	})

	got := plan(ctx).Sorted()
	want := []string{"ETHUSDT", "SOLUSDT"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("matched = %v, want %v", got, want)
	}
}

func TestCompileOrUnions(t *testing.T) {
	t.Parallel()

	plan := Compile(mustParse(t, "price > 5 300 | oi < 10"))
	ctx := leafCtx(t, map[string][]string{
		"price > 5 300": {"BTCUSDT"},
		"oi < 10":       {"ETHUSDT"},
	})

	got := plan(ctx).Sorted()
	if len(got) != 2 || got[0] != "BTCUSDT" || got[1] != "ETHUSDT" {
		t.Errorf("matched = %v, want [BTCUSDT ETHUSDT]", got)
	}
}

func TestCompileNested(t *testing.T) {
	t.Parallel()

	plan := Compile(mustParse(t, "price > 5 300 & (volume > 1000000 60 | oi < 10)"))
	ctx := leafCtx(t, map[string][]string{
		"price > 5 300":       {"BTCUSDT", "ETHUSDT", "SOLUSDT"},
		"volume > 1000000 60": {"BTCUSDT"},
		"oi < 10":             {"SOLUSDT", "XRPUSDT"},
	})

	got := plan(ctx).Sorted()
	want := []string{"BTCUSDT", "SOLUSDT"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("matched = %v, want %v", got, want)
	}
}

func TestCompileEmptyLeafEmptiesAnd(t *testing.T) {
	t.Parallel()

	plan := Compile(mustParse(t, "price > 5 300 & volume > 1000000 60"))
	ctx := leafCtx(t, map[string][]string{
		"price > 5 300":       {},
		"volume > 1000000 60": {"BTCUSDT"},
	})

	if got := plan(ctx); len(got) != 0 {
		t.Errorf("matched = %v, want empty", got.Sorted())
	}
}

func TestCompileCooldownIsTransparent(t *testing.T) {
	t.Parallel()

	withCooldown := Compile(mustParse(t, "price > 5 300 @60"))
	ctx := leafCtx(t, map[string][]string{
		"price > 5 300": {"BTCUSDT"},
	})

	got := withCooldown(ctx).Sorted()
	if len(got) != 1 || got[0] != "BTCUSDT" {
		t.Errorf("matched = %v, want [BTCUSDT]", got)
	}
}

func TestCompileSameModuleDifferentParams(t *testing.T) {
	t.Parallel()

	// Two parameterizations of one module are distinct leaves.
	plan := Compile(mustParse(t, "volume > 1000000 60 & volume > 5000000 300"))
	ctx := leafCtx(t, map[string][]string{
		"volume > 1000000 60":  {"BTCUSDT", "ETHUSDT"},
		"volume > 5000000 300": {"ETHUSDT"},
	})

	got := plan(ctx).Sorted()
	if len(got) != 1 || got[0] != "ETHUSDT" {
		t.Errorf("matched = %v, want [ETHUSDT]", got)
	}
}

func TestConditionsDeduplicates(t *testing.T) {
	t.Parallel()

	conds := Conditions(mustParse(t, "price > 5 300 & (price > 5 300 | oi < 10) @60"))
	if len(conds) != 2 {
		t.Fatalf("len(conds) = %d, want 2", len(conds))
	}
	if conds[0].Module != "price" || conds[1].Module != "oi" {
		t.Errorf("order = [%s %s], want [price oi]", conds[0].Module, conds[1].Module)
	}
}

func TestConditionsMissingLeafYieldsEmpty(t *testing.T) {
	t.Parallel()

	// A leaf with no context entry contributes an empty set, never a panic.
	plan := Compile(mustParse(t, "price > 5 300 & volume > 1000000 60"))
	got := plan(map[string]types.SymbolSet{})
	if len(got) != 0 {
		t.Errorf("matched = %v, want empty", got.Sorted())
	}
}
