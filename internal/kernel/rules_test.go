package kernel

import (
	"context"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"imprint/internal/types"
)

func addRuleOrFatal(t *testing.T, k *Kernel, r types.ScopedRule) string {
	t.Helper()
	id, err := k.AddScopedRule(r)
	if err != nil {
		t.Fatalf("AddScopedRule(%q): %v", r.Content, err)
	}
	return id
}

// ============================================================================
// ADD / GET
// ============================================================================

func TestAddScopedRuleDefaults(t *testing.T) {
	k, _, _ := newTestKernel(t)

	rule := types.NewScopedRule("Prefer explicit error wrapping", []string{"Go"}, "lang_go", types.RelationPrefers)
	id := addRuleOrFatal(t, k, rule)
	if id != rule.ID {
		t.Errorf("returned id %q != rule id %q", id, rule.ID)
	}

	got, err := k.GetScopedRule(id)
	if err != nil || got == nil {
		t.Fatalf("GetScopedRule = (%v, %v)", got, err)
	}
	if got.State != types.StateHypothesis {
		t.Errorf("state = %v, want hypothesis", got.State)
	}
	if got.Confidence != 0.2 {
		t.Errorf("confidence = %v, want 0.2", got.Confidence)
	}
	if len(got.Embedding) != k.Engine().Dimensions() {
		t.Errorf("embedding len = %d, want %d", len(got.Embedding), k.Engine().Dimensions())
	}
	mustMetric(t, k, MetricScopedRulesAdded, 1)

	missing, err := k.GetScopedRule("rule_nope")
	if err != nil || missing != nil {
		t.Errorf("missing rule = (%v, %v), want (nil, nil)", missing, err)
	}
}

func TestAddScopedRuleValidation(t *testing.T) {
	k, _, _ := newTestKernel(t)

	_, err := k.AddScopedRule(types.ScopedRule{})
	if types.KindOf(err) != types.KindValidation {
		t.Errorf("empty content error kind = %v, want validation", types.KindOf(err))
	}

	long := types.ScopedRule{Content: strings.Repeat("x", 121)}
	_, err = k.AddScopedRule(long)
	if types.KindOf(err) != types.KindValidation {
		t.Errorf("oversized content error kind = %v, want validation", types.KindOf(err))
	}
	mustMetric(t, k, MetricScopedRulesAdded, 0)
}

// ============================================================================
// QUERY
// ============================================================================

func TestQueryScopedRulesScopeIsolation(t *testing.T) {
	k, _, _ := newTestKernel(t)

	py := types.NewScopedRule("Use async def for IO handlers", []string{"Python"}, "lang_python", types.RelationPrefers)
	js := types.NewScopedRule("Chain promises with then", []string{"JavaScript"}, "lang_javascript", types.RelationPrefers)
	global := types.NewScopedRule("Write the failing test first", nil, "global", types.RelationPrefers)
	addRuleOrFatal(t, k, py)
	addRuleOrFatal(t, k, js)
	addRuleOrFatal(t, k, global)

	got, err := k.QueryScopedRules([]string{"Python"}, "", 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	ids := map[string]bool{}
	for _, r := range got {
		ids[r.ID] = true
	}
	if len(got) != 2 || !ids[py.ID] || !ids[global.ID] {
		t.Errorf("Python context returned %v, want {%s, %s}", ids, py.ID, global.ID)
	}
	if ids[js.ID] {
		t.Error("JavaScript rule leaked into Python context")
	}

	// Empty active context only matches global rules.
	got, _ = k.QueryScopedRules(nil, "", 10)
	if len(got) != 1 || got[0].ID != global.ID {
		t.Errorf("empty context returned %d rules, want only the global one", len(got))
	}
}

func TestQueryScopedRulesRanking(t *testing.T) {
	k, _, _ := newTestKernel(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	strong := types.NewScopedRule("Pin dependency versions", nil, "global", types.RelationPrefers)
	strong.ID = "rule_strong"
	strong.Weight = 0.9
	strong.Confidence = 0.9
	strong.LastActivated = base

	stale := types.NewScopedRule("Avoid panics in libraries", nil, "global", types.RelationAvoids)
	stale.ID = "rule_stale"
	stale.Weight = 0.5
	stale.Confidence = 0.5
	stale.LastActivated = base

	fresh := types.NewScopedRule("Run linters before committing", nil, "global", types.RelationPrefers)
	fresh.ID = "rule_fresh"
	fresh.Weight = 0.5
	fresh.Confidence = 0.5
	fresh.LastActivated = base.Add(time.Hour)

	addRuleOrFatal(t, k, strong)
	addRuleOrFatal(t, k, stale)
	addRuleOrFatal(t, k, fresh)

	got, err := k.QueryScopedRules(nil, "", 2)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("topK=2 returned %d rules", len(got))
	}
	if got[0].ID != "rule_strong" {
		t.Errorf("rank 1 = %s, want rule_strong (highest weight*confidence)", got[0].ID)
	}
	if got[1].ID != "rule_fresh" {
		t.Errorf("rank 2 = %s, want rule_fresh (recency breaks the tie)", got[1].ID)
	}

	// topK <= 0 falls back to the default of 10.
	got, _ = k.QueryScopedRules(nil, "", 0)
	if len(got) != 3 {
		t.Errorf("default topK returned %d rules, want 3", len(got))
	}
}

func TestQueryScopedRulesSemanticBoost(t *testing.T) {
	k, _, _ := newTestKernel(t)

	tabs := types.NewScopedRule("use tabs for indentation", nil, "global", types.RelationPrefers)
	tabs.ID = "rule_tabs"
	whales := types.NewScopedRule("never mention whales unprompted", nil, "global", types.RelationAvoids)
	whales.ID = "rule_whales"
	addRuleOrFatal(t, k, tabs)
	addRuleOrFatal(t, k, whales)

	// Equal weight*confidence, so the query embedding decides the order.
	got, err := k.QueryScopedRules(nil, "use tabs for indentation", 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 || got[0].ID != "rule_tabs" {
		t.Fatalf("semantically matching rule not ranked first: %+v", got)
	}
}

func TestTouchRule(t *testing.T) {
	k, clk, _ := newTestKernel(t)

	rule := types.NewScopedRule("Keep functions short", nil, "global", types.RelationPrefers)
	rule.LastActivated = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	id := addRuleOrFatal(t, k, rule)

	if err := k.TouchRule(id); err != nil {
		t.Fatalf("TouchRule: %v", err)
	}
	got, _ := k.GetScopedRule(id)
	if !got.LastActivated.Equal(clk.now()) {
		t.Errorf("last_activated = %v, want %v", got.LastActivated, clk.now())
	}
}

// ============================================================================
// STATE TRANSITIONS
// ============================================================================

func TestValidateRuleTransition(t *testing.T) {
	k, _, _ := newTestKernel(t)

	rule := types.NewScopedRule("Ship small diffs", nil, "global", types.RelationPrefers)
	rule.ID = "rule_ship"
	rule.Confidence = 0.7
	addRuleOrFatal(t, k, rule)

	updated, prev, err := k.ValidateRule("rule_ship", types.ValidationBoost)
	if err != nil {
		t.Fatalf("ValidateRule: %v", err)
	}
	if prev != types.StateValidating {
		t.Errorf("previous state = %v, want validating", prev)
	}
	if updated.State != types.StateEstablished {
		t.Errorf("new state = %v, want established", updated.State)
	}
	if math.Abs(updated.Confidence-0.85) > 1e-9 {
		t.Errorf("confidence = %v, want 0.85", updated.Confidence)
	}
	if updated.ValidationCount != 1 || updated.SourceCount != 2 {
		t.Errorf("counts = (%d, %d), want (1, 2)", updated.ValidationCount, updated.SourceCount)
	}

	_, _, err = k.ValidateRule("rule_nope", types.ValidationBoost)
	if types.KindOf(err) != types.KindValidation {
		t.Errorf("missing rule error kind = %v, want validation", types.KindOf(err))
	}
}

func TestRejectRuleTransition(t *testing.T) {
	k, _, _ := newTestKernel(t)

	rule := types.NewScopedRule("Always use ORMs", nil, "global", types.RelationPrefers)
	rule.ID = "rule_orm"
	rule.Confidence = 0.3
	addRuleOrFatal(t, k, rule)

	updated, prev, err := k.RejectRule("rule_orm", types.RejectionPenalty)
	if err != nil {
		t.Fatalf("RejectRule: %v", err)
	}
	if prev != types.StateHypothesis {
		t.Errorf("previous state = %v, want hypothesis", prev)
	}
	if updated.State != types.StateDeprecated {
		t.Errorf("new state = %v, want deprecated", updated.State)
	}
	if math.Abs(updated.Confidence-0.05) > 1e-9 {
		t.Errorf("confidence = %v, want 0.05", updated.Confidence)
	}
	if updated.RejectionCount != 1 {
		t.Errorf("rejection count = %d, want 1", updated.RejectionCount)
	}
}

func TestRuleStateTracksConfidence(t *testing.T) {
	k, _, _ := newTestKernel(t)

	rule := types.NewScopedRule("Prefer composition over inheritance", nil, "global", types.RelationPrefers)
	rule.ID = "rule_comp"
	addRuleOrFatal(t, k, rule)

	steps := []struct {
		validate bool
		amount   float64
	}{
		{true, 0.15}, {true, 0.15}, {true, 0.15}, {true, 0.20},
		{false, 0.25}, {false, 0.25}, {false, 0.25}, {true, 0.15},
	}
	for i, step := range steps {
		var got types.ScopedRule
		var err error
		if step.validate {
			got, _, err = k.ValidateRule("rule_comp", step.amount)
		} else {
			got, _, err = k.RejectRule("rule_comp", step.amount)
		}
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if got.State != types.StateForConfidence(got.Confidence) {
			t.Fatalf("step %d: state %v diverged from confidence %.3f", i, got.State, got.Confidence)
		}
	}
}

// ============================================================================
// SCOPE LOOKUP
// ============================================================================

func TestFindRuleInScope(t *testing.T) {
	k, _, _ := newTestKernel(t)

	content := "Use structured logging in handlers"
	rule := types.NewScopedRule(content, []string{"Go", "Web"}, "fw_web", types.RelationPrefers)
	rule.ID = "rule_slog"
	addRuleOrFatal(t, k, rule)

	emb, err := k.Engine().Embed(context.Background(), content)
	if err != nil {
		t.Fatalf("embed: %v", err)
	}

	found, err := k.FindRuleInScope(emb, []string{"Go", "Web"}, 0.75)
	if err != nil || found == nil || found.ID != "rule_slog" {
		t.Fatalf("exact scope lookup = (%v, %v), want rule_slog", found, err)
	}

	// Scope comparison is exact and case-sensitive.
	if found, _ := k.FindRuleInScope(emb, []string{"go", "web"}, 0.75); found != nil {
		t.Errorf("lowercased scope matched %s", found.ID)
	}
	if found, _ := k.FindRuleInScope(emb, []string{"Go"}, 0.75); found != nil {
		t.Errorf("scope prefix matched %s", found.ID)
	}
	if found, _ := k.FindRuleInScope(nil, []string{"Go", "Web"}, 0.75); found != nil {
		t.Error("nil embedding matched a rule")
	}
}

func TestContradictRulesInScope(t *testing.T) {
	k, _, _ := newTestKernel(t)

	content := "respond in formal English"
	for _, id := range []string{"rule_a", "rule_b"} {
		r := types.NewScopedRule(content, []string{"Python"}, "lang_python", types.RelationPrefers)
		r.ID = id
		r.Confidence = 0.5
		addRuleOrFatal(t, k, r)
	}
	outside := types.NewScopedRule(content, []string{"Rust"}, "lang_rust", types.RelationPrefers)
	outside.ID = "rule_rust"
	outside.Confidence = 0.5
	addRuleOrFatal(t, k, outside)

	emb, err := k.Engine().Embed(context.Background(), content)
	if err != nil {
		t.Fatalf("embed: %v", err)
	}

	n, err := k.ContradictRulesInScope(emb, []string{"Python"}, 0.6)
	if err != nil || n != 2 {
		t.Fatalf("ContradictRulesInScope = (%d, %v), want 2", n, err)
	}
	for _, id := range []string{"rule_a", "rule_b"} {
		got, _ := k.GetScopedRule(id)
		if math.Abs(got.Confidence-0.35) > 1e-9 || got.RejectionCount != 1 {
			t.Errorf("%s after contradiction: conf=%v rejections=%d", id, got.Confidence, got.RejectionCount)
		}
	}
	untouched, _ := k.GetScopedRule("rule_rust")
	if untouched.Confidence != 0.5 {
		t.Errorf("out-of-scope rule was contradicted: conf=%v", untouched.Confidence)
	}
}

// ============================================================================
// PRUNING
// ============================================================================

func TestScopedRulePruneSparesConfidentRules(t *testing.T) {
	k, _, sink := newTestKernel(t)

	for i := 0; i < 12; i++ {
		r := types.NewScopedRule(fmt.Sprintf("established habit %d", i), nil, "global", types.RelationPrefers)
		r.ID = fmt.Sprintf("rule_%02d", i)
		r.Confidence = 0.5
		addRuleOrFatal(t, k, r)
	}

	extra := types.NewScopedRule("one too many", nil, "global", types.RelationPrefers)
	extra.Confidence = 0.5
	_, err := k.AddScopedRule(extra)
	if types.KindOf(err) != types.KindResourceLimit {
		t.Fatalf("over-limit error kind = %v, want resource_limit (err: %v)", types.KindOf(err), err)
	}

	stats, _ := k.Stats()
	if stats.ScopedRules != 12 {
		t.Errorf("rule count = %d, want 12 (nothing pruned)", stats.ScopedRules)
	}
	if len(sink.rules) != 0 {
		t.Errorf("confident rules were archived: %v", sink.rules)
	}
}

func TestScopedRulePruneEvictsWeakest(t *testing.T) {
	k, _, sink := newTestKernel(t)

	for i := 0; i < 11; i++ {
		r := types.NewScopedRule(fmt.Sprintf("established habit %d", i), nil, "global", types.RelationPrefers)
		r.ID = fmt.Sprintf("rule_%02d", i)
		r.Confidence = 0.5
		addRuleOrFatal(t, k, r)
	}
	low := types.NewScopedRule("discredited habit", nil, "global", types.RelationPrefers)
	low.ID = "rule_low"
	low.Confidence = 0.1
	low.Weight = 0.1
	addRuleOrFatal(t, k, low)

	extra := types.NewScopedRule("newly observed habit", nil, "global", types.RelationPrefers)
	extra.ID = "rule_new"
	addRuleOrFatal(t, k, extra)

	if got, _ := k.GetScopedRule("rule_low"); got != nil {
		t.Error("weakest rule survived the prune")
	}
	if got, _ := k.GetScopedRule("rule_new"); got == nil {
		t.Error("new rule missing after prune")
	}
	if len(sink.rules) != 1 || sink.rules[0].id != "rule_low" || sink.rules[0].reason != "pruned" {
		t.Errorf("archived rules = %v, want rule_low/pruned", sink.rules)
	}
	stats, _ := k.Stats()
	if stats.ScopedRules != 12 {
		t.Errorf("rule count = %d, want 12", stats.ScopedRules)
	}
}

func TestScopedRulePruneKeepsRuleWhenArchiveFails(t *testing.T) {
	k, _, sink := newTestKernel(t)
	sink.failRules = true

	for i := 0; i < 11; i++ {
		r := types.NewScopedRule(fmt.Sprintf("established habit %d", i), nil, "global", types.RelationPrefers)
		r.ID = fmt.Sprintf("rule_%02d", i)
		r.Confidence = 0.5
		addRuleOrFatal(t, k, r)
	}
	low := types.NewScopedRule("discredited habit", nil, "global", types.RelationPrefers)
	low.ID = "rule_low"
	low.Confidence = 0.1
	low.Weight = 0.1
	addRuleOrFatal(t, k, low)

	extra := types.NewScopedRule("newly observed habit", nil, "global", types.RelationPrefers)
	_, err := k.AddScopedRule(extra)
	if types.KindOf(err) != types.KindResourceLimit {
		t.Fatalf("error kind = %v, want resource_limit when archive fails", types.KindOf(err))
	}
	if got, _ := k.GetScopedRule("rule_low"); got == nil {
		t.Error("rule deleted even though archiving it failed")
	}
}

// ============================================================================
// LEGACY RULES
// ============================================================================

func TestLegacyRuleConsolidation(t *testing.T) {
	k, _, _ := newTestKernel(t)

	first := types.Rule{
		Category:  types.CategoryTechnical,
		Condition: "when writing Go",
		Action:    "use table driven tests",
	}
	id1, err := k.AddRule(first)
	if err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	// Same category, same text: folds into the existing rule.
	id2, err := k.AddRule(first)
	if err != nil {
		t.Fatalf("AddRule duplicate: %v", err)
	}
	if id2 != id1 {
		t.Errorf("duplicate created a new rule: %s vs %s", id2, id1)
	}
	got, _ := k.GetRule(id1)
	if got == nil || got.SourceCount != 2 {
		t.Fatalf("consolidated rule = %+v, want source_count 2", got)
	}
	if math.Abs(got.Weight-0.55) > 1e-9 {
		t.Errorf("weight = %v, want 0.55 after one reinforcement", got.Weight)
	}

	// Different category never consolidates.
	other := first
	other.Category = types.CategoryCommunication
	id3, err := k.AddRule(other)
	if err != nil {
		t.Fatalf("AddRule other category: %v", err)
	}
	if id3 == id1 {
		t.Error("consolidation crossed categories")
	}

	_, err = k.AddRule(types.Rule{Category: types.CategoryTechnical})
	if types.KindOf(err) != types.KindValidation {
		t.Errorf("empty rule error kind = %v, want validation", types.KindOf(err))
	}
}
