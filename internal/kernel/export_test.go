package kernel

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"imprint/internal/types"
)

func populatedKernel(t *testing.T) (*Kernel, *types.ScopedRule, string) {
	t.Helper()
	k, clk, _ := newTestKernel(t)

	rule := types.NewScopedRule("Use dependency injection for stores", []string{"Go"}, "lang_go", types.RelationPrefers)
	rule.ID = "rule_di"
	rule.Confidence = 0.85
	if _, err := k.AddScopedRule(rule); err != nil {
		t.Fatalf("AddScopedRule: %v", err)
	}

	py := types.NewContextNode("lang_python", types.ContextLanguage, "Python")
	if _, err := k.AddContextNode(py); err != nil {
		t.Fatalf("AddContextNode: %v", err)
	}
	fastapi := types.NewContextNode("fw_fastapi", types.ContextFramework, "FastAPI")
	fastapi.ParentID = "lang_python"
	if _, err := k.AddContextNode(fastapi); err != nil {
		t.Fatalf("AddContextNode: %v", err)
	}

	if _, err := k.AddHypothesis(types.Hypothesis{ProposedContent: "maybe prefers vim"}); err != nil {
		t.Fatalf("AddHypothesis: %v", err)
	}
	goalID, err := k.AddGoal(types.UserGoal{Content: "ship v2", Priority: 9})
	if err != nil {
		t.Fatalf("AddGoal: %v", err)
	}
	if _, err := k.AddFact(types.UserFact{Content: "team of five", Confidence: 0.6}); err != nil {
		t.Fatalf("AddFact: %v", err)
	}

	if _, err := k.AddRule(types.Rule{Category: types.CategoryTechnical, Condition: "when reviewing", Action: "check error paths"}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	n1, _ := k.AddNode(types.KernelNode{Name: "Docker"})
	n2, _ := k.AddNode(types.KernelNode{Name: "Kubernetes"})
	if err := k.LinkNodes(n1, n2); err != nil {
		t.Fatalf("LinkNodes: %v", err)
	}

	err = k.UpdateProfile(func(p *types.UserProfile) {
		p.Role = "platform engineer"
		p.UpdateExpertise("go", 0.9)
	})
	if err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	if err := k.UpdateStyle(types.DimFormality, 1.0, 1.0); err != nil {
		t.Fatalf("UpdateStyle: %v", err)
	}
	if err := k.SetActiveProject("atlas"); err != nil {
		t.Fatalf("SetActiveProject: %v", err)
	}

	// Session state: logged but never exported.
	if _, err := k.LogInteraction("question", "answer"); err != nil {
		t.Fatalf("LogInteraction: %v", err)
	}
	clk.advance(time.Second)
	return k, &rule, goalID
}

// ============================================================================
// EXPORT / LOAD
// ============================================================================

func TestExportLoadRoundTrip(t *testing.T) {
	k1, rule, goalID := populatedKernel(t)

	payload, err := k1.ExportJSON()
	if err != nil {
		t.Fatalf("ExportJSON: %v", err)
	}

	k2, _, _ := newTestKernel(t)
	if err := k2.Load(payload); err != nil {
		t.Fatalf("Load: %v", err)
	}

	stats, _ := k2.Stats()
	if stats.ScopedRules != 1 || stats.ContextNodes != 2 || stats.Hypotheses != 1 {
		t.Errorf("loaded stats = %+v", stats)
	}
	if stats.Goals != 1 || stats.Facts != 1 || stats.LegacyRules != 1 || stats.LegacyNodes != 2 {
		t.Errorf("loaded stats = %+v", stats)
	}
	if stats.InteractionLogs != 0 {
		t.Errorf("session logs crossed the export boundary: %d", stats.InteractionLogs)
	}
	if stats.ActiveProject != "atlas" {
		t.Errorf("active project = %q", stats.ActiveProject)
	}

	got, _ := k2.GetScopedRule(rule.ID)
	if got == nil {
		t.Fatal("scoped rule missing after load")
	}
	if got.Content != rule.Content || got.Confidence != 0.85 || got.State != types.StateEstablished {
		t.Errorf("loaded rule = %+v", got)
	}
	if len(got.Embedding) != k1.Engine().Dimensions() {
		t.Errorf("embedding len = %d", len(got.Embedding))
	}
	if g, _ := k2.GetGoal(goalID); g == nil || g.Priority != 9 {
		t.Errorf("loaded goal = %+v", g)
	}

	p, _ := k2.Profile()
	if p.Role != "platform engineer" || p.ExpertiseLevels["go"] == 0 {
		t.Errorf("loaded profile = %+v", p)
	}
	sv, _ := k2.StyleVector()
	if sv.Formality <= 0.5 {
		t.Errorf("loaded style formality = %v", sv.Formality)
	}

	m1, _ := k1.Metrics()
	m2, _ := k2.Metrics()
	for key, want := range m1 {
		if m2[key] != want {
			t.Errorf("metric %s = %d after load, want %d", key, m2[key], want)
		}
	}

	// A second export of the loaded kernel reproduces the payload exactly.
	payload2, err := k2.ExportJSON()
	if err != nil {
		t.Fatalf("re-export: %v", err)
	}
	if !bytes.Equal(payload, payload2) {
		var before, after map[string]any
		_ = json.Unmarshal(payload, &before)
		_ = json.Unmarshal(payload2, &after)
		t.Errorf("round-trip altered the export payload (-first +second):\n%s", cmp.Diff(before, after))
	}
}

func TestExportEnvelopeShape(t *testing.T) {
	k, _, _ := newTestKernel(t)

	out, err := k.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if out["version"] != KernelVersion {
		t.Errorf("version = %v, want %s", out["version"], KernelVersion)
	}
	inner, ok := out["kernel"].(map[string]any)
	if !ok {
		t.Fatalf("kernel section = %T", out["kernel"])
	}
	for _, key := range []string{"rules", "nodes", "scoped_rules", "hypotheses", "context_nodes", "goals", "facts", "profile", "style_vector", "metrics", "active_project"} {
		if _, ok := inner[key]; !ok {
			t.Errorf("kernel section missing %q", key)
		}
	}
	if _, ok := out["metadata"]; ok {
		t.Error("export carries a metadata section")
	}
}

func TestLoadVersionMismatch(t *testing.T) {
	k, rule, _ := populatedKernel(t)

	err := k.Load([]byte(`{"version":"2.0.0","kernel":{"rules":{},"nodes":{}}}`))
	if types.KindOf(err) != types.KindVersionMismatch {
		t.Fatalf("error kind = %v, want version_mismatch (err: %v)", types.KindOf(err), err)
	}

	// Failed loads leave the kernel untouched.
	if got, _ := k.GetScopedRule(rule.ID); got == nil {
		t.Error("state lost on rejected load")
	}

	err = k.Load([]byte(`{"kernel":{}}`))
	if types.KindOf(err) != types.KindVersionMismatch {
		t.Errorf("missing version error kind = %v, want version_mismatch", types.KindOf(err))
	}
}

func TestLoadMalformedPayload(t *testing.T) {
	k, rule, _ := populatedKernel(t)

	err := k.Load([]byte(`{"version":`))
	if types.KindOf(err) != types.KindIntegrity {
		t.Errorf("truncated payload error kind = %v, want integrity", types.KindOf(err))
	}
	err = k.Load([]byte(`{"version":"3.0.0"}`))
	if types.KindOf(err) != types.KindIntegrity {
		t.Errorf("missing kernel error kind = %v, want integrity", types.KindOf(err))
	}
	if got, _ := k.GetScopedRule(rule.ID); got == nil {
		t.Error("state lost on rejected load")
	}
}

func TestLoadIgnoresUnknownSections(t *testing.T) {
	k, _, _ := newTestKernel(t)

	payload := []byte(`{
		"version": "3.1.7",
		"checksum": "deadbeef",
		"kernel": {
			"rules": {},
			"nodes": {},
			"future_section": {"anything": true}
		}
	}`)
	if err := k.Load(payload); err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Same major version loads; defaults fill the gaps.
	p, err := k.Profile()
	if err != nil || p == nil {
		t.Fatalf("Profile after minimal load = (%v, %v)", p, err)
	}
	sv, _ := k.StyleVector()
	if sv.Formality != 0.5 {
		t.Errorf("default formality = %v, want 0.5", sv.Formality)
	}
}

func TestLoadNormalizesEntities(t *testing.T) {
	k, _, _ := newTestKernel(t)

	payload := []byte(`{
		"version": "3.0.0",
		"kernel": {
			"scoped_rules": {
				"rule_key": {"content": "prefers terse answers", "confidence": 0.95, "state": "hypothesis"}
			},
			"hypotheses": {
				"hyp_key": {"proposed_content": "maybe night owl", "confidence": 0.1}
			}
		}
	}`)
	if err := k.Load(payload); err != nil {
		t.Fatalf("Load: %v", err)
	}

	rule, _ := k.GetScopedRule("rule_key")
	if rule == nil {
		t.Fatal("rule not loaded")
	}
	if rule.ID != "rule_key" {
		t.Errorf("id not backfilled from map key: %q", rule.ID)
	}
	if rule.State != types.StateEstablished {
		t.Errorf("state = %v, want established (recomputed from confidence)", rule.State)
	}

	h, _ := k.GetHypothesis("hyp_key")
	if h == nil {
		t.Fatal("hypothesis not loaded")
	}
	if h.ID != "hyp_key" || h.State != types.HypothesisPending {
		t.Errorf("hypothesis = id %q, state %v", h.ID, h.State)
	}
}

func TestExportSizeCap(t *testing.T) {
	limits := testLimits()
	limits.MaxExportSizeBytes = 64
	k := New(Options{Limits: limits, ThreadSafety: true, LockTimeout: 100 * time.Millisecond})

	_, err := k.ExportJSON()
	if types.KindOf(err) != types.KindResourceLimit {
		t.Errorf("error kind = %v, want resource_limit", types.KindOf(err))
	}
}

func TestExportIsDeepCopy(t *testing.T) {
	k, rule, _ := populatedKernel(t)

	out, err := k.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	inner := out["kernel"].(map[string]any)
	rules := inner["scoped_rules"].(map[string]types.ScopedRule)
	mutated := rules[rule.ID]
	mutated.Confidence = 0.01
	rules[rule.ID] = mutated

	got, _ := k.GetScopedRule(rule.ID)
	if got.Confidence != 0.85 {
		t.Errorf("mutating an export leaked into the kernel: %v", got.Confidence)
	}
}

func TestExportJSONIsValid(t *testing.T) {
	k, _, _ := populatedKernel(t)

	payload, err := k.ExportJSON()
	if err != nil {
		t.Fatalf("ExportJSON: %v", err)
	}
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("export is not valid JSON: %v", err)
	}
	if _, ok := decoded["kernel"]; !ok {
		t.Error("payload missing kernel section")
	}
}
