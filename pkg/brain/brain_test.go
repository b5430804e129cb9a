package brain

import (
	"context"
	"errors"
	"strings"
	"testing"

	"imprint/internal/config"
	"imprint/internal/types"
)

// ============================================================================
// FIXTURES
// ============================================================================

// testConfig keeps sessions self-contained: no archive files, no auto-save,
// and an attention threshold short enough to cross inside a test.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Archive.Enabled = false
	cfg.Session.AutoSave = false
	cfg.Session.MinDwell = "1ms"
	return cfg
}

func newTestBrain(t *testing.T, cfg *config.Config) *Brain {
	t.Helper()
	if cfg == nil {
		cfg = testConfig(t)
	}
	b, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// ============================================================================
// CONSTRUCTION AND LIFECYCLE
// ============================================================================

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Session.Pipeline = "psychic"
	if _, err := New(cfg); err == nil {
		t.Fatal("expected error for unknown pipeline")
	}

	cfg = testConfig(t)
	cfg.Embedding.Provider = "quantum"
	if _, err := New(cfg); err == nil {
		t.Fatal("expected error for unknown embedding provider")
	}
}

func TestCloseIsIdempotentAndSealsTheBrain(t *testing.T) {
	b := newTestBrain(t, nil)
	if err := b.AddNote("first note"); err != nil {
		t.Fatalf("AddNote: %v", err)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	// Working memory is session state and does not survive the session.
	wm, err := b.Kernel().WorkingMemorySnapshot()
	if err != nil {
		t.Fatalf("WorkingMemorySnapshot: %v", err)
	}
	if len(wm) != 0 {
		t.Errorf("working memory after close = %v", wm)
	}

	if _, err := b.Observe("hello", "hi"); !errors.Is(err, ErrClosed) {
		t.Errorf("Observe after close = %v, want ErrClosed", err)
	}
	if _, err := b.Teach("use tabs", "preference"); !errors.Is(err, ErrClosed) {
		t.Errorf("Teach after close = %v, want ErrClosed", err)
	}
	if _, err := b.AddGoal("ship it", nil, 5); !errors.Is(err, ErrClosed) {
		t.Errorf("AddGoal after close = %v, want ErrClosed", err)
	}
}

// ============================================================================
// TEACHING
// ============================================================================

func TestTeachInstallsEstablishedRule(t *testing.T) {
	b := newTestBrain(t, nil)

	id, err := b.Teach("Always use type hints in python code", "preference")
	if err != nil {
		t.Fatalf("Teach: %v", err)
	}

	rule, err := b.Kernel().GetScopedRule(id)
	if err != nil {
		t.Fatalf("GetScopedRule: %v", err)
	}
	if rule.State != types.StateEstablished {
		t.Errorf("state = %s, want established", rule.State)
	}
	if rule.Relation != types.RelationPrefers {
		t.Errorf("relation = %s, want prefers", rule.Relation)
	}
	if len(rule.ScopePath) != 1 || rule.ScopePath[0] != "Python" {
		t.Errorf("scope = %v, want [Python]", rule.ScopePath)
	}
	if rule.Confidence != 0.9 || rule.Weight != 0.9 {
		t.Errorf("confidence/weight = %.2f/%.2f", rule.Confidence, rule.Weight)
	}
}

func TestTeachCategoryRelations(t *testing.T) {
	b := newTestBrain(t, nil)

	cases := []struct {
		instruction string
		category    string
		want        types.RelationType
	}{
		{"Familiar with kubernetes operators", "expertise", types.RelationExpertIn},
		{"Runs make lint before every commit", "workflow", types.RelationUses},
		{"Keep answers short", "style", types.RelationPrefers},
		{"Responds well to dry humor", "mystery", types.RelationPrefers},
	}
	for _, tc := range cases {
		id, err := b.Teach(tc.instruction, tc.category)
		if err != nil {
			t.Fatalf("Teach(%q, %q): %v", tc.instruction, tc.category, err)
		}
		rule, err := b.Kernel().GetScopedRule(id)
		if err != nil {
			t.Fatalf("GetScopedRule: %v", err)
		}
		if rule.Relation != tc.want {
			t.Errorf("Teach(%q) relation = %s, want %s", tc.category, rule.Relation, tc.want)
		}
	}
}

func TestInjectCarriesTaughtRule(t *testing.T) {
	b := newTestBrain(t, nil)
	if _, err := b.Teach("Always use type hints in python code", "preference"); err != nil {
		t.Fatalf("Teach: %v", err)
	}

	out := b.Inject("write a python function for me")
	if out.RulesUsed != 1 {
		t.Fatalf("RulesUsed = %d, want 1", out.RulesUsed)
	}
	if !strings.Contains(out.SystemPrompt, "Always use type hints in python code") {
		t.Errorf("briefing missing taught rule:\n%s", out.SystemPrompt)
	}
	if out.EstimatedTokens != len(out.SystemPrompt)/4 {
		t.Errorf("EstimatedTokens = %d for %d chars", out.EstimatedTokens, len(out.SystemPrompt))
	}
	if got := b.GenerateSystemPrompt("write a python function for me"); got != out.SystemPrompt {
		t.Error("GenerateSystemPrompt disagrees with Inject")
	}
}

// ============================================================================
// CORRECTIONS AND COLLABORATION
// ============================================================================

func TestCorrectRunsTheCorrectionPipeline(t *testing.T) {
	b := newTestBrain(t, nil)

	stats, err := b.Correct("Here is a very long answer", "keep it short")
	if err != nil {
		t.Fatalf("Correct: %v", err)
	}
	if stats.SignalsProcessed != 1 {
		t.Errorf("signals processed = %d, want 1", stats.SignalsProcessed)
	}
	if stats.RulesCreated != 1 {
		t.Errorf("rules created = %d, want 1", stats.RulesCreated)
	}

	s, err := b.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if s.Evolutions != 1 {
		t.Errorf("evolutions = %d, want 1", s.Evolutions)
	}
}

func TestPendingCollaborationsDrainsTheQueue(t *testing.T) {
	b := newTestBrain(t, nil)

	sig := types.NewSignal(types.SignalPreference, "spaces for indentation", 0.8)
	rule := types.NewScopedRule("tabs for indentation", []string{"Python"}, "lang_python", types.RelationPrefers)
	req := types.NewCollaborationRequest(sig, rule, "conflict", []string{"keep", "replace"})
	b.queueCollaborations([]types.CollaborationRequest{req})

	got := b.PendingCollaborations()
	if len(got) != 1 || got[0].ID != req.ID {
		t.Fatalf("drained = %+v", got)
	}
	if again := b.PendingCollaborations(); len(again) != 0 {
		t.Errorf("queue not drained: %+v", again)
	}
}

func TestObserveQueuesConflictWithEstablishedRule(t *testing.T) {
	b := newTestBrain(t, nil)

	// Seed an established rule carrying the embedding of the incoming
	// preference, so the lookup is an exact match and only the content
	// differs.
	sigContent := "spaces for python indentation"
	emb, err := b.Kernel().Engine().Embed(context.Background(), sigContent)
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	rule := types.NewScopedRule("Use tabs for python indentation", []string{"Python"}, "lang_python", types.RelationPrefers)
	rule.Confidence = 0.9
	rule.Embedding = emb
	ruleID, err := b.Kernel().AddScopedRule(rule)
	if err != nil {
		t.Fatalf("AddScopedRule: %v", err)
	}

	res, err := b.Observe("I prefer "+sigContent, "Understood.")
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if res.Status != StatusObserved {
		t.Fatalf("status = %s", res.Status)
	}

	reqs := b.PendingCollaborations()
	if len(reqs) != 1 {
		t.Fatalf("pending collaborations = %d, want 1", len(reqs))
	}
	if reqs[0].ConflictingRule.ID != ruleID {
		t.Errorf("request binds rule %s, want %s", reqs[0].ConflictingRule.ID, ruleID)
	}

	// The established rule was not silently overwritten.
	after, err := b.Kernel().GetScopedRule(ruleID)
	if err != nil {
		t.Fatalf("GetScopedRule: %v", err)
	}
	if after.Confidence != 0.9 {
		t.Errorf("rule confidence drifted to %.2f", after.Confidence)
	}
}

// ============================================================================
// DIRECT STATE
// ============================================================================

func TestGoalsFactsProjectAndNotes(t *testing.T) {
	b := newTestBrain(t, nil)

	if _, err := b.AddGoal("Ship the importer rewrite", nil, 9); err != nil {
		t.Fatalf("AddGoal: %v", err)
	}
	goals, err := b.Kernel().GetActiveGoals(nil)
	if err != nil {
		t.Fatalf("GetActiveGoals: %v", err)
	}
	if len(goals) != 1 || goals[0].Content != "Ship the importer rewrite" {
		t.Fatalf("goals = %+v", goals)
	}

	if _, err := b.AddFact("Prefers dark terminal themes", nil); err != nil {
		t.Fatalf("AddFact: %v", err)
	}
	facts, err := b.Kernel().GetFactsNotConflicting(nil)
	if err != nil {
		t.Fatalf("GetFactsNotConflicting: %v", err)
	}
	if len(facts) != 1 {
		t.Fatalf("facts = %+v", facts)
	}

	pid, err := b.SetProject("atlas", "")
	if err != nil {
		t.Fatalf("SetProject: %v", err)
	}
	node, err := b.Kernel().FindNodeByName("atlas")
	if err != nil {
		t.Fatalf("FindNodeByName: %v", err)
	}
	if node == nil || node.ID != pid {
		t.Fatalf("project node = %+v, want id %s", node, pid)
	}
	if node.Type != types.ContextProject || node.Weight != 0.8 {
		t.Errorf("node type/weight = %s/%.2f", node.Type, node.Weight)
	}
	if node.Description != "User's atlas project" {
		t.Errorf("description = %q", node.Description)
	}
	if active, _ := b.Kernel().ActiveProject(); active != "atlas" {
		t.Errorf("active project = %q", active)
	}

	// Setting the same project again updates the description in place.
	pid2, err := b.SetProject("atlas", "Data pipeline rewrite")
	if err != nil {
		t.Fatalf("SetProject again: %v", err)
	}
	if pid2 != pid {
		t.Errorf("project node duplicated: %s vs %s", pid2, pid)
	}
	node, _ = b.Kernel().FindNodeByName("atlas")
	if node.Description != "Data pipeline rewrite" {
		t.Errorf("description not updated: %q", node.Description)
	}
	if node.ReferenceCount < 1 {
		t.Errorf("reference count = %d", node.ReferenceCount)
	}

	if err := b.AddNote("standup moved to ten"); err != nil {
		t.Fatalf("AddNote: %v", err)
	}
	wm, err := b.Kernel().WorkingMemorySnapshot()
	if err != nil {
		t.Fatalf("WorkingMemorySnapshot: %v", err)
	}
	if len(wm) != 1 {
		t.Fatalf("working memory = %v", wm)
	}
	for key, value := range wm {
		if !strings.HasPrefix(key, "note_") {
			t.Errorf("note key = %q", key)
		}
		if value != "standup moved to ten" {
			t.Errorf("note value = %q", value)
		}
	}

	if _, err := b.SetProject("  ", ""); !types.IsKind(err, types.KindValidation) {
		t.Errorf("blank project name error = %v", err)
	}
}

// ============================================================================
// INTROSPECTION
// ============================================================================

func TestStatsAndHealthCheck(t *testing.T) {
	b := newTestBrain(t, nil)
	if _, err := b.Observe("I prefer tabs over spaces for python code", "Understood, using tabs."); err != nil {
		t.Fatalf("Observe: %v", err)
	}

	s, err := b.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if s.BrainID != b.ID() || s.Pipeline != "scientific" {
		t.Errorf("identity fields = %q/%q", s.BrainID, s.Pipeline)
	}
	if s.Observations != 1 || s.Evolutions != 1 {
		t.Errorf("counters = %d/%d, want 1/1", s.Observations, s.Evolutions)
	}
	if s.Kernel.TotalInteractions != 1 {
		t.Errorf("kernel interactions = %d", s.Kernel.TotalInteractions)
	}

	h := b.HealthCheck()
	if h["status"] != "healthy" || h["id"] != b.ID() {
		t.Errorf("health identity = %v/%v", h["status"], h["id"])
	}
	if h["observations"].(int) != 1 {
		t.Errorf("health observations = %v", h["observations"])
	}
	if _, ok := h["kernel_metrics"]; !ok {
		t.Error("health is missing kernel_metrics")
	}
	if h["embedding_engine"] == "" {
		t.Error("health is missing the embedding engine name")
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if h := b.HealthCheck(); h["status"] != "closed" {
		t.Errorf("health after close = %v", h["status"])
	}
}

func TestSummaryPersonaAndScopeKeywords(t *testing.T) {
	b := newTestBrain(t, nil)

	if got := b.Summary(); !strings.Contains(got, "Profile Confidence") {
		t.Errorf("summary = %q", got)
	}
	if got := b.Persona(); !strings.Contains(got, "still being learned") {
		t.Errorf("fresh persona = %q", got)
	}

	kw := b.ScopeKeywords()
	langs, ok := kw["languages"]
	if !ok {
		t.Fatalf("scope keywords = %v", kw)
	}
	found := false
	for _, w := range langs {
		if w == "python" {
			found = true
		}
	}
	if !found {
		t.Errorf("languages missing python: %v", langs)
	}
}
