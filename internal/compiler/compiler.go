// Package compiler turns extracted signals into durable kernel state. Two
// evolution pipelines share its scope detector: ScientificEvolve mutates
// scoped rules directly through the confidence state machine, while
// EvolveScoped runs candidates through a hypothesis trial period first.
// Conflicts with established rules are never resolved silently; they come
// back as collaboration requests for the user to settle.
package compiler

import (
	"context"
	"fmt"
	"strings"

	"imprint/internal/embedding"
	"imprint/internal/kernel"
	"imprint/internal/logging"
	"imprint/internal/types"
)

// Evolution thresholds. Similarities are cosine over the shared embedding
// engine; confidence deltas feed the rule state machine in types.
const (
	// ruleMatchThreshold gates "this signal is about that rule" in the
	// scientific pipeline.
	ruleMatchThreshold = 0.75
	// hypothesisMatchThreshold gates which trial candidates a signal is
	// compared against at all.
	hypothesisMatchThreshold = 0.6
	// agreementThreshold is the stronger bar a preference or workflow
	// signal must clear to count as a validation.
	agreementThreshold = 0.7
	// negationThreshold is the bar for a correction to count against a
	// candidate, combined with an explicit negation word.
	negationThreshold = 0.5
	// contradictionThreshold gates which same-scope rules a correction
	// penalizes.
	contradictionThreshold = 0.6
	// minHypothesisConfidence is the weakest signal allowed to open a new
	// trial.
	minHypothesisConfidence = 0.3
	// forceConfidence is where taught rules start: established immediately.
	forceConfidence = 0.9
)

// negationWords mark a correction as contradicting rather than rephrasing.
var negationWords = []string{"don't", "not", "never", "stop", "instead"}

// Compiler drives both evolution pipelines against one kernel. Safe for
// concurrent use when the kernel is.
type Compiler struct {
	kernel *kernel.Kernel
	engine embedding.EmbeddingEngine
}

// New returns a compiler bound to the kernel's embedding engine.
func New(k *kernel.Kernel) *Compiler {
	return &Compiler{kernel: k, engine: k.Engine()}
}

// embed produces a vector for text, or nil when the engine cannot. Matching
// degrades without a vector but evolution never fails on it.
func (c *Compiler) embed(text string) []float32 {
	if c.engine == nil || text == "" {
		return nil
	}
	vec, err := c.engine.Embed(context.Background(), text)
	if err != nil {
		logging.Compiler("Embedding failed, evolving without vector: %v", err)
		return nil
	}
	return vec
}

// relationForSignal maps a signal type to the edge its rule will carry.
func relationForSignal(t types.SignalType, fallback types.RelationType) types.RelationType {
	switch t {
	case types.SignalPreference, types.SignalCorrection:
		return types.RelationPrefers
	case types.SignalAversion:
		return types.RelationAvoids
	case types.SignalExpertise:
		return types.RelationExpertIn
	case types.SignalWorkflow:
		return types.RelationUses
	}
	return fallback
}

// =============================================================================
// SCIENTIFIC EVOLUTION
// =============================================================================

// ScientificEvolve folds signals into the scoped rule set. Each signal
// either creates a rule at hypothesis confidence, validates or rejects the
// rule it matches, or, when it collides with an established rule, produces
// a collaboration request and leaves the rule alone. Profile and style
// updates ride along on the same pass.
func (c *Compiler) ScientificEvolve(signals []types.Signal) types.EvolveStats {
	timer := logging.StartTimer(logging.CategoryCompiler, "ScientificEvolve")
	defer timer.Stop()

	var stats types.EvolveStats
	for _, sig := range signals {
		stats.SignalsProcessed++
		c.applyProfileSignal(sig)

		scopePath, targetNode := c.DetectScope(sig.Content, sig.Metadata)
		emb := c.embed(sig.Content)

		existing, err := c.kernel.FindRuleInScope(emb, scopePath, ruleMatchThreshold)
		if err != nil {
			logging.Compiler("Rule lookup failed for signal %s: %v", sig.Type, err)
			continue
		}

		if existing == nil {
			rule := types.NewScopedRule(sig.Content, scopePath, targetNode, relationForSignal(sig.Type, types.RelationPrefers))
			rule.Embedding = emb
			if _, err := c.kernel.AddScopedRule(rule); err != nil {
				logging.Compiler("Rule creation failed: %v", err)
				continue
			}
			stats.RulesCreated++
			continue
		}

		if c.conflictsWithEstablished(sig, existing) {
			req := types.NewCollaborationRequest(sig, *existing,
				fmt.Sprintf("New signal %q differs from established rule %q", sig.Content, existing.Content),
				[]string{
					"Replace with: " + sig.Content,
					"Keep existing: " + existing.Content,
					"Create context exception",
				})
			stats.CollaborationRequests = append(stats.CollaborationRequests, req)
			logging.Compiler("Conflict with established rule %s deferred to user", existing.ID)
			continue
		}

		if sig.Type == types.SignalCorrection {
			updated, _, err := c.kernel.RejectRule(existing.ID, types.RejectionPenalty)
			if err != nil {
				continue
			}
			stats.RulesRejected++
			if updated.State == types.StateDeprecated {
				stats.RulesDeprecated++
			}
			continue
		}

		updated, prev, err := c.kernel.ValidateRule(existing.ID, types.ValidationBoost)
		if err != nil {
			continue
		}
		stats.RulesValidated++
		if updated.State == types.StateEstablished && prev != types.StateEstablished {
			stats.RulesEstablished++
		}
	}

	logging.CompilerDebug("ScientificEvolve: %s", stats)
	return stats
}

// conflictsWithEstablished reports whether the signal challenges an
// established rule instead of reinforcing it. Corrections and aversions are
// exempt: those are explicit enough to act on directly.
func (c *Compiler) conflictsWithEstablished(sig types.Signal, rule *types.ScopedRule) bool {
	if rule.State != types.StateEstablished {
		return false
	}
	if sig.Type == types.SignalCorrection || sig.Type == types.SignalAversion {
		return false
	}
	return normalizeContent(sig.Content) != normalizeContent(rule.Content)
}

func normalizeContent(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// =============================================================================
// PROFILE AND STYLE SUPPLEMENTS
// =============================================================================

// styleTargets maps normalized style phrases to a dimension and the value
// the observation argues for.
var styleTargets = map[string]struct {
	dimension string
	target    float64
}{
	"formal":            {types.DimFormality, 0.8},
	"casual":            {types.DimFormality, 0.2},
	"technical":         {types.DimTechnicality, 0.8},
	"simple":            {types.DimTechnicality, 0.2},
	"concise":           {types.DimVerbosity, 0.2},
	"concise_questions": {types.DimVerbosity, 0.2},
	"detailed":          {types.DimVerbosity, 0.8},
	"detailed_context":  {types.DimVerbosity, 0.8},
	"direct":            {types.DimDirectness, 0.8},
	"diplomatic":        {types.DimDirectness, 0.2},
	"creative":          {types.DimCreativity, 0.8},
	"conventional":      {types.DimCreativity, 0.2},
	"fast":              {types.DimPace, 0.8},
	"thorough":          {types.DimPace, 0.2},
}

// preferenceLanguages and preferenceTools are the technologies the profile
// tracks from plain preference signals.
var preferenceLanguages = []string{"python", "javascript", "typescript", "rust", "go", "java"}
var preferenceTools = []string{"react", "vue", "angular", "fastapi", "django", "flask"}

// applyProfileSignal folds one signal into the user profile and style
// vector. Rules carry the behavioral detail; this keeps the aggregate
// picture (expertise, preferred stack, style, recent goals) current.
func (c *Compiler) applyProfileSignal(sig types.Signal) {
	switch sig.Type {
	case types.SignalStyle:
		key := strings.TrimSpace(strings.TrimPrefix(strings.ToLower(sig.Content), "style:"))
		if st, ok := styleTargets[key]; ok {
			if err := c.kernel.UpdateStyle(st.dimension, st.target, sig.Confidence); err != nil {
				logging.CompilerDebug("Style update failed: %v", err)
			}
		}

	case types.SignalExpertise:
		domain, level := "", 0.0
		switch {
		case strings.HasPrefix(sig.Content, "Expert:"):
			domain, level = strings.TrimSpace(strings.TrimPrefix(sig.Content, "Expert:")), 0.8
		case strings.HasPrefix(sig.Content, "Domain expertise:"):
			domain, level = strings.TrimSpace(strings.TrimPrefix(sig.Content, "Domain expertise:")), 0.6
		}
		if domain != "" {
			c.updateProfile(func(p *types.UserProfile) { p.UpdateExpertise(domain, level) })
		}

	case types.SignalPreference:
		lower := strings.ToLower(sig.Content)
		c.updateProfile(func(p *types.UserProfile) {
			for _, lang := range preferenceLanguages {
				if strings.Contains(lower, lang) {
					p.AddPreference("language", lang, true)
				}
			}
			for _, tool := range preferenceTools {
				if strings.Contains(lower, tool) {
					p.AddPreference("tool", tool, true)
				}
			}
		})

	case types.SignalAversion:
		avoided := strings.TrimSpace(strings.TrimPrefix(strings.ToLower(sig.Content), "avoid:"))
		if avoided != "" {
			c.updateProfile(func(p *types.UserProfile) { p.AddPreference("tool", avoided, false) })
		}

	case types.SignalGoal:
		goal := truncateRunes(sig.Content, 100)
		c.updateProfile(func(p *types.UserProfile) {
			for _, g := range p.ActiveGoals {
				if g == goal {
					return
				}
			}
			p.AddActiveGoal(goal)
		})

	case types.SignalEntity:
		c.recordEntity(sig)
	}
}

func (c *Compiler) updateProfile(fn func(*types.UserProfile)) {
	if err := c.kernel.UpdateProfile(fn); err != nil {
		logging.CompilerDebug("Profile update failed: %v", err)
	}
}

// recordEntity lands a named entity in the flat knowledge graph and ties it
// to the active project. Re-mentions merge into the existing node.
func (c *Compiler) recordEntity(sig types.Signal) {
	name := strings.TrimSpace(sig.Content)
	if name == "" {
		return
	}
	nodeType := "concept"
	if t, ok := sig.Metadata["type"].(string); ok && t != "" {
		nodeType = t
	}
	id, err := c.kernel.AddNode(types.KernelNode{
		Type:    nodeType,
		Name:    name,
		Context: "User mentioned " + name,
	})
	if err != nil {
		logging.CompilerDebug("Entity node failed: %v", err)
		return
	}
	project, err := c.kernel.ActiveProject()
	if err != nil || project == "" || strings.EqualFold(project, name) {
		return
	}
	projectID, err := c.kernel.AddNode(types.KernelNode{Type: "project", Name: project})
	if err != nil {
		return
	}
	if err := c.kernel.LinkNodes(id, projectID); err != nil {
		logging.CompilerDebug("Entity link failed: %v", err)
	}
}

// =============================================================================
// DIRECT TEACHING
// =============================================================================

// ForceScopedRule inserts a user-taught rule at established confidence,
// bypassing the trial period. Weight defaults to the force confidence when
// not positive.
func (c *Compiler) ForceScopedRule(content string, scopePath []string, targetNode string, relation types.RelationType, weight float64) (string, error) {
	if weight <= 0 {
		weight = forceConfidence
	}
	rule := types.NewScopedRule(content, scopePath, targetNode, relation)
	rule.Confidence = forceConfidence
	rule.Weight = weight
	rule.Embedding = c.embed(content)

	id, err := c.kernel.AddScopedRule(rule)
	if err != nil {
		return "", fmt.Errorf("failed to force rule: %w", err)
	}
	logging.Compiler("Forced rule %s in scope %v", id, scopePath)
	return id, nil
}

// ProcessCorrection converts an explicit user correction into a maximum
// strength correction signal and runs it through the scientific pipeline.
func (c *Compiler) ProcessCorrection(originalResponse, correction string) types.EvolveStats {
	sig := types.NewSignal(types.SignalCorrection,
		fmt.Sprintf("Correct: %s. Not: %s", correction, truncateRunes(originalResponse, 50)), 0.95)
	sig.SourceHash = types.HashInteraction(originalResponse, correction)
	sig.Metadata = map[string]any{
		"original":  truncateRunes(originalResponse, 100),
		"corrected": truncateRunes(correction, 100),
	}
	return c.ScientificEvolve([]types.Signal{sig})
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
