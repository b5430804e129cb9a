package compiler

import (
	"fmt"
	"strings"

	"imprint/internal/embedding"
	"imprint/internal/logging"
	"imprint/internal/types"
)

// Shadow validation tuning. Shadow rules graduate or sink on how well their
// silent predictions track what the user actually does.
const (
	shadowPredictThreshold = 0.3
	shadowBoost            = 0.2
	shadowPenalty          = 0.1
)

// Socratic tuning. Conflict severity is the highest decayed goal priority
// in scope times the conflicting rule's confidence; only conflicts above
// the threshold interrupt the user.
const (
	socraticSeverityThreshold = 8.0
	defaultGoalPriority       = 5
	gentleDemotionPenalty     = 0.05
)

// =============================================================================
// SHADOW VALIDATION
// =============================================================================

// ShadowPredict returns what a shadow-state rule expects the assistant to
// do for this query, or nil when no shadow rule speaks to it. Rules are
// scanned in ID order and the first sufficiently similar one wins. The
// prediction is never shown to the user; it exists to be scored later.
func (c *Compiler) ShadowPredict(query string, scope []string) *types.ShadowPrediction {
	emb := c.embed(query)
	if len(emb) == 0 {
		return nil
	}
	rules, err := c.kernel.SnapshotScopedRules()
	if err != nil {
		return nil
	}
	for _, rule := range rules {
		if rule.State != types.StateShadow {
			continue
		}
		if len(rule.ScopePath) > 0 && len(scope) > 0 && !scopeOverlaps(rule.ScopePath, scope) {
			continue
		}
		sim, err := embedding.CosineSimilarity(emb, rule.Embedding)
		if err != nil || sim <= shadowPredictThreshold {
			continue
		}
		logging.CompilerDebug("Shadow prediction from %s (sim=%.2f)", rule.ID, sim)
		return &types.ShadowPrediction{
			RuleID:           rule.ID,
			PredictedContent: rule.Content,
			Confidence:       rule.Confidence,
		}
	}
	return nil
}

// ShadowValidate scores a shadow prediction against the user's actual
// behavior. A hit validates the rule toward establishment, a miss demotes
// it; either way the user never saw the prediction.
func (c *Compiler) ShadowValidate(ruleID, userAction string, matched bool) (types.ShadowOutcome, error) {
	var (
		updated types.ScopedRule
		action  string
		err     error
	)
	if matched {
		updated, _, err = c.kernel.ValidateRule(ruleID, shadowBoost)
		action = "promoted"
	} else {
		updated, _, err = c.kernel.RejectRule(ruleID, shadowPenalty)
		action = "demoted"
	}
	if err != nil {
		return types.ShadowOutcome{}, fmt.Errorf("failed to score shadow rule %s: %w", ruleID, err)
	}
	logging.CompilerDebug("Shadow rule %s %s against action %q (confidence=%.2f)",
		ruleID, action, userAction, updated.Confidence)
	return types.ShadowOutcome{
		Action:        action,
		NewConfidence: updated.Confidence,
		NewState:      updated.State,
	}, nil
}

// scopeOverlaps reports whether the two paths share any element,
// case-insensitively.
func scopeOverlaps(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if strings.EqualFold(x, y) {
				return true
			}
		}
	}
	return false
}

// =============================================================================
// ADAPTIVE SOCRATIC
// =============================================================================

// AdaptiveSocratic decides how to handle a signal that conflicts with an
// existing rule. When the user's active goals make the conflict important,
// it returns a collaboration request for them to resolve; otherwise the
// rule is quietly demoted a little and nil comes back.
func (c *Compiler) AdaptiveSocratic(sig types.Signal, conflicting types.ScopedRule) *types.CollaborationRequest {
	scopePath, _ := c.DetectScope(sig.Content, sig.Metadata)
	maxPriority, err := c.kernel.MaxActiveGoalPriority(scopePath)
	if err != nil || maxPriority <= 0 {
		maxPriority = defaultGoalPriority
	}

	severity := float64(maxPriority) * conflicting.Confidence
	if severity > socraticSeverityThreshold {
		req := types.NewCollaborationRequest(sig, conflicting,
			fmt.Sprintf("High-priority conflict (severity: %.1f)", severity),
			[]string{
				"Replace with: " + sig.Content,
				"Keep existing: " + conflicting.Content,
				"Create exception for this context",
			})
		logging.Compiler("Socratic escalation for rule %s (severity=%.1f)", conflicting.ID, severity)
		return &req
	}

	if _, _, err := c.kernel.RejectRule(conflicting.ID, gentleDemotionPenalty); err != nil {
		logging.CompilerDebug("Gentle demotion failed for %s: %v", conflicting.ID, err)
	}
	return nil
}
