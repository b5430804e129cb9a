package compiler

import (
	"strings"

	"imprint/internal/embedding"
	"imprint/internal/kernel"
	"imprint/internal/logging"
	"imprint/internal/types"
)

// =============================================================================
// HYPOTHESIS EVOLUTION
// =============================================================================

// EvolveScoped runs signals through the hypothesis trial pipeline. Signals
// validate or reject pending candidates; a candidate that gathers three
// validations promotes into a scoped rule, one that gathers two rejections
// is dropped. A signal that validated nothing opens a new trial of its own,
// provided it is confident enough. Corrections additionally penalize the
// rules already standing in their scope. Every pass ends by aging the trial
// windows and expiring candidates that ran out of time or interactions.
func (c *Compiler) EvolveScoped(signals []types.Signal) types.ScopedEvolveReport {
	timer := logging.StartTimer(logging.CategoryCompiler, "EvolveScoped")
	defer timer.Stop()

	var report types.ScopedEvolveReport
	for _, sig := range signals {
		report.SignalsProcessed++

		scopePath, targetNode := c.DetectScope(sig.Content, sig.Metadata)
		if created, ok := c.ensureContextNode(scopePath, targetNode); ok {
			if created {
				report.ContextNodesCreated++
			} else {
				report.ContextNodesUpdated++
			}
		}

		emb := c.embed(sig.Content)
		validated := c.reviewHypotheses(sig, emb, &report)

		if sig.Type == types.SignalCorrection {
			if n, err := c.kernel.ContradictRulesInScope(emb, scopePath, contradictionThreshold); err == nil {
				report.RulesContradicted += n
			}
		}

		if validated || sig.Confidence < minHypothesisConfidence {
			continue
		}
		h := types.NewHypothesis(sig.Content, scopePath, targetNode, relationForSignal(sig.Type, types.RelationUses), sig.Type)
		h.Embedding = emb
		h.SourceHash = sig.SourceHash
		if _, err := c.kernel.AddHypothesis(h); err != nil {
			logging.Compiler("Hypothesis creation failed: %v", err)
			continue
		}
		report.HypothesesCreated++
	}

	c.expireHypotheses(&report)
	logging.CompilerDebug("EvolveScoped: %s", report)
	return report
}

// reviewHypotheses plays one signal against every pending candidate close
// enough to be about the same behavior. Returns whether the signal counted
// as a validation for at least one of them.
func (c *Compiler) reviewHypotheses(sig types.Signal, emb []float32, report *types.ScopedEvolveReport) bool {
	pending, err := c.kernel.GetPendingHypotheses()
	if err != nil || len(emb) == 0 {
		return false
	}

	validatedAny := false
	for _, h := range pending {
		sim, err := embedding.CosineSimilarity(emb, h.Embedding)
		if err != nil || sim <= hypothesisMatchThreshold {
			continue
		}

		switch {
		case agreesWith(sig, sim):
			validatedAny = true
			ready, err := c.kernel.ValidateHypothesis(h.ID)
			if err != nil {
				continue
			}
			if !ready {
				report.HypothesesValidated++
				continue
			}
			if rule, err := c.kernel.PromoteHypothesis(h.ID); err == nil {
				report.RulesPromoted++
				logging.Compiler("Hypothesis %s promoted to rule %s", h.ID, rule.ID)
			}

		case contradicts(sig, sim):
			dead, err := c.kernel.RejectHypothesis(h.ID)
			if err != nil || !dead {
				continue
			}
			if err := c.kernel.RemoveHypothesis(h.ID, kernel.ReasonRejected); err == nil {
				report.HypothesesRejected++
			}
		}
	}
	return validatedAny
}

// agreesWith reports whether the signal is a validation: a preference or
// workflow observation close enough to the candidate's content.
func agreesWith(sig types.Signal, sim float64) bool {
	if sig.Type != types.SignalPreference && sig.Type != types.SignalWorkflow {
		return false
	}
	return sim > agreementThreshold
}

// contradicts reports whether the signal argues against the candidate: a
// correction in the same semantic area carrying an explicit negation.
func contradicts(sig types.Signal, sim float64) bool {
	if sig.Type != types.SignalCorrection || sim <= negationThreshold {
		return false
	}
	lower := strings.ToLower(sig.Content)
	for _, word := range negationWords {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}

// expireHypotheses ages every trial window by one interaction and drops the
// candidates that ran out.
func (c *Compiler) expireHypotheses(report *types.ScopedEvolveReport) {
	expired, err := c.kernel.TickHypotheses()
	if err != nil {
		return
	}
	for _, id := range expired {
		if err := c.kernel.RemoveHypothesis(id, kernel.ReasonExpired); err == nil {
			report.HypothesesExpired++
		}
	}
}
