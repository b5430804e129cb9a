package types

import "fmt"

// =============================================================================
// EVOLUTION REPORTS
// =============================================================================

// EvolveStats summarizes one scientific evolution pass.
type EvolveStats struct {
	SignalsProcessed      int                    `json:"signals_processed"`
	RulesCreated          int                    `json:"rules_created"`
	RulesValidated        int                    `json:"rules_validated"`
	RulesRejected         int                    `json:"rules_rejected"`
	RulesEstablished      int                    `json:"rules_established"`
	RulesDeprecated       int                    `json:"rules_deprecated"`
	CollaborationRequests []CollaborationRequest `json:"collaboration_requests,omitempty"`
}

func (s EvolveStats) String() string {
	return fmt.Sprintf("signals=%d created=%d validated=%d rejected=%d established=%d deprecated=%d collaborations=%d",
		s.SignalsProcessed, s.RulesCreated, s.RulesValidated, s.RulesRejected,
		s.RulesEstablished, s.RulesDeprecated, len(s.CollaborationRequests))
}

// ScopedEvolveReport summarizes one hypothesis-pipeline evolution pass.
type ScopedEvolveReport struct {
	SignalsProcessed     int `json:"signals_processed"`
	HypothesesCreated    int `json:"hypotheses_created"`
	HypothesesValidated  int `json:"hypotheses_validated"`
	HypothesesRejected   int `json:"hypotheses_rejected"`
	HypothesesExpired    int `json:"hypotheses_expired"`
	RulesPromoted        int `json:"rules_promoted"`
	RulesUpdated         int `json:"rules_updated"`
	RulesContradicted    int `json:"rules_contradicted"`
	ContextNodesCreated  int `json:"context_nodes_created"`
	ContextNodesUpdated  int `json:"context_nodes_updated"`
	InteractionsArchived int `json:"interactions_archived"`
}

func (r ScopedEvolveReport) String() string {
	return fmt.Sprintf("signals=%d hypotheses(+%d/~%d/-%d/x%d) promoted=%d nodes(+%d/~%d)",
		r.SignalsProcessed, r.HypothesesCreated, r.HypothesesValidated,
		r.HypothesesRejected, r.HypothesesExpired, r.RulesPromoted,
		r.ContextNodesCreated, r.ContextNodesUpdated)
}

// =============================================================================
// SHADOW VALIDATION
// =============================================================================

// ShadowPrediction is a silent prediction made by a shadow-state rule.
type ShadowPrediction struct {
	RuleID           string  `json:"rule_id"`
	PredictedContent string  `json:"predicted_content"`
	Confidence       float64 `json:"confidence"`
}

// ShadowOutcome is the result of scoring a shadow prediction against the
// user's actual behavior.
type ShadowOutcome struct {
	Action        string    `json:"action"` // "promoted" or "demoted"
	NewConfidence float64   `json:"new_confidence"`
	NewState      RuleState `json:"new_state"`
}
