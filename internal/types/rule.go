package types

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Tuning constants for the rule lifecycle. Confidence moves in these
// increments and the derived state follows StateForConfidence.
const (
	ValidationBoost      = 0.15
	RejectionPenalty     = 0.25
	ReinforcementBoost   = 0.05
	ContradictionPenalty = 0.15
)

// Hypothesis lifecycle thresholds.
const (
	HypothesisValidationThreshold = 3  // validations needed for promotion
	HypothesisRejectionThreshold  = 2  // rejections needed for removal
	HypothesisInteractionExpiry   = 10 // interactions before an unvalidated hypothesis expires
)

// =============================================================================
// SCOPED RULE
// =============================================================================

// ScopedRule is a validated behavioral rule bound to a context scope.
// An empty ScopePath means the rule applies globally.
type ScopedRule struct {
	ID              string       `json:"id"`
	Content         string       `json:"content"`
	ScopePath       []string     `json:"scope_path,omitempty"`
	TargetNode      string       `json:"target_node"`
	SourceNode      string       `json:"source_node"`
	Relation        RelationType `json:"relation"`
	Confidence      float64      `json:"confidence"`
	State           RuleState    `json:"state"`
	Weight          float64      `json:"weight"`
	ValidationCount int          `json:"validation_count"`
	RejectionCount  int          `json:"rejection_count"`
	SourceCount     int          `json:"source_count"`
	Embedding       []float32    `json:"embedding,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	LastActivated   time.Time    `json:"last_activated"`
	PromotedFrom    string       `json:"promoted_from,omitempty"`
}

// NewScopedRule constructs a rule at hypothesis-level confidence.
func NewScopedRule(content string, scopePath []string, targetNode string, relation RelationType) ScopedRule {
	now := time.Now().UTC()
	r := ScopedRule{
		ID:            "rule_" + uuid.NewString()[:8],
		Content:       content,
		ScopePath:     scopePath,
		TargetNode:    targetNode,
		SourceNode:    "user",
		Relation:      relation,
		Confidence:    0.2,
		Weight:        0.5,
		SourceCount:   1,
		CreatedAt:     now,
		LastActivated: now,
	}
	if r.TargetNode == "" {
		r.TargetNode = "global"
	}
	if r.Relation == "" {
		r.Relation = RelationPrefers
	}
	r.UpdateState()
	return r
}

// UpdateState re-derives State from Confidence. Call after any confidence
// mutation; every mutator below already does.
func (r *ScopedRule) UpdateState() {
	r.State = StateForConfidence(r.Confidence)
}

// Validate records supporting evidence and raises confidence by boost.
func (r *ScopedRule) Validate(boost float64) {
	r.ValidationCount++
	r.Confidence = clamp01(r.Confidence + boost)
	r.SourceCount++
	r.LastActivated = time.Now().UTC()
	r.UpdateState()
}

// Reject records contradicting evidence and lowers confidence by penalty.
func (r *ScopedRule) Reject(penalty float64) {
	r.RejectionCount++
	r.Confidence = clamp01(r.Confidence - penalty)
	r.UpdateState()
}

// Reinforce applies the small boost used for repeated observation.
func (r *ScopedRule) Reinforce() {
	r.Validate(ReinforcementBoost)
}

// Contradict applies the mild penalty used for in-scope contradictions.
func (r *ScopedRule) Contradict() {
	r.Reject(ContradictionPenalty)
}

// MatchesContext reports whether the rule applies under the active context.
// An empty scope matches everything; otherwise the rule's scope path must be
// a case-insensitive prefix of the active path.
func (r *ScopedRule) MatchesContext(active []string) bool {
	if len(r.ScopePath) == 0 {
		return true
	}
	if len(r.ScopePath) > len(active) {
		return false
	}
	for i, elem := range r.ScopePath {
		if !strings.EqualFold(elem, active[i]) {
			return false
		}
	}
	return true
}

// ScopeString renders the scope path for display, "Global" when empty.
func (r *ScopedRule) ScopeString() string {
	if len(r.ScopePath) == 0 {
		return "Global"
	}
	return strings.Join(r.ScopePath, " > ")
}

// =============================================================================
// HYPOTHESIS
// =============================================================================

// HypothesisState tracks a candidate rule through its trial period.
type HypothesisState string

const (
	HypothesisPending    HypothesisState = "pending"
	HypothesisValidating HypothesisState = "validating"
	HypothesisPromoted   HypothesisState = "promoted"
	HypothesisRejected   HypothesisState = "rejected"
	HypothesisExpired    HypothesisState = "expired"
)

// Hypothesis is an unconfirmed candidate rule awaiting evidence. It either
// accumulates enough validations to promote into a ScopedRule or it expires.
type Hypothesis struct {
	ID                     string          `json:"id"`
	ProposedContent        string          `json:"proposed_content"`
	ProposedScopePath      []string        `json:"proposed_scope_path,omitempty"`
	ProposedRelation       RelationType    `json:"proposed_relation"`
	ProposedTargetNode     string          `json:"proposed_target_node"`
	Confidence             float64         `json:"confidence"`
	State                  HypothesisState `json:"state"`
	Validations            int             `json:"validations"`
	Rejections             int             `json:"rejections"`
	ValidationInteractions int             `json:"validation_interactions"`
	SourceSignalType       SignalType      `json:"source_signal_type"`
	SourceHash             string          `json:"source_hash,omitempty"`
	Embedding              []float32       `json:"embedding,omitempty"`
	CreatedAt              time.Time       `json:"created_at"`
	ExpiresAt              time.Time       `json:"expires_at"`
}

// NewHypothesis constructs a pending hypothesis with a 24h expiry window.
func NewHypothesis(content string, scopePath []string, targetNode string, relation RelationType, source SignalType) Hypothesis {
	now := time.Now().UTC()
	h := Hypothesis{
		ID:                 "hyp_" + uuid.NewString()[:8],
		ProposedContent:    content,
		ProposedScopePath:  scopePath,
		ProposedRelation:   relation,
		ProposedTargetNode: targetNode,
		Confidence:         0.1,
		State:              HypothesisPending,
		SourceSignalType:   source,
		CreatedAt:          now,
		ExpiresAt:          now.Add(24 * time.Hour),
	}
	if h.ProposedTargetNode == "" {
		h.ProposedTargetNode = "global"
	}
	if h.ProposedRelation == "" {
		h.ProposedRelation = RelationPrefers
	}
	return h
}

// Validate records one supporting observation. Returns true when the
// hypothesis has gathered enough validations to promote.
func (h *Hypothesis) Validate() bool {
	h.Validations++
	h.Confidence = min(0.9, h.Confidence+0.2)
	h.State = HypothesisValidating
	return h.Validations >= HypothesisValidationThreshold
}

// Reject records one contradicting observation. Returns true when the
// hypothesis should be removed.
func (h *Hypothesis) Reject() bool {
	h.Rejections++
	h.Confidence = max(0, h.Confidence-0.3)
	return h.Rejections >= HypothesisRejectionThreshold
}

// CheckExpiry reports whether the trial window has closed without promotion.
func (h *Hypothesis) CheckExpiry(now time.Time) bool {
	if now.After(h.ExpiresAt) {
		return true
	}
	return h.ValidationInteractions >= HypothesisInteractionExpiry
}

// ToScopedRule promotes the hypothesis into a rule. The rule starts at
// established-level confidence and records its origin.
func (h *Hypothesis) ToScopedRule() ScopedRule {
	now := time.Now().UTC()
	r := ScopedRule{
		ID:            "rule_" + uuid.NewString()[:8],
		Content:       h.ProposedContent,
		ScopePath:     h.ProposedScopePath,
		TargetNode:    h.ProposedTargetNode,
		SourceNode:    "user",
		Relation:      h.ProposedRelation,
		Confidence:    0.8,
		Weight:        0.7,
		SourceCount:   h.Validations,
		Embedding:     h.Embedding,
		CreatedAt:     now,
		LastActivated: now,
		PromotedFrom:  h.ID,
	}
	r.UpdateState()
	return r
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
