package types

import "time"

// =============================================================================
// FLAT RULE AND NODE MAPS (export format v2 compatibility)
// =============================================================================

// RuleCategory classifies a flat rule.
type RuleCategory string

const (
	CategoryBehavioral    RuleCategory = "behavioral_pattern"
	CategoryTechnical     RuleCategory = "technical_preference"
	CategoryCommunication RuleCategory = "communication_style"
	CategoryProject       RuleCategory = "project_context"
	CategoryExpertise     RuleCategory = "domain_expertise"
	CategoryPersonality   RuleCategory = "personality_trait"
	CategoryWorkflow      RuleCategory = "workflow_pattern"
)

// Rule is the flat (unscoped) rule shape from the v2 export format. The
// kernel keeps loaded v2 rules intact so older exports round-trip, but new
// learning produces ScopedRule entries only.
type Rule struct {
	ID                 string       `json:"id"`
	Category           RuleCategory `json:"category"`
	Condition          string       `json:"condition"`
	Action             string       `json:"action"`
	Weight             float64      `json:"weight"`
	Embedding          []float32    `json:"embedding,omitempty"`
	SourceCount        int          `json:"source_count"`
	ContradictionCount int          `json:"contradiction_count"`
	CreatedAt          time.Time    `json:"created_at"`
	LastActivated      time.Time    `json:"last_activated"`
}

// Reinforce raises the rule weight by boost.
func (r *Rule) Reinforce(boost float64) {
	r.Weight = clamp01(r.Weight + boost)
	r.SourceCount++
	r.LastActivated = time.Now().UTC()
}

// Contradict lowers the rule weight by penalty.
func (r *Rule) Contradict(penalty float64) {
	r.Weight = clamp01(r.Weight - penalty)
	r.ContradictionCount++
}

// Decay applies one decay step, flooring at floor.
func (r *Rule) Decay(rate, floor float64) {
	r.Weight = max(floor, r.Weight-rate)
}

// KernelNode is the flat knowledge-graph node from the v2 export format.
type KernelNode struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	Name           string    `json:"name"`
	Context        string    `json:"context,omitempty"`
	Weight         float64   `json:"weight"`
	Edges          []string  `json:"edges,omitempty"`
	ReferenceCount int       `json:"reference_count"`
	CreatedAt      time.Time `json:"created_at"`
	LastReferenced time.Time `json:"last_referenced"`
}

// Reference records a use of the node.
func (n *KernelNode) Reference() {
	n.ReferenceCount++
	n.Weight = min(1.0, n.Weight+0.05)
	n.LastReferenced = time.Now().UTC()
}

// AddEdge links another node; re-adding an existing edge strengthens the
// node instead.
func (n *KernelNode) AddEdge(id string) {
	for _, e := range n.Edges {
		if e == id {
			n.Weight = min(1.0, n.Weight+0.1)
			return
		}
	}
	n.Edges = append(n.Edges, id)
}

// Decay applies one decay step, flooring at floor.
func (n *KernelNode) Decay(rate, floor float64) {
	n.Weight = max(floor, n.Weight-rate)
}
