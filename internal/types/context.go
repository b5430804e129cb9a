package types

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// CONTEXT NODES
// =============================================================================

// ContextNode is one vertex in the context hierarchy (language, framework,
// domain, project). Parent/children links are held by ID; the kernel owns
// the map and resolves paths.
type ContextNode struct {
	ID             string      `json:"id"`
	Type           ContextType `json:"type"`
	Name           string      `json:"name"`
	Description    string      `json:"description,omitempty"`
	ParentID       string      `json:"parent_id,omitempty"`
	ChildrenIDs    []string    `json:"children_ids,omitempty"`
	Embedding      []float32   `json:"embedding,omitempty"`
	Weight         float64     `json:"weight"`
	ReferenceCount int         `json:"reference_count"`
	CreatedAt      time.Time   `json:"created_at"`
	LastReferenced time.Time   `json:"last_referenced"`
}

// NewContextNode constructs a node with the default weight.
func NewContextNode(id string, t ContextType, name string) ContextNode {
	now := time.Now().UTC()
	return ContextNode{
		ID:             id,
		Type:           t,
		Name:           name,
		Weight:         0.5,
		CreatedAt:      now,
		LastReferenced: now,
	}
}

// Reference records a use of this node, nudging its weight up.
func (n *ContextNode) Reference() {
	n.ReferenceCount++
	n.Weight = min(1.0, n.Weight+0.02)
	n.LastReferenced = time.Now().UTC()
}

// AddChild links a child ID exactly once.
func (n *ContextNode) AddChild(id string) {
	for _, c := range n.ChildrenIDs {
		if c == id {
			return
		}
	}
	n.ChildrenIDs = append(n.ChildrenIDs, id)
}

// =============================================================================
// GOALS AND FACTS
// =============================================================================

// UserGoal is a stated objective whose priority decays over time unless
// reinforced. Priority is an integer 1..10.
type UserGoal struct {
	ID             string    `json:"id"`
	Content        string    `json:"content"`
	ScopePath      []string  `json:"scope_path,omitempty"`
	Priority       int       `json:"priority"`
	Confidence     float64   `json:"confidence"`
	HalfLifeDays   float64   `json:"half_life_days"`
	CreatedAt      time.Time `json:"created_at"`
	LastReinforced time.Time `json:"last_reinforced"`
	ExpiresAt      time.Time `json:"expires_at,omitempty"`
}

// NewUserGoal constructs a goal at full priority with a 7-day half-life.
func NewUserGoal(content string, scopePath []string, priority int) UserGoal {
	now := time.Now().UTC()
	if priority <= 0 {
		priority = 10
	}
	return UserGoal{
		ID:             "goal_" + uuid.NewString()[:8],
		Content:        content,
		ScopePath:      scopePath,
		Priority:       priority,
		Confidence:     0.8,
		HalfLifeDays:   7,
		CreatedAt:      now,
		LastReinforced: now,
	}
}

// DecayedPriority returns the half-life-decayed priority, floored at 1.
// priority * 0.5^(days_since_reinforced / half_life_days)
func (g *UserGoal) DecayedPriority(now time.Time) int {
	days := now.Sub(g.LastReinforced).Hours() / 24
	if days <= 0 {
		return g.Priority
	}
	half := g.HalfLifeDays
	if half <= 0 {
		half = 7
	}
	decayed := float64(g.Priority) * math.Pow(0.5, days/half)
	p := int(math.Floor(decayed))
	if p < 1 {
		p = 1
	}
	return p
}

// Reinforce resets the decay clock.
func (g *UserGoal) Reinforce() {
	g.LastReinforced = time.Now().UTC()
}

// IsActive reports whether the goal still participates in injection and
// conflict severity.
func (g *UserGoal) IsActive(now time.Time) bool {
	if !g.ExpiresAt.IsZero() && now.After(g.ExpiresAt) {
		return false
	}
	return g.DecayedPriority(now) >= 1
}

// MatchesScope reports whether the goal applies under the given scope.
// An empty goal scope is global; otherwise any shared element counts.
func (g *UserGoal) MatchesScope(scope []string) bool {
	if len(g.ScopePath) == 0 {
		return true
	}
	for _, mine := range g.ScopePath {
		for _, theirs := range scope {
			if strings.EqualFold(mine, theirs) {
				return true
			}
		}
	}
	return false
}

// UserFact is a stable piece of knowledge about the user.
type UserFact struct {
	ID              string     `json:"id"`
	Content         string     `json:"content"`
	ScopePath       []string   `json:"scope_path,omitempty"`
	Priority        int        `json:"priority"`
	Confidence      float64    `json:"confidence"`
	ValidationCount int        `json:"validation_count"`
	Source          FactSource `json:"source"`
	CreatedAt       time.Time  `json:"created_at"`
	LastValidated   time.Time  `json:"last_validated"`
}

// NewUserFact constructs an observation-sourced fact.
func NewUserFact(content string, scopePath []string) UserFact {
	now := time.Now().UTC()
	return UserFact{
		ID:            "fact_" + uuid.NewString()[:8],
		Content:       content,
		ScopePath:     scopePath,
		Priority:      5,
		Confidence:    0.5,
		Source:        SourceObservation,
		CreatedAt:     now,
		LastValidated: now,
	}
}

// Validate raises fact confidence by boost.
func (f *UserFact) Validate(boost float64) {
	f.ValidationCount++
	f.Confidence = clamp01(f.Confidence + boost)
	f.LastValidated = time.Now().UTC()
}

// =============================================================================
// COLLABORATION REQUESTS
// =============================================================================

// CollaborationRequest is emitted instead of a destructive rule change when
// incoming evidence conflicts with an established rule. The kernel never
// resolves these itself; the embedding application surfaces them to the user.
type CollaborationRequest struct {
	ID              string     `json:"id"`
	TriggerSignal   Signal     `json:"trigger_signal"`
	ConflictingRule ScopedRule `json:"conflicting_rule"`
	Reason          string     `json:"reason"`
	ProposedOptions []string   `json:"proposed_options"`
	CreatedAt       time.Time  `json:"created_at"`
}

// NewCollaborationRequest constructs a request with a fresh ID.
func NewCollaborationRequest(trigger Signal, rule ScopedRule, reason string, options []string) CollaborationRequest {
	return CollaborationRequest{
		ID:              "req_" + uuid.NewString()[:8],
		TriggerSignal:   trigger,
		ConflictingRule: rule,
		Reason:          reason,
		ProposedOptions: options,
		CreatedAt:       time.Now().UTC(),
	}
}
