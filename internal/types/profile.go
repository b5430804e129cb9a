package types

import (
	"fmt"
	"strings"
)

// =============================================================================
// STYLE VECTOR
// =============================================================================

// Style dimension names accepted by StyleVector.Update.
const (
	DimFormality    = "formality"
	DimVerbosity    = "verbosity"
	DimTechnicality = "technicality"
	DimDirectness   = "directness"
	DimCreativity   = "creativity"
	DimPace         = "pace"
)

// StyleVector models communication style as six dimensions in [0,1], each
// with its own confidence. Updates are confidence-damped so an established
// reading resists a single contrary observation.
type StyleVector struct {
	Formality    float64            `json:"formality"`
	Verbosity    float64            `json:"verbosity"`
	Technicality float64            `json:"technicality"`
	Directness   float64            `json:"directness"`
	Creativity   float64            `json:"creativity"`
	Pace         float64            `json:"pace"`
	Confidence   map[string]float64 `json:"confidence"`
	LearningRate float64            `json:"learning_rate"`
}

// NewStyleVector returns the neutral starting vector.
func NewStyleVector() *StyleVector {
	return &StyleVector{
		Formality:    0.5,
		Verbosity:    0.5,
		Technicality: 0.5,
		Directness:   0.5,
		Creativity:   0.5,
		Pace:         0.5,
		Confidence:   map[string]float64{},
		LearningRate: 0.1,
	}
}

func (s *StyleVector) dim(name string) *float64 {
	switch name {
	case DimFormality:
		return &s.Formality
	case DimVerbosity:
		return &s.Verbosity
	case DimTechnicality:
		return &s.Technicality
	case DimDirectness:
		return &s.Directness
	case DimCreativity:
		return &s.Creativity
	case DimPace:
		return &s.Pace
	}
	return nil
}

// Update moves one dimension toward target. The step shrinks as confidence
// in that dimension grows; confidence itself rises with every update.
func (s *StyleVector) Update(dimension string, target, strength float64) {
	v := s.dim(dimension)
	if v == nil {
		return
	}
	if s.Confidence == nil {
		s.Confidence = map[string]float64{}
	}
	conf := s.Confidence[dimension]
	effective := s.LearningRate * (1 - conf)
	*v = clamp01(*v + effective*strength*(target-*v))
	s.Confidence[dimension] = min(0.95, conf+0.05)
}

// Describe renders the confident dimensions as a short phrase.
func (s *StyleVector) Describe() string {
	labels := []struct {
		name      string
		value     float64
		high, low string
	}{
		{DimFormality, s.Formality, "formal", "casual"},
		{DimVerbosity, s.Verbosity, "detailed", "concise"},
		{DimTechnicality, s.Technicality, "technical", "non-technical"},
		{DimDirectness, s.Directness, "direct", "diplomatic"},
		{DimCreativity, s.Creativity, "creative", "conventional"},
		{DimPace, s.Pace, "fast-paced", "thorough"},
	}
	var parts []string
	for _, l := range labels {
		if s.Confidence[l.name] <= 0.3 {
			continue
		}
		if l.value > 0.7 {
			parts = append(parts, l.high)
		} else if l.value < 0.3 {
			parts = append(parts, l.low)
		}
	}
	if len(parts) == 0 {
		return "style still being learned"
	}
	return strings.Join(parts, ", ")
}

// =============================================================================
// USER PROFILE
// =============================================================================

// ActiveGoalLimit caps the profile's recent-goals ring.
const ActiveGoalLimit = 5

// UserProfile aggregates stable knowledge about the user. Expertise levels
// move by exponential average so one strong claim does not dominate.
type UserProfile struct {
	ExpertiseLevels    map[string]float64 `json:"expertise_levels"`
	ExpertiseDomains   []string           `json:"expertise_domains,omitempty"`
	PreferredLanguages []string           `json:"preferred_languages,omitempty"`
	PreferredTools     []string           `json:"preferred_tools,omitempty"`
	AvoidedTech        []string           `json:"avoided_technologies,omitempty"`
	ActiveGoals        []string           `json:"active_goals,omitempty"`
	Role               string             `json:"role,omitempty"`
	Industry           string             `json:"industry,omitempty"`
	TotalInteractions  int                `json:"total_interactions"`
	ProfileConfidence  float64            `json:"profile_confidence"`
}

// NewUserProfile returns an empty profile.
func NewUserProfile() *UserProfile {
	return &UserProfile{ExpertiseLevels: map[string]float64{}}
}

// UpdateExpertise blends a new expertise reading into the running level.
// First sighting stores the level directly; later sightings use 0.7/0.3 EMA.
func (p *UserProfile) UpdateExpertise(domain string, level float64) {
	if domain == "" {
		return
	}
	if p.ExpertiseLevels == nil {
		p.ExpertiseLevels = map[string]float64{}
	}
	key := strings.ToLower(strings.TrimSpace(domain))
	if cur, ok := p.ExpertiseLevels[key]; ok {
		p.ExpertiseLevels[key] = cur*0.7 + level*0.3
	} else {
		p.ExpertiseLevels[key] = level
		p.ExpertiseDomains = append(p.ExpertiseDomains, key)
	}
}

// AddPreference records a liked (positive) or avoided technology. Kind picks
// the bucket: "language" or "tool"; anything else lands in tools.
func (p *UserProfile) AddPreference(kind, value string, positive bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	if !positive {
		p.AvoidedTech = appendUnique(p.AvoidedTech, value)
		return
	}
	switch kind {
	case "language":
		p.PreferredLanguages = appendUnique(p.PreferredLanguages, value)
	default:
		p.PreferredTools = appendUnique(p.PreferredTools, value)
	}
}

// AddActiveGoal pushes onto the bounded recent-goals ring.
func (p *UserProfile) AddActiveGoal(goal string) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return
	}
	p.ActiveGoals = append(p.ActiveGoals, goal)
	if len(p.ActiveGoals) > ActiveGoalLimit {
		p.ActiveGoals = p.ActiveGoals[len(p.ActiveGoals)-ActiveGoalLimit:]
	}
}

// RecordInteraction bumps the interaction count and the derived confidence.
// Confidence approaches but never reaches 0.95.
func (p *UserProfile) RecordInteraction() {
	p.TotalInteractions++
	p.ProfileConfidence = min(0.95, 1-1/(1+float64(p.TotalInteractions)*0.1))
}

// GeneratePersonaPrompt renders the profile as a compact persona paragraph
// for prompt assembly.
func (p *UserProfile) GeneratePersonaPrompt() string {
	var parts []string
	if p.Role != "" {
		parts = append(parts, fmt.Sprintf("The user works as a %s.", p.Role))
	}
	var strong []string
	for _, d := range p.ExpertiseDomains {
		if p.ExpertiseLevels[d] > 0.7 {
			strong = append(strong, d)
		}
	}
	if len(strong) > 0 {
		parts = append(parts, fmt.Sprintf("They have strong expertise in %s.", strings.Join(strong, ", ")))
	}
	if len(p.PreferredLanguages) > 0 {
		parts = append(parts, fmt.Sprintf("They prefer working in %s.", strings.Join(p.PreferredLanguages, ", ")))
	}
	if len(p.AvoidedTech) > 0 {
		parts = append(parts, fmt.Sprintf("They avoid %s.", strings.Join(p.AvoidedTech, ", ")))
	}
	if len(p.ActiveGoals) > 0 {
		parts = append(parts, fmt.Sprintf("Current goals: %s.", strings.Join(p.ActiveGoals, "; ")))
	}
	if len(parts) == 0 {
		return "The user's profile is still being learned."
	}
	return strings.Join(parts, " ")
}

func appendUnique(list []string, value string) []string {
	for _, v := range list {
		if strings.EqualFold(v, value) {
			return list
		}
	}
	return append(list, value)
}
