package kernel

import (
	"sort"
	"strings"

	"github.com/google/uuid"

	"imprint/internal/logging"
	"imprint/internal/types"
)

// =============================================================================
// GOALS
// =============================================================================

// AddGoal records a user goal. Goals are few and high-value, so there is no
// limit and no pruning; stale goals fade through priority decay instead.
func (k *Kernel) AddGoal(goal types.UserGoal) (string, error) {
	if strings.TrimSpace(goal.Content) == "" {
		return "", types.NewValidationError("goal content is empty", nil)
	}
	if err := k.lock.acquire("AddGoal"); err != nil {
		return "", err
	}
	defer k.lock.release()

	if goal.ID == "" {
		goal.ID = "goal_" + uuid.NewString()[:8]
	}
	if goal.CreatedAt.IsZero() {
		now := k.now().UTC()
		goal.CreatedAt = now
		goal.LastReinforced = now
	}
	if goal.Priority <= 0 {
		goal.Priority = 10
	}
	if goal.HalfLifeDays <= 0 {
		goal.HalfLifeDays = 7
	}
	if goal.Confidence == 0 {
		goal.Confidence = 0.8
	}
	k.goals[goal.ID] = &goal
	logging.KernelDebug("Goal added: id=%s priority=%d scope=%v", goal.ID, goal.Priority, goal.ScopePath)
	return goal.ID, nil
}

// GetGoal returns a copy of the goal, or nil when absent.
func (k *Kernel) GetGoal(id string) (*types.UserGoal, error) {
	if err := k.lock.acquire("GetGoal"); err != nil {
		return nil, err
	}
	defer k.lock.release()
	goal, ok := k.goals[id]
	if !ok {
		return nil, nil
	}
	c := *goal
	return &c, nil
}

// ReinforceGoal resets a goal's decay clock.
func (k *Kernel) ReinforceGoal(id string) error {
	if err := k.lock.acquire("ReinforceGoal"); err != nil {
		return err
	}
	defer k.lock.release()
	goal, ok := k.goals[id]
	if !ok {
		return types.NewValidationError("goal not found", map[string]any{"goal_id": id})
	}
	goal.LastReinforced = k.now().UTC()
	return nil
}

// GetActiveGoals returns copies of the active goals, highest decayed
// priority first. A non-empty scope keeps only goals that share at least
// one scope element with it; goals with no scope are global and always
// match. An empty scope applies no filter.
func (k *Kernel) GetActiveGoals(scope []string) ([]types.UserGoal, error) {
	if err := k.lock.acquire("GetActiveGoals"); err != nil {
		return nil, err
	}
	defer k.lock.release()
	goals := k.activeGoalsLocked(scope)
	out := make([]types.UserGoal, 0, len(goals))
	for _, g := range goals {
		out = append(out, *g)
	}
	return out, nil
}

// MaxActiveGoalPriority returns the highest decayed priority among active
// goals in scope, or 0 when there are none. Conflict severity scales by it.
func (k *Kernel) MaxActiveGoalPriority(scope []string) (int, error) {
	if err := k.lock.acquire("MaxActiveGoalPriority"); err != nil {
		return 0, err
	}
	defer k.lock.release()
	goals := k.activeGoalsLocked(scope)
	if len(goals) == 0 {
		return 0, nil
	}
	return goals[0].DecayedPriority(k.now().UTC()), nil
}

// activeGoalsLocked filters and sorts goals: active only, scope-matched when
// a scope is given, decayed priority descending.
func (k *Kernel) activeGoalsLocked(scope []string) []*types.UserGoal {
	now := k.now().UTC()
	goals := make([]*types.UserGoal, 0, len(k.goals))
	for _, g := range k.goals {
		if !g.IsActive(now) {
			continue
		}
		if len(scope) > 0 && !g.MatchesScope(scope) {
			continue
		}
		goals = append(goals, g)
	}
	sort.Slice(goals, func(i, j int) bool {
		pi := goals[i].DecayedPriority(now)
		pj := goals[j].DecayedPriority(now)
		if pi != pj {
			return pi > pj
		}
		return goals[i].ID < goals[j].ID
	})
	return goals
}

// =============================================================================
// FACTS
// =============================================================================

// AddFact records a stable piece of knowledge about the user.
func (k *Kernel) AddFact(fact types.UserFact) (string, error) {
	if strings.TrimSpace(fact.Content) == "" {
		return "", types.NewValidationError("fact content is empty", nil)
	}
	if err := k.lock.acquire("AddFact"); err != nil {
		return "", err
	}
	defer k.lock.release()

	if fact.ID == "" {
		fact.ID = "fact_" + uuid.NewString()[:8]
	}
	if fact.CreatedAt.IsZero() {
		now := k.now().UTC()
		fact.CreatedAt = now
		fact.LastValidated = now
	}
	if fact.Priority <= 0 {
		fact.Priority = 5
	}
	if fact.Confidence == 0 {
		fact.Confidence = 0.5
	}
	if fact.Source == "" {
		fact.Source = types.SourceObservation
	}
	k.facts[fact.ID] = &fact
	logging.KernelDebug("Fact added: id=%s scope=%v", fact.ID, fact.ScopePath)
	return fact.ID, nil
}

// GetFact returns a copy of the fact, or nil when absent.
func (k *Kernel) GetFact(id string) (*types.UserFact, error) {
	if err := k.lock.acquire("GetFact"); err != nil {
		return nil, err
	}
	defer k.lock.release()
	fact, ok := k.facts[id]
	if !ok {
		return nil, nil
	}
	c := *fact
	return &c, nil
}

// ValidateFact raises a fact's confidence by boost.
func (k *Kernel) ValidateFact(id string, boost float64) error {
	if err := k.lock.acquire("ValidateFact"); err != nil {
		return err
	}
	defer k.lock.release()
	fact, ok := k.facts[id]
	if !ok {
		return types.NewValidationError("fact not found", map[string]any{"fact_id": id})
	}
	fact.Validate(boost)
	return nil
}

// GetFactsNotConflicting returns copies of the facts whose content does not
// collide with any active goal in scope, highest confidence first. A fact
// collides when its lowercased content equals an active goal's lowercased
// content; goals always win such collisions, so the fact is suppressed.
func (k *Kernel) GetFactsNotConflicting(scope []string) ([]types.UserFact, error) {
	if err := k.lock.acquire("GetFactsNotConflicting"); err != nil {
		return nil, err
	}
	defer k.lock.release()

	goalContents := make(map[string]bool)
	for _, g := range k.activeGoalsLocked(scope) {
		goalContents[strings.ToLower(g.Content)] = true
	}

	out := make([]types.UserFact, 0, len(k.facts))
	for _, f := range k.facts {
		if goalContents[strings.ToLower(f.Content)] {
			continue
		}
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
