package kernel

import (
	"sort"
	"strings"

	"github.com/google/uuid"

	"imprint/internal/embedding"
	"imprint/internal/logging"
	"imprint/internal/types"
)

// DefaultQueryTopK caps QueryScopedRules results when the caller passes no
// positive limit.
const DefaultQueryTopK = 10

// =============================================================================
// SCOPED RULES
// =============================================================================

// AddScopedRule inserts a rule, embedding its content when no embedding is
// attached. At the rule limit the kernel prunes first; if pruning frees
// nothing the add fails with a resource-limit error and no state changes.
func (k *Kernel) AddScopedRule(rule types.ScopedRule) (string, error) {
	if strings.TrimSpace(rule.Content) == "" {
		return "", types.NewValidationError("rule content is empty", nil)
	}
	if k.limits.MaxRuleContentLength > 0 && len(rule.Content) > k.limits.MaxRuleContentLength {
		return "", types.NewValidationError("rule content too long", map[string]any{
			"length": len(rule.Content),
			"limit":  k.limits.MaxRuleContentLength,
		})
	}
	if err := k.lock.acquire("AddScopedRule"); err != nil {
		return "", err
	}
	defer k.lock.release()
	return k.addScopedRuleLocked(&rule)
}

func (k *Kernel) addScopedRuleLocked(rule *types.ScopedRule) (string, error) {
	if rule.ID == "" {
		rule.ID = "rule_" + uuid.NewString()[:8]
	}
	if rule.CreatedAt.IsZero() {
		now := k.now().UTC()
		rule.CreatedAt = now
		rule.LastActivated = now
	}
	rule.UpdateState()

	_, exists := k.scopedRules[rule.ID]
	if !exists && len(k.scopedRules) >= k.limits.MaxRules {
		k.pruneScopedRulesLocked()
		if len(k.scopedRules) >= k.limits.MaxRules {
			return "", types.NewResourceLimitError("scoped_rules", len(k.scopedRules), k.limits.MaxRules)
		}
	}

	if len(rule.Embedding) == 0 {
		rule.Embedding = k.embedText(rule.Content)
	}

	k.scopedRules[rule.ID] = rule
	if !exists {
		k.metrics[MetricScopedRulesAdded]++
	}
	logging.KernelDebug("Scoped rule added: id=%s scope=%s state=%s confidence=%.2f",
		rule.ID, rule.ScopeString(), rule.State, rule.Confidence)
	return rule.ID, nil
}

// GetScopedRule returns a copy of the rule, or nil when absent.
func (k *Kernel) GetScopedRule(id string) (*types.ScopedRule, error) {
	if err := k.lock.acquire("GetScopedRule"); err != nil {
		return nil, err
	}
	defer k.lock.release()
	rule, ok := k.scopedRules[id]
	if !ok {
		return nil, nil
	}
	c := *rule
	return &c, nil
}

// SnapshotScopedRules returns copies of all rules in ID order.
func (k *Kernel) SnapshotScopedRules() ([]types.ScopedRule, error) {
	if err := k.lock.acquire("SnapshotScopedRules"); err != nil {
		return nil, err
	}
	defer k.lock.release()
	out := make([]types.ScopedRule, 0, len(k.scopedRules))
	for _, id := range sortedKeys(k.scopedRules) {
		out = append(out, *k.scopedRules[id])
	}
	return out, nil
}

// QueryScopedRules returns the rules applicable under the active context,
// best first. A rule applies when its scope path is a case-insensitive
// prefix of the active path; the empty path applies everywhere, and rules
// from sibling scopes are never mixed into the result. The base score is
// weight times confidence; a non-empty query multiplies it by one plus the
// cosine similarity between the query and the rule content.
func (k *Kernel) QueryScopedRules(activeContext []string, query string, topK int) ([]types.ScopedRule, error) {
	timer := logging.StartTimer(logging.CategoryKernel, "QueryScopedRules")
	defer timer.Stop()

	if topK <= 0 {
		topK = DefaultQueryTopK
	}
	var queryEmb []float32
	if query != "" {
		queryEmb = k.embedText(query)
	}

	if err := k.lock.acquire("QueryScopedRules"); err != nil {
		return nil, err
	}
	defer k.lock.release()

	type scored struct {
		score float64
		rule  *types.ScopedRule
	}
	matches := make([]scored, 0, len(k.scopedRules))
	for _, rule := range k.scopedRules {
		if !rule.MatchesContext(activeContext) {
			continue
		}
		score := rule.Weight * rule.Confidence
		if queryEmb != nil && len(rule.Embedding) > 0 {
			if sim, err := embedding.CosineSimilarity(queryEmb, rule.Embedding); err == nil {
				score *= 1 + sim
			}
		}
		matches = append(matches, scored{score: score, rule: rule})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		if !matches[i].rule.LastActivated.Equal(matches[j].rule.LastActivated) {
			return matches[i].rule.LastActivated.After(matches[j].rule.LastActivated)
		}
		return matches[i].rule.ID < matches[j].rule.ID
	})

	if len(matches) > topK {
		matches = matches[:topK]
	}
	out := make([]types.ScopedRule, 0, len(matches))
	for _, m := range matches {
		out = append(out, *m.rule)
	}
	logging.KernelDebug("QueryScopedRules: context=%v query=%q matched=%d", activeContext, query, len(out))
	return out, nil
}

// ValidateRule applies a confidence boost and returns the updated rule plus
// its state before the mutation, so callers can detect transitions.
func (k *Kernel) ValidateRule(id string, boost float64) (types.ScopedRule, types.RuleState, error) {
	if err := k.lock.acquire("ValidateRule"); err != nil {
		return types.ScopedRule{}, "", err
	}
	defer k.lock.release()
	rule, ok := k.scopedRules[id]
	if !ok {
		return types.ScopedRule{}, "", types.NewValidationError("rule not found", map[string]any{"rule_id": id})
	}
	prev := rule.State
	rule.Validate(boost)
	return *rule, prev, nil
}

// RejectRule applies a confidence penalty and returns the updated rule plus
// its state before the mutation.
func (k *Kernel) RejectRule(id string, penalty float64) (types.ScopedRule, types.RuleState, error) {
	if err := k.lock.acquire("RejectRule"); err != nil {
		return types.ScopedRule{}, "", err
	}
	defer k.lock.release()
	rule, ok := k.scopedRules[id]
	if !ok {
		return types.ScopedRule{}, "", types.NewValidationError("rule not found", map[string]any{"rule_id": id})
	}
	prev := rule.State
	rule.Reject(penalty)
	return *rule, prev, nil
}

// TouchRule marks a rule as activated now. The injector calls this for
// rules it places into a prompt so ranking ties favor recently used rules.
func (k *Kernel) TouchRule(id string) error {
	if err := k.lock.acquire("TouchRule"); err != nil {
		return err
	}
	defer k.lock.release()
	rule, ok := k.scopedRules[id]
	if !ok {
		return types.NewValidationError("rule not found", map[string]any{"rule_id": id})
	}
	rule.LastActivated = k.now().UTC()
	return nil
}

// FindRuleInScope returns a copy of the first rule (in ID order) whose scope
// path equals scopePath exactly and whose embedding is closer to emb than
// threshold, or nil when none qualifies.
func (k *Kernel) FindRuleInScope(emb []float32, scopePath []string, threshold float64) (*types.ScopedRule, error) {
	if err := k.lock.acquire("FindRuleInScope"); err != nil {
		return nil, err
	}
	defer k.lock.release()
	if len(emb) == 0 {
		return nil, nil
	}
	for _, id := range sortedKeys(k.scopedRules) {
		rule := k.scopedRules[id]
		if !scopeEqual(rule.ScopePath, scopePath) || len(rule.Embedding) == 0 {
			continue
		}
		sim, err := embedding.CosineSimilarity(emb, rule.Embedding)
		if err != nil || sim <= threshold {
			continue
		}
		c := *rule
		return &c, nil
	}
	return nil, nil
}

// ContradictRulesInScope applies the contradiction penalty to every rule in
// exactly scopePath whose embedding is closer to emb than threshold, and
// returns how many rules were touched.
func (k *Kernel) ContradictRulesInScope(emb []float32, scopePath []string, threshold float64) (int, error) {
	if err := k.lock.acquire("ContradictRulesInScope"); err != nil {
		return 0, err
	}
	defer k.lock.release()
	if len(emb) == 0 {
		return 0, nil
	}
	count := 0
	for _, id := range sortedKeys(k.scopedRules) {
		rule := k.scopedRules[id]
		if !scopeEqual(rule.ScopePath, scopePath) || len(rule.Embedding) == 0 {
			continue
		}
		sim, err := embedding.CosineSimilarity(emb, rule.Embedding)
		if err != nil || sim <= threshold {
			continue
		}
		rule.Contradict()
		count++
	}
	if count > 0 {
		logging.KernelDebug("Contradicted %d rules in scope %v", count, scopePath)
	}
	return count, nil
}

// pruneScopedRulesLocked archives and removes the bottom tenth of rules by
// weight times confidence. A rule with confidence of 0.3 or more is never
// pruned, whatever its weight: established knowledge survives pressure from
// the resource limit. Rules that fail to archive are kept.
func (k *Kernel) pruneScopedRulesLocked() int {
	if len(k.scopedRules) < 10 {
		return 0
	}
	rules := make([]*types.ScopedRule, 0, len(k.scopedRules))
	for _, r := range k.scopedRules {
		rules = append(rules, r)
	}
	sort.Slice(rules, func(i, j int) bool {
		si := rules[i].Weight * rules[i].Confidence
		sj := rules[j].Weight * rules[j].Confidence
		if si != sj {
			return si < sj
		}
		return rules[i].ID < rules[j].ID
	})

	pruned := 0
	for _, rule := range rules[:len(rules)/10] {
		if rule.Confidence >= 0.3 {
			continue
		}
		if k.archive != nil {
			if err := k.archive.ArchiveRule(*rule, "pruned"); err != nil {
				logging.KernelWarn("Rule %s not pruned, archive failed: %v", rule.ID, err)
				continue
			}
		}
		delete(k.scopedRules, rule.ID)
		pruned++
	}
	if pruned > 0 {
		logging.Kernel("Pruned %d scoped rules", pruned)
	}
	return pruned
}

func scopeEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// =============================================================================
// FLAT RULES (v2 data compatibility)
// =============================================================================

// legacyConsolidationThreshold is the similarity above which two flat rules
// of the same category are treated as one.
const legacyConsolidationThreshold = 0.8

// AddRule inserts a flat v2 rule. A sufficiently similar rule of the same
// category is reinforced instead of duplicated.
func (k *Kernel) AddRule(rule types.Rule) (string, error) {
	if strings.TrimSpace(rule.Condition) == "" && strings.TrimSpace(rule.Action) == "" {
		return "", types.NewValidationError("rule condition and action are both empty", nil)
	}
	emb := k.embedText(strings.TrimSpace(rule.Condition + " " + rule.Action))

	if err := k.lock.acquire("AddRule"); err != nil {
		return "", err
	}
	defer k.lock.release()

	for _, id := range sortedKeys(k.rules) {
		existing := k.rules[id]
		if existing.Category != rule.Category || len(existing.Embedding) == 0 || len(emb) == 0 {
			continue
		}
		sim, err := embedding.CosineSimilarity(emb, existing.Embedding)
		if err != nil || sim <= legacyConsolidationThreshold {
			continue
		}
		existing.Reinforce(types.ReinforcementBoost)
		return existing.ID, nil
	}

	if rule.ID == "" {
		rule.ID = "rule_" + uuid.NewString()[:8]
	}
	if rule.CreatedAt.IsZero() {
		now := k.now().UTC()
		rule.CreatedAt = now
		rule.LastActivated = now
	}
	if rule.Weight == 0 {
		rule.Weight = 0.5
	}
	if rule.SourceCount == 0 {
		rule.SourceCount = 1
	}
	if len(rule.Embedding) == 0 {
		rule.Embedding = emb
	}
	k.rules[rule.ID] = &rule
	return rule.ID, nil
}

// GetRule returns a copy of a flat v2 rule, or nil when absent.
func (k *Kernel) GetRule(id string) (*types.Rule, error) {
	if err := k.lock.acquire("GetRule"); err != nil {
		return nil, err
	}
	defer k.lock.release()
	rule, ok := k.rules[id]
	if !ok {
		return nil, nil
	}
	c := *rule
	return &c, nil
}
