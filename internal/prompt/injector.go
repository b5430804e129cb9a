// Package prompt renders kernel state into personalized system prompts.
//
// The injector is the output layer of the memory loop. It detects the scope
// of an incoming query, pulls the ESTABLISHED rules, active goals, and
// non-conflicting facts for that scope, and formats them as a compact
// mission briefing the caller prepends to its LLM conversation. Goals rank
// above facts: a goal is a law, a fact is a preference, and the kernel has
// already suppressed facts that collide with an active goal.
package prompt

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"imprint/internal/kernel"
	"imprint/internal/logging"
	"imprint/internal/types"
)

// ScopeDetector maps query text and optional metadata to a scope path and
// target node id. The compiler provides the canonical implementation; taking
// a function keeps this package off the compiler's import graph.
type ScopeDetector func(content string, metadata map[string]any) ([]string, string)

const (
	// maxRules caps the VERIFIED BEHAVIORS section.
	maxRules = 5

	// maxGoals caps the CORE DIRECTIVES section.
	maxGoals = 5

	// maxFacts caps the PREFERENCES section.
	maxFacts = 5

	// charsPerToken is the rough chars-to-tokens ratio used for estimates.
	charsPerToken = 4
)

// InjectionResult reports what went into a generated prompt.
type InjectionResult struct {
	SystemPrompt    string `json:"system_prompt"`
	RulesUsed       int    `json:"rules_used"`
	GoalsUsed       int    `json:"goals_used"`
	FactsUsed       int    `json:"facts_used"`
	EstimatedTokens int    `json:"estimated_tokens"`
}

// Injector assembles mission briefings from a kernel.
type Injector struct {
	kernel *kernel.Kernel
	detect ScopeDetector
}

// New returns an injector over k. detect may be nil, in which case every
// query is treated as unscoped and only globally applicable state is pulled.
func New(k *kernel.Kernel, detect ScopeDetector) *Injector {
	if detect == nil {
		detect = func(string, map[string]any) ([]string, string) { return nil, "" }
	}
	return &Injector{kernel: k, detect: detect}
}

// GenerateSystemPrompt builds the mission briefing for query. It never
// fails; on an empty kernel it returns the static header alone.
func (inj *Injector) GenerateSystemPrompt(query string) string {
	prompt, _, _, _ := inj.assemble(query)
	return prompt
}

// Inject builds the briefing and reports usage counts alongside it.
func (inj *Injector) Inject(query string) InjectionResult {
	prompt, rules, goals, facts := inj.assemble(query)
	return InjectionResult{
		SystemPrompt:    prompt,
		RulesUsed:       rules,
		GoalsUsed:       goals,
		FactsUsed:       facts,
		EstimatedTokens: len(prompt) / charsPerToken,
	}
}

// assemble does the real work: scope detection, selection, formatting.
// Section order is goals, facts, rules; sections with nothing to say are
// omitted and an empty kernel yields the bare header.
func (inj *Injector) assemble(query string) (prompt string, rulesUsed, goalsUsed, factsUsed int) {
	timer := logging.StartTimer(logging.CategoryPrompt, "GenerateSystemPrompt")
	defer timer.Stop()

	scopePath, _ := inj.detect(query, nil)

	rules := inj.establishedRules(scopePath)
	for i := range rules {
		if err := inj.kernel.TouchRule(rules[i].ID); err != nil {
			logging.PromptDebug("Touch failed for rule %s: %v", rules[i].ID, err)
		}
	}

	goals, err := inj.kernel.GetActiveGoals(scopePath)
	if err != nil {
		logging.Prompt("Goal lookup failed: %v", err)
	}
	if len(goals) > maxGoals {
		goals = goals[:maxGoals]
	}

	facts, err := inj.kernel.GetFactsNotConflicting(scopePath)
	if err != nil {
		logging.Prompt("Fact lookup failed: %v", err)
	}
	if len(facts) > maxFacts {
		facts = facts[:maxFacts]
	}

	now := time.Now().UTC()
	lines := []string{"# MISSION BRIEFING", "You are the user's Semantic Twin.", ""}

	if len(goals) > 0 {
		lines = append(lines, "## CORE DIRECTIVES (Laws - MUST FOLLOW)")
		for i := range goals {
			g := &goals[i]
			lines = append(lines, fmt.Sprintf("- [%s] %s (Priority: %d)",
				scopeLabel(g.ScopePath), g.Content, g.DecayedPriority(now)))
		}
		lines = append(lines, "")
	}

	if len(facts) > 0 {
		lines = append(lines, "## PREFERENCES (Follow unless conflicts with Laws)")
		for i := range facts {
			f := &facts[i]
			lines = append(lines, fmt.Sprintf("- [%s] %s", scopeLabel(f.ScopePath), f.Content))
		}
		lines = append(lines, "")
	}

	if len(rules) > 0 {
		lines = append(lines, "## VERIFIED BEHAVIORS")
		for i := range rules {
			r := &rules[i]
			lines = append(lines, fmt.Sprintf("- [%s] %s", scopeLabel(r.ScopePath), r.Content))
		}
	}

	prompt = strings.Join(lines, "\n")
	logging.PromptDebug("Injection: scope=%v rules=%d goals=%d facts=%d tokens~%d",
		scopePath, len(rules), len(goals), len(facts), len(prompt)/charsPerToken)
	return prompt, len(rules), len(goals), len(facts)
}

// establishedRules returns the strongest ESTABLISHED rules applying to
// scopePath. A rule applies when its scope is empty or a case-insensitive
// prefix of the detected path. Strength is confidence times weight; ties
// break on id so output is stable across runs.
func (inj *Injector) establishedRules(scopePath []string) []types.ScopedRule {
	all, err := inj.kernel.SnapshotScopedRules()
	if err != nil {
		logging.Prompt("Rule snapshot failed: %v", err)
		return nil
	}

	matched := make([]types.ScopedRule, 0, len(all))
	for _, r := range all {
		if r.State != types.StateEstablished {
			continue
		}
		if !r.MatchesContext(scopePath) {
			continue
		}
		matched = append(matched, r)
	}

	sort.Slice(matched, func(i, j int) bool {
		si := matched[i].Confidence * matched[i].Weight
		sj := matched[j].Confidence * matched[j].Weight
		if si != sj {
			return si > sj
		}
		return matched[i].ID < matched[j].ID
	})

	if len(matched) > maxRules {
		matched = matched[:maxRules]
	}
	return matched
}

// scopeLabel renders a scope path for a briefing line.
func scopeLabel(path []string) string {
	if len(path) == 0 {
		return "Global"
	}
	return strings.Join(path, " > ")
}

// ContextSummary renders a short human-readable census of what the kernel
// currently knows about the user.
func (inj *Injector) ContextSummary() string {
	stats, err := inj.kernel.Stats()
	if err != nil {
		return "Context unavailable: " + err.Error()
	}
	profile, err := inj.kernel.Profile()
	if err != nil {
		return "Context unavailable: " + err.Error()
	}

	lines := []string{
		fmt.Sprintf("Profile Confidence: %.1f%%", stats.ProfileConfidence*100),
		fmt.Sprintf("Total Interactions: %d", stats.TotalInteractions),
		fmt.Sprintf("Scoped Rules: %d", stats.ScopedRules),
		fmt.Sprintf("Context Nodes: %d", stats.ContextNodes),
	}
	if len(profile.ExpertiseDomains) > 0 {
		lines = append(lines, "Expertise: "+strings.Join(truncateList(profile.ExpertiseDomains, 3), ", "))
	}
	if len(profile.PreferredLanguages) > 0 {
		lines = append(lines, "Languages: "+strings.Join(truncateList(profile.PreferredLanguages, 3), ", "))
	}
	if stats.ActiveProject != "" {
		lines = append(lines, "Active Project: "+stats.ActiveProject)
	}
	return strings.Join(lines, "\n")
}

func truncateList(list []string, n int) []string {
	if len(list) > n {
		return list[:n]
	}
	return list
}
