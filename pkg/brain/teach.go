package brain

import (
	"strings"

	"imprint/internal/logging"
	"imprint/internal/types"
)

// teachWeight is the confidence a taught rule starts at. Explicit
// instruction outranks anything inferred from observation.
const teachWeight = 0.9

// teachRelations maps instruction categories onto graph relations. Unknown
// categories fall back to behavioral.
var teachRelations = map[string]types.RelationType{
	"preference":  types.RelationPrefers,
	"style":       types.RelationPrefers,
	"expertise":   types.RelationExpertIn,
	"workflow":    types.RelationUses,
	"personality": types.RelationPrefers,
	"behavioral":  types.RelationPrefers,
}

// Teach installs an explicit instruction as an established rule, bypassing
// the trial pipeline. The instruction's scope is detected from its content.
func (b *Brain) Teach(instruction, category string) (string, error) {
	if err := b.ensureOpen(); err != nil {
		return "", err
	}
	instruction, err := b.sanitizeInput(instruction, b.cfg.Limits.MaxRuleContentLength, "instruction")
	if err != nil {
		return "", err
	}

	category = strings.ToLower(strings.TrimSpace(category))
	relation, ok := teachRelations[category]
	if !ok {
		category = "behavioral"
		relation = types.RelationPrefers
	}

	scopePath, targetNode := b.compiler.DetectScope(instruction, nil)
	id, err := b.compiler.ForceScopedRule(instruction, scopePath, targetNode, relation, teachWeight)
	if err != nil {
		return "", err
	}
	logging.Session("Taught: id=%s category=%s scope=%v", id, category, scopePath)
	return id, nil
}

// Correct records an explicit correction of an assistant response. The
// correction becomes a high-confidence signal; conflicting established rules
// raise collaboration requests instead of being overwritten.
func (b *Brain) Correct(originalResponse, correction string) (types.EvolveStats, error) {
	if err := b.ensureOpen(); err != nil {
		return types.EvolveStats{}, err
	}
	correction, err := b.sanitizeInput(correction, b.cfg.Limits.MaxUserInputLength, "correction")
	if err != nil {
		return types.EvolveStats{}, err
	}

	stats := b.compiler.ProcessCorrection(originalResponse, correction)
	b.queueCollaborations(stats.CollaborationRequests)
	b.mu.Lock()
	b.evolutions++
	b.mu.Unlock()
	return stats, nil
}

// Inject assembles the personalized briefing for a query.
func (b *Brain) Inject(query string) InjectResult {
	return b.injector.Inject(query)
}

// GenerateSystemPrompt is Inject without the usage counts.
func (b *Brain) GenerateSystemPrompt(query string) string {
	return b.injector.GenerateSystemPrompt(query)
}
