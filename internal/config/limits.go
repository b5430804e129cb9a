package config

import "fmt"

// LimitsConfig caps every unbounded collection in the kernel. Mutations at a
// cap fail with a resource-limit error rather than evicting silently; the
// two exceptions (rules, hypotheses) prune archived low-value entries first.
type LimitsConfig struct {
	MaxRules              int `yaml:"max_rules"`
	MaxNodes              int `yaml:"max_nodes"`
	MaxHypotheses         int `yaml:"max_hypotheses"`
	MaxPendingSignals     int `yaml:"max_pending_signals"`
	MaxWorkingMemoryItems int `yaml:"max_working_memory_items"`
	MaxInteractionLogs    int `yaml:"max_interaction_logs"`
	MaxExportSizeBytes    int `yaml:"max_export_size_bytes"`
	MaxUserInputLength    int `yaml:"max_user_input_length"`
	MaxAIOutputLength     int `yaml:"max_ai_output_length"`
	MaxRuleContentLength  int `yaml:"max_rule_content_length"`
	MaxNodeContextLength  int `yaml:"max_node_context_length"`
}

// DefaultLimits returns the production caps.
func DefaultLimits() LimitsConfig {
	return LimitsConfig{
		MaxRules:              1000,
		MaxNodes:              500,
		MaxHypotheses:         200,
		MaxPendingSignals:     100,
		MaxWorkingMemoryItems: 20,
		MaxInteractionLogs:    1000,
		MaxExportSizeBytes:    10 * 1024 * 1024,
		MaxUserInputLength:    50000,
		MaxAIOutputLength:     100000,
		MaxRuleContentLength:  1000,
		MaxNodeContextLength:  5000,
	}
}

// Validate rejects non-positive caps.
func (l LimitsConfig) Validate() error {
	checks := []struct {
		name  string
		value int
	}{
		{"max_rules", l.MaxRules},
		{"max_nodes", l.MaxNodes},
		{"max_hypotheses", l.MaxHypotheses},
		{"max_pending_signals", l.MaxPendingSignals},
		{"max_working_memory_items", l.MaxWorkingMemoryItems},
		{"max_interaction_logs", l.MaxInteractionLogs},
		{"max_user_input_length", l.MaxUserInputLength},
		{"max_ai_output_length", l.MaxAIOutputLength},
	}
	for _, c := range checks {
		if c.value <= 0 {
			return fmt.Errorf("limit %s must be positive, got %d", c.name, c.value)
		}
	}
	return nil
}

// EvolutionConfig tunes the learning pipelines. These mirror the rule and
// hypothesis lifecycle constants; changing them shifts how fast behavior
// is learned and unlearned.
type EvolutionConfig struct {
	CorrectionWeightBoost     float64 `yaml:"correction_weight_boost"`
	ReinforcementBoost        float64 `yaml:"reinforcement_boost"`
	ContradictionPenalty      float64 `yaml:"contradiction_penalty"`
	RepeatedPatternMultiplier float64 `yaml:"repeated_pattern_multiplier"`
	MinSignalsForRule         int     `yaml:"min_signals_for_rule"`
	MinConfidenceForRule      float64 `yaml:"min_confidence_for_rule"`
	SimilarityThreshold       float64 `yaml:"similarity_threshold"`
	DecayRate                 float64 `yaml:"decay_rate"`
	MinWeight                 float64 `yaml:"min_weight"`
}

// DefaultEvolution returns the tuned evolution constants.
func DefaultEvolution() EvolutionConfig {
	return EvolutionConfig{
		CorrectionWeightBoost:     0.3,
		ReinforcementBoost:        0.1,
		ContradictionPenalty:      0.5,
		RepeatedPatternMultiplier: 1.5,
		MinSignalsForRule:         2,
		MinConfidenceForRule:      0.5,
		SimilarityThreshold:       0.75,
		DecayRate:                 0.01,
		MinWeight:                 0.1,
	}
}
