// Package types provides shared type definitions used across imprint packages.
// This package exists to break import cycles between kernel, compiler, and store.
// Types in this package should be foundational data structures with no complex dependencies.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// =============================================================================
// SIGNAL TYPES
// =============================================================================

// SignalType classifies a behavioral signal extracted from an interaction.
type SignalType string

const (
	SignalCorrection  SignalType = "correction"  // User corrected the assistant
	SignalPreference  SignalType = "preference"  // Stated or implied preference
	SignalStyle       SignalType = "style"       // Communication style indicator
	SignalEntity      SignalType = "entity"      // Named project, tool, or technology
	SignalExpertise   SignalType = "expertise"   // Claimed or demonstrated expertise
	SignalAversion    SignalType = "aversion"    // Stated dislike or avoidance
	SignalContext     SignalType = "context"     // Environmental context (file, language)
	SignalPersonality SignalType = "personality" // Personality trait indicator
	SignalGoal        SignalType = "goal"        // Stated objective
	SignalWorkflow    SignalType = "workflow"    // Observed workflow pattern
)

// Signal is a single typed observation extracted from one interaction.
// Content is a short normalized phrase, not the raw interaction text.
type Signal struct {
	Type       SignalType     `json:"type"`
	Content    string         `json:"content"`
	Confidence float64        `json:"confidence"`
	SourceHash string         `json:"source_hash,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// NewSignal constructs a signal stamped with the current time.
func NewSignal(t SignalType, content string, confidence float64) Signal {
	return Signal{
		Type:       t,
		Content:    content,
		Confidence: confidence,
		CreatedAt:  time.Now().UTC(),
	}
}

// =============================================================================
// RULE STATE
// =============================================================================

// RuleState is the lifecycle stage of a scoped rule. It is always derived
// from confidence, never set independently.
type RuleState string

const (
	StateHypothesis  RuleState = "hypothesis"  // 0.2 <= c < 0.4
	StateShadow      RuleState = "shadow"      // 0.4 <= c < 0.6, silently validated
	StateValidating  RuleState = "validating"  // 0.6 <= c < 0.8
	StateEstablished RuleState = "established" // c >= 0.8, eligible for injection
	StateDeprecated  RuleState = "deprecated"  // c < 0.2, prunable
)

// StateForConfidence maps a confidence value to its lifecycle stage.
func StateForConfidence(c float64) RuleState {
	switch {
	case c >= 0.8:
		return StateEstablished
	case c >= 0.6:
		return StateValidating
	case c >= 0.4:
		return StateShadow
	case c < 0.2:
		return StateDeprecated
	default:
		return StateHypothesis
	}
}

// =============================================================================
// CONTEXT AND RELATION ENUMS
// =============================================================================

// ContextType classifies a node in the context hierarchy.
type ContextType string

const (
	ContextLanguage    ContextType = "language"
	ContextFramework   ContextType = "framework"
	ContextDomain      ContextType = "domain"
	ContextProject     ContextType = "project"
	ContextTechnology  ContextType = "technology"
	ContextParadigm    ContextType = "paradigm"
	ContextEnvironment ContextType = "environment"
)

// RelationType is the edge label between a rule's source and target.
type RelationType string

const (
	RelationPrefers  RelationType = "prefers"
	RelationAvoids   RelationType = "avoids"
	RelationRequires RelationType = "requires"
	RelationExpertIn RelationType = "expert_in"
	RelationLearning RelationType = "learning"
	RelationUses     RelationType = "uses"
)

// FactSource records how a fact entered the kernel.
type FactSource string

const (
	SourceObservation FactSource = "observation"
	SourceExplicit    FactSource = "explicit"
	SourceInferred    FactSource = "inferred"
)

// StreamType identifies which observation surface produced an input.
type StreamType string

const (
	StreamBrowser  StreamType = "browser"
	StreamIDE      StreamType = "ide"
	StreamTerminal StreamType = "terminal"
)

// =============================================================================
// INTERACTION LOG
// =============================================================================

// InteractionLog is the transient record of one user/assistant exchange.
// Logs are working state only; they are archived and dropped during GC.
type InteractionLog struct {
	ID                string    `json:"id"`
	UserInput         string    `json:"user_input"`
	AIOutput          string    `json:"ai_output"`
	Timestamp         time.Time `json:"timestamp"`
	Processed         bool      `json:"processed"`
	CompilationTarget string    `json:"compilation_target,omitempty"`
	ContentHash       string    `json:"content_hash"`
}

// HashInteraction returns the 16-hex dedup hash for an interaction pair.
func HashInteraction(userInput, aiOutput string) string {
	sum := sha256.Sum256([]byte(userInput + "|" + aiOutput))
	return hex.EncodeToString(sum[:])[:16]
}
