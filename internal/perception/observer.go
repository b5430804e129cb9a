// Package perception extracts behavioral signals from user/assistant
// interactions. Extraction is pure pattern matching over the exchange text:
// no model calls, no I/O. Only the derived signals leave this package; the
// raw text is reduced to a 16-hex content hash.
package perception

import (
	"regexp"
	"strings"

	"imprint/internal/logging"
	"imprint/internal/types"
)

// =============================================================================
// PATTERN TABLES
// =============================================================================

var correctionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(no|not|don't|dont|shouldn't|stop|wrong|incorrect|actually|instead|rather)\b`),
	regexp.MustCompile(`(?i)\b(change|fix|correct|update|modify|revise|redo)\b.*\b(this|that|it)\b`),
	regexp.MustCompile(`(?i)^(no[,.]|not that|wrong)`),
}

// insteadPattern pulls the replacement behavior out of a correction,
// e.g. "use tabs instead" yields "tabs".
var insteadPattern = regexp.MustCompile(`(?i)(?:use|do|try|make it|should be)\s+(.+?)(?:\s+instead|\s*$)`)

var preferencePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(i prefer|i like|i want|i need|i'd rather|i would rather)\b`),
	regexp.MustCompile(`(?i)\b(prefer|favorite|always use|usually|typically)\b`),
	regexp.MustCompile(`(?i)\b(better if|would be nice|should be|make it)\b`),
}

var aversionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(don't like|hate|avoid|never use|dislike|not a fan)\b`),
	regexp.MustCompile(`(?i)\b(stop using|don't want|get rid of|remove)\b`),
	regexp.MustCompile(`(?i)\b(too complex|too simple|too verbose|too long|too short)\b`),
}

var expertisePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(i know|i understand|i'm familiar|experienced with|expert in)\b`),
	regexp.MustCompile(`(?i)\b(obviously|of course|as you know|clearly)\b`),
	regexp.MustCompile(`(?i)\b(in my experience|from my work|professionally)\b`),
}

// entityPatterns capture the named thing in group 1 when a group exists,
// otherwise the whole match (mentions).
var entityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(?:working on|my project|called|named|project)\s+([A-Z][a-zA-Z0-9_-]+)`),
	regexp.MustCompile(`(?i)\b(?:using|with|in)\s+(FastAPI|Django|React|Vue|Angular|Node|Python|TypeScript|JavaScript)\b`),
	regexp.MustCompile(`@[a-zA-Z0-9_]+`),
}

var goalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(i want to|i need to|trying to|goal is|objective is|aim to)\b`),
	regexp.MustCompile(`(?i)\b(build|create|make|develop|implement)\b.*\b(that|which|so)\b`),
	regexp.MustCompile(`(?i)\b(end result|final|outcome|achieve)\b`),
}

// styleIndicators and personalityIndicators are ordered so extraction output
// is deterministic. One signal per dimension per interaction.
var styleIndicators = []struct {
	dimension string
	pattern   *regexp.Regexp
}{
	{"formal", regexp.MustCompile(`(?i)\b(kindly|please|would you|could you|regarding)\b`)},
	{"casual", regexp.MustCompile(`(?i)\b(hey|cool|awesome|nice|great|thanks|thx)\b`)},
	{"technical", regexp.MustCompile(`(?i)\b(implementation|architecture|algorithm|optimize|performance)\b`)},
	{"concise", regexp.MustCompile(`^.{1,50}$`)},
	{"detailed", regexp.MustCompile(`^.{200,}$`)},
	{"direct", regexp.MustCompile(`(?i)^(do|make|create|fix|change|add|remove)\b`)},
}

var personalityIndicators = []struct {
	trait   string
	pattern *regexp.Regexp
}{
	{"perfectionist", regexp.MustCompile(`(?i)\b(perfect|exactly|precise|correct|accurate)\b`)},
	{"pragmatic", regexp.MustCompile(`(?i)\b(quick|fast|simple|easy|just|good enough)\b`)},
	{"curious", regexp.MustCompile(`(?i)\b(why|how|what if|curious|wonder|interesting)\b`)},
	{"systematic", regexp.MustCompile(`(?i)\b(step by step|first|then|next|finally|process)\b`)},
}

var wordPattern = regexp.MustCompile(`\b\w+\b`)
var questionPattern = regexp.MustCompile(`\?`)

// techVocabulary feeds implicit expertise detection. Three or more hits in a
// single message count as demonstrated fluency.
var techVocabulary = map[string]bool{
	"api": true, "database": true, "server": true, "client": true,
	"function": true, "class": true, "method": true, "variable": true,
	"algorithm": true, "architecture": true, "framework": true,
	"library": true, "module": true, "package": true, "deploy": true,
	"debug": true, "compile": true, "runtime": true, "async": true,
	"sync": true, "thread": true, "process": true, "memory": true,
	"cache": true, "queue": true, "stack": true, "heap": true,
	"pointer": true, "reference": true, "interface": true,
	"abstract": true, "inherit": true, "polymorphism": true,
	"encapsulation": true,
}

var techEntityNames = map[string]bool{
	"python": true, "javascript": true, "typescript": true, "rust": true,
	"go": true, "java": true, "react": true, "vue": true, "angular": true,
	"fastapi": true, "django": true, "flask": true, "node": true,
	"docker": true, "kubernetes": true, "aws": true, "azure": true,
	"gcp": true,
}

// signalWeights bias aggregate confidence toward the signal families that
// carry the most information about the user.
var signalWeights = map[types.SignalType]float64{
	types.SignalCorrection:  2.0,
	types.SignalPreference:  1.5,
	types.SignalAversion:    1.5,
	types.SignalExpertise:   1.3,
	types.SignalGoal:        1.2,
	types.SignalEntity:      1.0,
	types.SignalContext:     1.0,
	types.SignalWorkflow:    1.0,
	types.SignalStyle:       0.8,
	types.SignalPersonality: 0.7,
}

const (
	maxRecentSignals = 50
	maxPreferenceLen = 100
	maxGoalLen       = 150
)

// =============================================================================
// OBSERVER
// =============================================================================

// ExtractionResult is the outcome of observing one interaction.
type ExtractionResult struct {
	Signals         []types.Signal
	Confidence      float64
	PatternsMatched []string
}

// Observer extracts typed behavioral signals from interaction text.
// It keeps a bounded ring of recent signals for diagnostics; the ring is the
// only state, so a zero-value Observer is not usable, construct via NewObserver.
type Observer struct {
	recent []types.Signal
}

// NewObserver creates an interaction observer.
func NewObserver() *Observer {
	return &Observer{recent: make([]types.Signal, 0, maxRecentSignals)}
}

// Observe analyzes one user/assistant exchange and returns every signal it can
// extract, deduplicated within the extraction, plus an aggregate confidence.
func (o *Observer) Observe(userInput, aiOutput string) ExtractionResult {
	timer := logging.StartTimer(logging.CategoryPerception, "Observe")
	defer timer.Stop()

	contentHash := types.HashInteraction(userInput, aiOutput)

	var signals []types.Signal
	signals = append(signals, o.extractCorrections(userInput, contentHash)...)
	signals = append(signals, o.extractPreferences(userInput, contentHash)...)
	signals = append(signals, o.extractAversions(userInput, contentHash)...)
	signals = append(signals, o.extractExpertise(userInput, contentHash)...)
	signals = append(signals, o.extractEntities(userInput, contentHash)...)
	signals = append(signals, o.extractGoals(userInput, contentHash)...)
	signals = append(signals, o.extractStyle(userInput, contentHash)...)
	signals = append(signals, o.extractPersonality(userInput, contentHash)...)
	signals = append(signals, o.analyzeDynamics(userInput, contentHash)...)

	signals = dedupSignals(signals)

	matched := make([]string, 0, len(signals))
	for _, s := range signals {
		matched = append(matched, s.Content)
	}

	o.recent = append(o.recent, signals...)
	if len(o.recent) > maxRecentSignals {
		o.recent = o.recent[len(o.recent)-maxRecentSignals:]
	}

	result := ExtractionResult{
		Signals:         signals,
		Confidence:      aggregateConfidence(signals),
		PatternsMatched: matched,
	}
	logging.Perception("Observed interaction: %d signals, confidence %.2f", len(signals), result.Confidence)
	return result
}

// RecentSignals returns recent signals, optionally filtered by type and
// minimum confidence. Pass "" to skip the type filter.
func (o *Observer) RecentSignals(signalType types.SignalType, minConfidence float64) []types.Signal {
	out := make([]types.Signal, 0, len(o.recent))
	for _, s := range o.recent {
		if signalType != "" && s.Type != signalType {
			continue
		}
		if s.Confidence < minConfidence {
			continue
		}
		out = append(out, s)
	}
	return out
}

// ClearRecent drops the recent-signal ring.
func (o *Observer) ClearRecent() {
	o.recent = o.recent[:0]
}

// =============================================================================
// EXTRACTORS
// =============================================================================

// extractCorrections finds explicit pushback. Corrections are the highest
// value signal: when the user says "no, do X" they are teaching directly.
// At most one correction signal per interaction.
func (o *Observer) extractCorrections(userInput, contentHash string) []types.Signal {
	for _, pattern := range correctionPatterns {
		match := pattern.FindString(userInput)
		if match == "" {
			continue
		}
		content := userInput
		if m := insteadPattern.FindStringSubmatch(userInput); m != nil && strings.TrimSpace(m[1]) != "" {
			content = "Prefer: " + strings.TrimSpace(m[1])
		}
		sig := types.NewSignal(types.SignalCorrection, content, 0.85)
		sig.SourceHash = contentHash
		sig.Metadata = map[string]any{"pattern": pattern.String(), "match": match}
		return []types.Signal{sig}
	}
	return nil
}

func (o *Observer) extractPreferences(userInput, contentHash string) []types.Signal {
	var signals []types.Signal
	for _, pattern := range preferencePatterns {
		loc := pattern.FindStringIndex(userInput)
		if loc == nil {
			continue
		}
		after := strings.TrimSpace(userInput[loc[1]:])
		content := truncate(after, maxPreferenceLen)
		if content == "" {
			continue
		}
		sig := types.NewSignal(types.SignalPreference, content, 0.7)
		sig.SourceHash = contentHash
		sig.Metadata = map[string]any{"indicator": userInput[loc[0]:loc[1]]}
		signals = append(signals, sig)
	}
	return signals
}

func (o *Observer) extractAversions(userInput, contentHash string) []types.Signal {
	var signals []types.Signal
	for _, pattern := range aversionPatterns {
		loc := pattern.FindStringIndex(userInput)
		if loc == nil {
			continue
		}
		after := strings.TrimSpace(userInput[loc[1]:])
		if after == "" {
			continue
		}
		sig := types.NewSignal(types.SignalAversion, "Avoid: "+truncate(after, maxPreferenceLen), 0.75)
		sig.SourceHash = contentHash
		sig.Metadata = map[string]any{"indicator": userInput[loc[0]:loc[1]]}
		signals = append(signals, sig)
	}
	return signals
}

// extractExpertise detects both explicit claims ("I'm familiar with X") and
// implicit fluency (three or more technical terms in one message).
func (o *Observer) extractExpertise(userInput, contentHash string) []types.Signal {
	var signals []types.Signal
	for _, pattern := range expertisePatterns {
		loc := pattern.FindStringIndex(userInput)
		if loc == nil {
			continue
		}
		after := strings.TrimSpace(userInput[loc[1]:])
		domain := "general"
		if fields := strings.Fields(after); len(fields) > 0 {
			domain = fields[0]
		}
		sig := types.NewSignal(types.SignalExpertise, "Expert: "+domain, 0.8)
		sig.SourceHash = contentHash
		sig.Metadata = map[string]any{"indicator": userInput[loc[0]:loc[1]]}
		signals = append(signals, sig)
	}

	if terms := detectTechnicalTerms(userInput); len(terms) >= 3 {
		sig := types.NewSignal(types.SignalExpertise, "Domain expertise: "+inferDomain(terms), 0.6)
		sig.SourceHash = contentHash
		sig.Metadata = map[string]any{"detected_terms": terms}
		signals = append(signals, sig)
	}
	return signals
}

func (o *Observer) extractEntities(userInput, contentHash string) []types.Signal {
	var signals []types.Signal
	for _, pattern := range entityPatterns {
		for _, m := range pattern.FindAllStringSubmatch(userInput, -1) {
			name := m[0]
			if len(m) > 1 {
				name = m[1]
			}
			name = strings.TrimSpace(name)
			if len(name) <= 2 {
				continue
			}
			sig := types.NewSignal(types.SignalEntity, name, 0.65)
			sig.SourceHash = contentHash
			sig.Metadata = map[string]any{"entity_type": classifyEntity(name)}
			signals = append(signals, sig)
		}
	}
	return signals
}

func (o *Observer) extractGoals(userInput, contentHash string) []types.Signal {
	var signals []types.Signal
	for _, pattern := range goalPatterns {
		loc := pattern.FindStringIndex(userInput)
		if loc == nil {
			continue
		}
		after := strings.TrimSpace(userInput[loc[1]:])
		content := truncate(after, maxGoalLen)
		if content == "" {
			continue
		}
		sig := types.NewSignal(types.SignalGoal, content, 0.7)
		sig.SourceHash = contentHash
		sig.Metadata = map[string]any{"indicator": userInput[loc[0]:loc[1]]}
		signals = append(signals, sig)
	}
	return signals
}

func (o *Observer) extractStyle(userInput, contentHash string) []types.Signal {
	var signals []types.Signal
	for _, ind := range styleIndicators {
		if !ind.pattern.MatchString(userInput) {
			continue
		}
		sig := types.NewSignal(types.SignalStyle, "style:"+ind.dimension, 0.5)
		sig.SourceHash = contentHash
		sig.Metadata = map[string]any{"style_dimension": ind.dimension}
		signals = append(signals, sig)
	}
	return signals
}

// extractPersonality is deliberately low-confidence. Traits need many
// consistent observations before the profile treats them as real.
func (o *Observer) extractPersonality(userInput, contentHash string) []types.Signal {
	var signals []types.Signal
	for _, ind := range personalityIndicators {
		if !ind.pattern.MatchString(userInput) {
			continue
		}
		sig := types.NewSignal(types.SignalPersonality, "trait:"+ind.trait, 0.4)
		sig.SourceHash = contentHash
		sig.Metadata = map[string]any{"trait": ind.trait}
		signals = append(signals, sig)
	}
	return signals
}

// analyzeDynamics looks at the shape of the message rather than its words:
// terseness, verbosity, and question stacking.
func (o *Observer) analyzeDynamics(userInput, contentHash string) []types.Signal {
	var signals []types.Signal

	switch n := len(userInput); {
	case n < 50:
		sig := types.NewSignal(types.SignalStyle, "style:concise_questions", 0.4)
		sig.SourceHash = contentHash
		sig.Metadata = map[string]any{"message_length": n}
		signals = append(signals, sig)
	case n > 300:
		sig := types.NewSignal(types.SignalStyle, "style:detailed_context", 0.4)
		sig.SourceHash = contentHash
		sig.Metadata = map[string]any{"message_length": n}
		signals = append(signals, sig)
	}

	if q := len(questionPattern.FindAllString(userInput, -1)); q > 2 {
		sig := types.NewSignal(types.SignalStyle, "style:multi_question", 0.5)
		sig.SourceHash = contentHash
		sig.Metadata = map[string]any{"question_count": q}
		signals = append(signals, sig)
	}
	return signals
}

// =============================================================================
// HELPERS
// =============================================================================

func detectTechnicalTerms(text string) []string {
	var terms []string
	for _, w := range wordPattern.FindAllString(strings.ToLower(text), -1) {
		if techVocabulary[w] {
			terms = append(terms, w)
		}
	}
	return terms
}

// inferDomain buckets detected terms into a coarse domain label.
func inferDomain(terms []string) string {
	webTerms := map[string]bool{"api": true, "server": true, "client": true, "deploy": true}
	mlTerms := map[string]bool{"model": true, "training": true, "dataset": true, "neural": true}
	dbTerms := map[string]bool{"database": true, "query": true, "schema": true, "table": true}

	var webCount, mlCount, dbCount int
	seen := map[string]bool{}
	for _, t := range terms {
		if seen[t] {
			continue
		}
		seen[t] = true
		if webTerms[t] {
			webCount++
		}
		if mlTerms[t] {
			mlCount++
		}
		if dbTerms[t] {
			dbCount++
		}
	}

	switch {
	case mlCount >= webCount && mlCount >= dbCount && mlCount > 0:
		return "machine learning"
	case dbCount >= webCount && dbCount > 0:
		return "databases"
	case webCount > 0:
		return "web development"
	default:
		return "software engineering"
	}
}

func classifyEntity(entity string) string {
	switch {
	case techEntityNames[strings.ToLower(entity)]:
		return "technology"
	case strings.HasPrefix(entity, "@"):
		return "mention"
	case entity != "" && entity[0] >= 'A' && entity[0] <= 'Z':
		return "project"
	default:
		return "concept"
	}
}

// dedupSignals drops repeated (type, content) pairs within one extraction,
// keeping the first occurrence. Content comparison is case-insensitive.
func dedupSignals(signals []types.Signal) []types.Signal {
	if len(signals) < 2 {
		return signals
	}
	seen := make(map[string]bool, len(signals))
	out := signals[:0]
	for _, s := range signals {
		key := string(s.Type) + "|" + strings.ToLower(strings.TrimSpace(s.Content))
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}

// aggregateConfidence is the weighted mean of per-signal confidence, using
// signalWeights. Zero signals means zero confidence.
func aggregateConfidence(signals []types.Signal) float64 {
	if len(signals) == 0 {
		return 0.0
	}
	var totalWeight, weighted float64
	for _, s := range signals {
		w, ok := signalWeights[s.Type]
		if !ok {
			w = 1.0
		}
		weighted += s.Confidence * w
		totalWeight += w
	}
	if totalWeight == 0 {
		return 0.0
	}
	return weighted / totalWeight
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
