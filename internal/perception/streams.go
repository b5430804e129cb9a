package perception

import (
	"path/filepath"
	"regexp"
	"strings"

	"imprint/internal/types"
)

// =============================================================================
// TERMINAL NOISE FILTER
// =============================================================================

// terminalNoisePatterns match lines that carry no behavioral information:
// shell invocations, progress bars, spinners, dependency paths.
var terminalNoisePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(ls|cd|pwd|dir|echo|cat|mkdir|rm|cp|mv|npm|git|pip|node|python)\b`),
	regexp.MustCompile(`^\s*$`),
	regexp.MustCompile(`^[./]+\w+`),
	regexp.MustCompile(`(?i).*(\[=*\]|\d+%).*`),
	regexp.MustCompile(`(?i).*(downloading|installing|fetching).*`),
	regexp.MustCompile(`^[|/\-\\]\s*$`),
	regexp.MustCompile(`(?i)^doi:.*`),
	regexp.MustCompile(`.*node_modules.*`),
	regexp.MustCompile(`.*__pycache__.*`),
}

// IsNoise reports whether a terminal line should be discarded before
// observation. Lines shorter than two characters are always noise.
func IsNoise(line string) bool {
	line = strings.TrimSpace(line)
	if len(line) < 2 {
		return true
	}
	for _, p := range terminalNoisePatterns {
		if p.MatchString(line) {
			return true
		}
	}
	return false
}

// FilterOutput strips noise lines from raw terminal output.
func FilterOutput(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if !IsNoise(line) {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

// =============================================================================
// UNIFIED OBSERVER
// =============================================================================

// langByExt maps source file extensions to the language a CONTEXT signal
// reports. Extensions double as the watcher's file filter.
var langByExt = map[string]string{
	".py":   "Python",
	".js":   "JavaScript",
	".ts":   "TypeScript",
	".java": "Java",
	".go":   "Go",
	".rs":   "Rust",
}

// UnifiedObserver routes the three input streams through one surface:
// browser (dialogue, primary intent source), IDE (code context), and
// terminal (execution reality, noise-filtered).
type UnifiedObserver struct {
	base *Observer
}

// NewUnifiedObserver creates a multi-stream observer.
func NewUnifiedObserver() *UnifiedObserver {
	return &UnifiedObserver{base: NewObserver()}
}

// Base exposes the underlying interaction observer for recent-signal queries.
func (u *UnifiedObserver) Base() *Observer {
	return u.base
}

// ObserveBrowser observes a chat exchange and tags every signal with the
// browser stream.
func (u *UnifiedObserver) ObserveBrowser(userInput, aiOutput string) ExtractionResult {
	result := u.base.Observe(userInput, aiOutput)
	for i := range result.Signals {
		tagStream(&result.Signals[i], types.StreamBrowser)
	}
	return result
}

// ObserveIDE derives context signals from the active file. Only the language
// is extracted; activeLines contributes to the content hash, not to content.
func (u *UnifiedObserver) ObserveIDE(activeFile, activeLines string) ExtractionResult {
	lang, ok := langByExt[strings.ToLower(filepath.Ext(activeFile))]
	if !ok {
		return ExtractionResult{}
	}

	sig := types.NewSignal(types.SignalContext, "Working in "+lang, 0.9)
	sig.SourceHash = types.HashInteraction(activeFile, activeLines)
	sig.Metadata = map[string]any{"stream": string(types.StreamIDE), "language": lang}

	return ExtractionResult{
		Signals:         []types.Signal{sig},
		Confidence:      0.9,
		PatternsMatched: []string{sig.Content},
	}
}

// ObserveTerminal filters noise from terminal output and extracts execution
// outcomes. A surviving error or traceback becomes a correction signal.
func (u *UnifiedObserver) ObserveTerminal(output string) ExtractionResult {
	output = FilterOutput(output)
	if strings.TrimSpace(output) == "" {
		return ExtractionResult{}
	}

	lower := strings.ToLower(output)
	if !strings.Contains(lower, "error") && !strings.Contains(lower, "traceback") {
		return ExtractionResult{}
	}

	sig := types.NewSignal(types.SignalCorrection, "Execution error detected", 0.8)
	sig.SourceHash = types.HashInteraction(output, "")
	sig.Metadata = map[string]any{
		"stream":        string(types.StreamTerminal),
		"error_snippet": truncate(output, 200),
	}

	return ExtractionResult{
		Signals:         []types.Signal{sig},
		Confidence:      0.8,
		PatternsMatched: []string{sig.Content},
	}
}

func tagStream(sig *types.Signal, stream types.StreamType) {
	if sig.Metadata == nil {
		sig.Metadata = make(map[string]any, 1)
	}
	sig.Metadata["stream"] = string(stream)
}
