package brain

import (
	"context"

	"imprint/internal/logging"
	"imprint/internal/perception"
	"imprint/internal/types"
)

// Observation statuses.
const (
	StatusObserved = "observed"
	StatusSkipped  = "skipped"
)

// ObserveResult reports what one observation produced.
type ObserveResult struct {
	Status           string  `json:"status"`
	LogID            string  `json:"log_id,omitempty"`
	SignalsExtracted int     `json:"signals_extracted"`
	Confidence       float64 `json:"confidence"`
	EvolutionSummary string  `json:"evolution_summary,omitempty"`
}

// Observe records one user/assistant exchange: log it, extract signals,
// archive them, and evolve the rule base when auto-evolve is on. A duplicate
// exchange is skipped without side effects. Oversized or suspicious input is
// cleaned in place, or rejected under strict validation.
func (b *Brain) Observe(userInput, aiOutput string) (ObserveResult, error) {
	if err := b.ensureOpen(); err != nil {
		return ObserveResult{}, err
	}
	timer := logging.StartTimer(logging.CategorySession, "Observe")
	defer timer.Stop()

	userInput, err := b.sanitizeInput(userInput, b.cfg.Limits.MaxUserInputLength, "user input")
	if err != nil {
		return ObserveResult{}, err
	}
	aiOutput, err = b.sanitizeInput(aiOutput, b.cfg.Limits.MaxAIOutputLength, "assistant output")
	if err != nil {
		return ObserveResult{}, err
	}

	logID, err := b.kernel.LogInteraction(userInput, aiOutput)
	if err != nil {
		return ObserveResult{}, err
	}
	if logID == "" {
		logging.SessionDebug("Duplicate exchange skipped")
		return ObserveResult{Status: StatusSkipped}, nil
	}

	extracted := b.observer.ObserveBrowser(userInput, aiOutput)
	b.archiveSignals(extracted.Signals)

	var summary string
	if b.cfg.Session.AutoEvolve {
		summary = b.evolve(extracted.Signals)
		if err := b.kernel.MarkProcessed(logID); err != nil {
			logging.SessionDebug("MarkProcessed %s: %v", logID, err)
		}
	}

	b.mu.Lock()
	b.observations++
	b.sinceGC++
	runGC := b.cfg.Session.GCThreshold > 0 && b.sinceGC >= b.cfg.Session.GCThreshold
	b.mu.Unlock()
	if runGC {
		if _, err := b.GarbageCollect(); err != nil {
			logging.SessionError("Scheduled GC failed: %v", err)
		}
	}
	b.autoSave()

	logging.Session("Observed: log=%s signals=%d confidence=%.2f",
		logID, len(extracted.Signals), extracted.Confidence)
	return ObserveResult{
		Status:           StatusObserved,
		LogID:            logID,
		SignalsExtracted: len(extracted.Signals),
		Confidence:       extracted.Confidence,
		EvolutionSummary: summary,
	}, nil
}

// ObserveIDE feeds an editor snapshot through the attention filter. Files
// the user merely glanced at produce no signals and are skipped.
func (b *Brain) ObserveIDE(activeFile, activeLines string, interacted bool) (ObserveResult, error) {
	if err := b.ensureOpen(); err != nil {
		return ObserveResult{}, err
	}
	return b.absorb(b.observer.ObserveIDE(activeFile, activeLines, interacted)), nil
}

// ObserveTerminal feeds noise-filtered terminal output into the evolve path.
func (b *Brain) ObserveTerminal(output string) (ObserveResult, error) {
	if err := b.ensureOpen(); err != nil {
		return ObserveResult{}, err
	}
	return b.absorb(b.observer.ObserveTerminal(output)), nil
}

// WatchWorkspace starts a filesystem watcher rooted at root. File edits flow
// through the attention filter and into the evolve path until ctx is
// cancelled. The caller owns the returned watcher and should Close it when
// done.
func (b *Brain) WatchWorkspace(ctx context.Context, root string) (*perception.WorkspaceWatcher, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}
	watcher, err := perception.NewWorkspaceWatcher(root, b.observer, func(result perception.ExtractionResult) {
		b.absorb(result)
	})
	if err != nil {
		return nil, err
	}
	if err := watcher.Start(ctx); err != nil {
		watcher.Close()
		return nil, err
	}
	logging.Session("Workspace watch started: root=%s", root)
	return watcher, nil
}

// absorb runs the shared tail of the stream observations: archive, evolve,
// count. Stream signals carry no interaction log, so they never tick the GC
// schedule.
func (b *Brain) absorb(extracted perception.ExtractionResult) ObserveResult {
	if len(extracted.Signals) == 0 {
		return ObserveResult{Status: StatusSkipped}
	}
	b.archiveSignals(extracted.Signals)

	var summary string
	if b.cfg.Session.AutoEvolve {
		summary = b.evolve(extracted.Signals)
	}

	b.mu.Lock()
	b.observations++
	b.mu.Unlock()

	return ObserveResult{
		Status:           StatusObserved,
		SignalsExtracted: len(extracted.Signals),
		Confidence:       extracted.Confidence,
		EvolutionSummary: summary,
	}
}

// evolve runs the configured pipeline over the signals and returns a
// one-line summary. The hypothesis pipeline runs even on empty batches so
// pending trials age with every exchange.
func (b *Brain) evolve(signals []types.Signal) string {
	b.mu.Lock()
	b.evolutions++
	b.mu.Unlock()

	if b.cfg.Session.Pipeline == "hypothesis" {
		return b.compiler.EvolveScoped(signals).String()
	}
	stats := b.compiler.ScientificEvolve(signals)
	b.queueCollaborations(stats.CollaborationRequests)
	return stats.String()
}

func (b *Brain) archiveSignals(signals []types.Signal) {
	if b.archive == nil || len(signals) == 0 {
		return
	}
	if _, err := b.archive.ArchiveSignals(signals); err != nil {
		logging.SessionError("Signal archive failed: %v", err)
	}
}

func (b *Brain) autoSave() {
	if !b.cfg.Session.AutoSave || b.cfg.Session.SavePath == "" {
		return
	}
	if err := b.Save(b.cfg.Session.SavePath); err != nil {
		logging.SessionError("Auto-save failed: %v", err)
	}
}
