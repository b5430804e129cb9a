package store

import (
	"encoding/json"
	"fmt"
	"time"

	"imprint/internal/logging"
	"imprint/internal/types"
)

// RecompileTarget is the kernel surface a replay rebuilds. Learned state
// is cleared up front so the replay starts from a blank slate.
type RecompileTarget interface {
	ClearLearnedState()
}

// ReplayPipeline re-derives learned state from raw interactions. The
// compiler's scientific pipeline satisfies it.
type ReplayPipeline interface {
	Observe(userInput, aiOutput string) []types.Signal
	EvolveScoped(signals []types.Signal) types.ScopedEvolveReport
}

// RecompileReport summarizes one archive replay.
type RecompileReport struct {
	EntriesProcessed     int      `json:"entries_processed"`
	InteractionsReplayed int      `json:"interactions_replayed"`
	SignalsExtracted     int      `json:"signals_extracted"`
	HypothesesCreated    int      `json:"hypotheses_created"`
	RulesPromoted        int      `json:"rules_promoted"`
	ContextNodesCreated  int      `json:"context_nodes_created"`
	Errors               []string `json:"errors,omitempty"`
	DurationSeconds      float64  `json:"duration_seconds"`
}

// RecompileBrain rebuilds the target's learned state by replaying every
// archived interaction through the pipeline, oldest first. Entries that
// fail to decode are recorded in the report and the replay continues; an
// archive that is partly damaged still recovers everything readable.
//
// The archive mutex is held only while collecting entries. The replay
// itself runs unlocked because the pipeline may archive evicted state
// back into this same archive as it learns.
func (a *Archive) RecompileBrain(target RecompileTarget, pipe ReplayPipeline) RecompileReport {
	timer := logging.StartTimer(logging.CategoryStore, "RecompileBrain")
	defer timer.Stop()
	start := time.Now()

	target.ClearLearnedState()

	var report RecompileReport
	var interactions []types.InteractionLog

	a.mu.Lock()
	err := a.scanLocked(ReadFilter{}, func(entry ArchiveEntry) {
		report.EntriesProcessed++
		if entry.EntryType != EntryInteraction {
			return
		}
		var log types.InteractionLog
		if err := json.Unmarshal(entry.Data, &log); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("interaction decode failed: %v", err))
			return
		}
		interactions = append(interactions, log)
	})
	a.mu.Unlock()
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
	}

	for _, log := range interactions {
		signals := pipe.Observe(log.UserInput, log.AIOutput)
		report.InteractionsReplayed++
		report.SignalsExtracted += len(signals)
		if len(signals) == 0 {
			continue
		}
		evolved := pipe.EvolveScoped(signals)
		report.HypothesesCreated += evolved.HypothesesCreated
		report.RulesPromoted += evolved.RulesPromoted
		report.ContextNodesCreated += evolved.ContextNodesCreated
	}

	report.DurationSeconds = time.Since(start).Seconds()
	logging.Store("Recompile replayed %d interactions from %d entries: hypotheses=%d rules=%d errors=%d",
		report.InteractionsReplayed, report.EntriesProcessed,
		report.HypothesesCreated, report.RulesPromoted, len(report.Errors))
	return report
}
