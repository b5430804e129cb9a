package kernel

import (
	"sort"

	"github.com/google/uuid"

	"imprint/internal/logging"
	"imprint/internal/store"
	"imprint/internal/types"
)

// ProcessedRegistryCap bounds the dedup registry.
const ProcessedRegistryCap = 10000

// ProcessedRegistry is the bounded set of interaction content hashes the
// kernel has already logged. Eviction on overflow is arbitrary: a hash old
// enough to be evicted is vanishingly unlikely to reappear verbatim.
type ProcessedRegistry struct {
	hashes   map[string]struct{}
	capacity int
}

// NewProcessedRegistry returns an empty registry.
func NewProcessedRegistry(capacity int) *ProcessedRegistry {
	if capacity <= 0 {
		capacity = ProcessedRegistryCap
	}
	return &ProcessedRegistry{
		hashes:   make(map[string]struct{}),
		capacity: capacity,
	}
}

// Seen reports whether the hash is registered.
func (p *ProcessedRegistry) Seen(hash string) bool {
	_, ok := p.hashes[hash]
	return ok
}

// Register records a hash, evicting an arbitrary one at capacity.
func (p *ProcessedRegistry) Register(hash string) {
	if _, ok := p.hashes[hash]; ok {
		return
	}
	if len(p.hashes) >= p.capacity {
		for h := range p.hashes {
			delete(p.hashes, h)
			break
		}
	}
	p.hashes[hash] = struct{}{}
}

// Len returns how many hashes are registered.
func (p *ProcessedRegistry) Len() int {
	return len(p.hashes)
}

// =============================================================================
// INTERACTION LOG
// =============================================================================

// LogInteraction records one user/assistant exchange. A pair whose content
// hash is already registered returns an empty ID and no error: the caller
// treats that as "skipped". The hash is registered before the log is
// visible, so a concurrent duplicate can never double-log.
func (k *Kernel) LogInteraction(userInput, aiOutput string) (string, error) {
	if k.limits.MaxUserInputLength > 0 && len(userInput) > k.limits.MaxUserInputLength {
		return "", types.NewValidationError("user input too long", map[string]any{
			"length": len(userInput),
			"limit":  k.limits.MaxUserInputLength,
		})
	}
	if k.limits.MaxAIOutputLength > 0 && len(aiOutput) > k.limits.MaxAIOutputLength {
		return "", types.NewValidationError("assistant output too long", map[string]any{
			"length": len(aiOutput),
			"limit":  k.limits.MaxAIOutputLength,
		})
	}
	if err := k.lock.acquire("LogInteraction"); err != nil {
		return "", err
	}
	defer k.lock.release()

	hash := types.HashInteraction(userInput, aiOutput)
	if k.processed.Seen(hash) {
		logging.KernelDebug("Duplicate interaction skipped: hash=%s", hash)
		return "", nil
	}
	if len(k.interactionLogs) >= k.limits.MaxInteractionLogs {
		return "", types.NewResourceLimitError("interaction_logs", len(k.interactionLogs), k.limits.MaxInteractionLogs)
	}
	k.processed.Register(hash)

	id := uuid.NewString()[:8]
	k.interactionLogs[id] = &types.InteractionLog{
		ID:          id,
		UserInput:   userInput,
		AIOutput:    aiOutput,
		Timestamp:   k.now().UTC(),
		ContentHash: hash,
	}
	k.metrics[MetricInteractionsLogged]++
	k.profile.RecordInteraction()
	logging.KernelDebug("Interaction logged: id=%s hash=%s", id, hash)
	return id, nil
}

// GetInteraction returns a copy of the log entry, or nil when absent.
func (k *Kernel) GetInteraction(id string) (*types.InteractionLog, error) {
	if err := k.lock.acquire("GetInteraction"); err != nil {
		return nil, err
	}
	defer k.lock.release()
	log, ok := k.interactionLogs[id]
	if !ok {
		return nil, nil
	}
	c := *log
	return &c, nil
}

// MarkProcessed flags a log as compiled so garbage collection may archive it.
func (k *Kernel) MarkProcessed(id string) error {
	if err := k.lock.acquire("MarkProcessed"); err != nil {
		return err
	}
	defer k.lock.release()
	log, ok := k.interactionLogs[id]
	if !ok {
		return types.NewValidationError("interaction not found", map[string]any{"log_id": id})
	}
	log.Processed = true
	return nil
}

// =============================================================================
// GARBAGE COLLECTION
// =============================================================================

// GCResult reports what one garbage-collection pass moved out of RAM.
type GCResult struct {
	InteractionsArchived int `json:"interactions_archived"`
	HypothesesExpired    int `json:"hypotheses_expired"`
}

// GarbageCollect archives processed interaction logs to cold storage and
// drops them, then removes expired hypotheses. When the archive write fails
// the logs are kept and the error surfaces; hypotheses expire regardless of
// whether a sink is attached.
func (k *Kernel) GarbageCollect() (GCResult, error) {
	timer := logging.StartTimer(logging.CategoryKernel, "GarbageCollect")
	defer timer.Stop()

	if err := k.lock.acquire("GarbageCollect"); err != nil {
		return GCResult{}, err
	}
	defer k.lock.release()

	var result GCResult

	processed := make([]types.InteractionLog, 0, len(k.interactionLogs))
	for _, log := range k.interactionLogs {
		if log.Processed {
			processed = append(processed, *log)
		}
	}
	sort.Slice(processed, func(i, j int) bool {
		if !processed[i].Timestamp.Equal(processed[j].Timestamp) {
			return processed[i].Timestamp.Before(processed[j].Timestamp)
		}
		return processed[i].ID < processed[j].ID
	})

	if len(processed) > 0 {
		if k.archive != nil {
			n, err := k.archive.ArchiveInteractions(processed)
			if err != nil {
				return GCResult{}, err
			}
			result.InteractionsArchived = n
			k.metrics[MetricInteractionsArchived] += int64(n)
		}
		for _, log := range processed {
			delete(k.interactionLogs, log.ID)
		}
	}

	now := k.now().UTC()
	for _, id := range sortedKeys(k.hypotheses) {
		if k.hypotheses[id].CheckExpiry(now) {
			k.removeHypothesisLocked(id, ReasonExpired)
			result.HypothesesExpired++
		}
	}

	logging.Kernel("GC complete: interactions_archived=%d hypotheses_expired=%d",
		result.InteractionsArchived, result.HypothesesExpired)
	return result, nil
}

// =============================================================================
// RECOMPILE
// =============================================================================

// Replayer is the replay half of cold storage, satisfied by *store.Archive.
type Replayer interface {
	RecompileBrain(target store.RecompileTarget, pipe store.ReplayPipeline) store.RecompileReport
}

// RecompileBrain rebuilds learned state from the archived interaction
// history. Rules, hypotheses, and the context hierarchy are dropped and
// re-derived by replaying every archived interaction through the pipeline;
// goals, facts, the profile, and live interaction logs survive.
func (k *Kernel) RecompileBrain(pipe store.ReplayPipeline) (store.RecompileReport, error) {
	if pipe == nil {
		return store.RecompileReport{}, types.NewValidationError("recompile requires a replay pipeline", nil)
	}
	replayer, ok := k.archive.(Replayer)
	if !ok {
		return store.RecompileReport{}, types.NewValidationError("no replayable archive configured", nil)
	}
	logging.Kernel("Recompile starting")
	report := replayer.RecompileBrain(k, pipe)
	logging.Kernel("Recompile complete: entries=%d replayed=%d errors=%d",
		report.EntriesProcessed, report.InteractionsReplayed, len(report.Errors))
	return report, nil
}

// ClearLearnedState drops every learned structure so a replay can rebuild
// from history. The replay itself runs unlocked kernel operations, so this
// only holds the lock for the clear.
func (k *Kernel) ClearLearnedState() {
	if err := k.lock.acquire("ClearLearnedState"); err != nil {
		logging.KernelError("ClearLearnedState skipped: %v", err)
		return
	}
	defer k.lock.release()
	k.scopedRules = make(map[string]*types.ScopedRule)
	k.hypotheses = make(map[string]*types.Hypothesis)
	k.contextNodes = make(map[string]*types.ContextNode)
	k.metrics[MetricScopedRulesAdded] = 0
	k.metrics[MetricHypothesesCreated] = 0
	k.metrics[MetricHypothesesPromoted] = 0
	k.metrics[MetricHypothesesRejected] = 0
	k.metrics[MetricContextNodesCreated] = 0
	logging.Kernel("Learned state cleared for recompile")
}
