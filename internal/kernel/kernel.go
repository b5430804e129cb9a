// Package kernel is the in-memory authority for everything imprint learns:
// the context hierarchy, scoped rules, hypotheses, goals, facts, the user
// profile, and the interaction log. All long-lived state is owned here and
// mutated only here, so the rule state machine, resource limits, and metrics
// stay coherent no matter which pipeline is driving. One kernel-wide timeout
// lock serializes public operations; unexported *Locked helpers assume the
// lock is already held and are never safe to call from outside.
package kernel

import (
	"context"
	"time"

	"imprint/internal/config"
	"imprint/internal/embedding"
	"imprint/internal/logging"
	"imprint/internal/types"
)

// KernelVersion is the export schema version. Loads refuse payloads whose
// major component differs.
const KernelVersion = "3.0.0"

// DefaultLockTimeout bounds how long any operation waits for the kernel
// lock. A wait this long means another operation is stuck while holding it,
// which is a programming error, not contention.
const DefaultLockTimeout = 5 * time.Second

// =============================================================================
// METRICS
// =============================================================================

// Metric keys reported by Metrics(). Counters only move under the kernel lock.
const (
	MetricScopedRulesAdded     = "scoped_rules_added"
	MetricHypothesesCreated    = "hypotheses_created"
	MetricHypothesesPromoted   = "hypotheses_promoted"
	MetricHypothesesRejected   = "hypotheses_rejected"
	MetricContextNodesCreated  = "context_nodes_created"
	MetricInteractionsLogged   = "interactions_logged"
	MetricInteractionsArchived = "interactions_archived"
)

func newMetrics() map[string]int64 {
	return map[string]int64{
		MetricScopedRulesAdded:     0,
		MetricHypothesesCreated:    0,
		MetricHypothesesPromoted:   0,
		MetricHypothesesRejected:   0,
		MetricContextNodesCreated:  0,
		MetricInteractionsLogged:   0,
		MetricInteractionsArchived: 0,
	}
}

// =============================================================================
// ARCHIVE SINK
// =============================================================================

// ArchiveSink is the cold-storage surface the kernel writes evicted state
// to. *store.Archive satisfies it. A nil sink disables archival: pruned and
// expired entries are simply dropped.
type ArchiveSink interface {
	ArchiveInteractions(logs []types.InteractionLog) (int, error)
	ArchiveSignals(signals []types.Signal) (int, error)
	ArchiveHypothesis(h types.Hypothesis, reason string) error
	ArchiveRule(r types.ScopedRule, reason string) error
}

// =============================================================================
// TIMEOUT LOCK
// =============================================================================

// timeoutLock is a channel-based mutex whose acquire gives up after a
// bounded wait and reports a deadlock_suspected error instead of blocking
// forever. Not reentrant: public methods acquire exactly once and delegate
// to *Locked helpers.
type timeoutLock struct {
	ch      chan struct{}
	timeout time.Duration
	enabled bool
}

func newTimeoutLock(timeout time.Duration, enabled bool) *timeoutLock {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &timeoutLock{
		ch:      make(chan struct{}, 1),
		timeout: timeout,
		enabled: enabled,
	}
}

func (l *timeoutLock) acquire(op string) error {
	if !l.enabled {
		return nil
	}
	select {
	case l.ch <- struct{}{}:
		return nil
	case <-time.After(l.timeout):
		logging.KernelError("Lock acquisition timed out: op=%s waited=%s", op, l.timeout)
		return types.NewDeadlockError(op, l.timeout)
	}
}

func (l *timeoutLock) release() {
	if !l.enabled {
		return
	}
	select {
	case <-l.ch:
	default:
	}
}

// =============================================================================
// KERNEL
// =============================================================================

// Options configures a Kernel.
type Options struct {
	Limits       config.LimitsConfig
	Engine       embedding.EmbeddingEngine // nil selects the local engine
	Archive      ArchiveSink               // nil disables cold storage
	ThreadSafety bool
	LockTimeout  time.Duration
}

// DefaultOptions returns production options with no archive attached.
func DefaultOptions() Options {
	return Options{
		Limits:       config.DefaultLimits(),
		ThreadSafety: true,
		LockTimeout:  DefaultLockTimeout,
	}
}

// memoryEntry wraps a working-memory value with its write time so eviction
// can drop the oldest entry first.
type memoryEntry struct {
	Value string    `json:"value"`
	SetAt time.Time `json:"set_at"`
}

// Kernel holds all learned state for one user.
type Kernel struct {
	lock *timeoutLock

	contextNodes map[string]*types.ContextNode
	scopedRules  map[string]*types.ScopedRule
	hypotheses   map[string]*types.Hypothesis
	goals        map[string]*types.UserGoal
	facts        map[string]*types.UserFact

	// Flat v2 structures, kept so old exports round-trip.
	rules map[string]*types.Rule
	nodes map[string]*types.KernelNode

	profile     *types.UserProfile
	styleVector *types.StyleVector

	interactionLogs map[string]*types.InteractionLog
	processed       *ProcessedRegistry

	workingMemory map[string]memoryEntry
	activeProject string

	metrics map[string]int64
	limits  config.LimitsConfig
	engine  embedding.EmbeddingEngine
	archive ArchiveSink

	now func() time.Time
}

// New constructs an empty kernel.
func New(opts Options) *Kernel {
	limits := opts.Limits
	if limits.MaxRules <= 0 {
		limits = config.DefaultLimits()
	}
	engine := opts.Engine
	if engine == nil {
		engine = embedding.NewLocalEngine(0, 0)
	}
	k := &Kernel{
		lock:            newTimeoutLock(opts.LockTimeout, opts.ThreadSafety),
		contextNodes:    make(map[string]*types.ContextNode),
		scopedRules:     make(map[string]*types.ScopedRule),
		hypotheses:      make(map[string]*types.Hypothesis),
		goals:           make(map[string]*types.UserGoal),
		facts:           make(map[string]*types.UserFact),
		rules:           make(map[string]*types.Rule),
		nodes:           make(map[string]*types.KernelNode),
		profile:         types.NewUserProfile(),
		styleVector:     types.NewStyleVector(),
		interactionLogs: make(map[string]*types.InteractionLog),
		processed:       NewProcessedRegistry(ProcessedRegistryCap),
		workingMemory:   make(map[string]memoryEntry),
		metrics:         newMetrics(),
		limits:          limits,
		engine:          engine,
		archive:         opts.Archive,
		now:             time.Now,
	}
	logging.Kernel("Kernel initialized: max_rules=%d max_nodes=%d max_hypotheses=%d thread_safety=%v",
		limits.MaxRules, limits.MaxNodes, limits.MaxHypotheses, opts.ThreadSafety)
	return k
}

// Engine exposes the embedding engine so the compiler and injector share it.
func (k *Kernel) Engine() embedding.EmbeddingEngine {
	return k.engine
}

// Limits returns the configured resource caps.
func (k *Kernel) Limits() config.LimitsConfig {
	return k.limits
}

// embedText produces an embedding for text, or nil when the engine cannot.
// Embedding failure degrades matching quality but never fails the mutation.
func (k *Kernel) embedText(text string) []float32 {
	if k.engine == nil || text == "" {
		return nil
	}
	vec, err := k.engine.Embed(context.Background(), text)
	if err != nil {
		logging.KernelWarn("Embedding failed, continuing without vector: %v", err)
		return nil
	}
	return vec
}

// =============================================================================
// METRICS, STATS, PROFILE
// =============================================================================

// Stats is a point-in-time census of kernel state.
type Stats struct {
	ScopedRules       int     `json:"scoped_rules"`
	ContextNodes      int     `json:"context_nodes"`
	Hypotheses        int     `json:"hypotheses"`
	PendingHypotheses int     `json:"pending_hypotheses"`
	Goals             int     `json:"goals"`
	Facts             int     `json:"facts"`
	LegacyRules       int     `json:"legacy_rules"`
	LegacyNodes       int     `json:"legacy_nodes"`
	InteractionLogs   int     `json:"interaction_logs"`
	WorkingMemory     int     `json:"working_memory"`
	TotalInteractions int     `json:"total_interactions"`
	ProfileConfidence float64 `json:"profile_confidence"`
	ActiveProject     string  `json:"active_project,omitempty"`
}

// Metrics returns a copy of the counter map.
func (k *Kernel) Metrics() (map[string]int64, error) {
	if err := k.lock.acquire("Metrics"); err != nil {
		return nil, err
	}
	defer k.lock.release()
	out := make(map[string]int64, len(k.metrics))
	for key, v := range k.metrics {
		out[key] = v
	}
	return out, nil
}

// Stats returns a snapshot census.
func (k *Kernel) Stats() (Stats, error) {
	if err := k.lock.acquire("Stats"); err != nil {
		return Stats{}, err
	}
	defer k.lock.release()
	pending := 0
	for _, h := range k.hypotheses {
		if h.State == types.HypothesisPending || h.State == types.HypothesisValidating {
			pending++
		}
	}
	return Stats{
		ScopedRules:       len(k.scopedRules),
		ContextNodes:      len(k.contextNodes),
		Hypotheses:        len(k.hypotheses),
		PendingHypotheses: pending,
		Goals:             len(k.goals),
		Facts:             len(k.facts),
		LegacyRules:       len(k.rules),
		LegacyNodes:       len(k.nodes),
		InteractionLogs:   len(k.interactionLogs),
		WorkingMemory:     len(k.workingMemory),
		TotalInteractions: k.profile.TotalInteractions,
		ProfileConfidence: k.profile.ProfileConfidence,
		ActiveProject:     k.activeProject,
	}, nil
}

// Profile returns a copy of the user profile.
func (k *Kernel) Profile() (types.UserProfile, error) {
	if err := k.lock.acquire("Profile"); err != nil {
		return types.UserProfile{}, err
	}
	defer k.lock.release()
	return copyProfile(k.profile), nil
}

// StyleVector returns a copy of the learned style vector.
func (k *Kernel) StyleVector() (types.StyleVector, error) {
	if err := k.lock.acquire("StyleVector"); err != nil {
		return types.StyleVector{}, err
	}
	defer k.lock.release()
	return copyStyleVector(k.styleVector), nil
}

// UpdateProfile applies fn to the profile under the kernel lock.
func (k *Kernel) UpdateProfile(fn func(*types.UserProfile)) error {
	if err := k.lock.acquire("UpdateProfile"); err != nil {
		return err
	}
	defer k.lock.release()
	fn(k.profile)
	return nil
}

// UpdateStyle moves one style dimension toward target.
func (k *Kernel) UpdateStyle(dimension string, target, strength float64) error {
	if err := k.lock.acquire("UpdateStyle"); err != nil {
		return err
	}
	defer k.lock.release()
	k.styleVector.Update(dimension, target, strength)
	return nil
}

// =============================================================================
// ACTIVE PROJECT AND WORKING MEMORY
// =============================================================================

// SetActiveProject records the project that scope detection should append.
func (k *Kernel) SetActiveProject(name string) error {
	if err := k.lock.acquire("SetActiveProject"); err != nil {
		return err
	}
	defer k.lock.release()
	k.activeProject = name
	return nil
}

// ActiveProject returns the current project name, empty when unset.
func (k *Kernel) ActiveProject() (string, error) {
	if err := k.lock.acquire("ActiveProject"); err != nil {
		return "", err
	}
	defer k.lock.release()
	return k.activeProject, nil
}

// SetWorkingMemory stores a short-lived session note. The store is bounded;
// writing a new key at capacity evicts the oldest entry.
func (k *Kernel) SetWorkingMemory(key, value string) error {
	if key == "" {
		return types.NewValidationError("working memory key is empty", nil)
	}
	if err := k.lock.acquire("SetWorkingMemory"); err != nil {
		return err
	}
	defer k.lock.release()
	limit := k.limits.MaxWorkingMemoryItems
	if limit <= 0 {
		limit = 20
	}
	if _, exists := k.workingMemory[key]; !exists && len(k.workingMemory) >= limit {
		oldestKey := ""
		var oldest time.Time
		for mk, entry := range k.workingMemory {
			if oldestKey == "" || entry.SetAt.Before(oldest) || (entry.SetAt.Equal(oldest) && mk < oldestKey) {
				oldestKey = mk
				oldest = entry.SetAt
			}
		}
		delete(k.workingMemory, oldestKey)
	}
	k.workingMemory[key] = memoryEntry{Value: value, SetAt: k.now().UTC()}
	return nil
}

// GetWorkingMemory recalls a session note.
func (k *Kernel) GetWorkingMemory(key string) (string, bool, error) {
	if err := k.lock.acquire("GetWorkingMemory"); err != nil {
		return "", false, err
	}
	defer k.lock.release()
	entry, ok := k.workingMemory[key]
	return entry.Value, ok, nil
}

// WorkingMemorySnapshot returns a copy of all session notes.
func (k *Kernel) WorkingMemorySnapshot() (map[string]string, error) {
	if err := k.lock.acquire("WorkingMemorySnapshot"); err != nil {
		return nil, err
	}
	defer k.lock.release()
	out := make(map[string]string, len(k.workingMemory))
	for key, entry := range k.workingMemory {
		out[key] = entry.Value
	}
	return out, nil
}

// ClearWorkingMemory drops all session notes.
func (k *Kernel) ClearWorkingMemory() error {
	if err := k.lock.acquire("ClearWorkingMemory"); err != nil {
		return err
	}
	defer k.lock.release()
	k.workingMemory = make(map[string]memoryEntry)
	return nil
}
