// Package brain is the session facade over the learning kernel: one handle
// wiring observer, compiler, injector, archive, and kernel into the
// observe -> evolve -> inject loop a host application drives.
package brain

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"imprint/internal/compiler"
	"imprint/internal/config"
	"imprint/internal/embedding"
	"imprint/internal/kernel"
	"imprint/internal/logging"
	"imprint/internal/perception"
	"imprint/internal/prompt"
	"imprint/internal/store"
	"imprint/internal/types"
)

// ErrClosed is returned by every method called after Close.
var ErrClosed = errors.New("brain is closed")

// InjectResult is the assembled briefing with usage counts.
type InjectResult = prompt.InjectionResult

// =============================================================================
// BRAIN
// =============================================================================

// Brain owns one learning session: the kernel plus the perception, evolution,
// and injection machinery around it. All methods are safe for concurrent use
// when the session is configured with thread safety.
type Brain struct {
	cfg      *config.Config
	kernel   *kernel.Kernel
	observer *perception.AttentionObserver
	compiler *compiler.Compiler
	injector *prompt.Injector
	archive  *store.Archive
	engine   embedding.EmbeddingEngine

	id  string
	now func() time.Time

	mu             sync.Mutex
	closed         bool
	sinceGC        int
	observations   int
	evolutions     int
	validationErrs int
	pending        []types.CollaborationRequest

	closeOnce sync.Once
	closeErr  error
}

// New constructs a brain from configuration. A nil config uses the defaults.
func New(cfg *config.Config) (*Brain, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	engine, err := embedding.NewEngine(embedding.Config{
		Provider:    cfg.Embedding.Provider,
		VectorSize:  cfg.Embedding.VectorSize,
		CacheSize:   cfg.Embedding.CacheSize,
		GenAIAPIKey: cfg.Embedding.APIKey,
		GenAIModel:  cfg.Embedding.Model,
		TaskType:    "SEMANTIC_SIMILARITY",
	})
	if err != nil {
		return nil, err
	}

	var archive *store.Archive
	if cfg.Archive.Enabled && cfg.Archive.Path != "" {
		opts := store.Options{MaxBytes: cfg.ArchiveMaxBytes()}
		if cfg.Archive.IndexPath != "" {
			index, err := store.OpenIndex(cfg.Archive.IndexPath)
			if err != nil {
				return nil, err
			}
			opts.Index = index
		}
		archive, err = store.NewArchive(cfg.Archive.Path, opts)
		if err != nil {
			if opts.Index != nil {
				_ = opts.Index.Close()
			}
			return nil, err
		}
	}

	kernelOpts := kernel.Options{
		Limits:       cfg.Limits,
		Engine:       engine,
		ThreadSafety: cfg.Session.ThreadSafety,
		LockTimeout:  cfg.GetLockTimeout(),
	}
	if archive != nil {
		kernelOpts.Archive = archive
	}
	k := kernel.New(kernelOpts)
	comp := compiler.New(k)

	b := &Brain{
		cfg:      cfg,
		kernel:   k,
		observer: perception.NewAttentionObserver(cfg.GetMinDwell()),
		compiler: comp,
		injector: prompt.New(k, comp.DetectScope),
		archive:  archive,
		engine:   engine,
		id:       uuid.NewString()[:8],
		now:      time.Now,
	}
	logging.Session("Brain created: id=%s pipeline=%s archive=%t",
		b.id, cfg.Session.Pipeline, archive != nil)
	return b, nil
}

// Open constructs a brain and loads persisted state from path. A missing
// state file is not an error: the brain starts fresh and saves there later.
func Open(path string, cfg *config.Config) (*Brain, error) {
	b, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := b.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Session("No state at %s, starting fresh", path)
			return b, nil
		}
		_ = b.Close()
		return nil, err
	}
	return b, nil
}

// ID returns the session identifier.
func (b *Brain) ID() string {
	return b.id
}

// Kernel exposes the underlying kernel for direct queries.
func (b *Brain) Kernel() *kernel.Kernel {
	return b.kernel
}

// Archive returns the attached cold storage, or nil when disabled.
func (b *Brain) Archive() *store.Archive {
	return b.archive
}

func (b *Brain) ensureOpen() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close clears session state and releases the archive index. Close is
// idempotent; every later call returns the first close's error.
func (b *Brain) Close() error {
	b.closeOnce.Do(func() {
		if err := b.kernel.ClearWorkingMemory(); err != nil {
			b.closeErr = err
		}
		if b.cfg.Session.AutoSave && b.cfg.Session.SavePath != "" {
			if err := b.Save(b.cfg.Session.SavePath); err != nil {
				logging.SessionError("Auto-save on close failed: %v", err)
				if b.closeErr == nil {
					b.closeErr = err
				}
			}
		}

		b.mu.Lock()
		b.closed = true
		observations := b.observations
		b.mu.Unlock()

		if b.archive != nil && b.archive.Index() != nil {
			if err := b.archive.Index().Close(); err != nil && b.closeErr == nil {
				b.closeErr = err
			}
		}
		logging.Session("Brain closed: id=%s observations=%d", b.id, observations)
	})
	return b.closeErr
}

// =============================================================================
// QUEUED COLLABORATION
// =============================================================================

// PendingCollaborations drains the queue of collaboration requests produced
// by evolutions since the last call.
func (b *Brain) PendingCollaborations() []types.CollaborationRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pending
	b.pending = nil
	return out
}

func (b *Brain) queueCollaborations(reqs []types.CollaborationRequest) {
	if len(reqs) == 0 {
		return
	}
	b.mu.Lock()
	b.pending = append(b.pending, reqs...)
	b.mu.Unlock()
}

// =============================================================================
// INTROSPECTION
// =============================================================================

// Stats is the session census: facade counters plus the kernel snapshot.
type Stats struct {
	BrainID      string       `json:"brain_id"`
	Pipeline     string       `json:"pipeline"`
	Observations int          `json:"observations"`
	Evolutions   int          `json:"evolutions"`
	Kernel       kernel.Stats `json:"kernel"`
}

// Stats returns the current session census.
func (b *Brain) Stats() (Stats, error) {
	ks, err := b.kernel.Stats()
	if err != nil {
		return Stats{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		BrainID:      b.id,
		Pipeline:     b.cfg.Session.Pipeline,
		Observations: b.observations,
		Evolutions:   b.evolutions,
		Kernel:       ks,
	}, nil
}

// HealthCheck reports liveness and headline counts in one flat map.
func (b *Brain) HealthCheck() map[string]any {
	b.mu.Lock()
	closed := b.closed
	observations := b.observations
	evolutions := b.evolutions
	validationErrs := b.validationErrs
	b.mu.Unlock()

	status := "healthy"
	if closed {
		status = "closed"
	}
	out := map[string]any{
		"status":            status,
		"id":                b.id,
		"pipeline":          b.cfg.Session.Pipeline,
		"observations":      observations,
		"evolutions":        evolutions,
		"validation_errors": validationErrs,
		"embedding_engine":  b.engine.Name(),
		"archive_enabled":   b.archive != nil,
	}

	stats, err := b.kernel.Stats()
	if err != nil {
		out["status"] = "degraded"
		out["error"] = err.Error()
		return out
	}
	out["rules_count"] = stats.ScopedRules
	out["nodes_count"] = stats.ContextNodes
	out["hypotheses_count"] = stats.Hypotheses
	out["profile_confidence"] = stats.ProfileConfidence
	if metrics, err := b.kernel.Metrics(); err == nil {
		out["kernel_metrics"] = metrics
	}
	return out
}

// Summary returns the human-readable session summary.
func (b *Brain) Summary() string {
	return b.injector.ContextSummary()
}

// Persona renders the learned user profile as a persona paragraph.
func (b *Brain) Persona() string {
	profile, err := b.kernel.Profile()
	if err != nil {
		return "Profile unavailable: " + err.Error()
	}
	return profile.GeneratePersonaPrompt()
}

// ScopeKeywords returns the keyword tables scope detection matches against.
func (b *Brain) ScopeKeywords() map[string][]string {
	return b.compiler.ScopeKeywords()
}

// =============================================================================
// DIRECT STATE
// =============================================================================

// AddGoal records a stated objective. Priority runs 1..10; non-positive
// values take the default.
func (b *Brain) AddGoal(content string, scopePath []string, priority int) (string, error) {
	if err := b.ensureOpen(); err != nil {
		return "", err
	}
	return b.kernel.AddGoal(types.NewUserGoal(content, scopePath, priority))
}

// AddFact records a stated preference or fact about the user.
func (b *Brain) AddFact(content string, scopePath []string) (string, error) {
	if err := b.ensureOpen(); err != nil {
		return "", err
	}
	return b.kernel.AddFact(types.NewUserFact(content, scopePath))
}

// SetProject marks the active project and upserts its context node. An
// existing node of the same name gains a reference and, when context is
// given, the new description; otherwise a project node is created.
func (b *Brain) SetProject(name, context string) (string, error) {
	if err := b.ensureOpen(); err != nil {
		return "", err
	}
	if strings.TrimSpace(name) == "" {
		return "", types.NewValidationError("project name is empty", nil)
	}
	if err := b.kernel.SetActiveProject(name); err != nil {
		return "", err
	}

	node, err := b.kernel.FindNodeByName(name)
	if err != nil {
		return "", err
	}
	if node != nil {
		if context != "" && context != node.Description {
			node.Description = context
			if _, err := b.kernel.AddContextNode(*node); err != nil {
				return "", err
			}
		}
		if err := b.kernel.ReferenceNode(node.ID); err != nil {
			return "", err
		}
		return node.ID, nil
	}

	fresh := types.NewContextNode("", types.ContextProject, name)
	fresh.Weight = 0.8
	fresh.Description = context
	if fresh.Description == "" {
		fresh.Description = fmt.Sprintf("User's %s project", name)
	}
	return b.kernel.AddContextNode(fresh)
}

// AddNote stores a working-memory note keyed by wall-clock time.
func (b *Brain) AddNote(note string) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	key := "note_" + b.now().UTC().Format("150405")
	return b.kernel.SetWorkingMemory(key, note)
}
