package brain

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"imprint/internal/compiler"
	"imprint/internal/kernel"
	"imprint/internal/logging"
	"imprint/internal/perception"
	"imprint/internal/store"
	"imprint/internal/types"
)

// =============================================================================
// STATE FILES
// =============================================================================

// Save writes the exported kernel state to path, gzipped when the path ends
// in .gz. An empty path falls back to the configured save path.
func (b *Brain) Save(path string) error {
	if path == "" {
		path = b.cfg.Session.SavePath
	}
	if path == "" {
		return types.NewValidationError("save path is empty", nil)
	}

	data, err := b.kernel.ExportJSON()
	if err != nil {
		return err
	}
	if strings.HasSuffix(path, ".gz") {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(data); err != nil {
			return fmt.Errorf("failed to compress state: %w", err)
		}
		if err := gz.Close(); err != nil {
			return fmt.Errorf("failed to compress state: %w", err)
		}
		data = buf.Bytes()
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	logging.Session("State saved: path=%s bytes=%d", path, len(data))
	return nil
}

// Load replaces kernel state from a saved file, gunzipping when the path
// ends in .gz. The payload's version is checked; on any failure the current
// state is left untouched.
func (b *Brain) Load(path string) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("failed to open gzipped state: %w", err)
		}
		data, err = io.ReadAll(gz)
		if err != nil {
			return fmt.Errorf("failed to decompress state: %w", err)
		}
		if err := gz.Close(); err != nil {
			return fmt.Errorf("failed to decompress state: %w", err)
		}
	}
	if err := b.kernel.Load(data); err != nil {
		return err
	}
	logging.Session("State loaded: path=%s", path)
	return nil
}

// =============================================================================
// MAINTENANCE
// =============================================================================

// GarbageCollect archives processed interaction logs and expires stale
// hypotheses, then resets the scheduled-GC counter.
func (b *Brain) GarbageCollect() (kernel.GCResult, error) {
	if err := b.ensureOpen(); err != nil {
		return kernel.GCResult{}, err
	}
	result, err := b.kernel.GarbageCollect()
	if err != nil {
		return result, err
	}
	b.mu.Lock()
	b.sinceGC = 0
	b.mu.Unlock()
	return result, nil
}

// Recompile drops learned state and rebuilds it by replaying the archived
// interaction history through the configured pipeline. Goals, facts, and the
// profile survive the rebuild.
func (b *Brain) Recompile() (store.RecompileReport, error) {
	if err := b.ensureOpen(); err != nil {
		return store.RecompileReport{}, err
	}
	report, err := b.kernel.RecompileBrain(&replayPipeline{
		observer:   b.observer.Base(),
		compiler:   b.compiler,
		scientific: b.cfg.Session.Pipeline != "hypothesis",
	})
	if err != nil {
		return report, err
	}
	logging.Session("Recompiled: replayed=%d promoted=%d errors=%d",
		report.InteractionsReplayed, report.RulesPromoted, len(report.Errors))
	return report, nil
}

// replayPipeline feeds archived exchanges back through extraction and
// evolution. Scientific replays are folded into the scoped report shape:
// directly created rules count as promoted. Collaboration requests raised
// during a replay are discarded; the conflicts were already part of the
// session that produced the history.
type replayPipeline struct {
	observer   *perception.Observer
	compiler   *compiler.Compiler
	scientific bool
}

func (p *replayPipeline) Observe(userInput, aiOutput string) []types.Signal {
	return p.observer.Observe(userInput, aiOutput).Signals
}

func (p *replayPipeline) EvolveScoped(signals []types.Signal) types.ScopedEvolveReport {
	if !p.scientific {
		return p.compiler.EvolveScoped(signals)
	}
	stats := p.compiler.ScientificEvolve(signals)
	return types.ScopedEvolveReport{
		SignalsProcessed:  stats.SignalsProcessed,
		RulesPromoted:     stats.RulesCreated,
		RulesUpdated:      stats.RulesValidated,
		RulesContradicted: stats.RulesRejected,
	}
}
