// Package store is imprint's cold storage tier. The Archive is an
// append-only gzip-compressed JSONL file holding everything the kernel
// evicts from RAM: processed interactions, extracted signals, and retired
// hypotheses and rules. Because interactions are never thrown away, the
// archive doubles as a recovery log: RecompileBrain replays it through a
// learning pipeline to rebuild the kernel's learned state from scratch.
// An optional SQLite index catalogues entries for cheap stats and
// retention maintenance; the JSONL files remain the source of truth.
package store

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"imprint/internal/logging"
	"imprint/internal/types"
)

// DefaultMaxBytes is the rotation threshold when Options.MaxBytes is zero.
const DefaultMaxBytes = 100 * 1024 * 1024

// Entry types on the wire.
const (
	EntryInteraction = "interaction"
	EntrySignal      = "signal"
	EntryHypothesis  = "hypothesis"
	EntryRule        = "rule"
)

// ArchiveEntry is one line of the archive. Data holds the archived entity
// verbatim; for hypotheses and rules it also carries an archive_reason
// field recording why the entity left RAM.
type ArchiveEntry struct {
	EntryType string          `json:"entry_type"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Options configures an Archive.
type Options struct {
	MaxBytes int64  // rotation threshold, 0 means DefaultMaxBytes
	Index    *Index // optional derived index, nil disables indexing
}

// Archive is the append-only cold storage file. Appends are serialized by
// a mutex; each batch is written as its own gzip member, so a reader sees
// a valid multistream file even if a later batch is cut short.
type Archive struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	index    *Index

	now func() time.Time
}

// NewArchive opens an archive at path, creating parent directories as
// needed. The file itself is created lazily on first append.
func NewArchive(path string, opts Options) (*Archive, error) {
	if path == "" {
		return nil, fmt.Errorf("archive path required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create archive directory: %w", err)
		}
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Archive{
		path:     path,
		maxBytes: maxBytes,
		index:    opts.Index,
		now:      time.Now,
	}, nil
}

// Path returns the current archive file path.
func (a *Archive) Path() string {
	return a.path
}

// Index returns the attached index, or nil.
func (a *Archive) Index() *Index {
	return a.index
}

// =============================================================================
// APPEND
// =============================================================================

// ArchiveInteractions appends processed interaction logs and returns how
// many were written.
func (a *Archive) ArchiveInteractions(logs []types.InteractionLog) (int, error) {
	entries := make([]ArchiveEntry, 0, len(logs))
	stamp := a.timestamp()
	for _, log := range logs {
		data, err := json.Marshal(log)
		if err != nil {
			return 0, fmt.Errorf("failed to encode interaction %s: %w", log.ID, err)
		}
		entries = append(entries, ArchiveEntry{EntryType: EntryInteraction, Timestamp: stamp, Data: data})
	}
	if err := a.appendBatch(entries); err != nil {
		return 0, err
	}
	logging.StoreDebug("Archived %d interactions", len(entries))
	return len(entries), nil
}

// ArchiveSignals appends extracted signals and returns how many were
// written.
func (a *Archive) ArchiveSignals(signals []types.Signal) (int, error) {
	entries := make([]ArchiveEntry, 0, len(signals))
	stamp := a.timestamp()
	for _, sig := range signals {
		data, err := json.Marshal(sig)
		if err != nil {
			return 0, fmt.Errorf("failed to encode signal: %w", err)
		}
		entries = append(entries, ArchiveEntry{EntryType: EntrySignal, Timestamp: stamp, Data: data})
	}
	if err := a.appendBatch(entries); err != nil {
		return 0, err
	}
	logging.StoreDebug("Archived %d signals", len(entries))
	return len(entries), nil
}

// ArchiveHypothesis appends a retired hypothesis with the reason it left
// RAM (promoted, rejected, expired, limit_reached).
func (a *Archive) ArchiveHypothesis(h types.Hypothesis, reason string) error {
	data, err := json.Marshal(struct {
		types.Hypothesis
		ArchiveReason string `json:"archive_reason"`
	}{h, reason})
	if err != nil {
		return fmt.Errorf("failed to encode hypothesis %s: %w", h.ID, err)
	}
	entry := ArchiveEntry{EntryType: EntryHypothesis, Timestamp: a.timestamp(), Data: data}
	if err := a.appendBatch([]ArchiveEntry{entry}); err != nil {
		return err
	}
	logging.StoreDebug("Archived hypothesis: id=%s reason=%s", h.ID, reason)
	return nil
}

// ArchiveRule appends a retired scoped rule with the reason it left RAM.
func (a *Archive) ArchiveRule(r types.ScopedRule, reason string) error {
	data, err := json.Marshal(struct {
		types.ScopedRule
		ArchiveReason string `json:"archive_reason"`
	}{r, reason})
	if err != nil {
		return fmt.Errorf("failed to encode rule %s: %w", r.ID, err)
	}
	entry := ArchiveEntry{EntryType: EntryRule, Timestamp: a.timestamp(), Data: data}
	if err := a.appendBatch([]ArchiveEntry{entry}); err != nil {
		return err
	}
	logging.StoreDebug("Archived rule: id=%s reason=%s", r.ID, reason)
	return nil
}

func (a *Archive) timestamp() string {
	return a.now().UTC().Format(time.RFC3339)
}

func (a *Archive) appendBatch(entries []ArchiveEntry) error {
	if len(entries) == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.rotateLocked(); err != nil {
		return err
	}
	if err := a.writeBatchLocked(entries); err != nil {
		return err
	}
	if a.index != nil {
		if err := a.index.RecordEntries(a.path, entries); err != nil {
			logging.StoreWarn("Archive index update failed: %v", err)
		}
	}
	return nil
}

func (a *Archive) writeBatchLocked(entries []ArchiveEntry) error {
	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open archive file: %w", err)
	}
	zw := gzip.NewWriter(f)
	for _, entry := range entries {
		line, err := json.Marshal(entry)
		if err == nil {
			_, err = zw.Write(append(line, '\n'))
		}
		if err != nil {
			zw.Close()
			f.Close()
			return fmt.Errorf("failed to write archive entry: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return fmt.Errorf("failed to finish archive batch: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close archive file: %w", err)
	}
	return nil
}

// =============================================================================
// ROTATION
// =============================================================================

// rotateLocked renames the current file aside when it has outgrown the
// threshold, so the next write starts a fresh file. Rotated files stay
// readable: ReadEntries and RecompileBrain walk them oldest first.
func (a *Archive) rotateLocked() error {
	info, err := os.Stat(a.path)
	if err != nil || info.Size() <= a.maxBytes {
		return nil
	}
	target := a.rotationTargetLocked()
	if err := os.Rename(a.path, target); err != nil {
		return fmt.Errorf("failed to rotate archive: %w", err)
	}
	logging.Store("Archive rotated: file=%s size_bytes=%d", filepath.Base(target), info.Size())
	if a.index != nil {
		if err := a.index.ReassignEntries(a.path, target); err != nil {
			logging.StoreWarn("Archive index reassign failed: %v", err)
		}
		if err := a.index.RecordRotation(target, a.now().UTC(), info.Size()); err != nil {
			logging.StoreWarn("Archive index rotation record failed: %v", err)
		}
	}
	return nil
}

func (a *Archive) rotationTargetLocked() string {
	stem, suffix := splitArchiveName(a.path)
	stamp := a.now().UTC().Format("20060102_150405")
	target := fmt.Sprintf("%s_%s%s", stem, stamp, suffix)
	for n := 1; ; n++ {
		if _, err := os.Stat(target); os.IsNotExist(err) {
			return target
		}
		target = fmt.Sprintf("%s_%s_%d%s", stem, stamp, n, suffix)
	}
}

// splitArchiveName splits a path at the first dot of its base name, so
// "brain_archive.jsonl.gz" keeps the full ".jsonl.gz" suffix on rotation.
func splitArchiveName(path string) (stem, suffix string) {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if i := strings.Index(base, "."); i > 0 {
		return filepath.Join(dir, base[:i]), base[i:]
	}
	return path, ""
}

func (a *Archive) rotatedPattern() string {
	stem, suffix := splitArchiveName(a.path)
	return stem + "_*" + suffix
}

// filesLocked lists every archive file in read order: rotated files first
// (their timestamped names sort chronologically), then the current file.
func (a *Archive) filesLocked() []string {
	files, _ := filepath.Glob(a.rotatedPattern())
	sort.Strings(files)
	if _, err := os.Stat(a.path); err == nil {
		files = append(files, a.path)
	}
	return files
}

// =============================================================================
// READ
// =============================================================================

// ReadFilter narrows ReadEntries output. Zero values mean no constraint;
// time bounds are exclusive and compare against the entry's archive
// timestamp.
type ReadFilter struct {
	Types  []string
	After  time.Time
	Before time.Time
}

func (f ReadFilter) matches(entry ArchiveEntry) bool {
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if t == entry.EntryType {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.After.IsZero() && f.Before.IsZero() {
		return true
	}
	ts, err := time.Parse(time.RFC3339, entry.Timestamp)
	if err != nil {
		return false
	}
	if !f.After.IsZero() && !ts.After(f.After) {
		return false
	}
	if !f.Before.IsZero() && !ts.Before(f.Before) {
		return false
	}
	return true
}

// ReadEntries returns every matching entry across rotated and current
// files, oldest file first. Malformed lines are skipped and a truncated
// tail is dropped, so a crash mid-append never poisons the archive.
func (a *Archive) ReadEntries(filter ReadFilter) ([]ArchiveEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var entries []ArchiveEntry
	err := a.scanLocked(filter, func(entry ArchiveEntry) {
		entries = append(entries, entry)
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Interactions returns every archived interaction, oldest first.
func (a *Archive) Interactions() ([]types.InteractionLog, error) {
	entries, err := a.ReadEntries(ReadFilter{Types: []string{EntryInteraction}})
	if err != nil {
		return nil, err
	}
	logs := make([]types.InteractionLog, 0, len(entries))
	for _, entry := range entries {
		var log types.InteractionLog
		if err := json.Unmarshal(entry.Data, &log); err != nil {
			continue
		}
		logs = append(logs, log)
	}
	return logs, nil
}

func (a *Archive) scanLocked(filter ReadFilter, fn func(ArchiveEntry)) error {
	for _, file := range a.filesLocked() {
		if err := scanArchiveFile(file, filter, fn); err != nil {
			return err
		}
	}
	return nil
}

// scanArchiveFile streams one file line by line. gzip.Reader handles the
// member-per-batch layout natively; a decode error mid-file means a
// truncated batch, so the scan stops there without failing.
func scanArchiveFile(path string, filter ReadFilter, fn func(ArchiveEntry)) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open archive file: %w", err)
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		logging.StoreDebug("Archive file unreadable, skipping: file=%s err=%v", filepath.Base(path), err)
		return nil
	}
	defer zr.Close()

	br := bufio.NewReader(zr)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			var entry ArchiveEntry
			if jsonErr := json.Unmarshal(line, &entry); jsonErr == nil && entry.EntryType != "" {
				if filter.matches(entry) {
					fn(entry)
				}
			}
		}
		if err != nil {
			if err != io.EOF {
				logging.StoreDebug("Archive read stopped early: file=%s err=%v", filepath.Base(path), err)
			}
			return nil
		}
	}
}

// =============================================================================
// STATS / EXPORT / CLEAR
// =============================================================================

// ArchiveStats describes the archive's on-disk footprint and contents.
type ArchiveStats struct {
	Path         string         `json:"path"`
	SizeBytes    int64          `json:"size_bytes"`
	TotalEntries int            `json:"total_entries"`
	EntryCounts  map[string]int `json:"entry_counts"`
	RotatedFiles int            `json:"rotated_files"`
	OldestEntry  string         `json:"oldest_entry,omitempty"`
	NewestEntry  string         `json:"newest_entry,omitempty"`
	Indexed      bool           `json:"indexed"`
}

// Stats reports entry counts and file sizes. With an index attached the
// counts come from SQL; otherwise a full scan.
func (a *Archive) Stats() (ArchiveStats, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	stats := ArchiveStats{
		Path:        a.path,
		EntryCounts: make(map[string]int),
		Indexed:     a.index != nil,
	}
	if info, err := os.Stat(a.path); err == nil {
		stats.SizeBytes = info.Size()
	}
	rotated, _ := filepath.Glob(a.rotatedPattern())
	stats.RotatedFiles = len(rotated)

	if a.index != nil {
		idx, err := a.index.Stats()
		if err == nil {
			stats.TotalEntries = idx.Entries
			stats.EntryCounts = idx.EntryCounts
			stats.OldestEntry = idx.OldestEntry
			stats.NewestEntry = idx.NewestEntry
			return stats, nil
		}
		logging.StoreWarn("Archive index stats failed, falling back to scan: %v", err)
	}

	err := a.scanLocked(ReadFilter{}, func(entry ArchiveEntry) {
		stats.TotalEntries++
		stats.EntryCounts[entry.EntryType]++
		if stats.OldestEntry == "" || entry.Timestamp < stats.OldestEntry {
			stats.OldestEntry = entry.Timestamp
		}
		if entry.Timestamp > stats.NewestEntry {
			stats.NewestEntry = entry.Timestamp
		}
	})
	if err != nil {
		return ArchiveStats{}, err
	}
	return stats, nil
}

// ExportJSON writes the full archive as a plain JSON array for inspection
// and returns how many entries were exported.
func (a *Archive) ExportJSON(path string) (int, error) {
	timer := logging.StartTimer(logging.CategoryStore, "ExportJSON")
	defer timer.Stop()

	entries, err := a.ReadEntries(ReadFilter{})
	if err != nil {
		return 0, err
	}
	if entries == nil {
		entries = []ArchiveEntry{}
	}
	payload, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("failed to encode archive export: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return 0, fmt.Errorf("failed to create export directory: %w", err)
		}
	}
	if err := os.WriteFile(path, payload, 0644); err != nil {
		return 0, fmt.Errorf("failed to write archive export: %w", err)
	}
	logging.Store("Archive exported: entries=%d path=%s", len(entries), path)
	return len(entries), nil
}

// Clear removes the current file, every rotated file, and any index rows.
func (a *Archive) Clear() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	files, _ := filepath.Glob(a.rotatedPattern())
	files = append(files, a.path)
	removed := 0
	for _, file := range files {
		if err := os.Remove(file); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("failed to remove archive file: %w", err)
		}
		removed++
	}
	if a.index != nil {
		if err := a.index.Clear(); err != nil {
			logging.StoreWarn("Archive index clear failed: %v", err)
		}
	}
	logging.Store("Archive cleared: files_removed=%d", removed)
	return nil
}
