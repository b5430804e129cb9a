package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"imprint/internal/logging"
)

// Index is the derived SQLite catalogue of archive contents. It makes
// stats and retention maintenance cheap without scanning the JSONL files.
// The archive works without one, and Reindex rebuilds it from a full
// scan, so losing the index never loses data.
type Index struct {
	db   *sql.DB
	path string
}

const indexSchema = `
CREATE TABLE IF NOT EXISTS archive_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	entry_type TEXT NOT NULL,
	archived_at TEXT NOT NULL,
	archive_file TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_archive_entries_type ON archive_entries(entry_type);
CREATE INDEX IF NOT EXISTS idx_archive_entries_file ON archive_entries(archive_file);

CREATE TABLE IF NOT EXISTS rotations (
	file TEXT PRIMARY KEY,
	rotated_at TEXT NOT NULL,
	size_bytes INTEGER NOT NULL
);
`

// OpenIndex opens or creates the archive index database.
func OpenIndex(path string) (*Index, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open index database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.StoreDebug("Index pragma failed (%s): %v", pragma, err)
		}
	}

	if _, err := db.Exec(indexSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create index schema: %w", err)
	}
	logging.Store("Archive index opened: %s", path)
	return &Index{db: db, path: path}, nil
}

// Close closes the underlying database.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// Path returns the index database path.
func (ix *Index) Path() string {
	return ix.path
}

// =============================================================================
// RECORDING
// =============================================================================

// RecordEntries catalogues one appended batch. The archive_reason is
// lifted out of each payload so purge and stats queries can see it.
func (ix *Index) RecordEntries(file string, entries []ArchiveEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := ix.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin index transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("INSERT INTO archive_entries (entry_type, archived_at, archive_file, reason) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare index insert: %w", err)
	}
	defer stmt.Close()

	for _, entry := range entries {
		if _, err := stmt.Exec(entry.EntryType, entry.Timestamp, file, entryReason(entry)); err != nil {
			return fmt.Errorf("failed to index archive entry: %w", err)
		}
	}
	return tx.Commit()
}

func entryReason(entry ArchiveEntry) string {
	var probe struct {
		Reason string `json:"archive_reason"`
	}
	if err := json.Unmarshal(entry.Data, &probe); err != nil {
		return ""
	}
	return probe.Reason
}

// ReassignEntries points catalogued entries at a file's new name after
// rotation, so purging a rotated file can find its rows.
func (ix *Index) ReassignEntries(oldFile, newFile string) error {
	if _, err := ix.db.Exec("UPDATE archive_entries SET archive_file = ? WHERE archive_file = ?", newFile, oldFile); err != nil {
		return fmt.Errorf("failed to reassign index entries: %w", err)
	}
	return nil
}

// RecordRotation catalogues a rotated-out archive file.
func (ix *Index) RecordRotation(file string, rotatedAt time.Time, sizeBytes int64) error {
	_, err := ix.db.Exec(
		"INSERT OR REPLACE INTO rotations (file, rotated_at, size_bytes) VALUES (?, ?, ?)",
		file, rotatedAt.UTC().Format(time.RFC3339), sizeBytes,
	)
	if err != nil {
		return fmt.Errorf("failed to record rotation: %w", err)
	}
	return nil
}

// =============================================================================
// QUERIES
// =============================================================================

// IndexStats summarizes the catalogued archive.
type IndexStats struct {
	Entries     int            `json:"entries"`
	EntryCounts map[string]int `json:"entry_counts"`
	Rotations   int            `json:"rotations"`
	OldestEntry string         `json:"oldest_entry,omitempty"`
	NewestEntry string         `json:"newest_entry,omitempty"`
}

// Stats reports entry counts per type plus rotation count from SQL.
func (ix *Index) Stats() (IndexStats, error) {
	stats := IndexStats{EntryCounts: make(map[string]int)}

	rows, err := ix.db.Query("SELECT entry_type, COUNT(*) FROM archive_entries GROUP BY entry_type")
	if err != nil {
		return stats, fmt.Errorf("failed to query index stats: %w", err)
	}
	for rows.Next() {
		var entryType string
		var count int
		if err := rows.Scan(&entryType, &count); err != nil {
			continue
		}
		stats.EntryCounts[entryType] = count
		stats.Entries += count
	}
	rowsErr := rows.Err()
	rows.Close()
	if rowsErr != nil {
		return stats, fmt.Errorf("failed to read index stats: %w", rowsErr)
	}

	var oldest, newest sql.NullString
	if err := ix.db.QueryRow("SELECT MIN(archived_at), MAX(archived_at) FROM archive_entries").Scan(&oldest, &newest); err == nil {
		stats.OldestEntry = oldest.String
		stats.NewestEntry = newest.String
	}
	if err := ix.db.QueryRow("SELECT COUNT(*) FROM rotations").Scan(&stats.Rotations); err != nil {
		return stats, fmt.Errorf("failed to count rotations: %w", err)
	}
	return stats, nil
}

// =============================================================================
// MAINTENANCE
// =============================================================================

// PurgeRotatedBefore deletes rotated archive files older than the cutoff
// along with their index rows, and returns how many files were removed.
// The current archive file is never touched. A file that cannot be
// removed keeps its rows so a later purge retries it.
func (ix *Index) PurgeRotatedBefore(cutoff time.Time) (int, error) {
	timer := logging.StartTimer(logging.CategoryStore, "PurgeRotatedBefore")
	defer timer.Stop()

	rows, err := ix.db.Query("SELECT file FROM rotations WHERE rotated_at < ?", cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("failed to query rotations: %w", err)
	}
	var files []string
	for rows.Next() {
		var file string
		if err := rows.Scan(&file); err != nil {
			continue
		}
		files = append(files, file)
	}
	rowsErr := rows.Err()
	rows.Close()
	if rowsErr != nil {
		return 0, fmt.Errorf("failed to read rotations: %w", rowsErr)
	}

	removed := 0
	for _, file := range files {
		if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
			logging.StoreWarn("Purge could not remove %s: %v", file, err)
			continue
		}
		if _, err := ix.db.Exec("DELETE FROM archive_entries WHERE archive_file = ?", file); err != nil {
			logging.StoreWarn("Purge could not clear entry rows for %s: %v", file, err)
		}
		if _, err := ix.db.Exec("DELETE FROM rotations WHERE file = ?", file); err != nil {
			logging.StoreWarn("Purge could not clear rotation row for %s: %v", file, err)
		}
		removed++
	}
	if removed > 0 {
		logging.Store("Purged %d rotated archive files older than %s", removed, cutoff.UTC().Format(time.RFC3339))
	}
	return removed, nil
}

// Clear drops every index row.
func (ix *Index) Clear() error {
	if _, err := ix.db.Exec("DELETE FROM archive_entries"); err != nil {
		return fmt.Errorf("failed to clear index entries: %w", err)
	}
	if _, err := ix.db.Exec("DELETE FROM rotations"); err != nil {
		return fmt.Errorf("failed to clear index rotations: %w", err)
	}
	return nil
}

// Reindex rebuilds the index from a full archive scan. Rotated files get
// their rotation rows back from file metadata.
func (a *Archive) Reindex() error {
	if a.index == nil {
		return fmt.Errorf("no index attached")
	}
	timer := logging.StartTimer(logging.CategoryStore, "Reindex")
	defer timer.Stop()

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.index.Clear(); err != nil {
		return err
	}
	total := 0
	for _, file := range a.filesLocked() {
		var entries []ArchiveEntry
		if err := scanArchiveFile(file, ReadFilter{}, func(entry ArchiveEntry) {
			entries = append(entries, entry)
		}); err != nil {
			return err
		}
		if err := a.index.RecordEntries(file, entries); err != nil {
			return err
		}
		total += len(entries)
		if file == a.path {
			continue
		}
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		if err := a.index.RecordRotation(file, info.ModTime(), info.Size()); err != nil {
			logging.StoreWarn("Reindex rotation record failed for %s: %v", file, err)
		}
	}
	logging.Store("Reindex complete: entries=%d", total)
	return nil
}
