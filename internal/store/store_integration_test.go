//go:build integration

package store_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"imprint/internal/store"
	"imprint/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ArchiveIntegrationSuite exercises the archive and its SQLite index
// together through the public API only.
type ArchiveIntegrationSuite struct {
	suite.Suite
	dir     string
	archive *store.Archive
	index   *store.Index
}

func TestArchiveIntegrationSuite(t *testing.T) {
	suite.Run(t, new(ArchiveIntegrationSuite))
}

func (s *ArchiveIntegrationSuite) SetupTest() {
	s.dir = s.T().TempDir()

	index, err := store.OpenIndex(filepath.Join(s.dir, "archive_index.db"))
	s.Require().NoError(err)
	s.index = index

	archive, err := store.NewArchive(filepath.Join(s.dir, "brain_archive.jsonl.gz"), store.Options{
		MaxBytes: 512,
		Index:    index,
	})
	s.Require().NoError(err)
	s.archive = archive
}

func (s *ArchiveIntegrationSuite) TearDownTest() {
	s.Require().NoError(s.index.Close())
}

func (s *ArchiveIntegrationSuite) interaction(id string) types.InteractionLog {
	return types.InteractionLog{
		ID:          id,
		UserInput:   "please use tabs in " + id,
		AIOutput:    "Switched to tabs for " + id + ".",
		Timestamp:   time.Now().UTC(),
		Processed:   true,
		ContentHash: types.HashInteraction(id, id),
	}
}

func (s *ArchiveIntegrationSuite) TestLifecycle() {
	// Enough volume to force at least one rotation at 512 bytes.
	for i := 0; i < 10; i++ {
		n, err := s.archive.ArchiveInteractions([]types.InteractionLog{
			s.interaction(fmt.Sprintf("log_%02d", i)),
		})
		s.Require().NoError(err)
		s.Equal(1, n)
	}
	h := types.NewHypothesis("prefers tabs", []string{"Python"}, "lang_python", types.RelationPrefers, types.SignalPreference)
	s.Require().NoError(s.archive.ArchiveHypothesis(h, "promoted"))

	stats, err := s.archive.Stats()
	s.Require().NoError(err)
	s.True(stats.Indexed)
	s.Equal(11, stats.TotalEntries)
	s.Equal(10, stats.EntryCounts[store.EntryInteraction])
	s.Equal(1, stats.EntryCounts[store.EntryHypothesis])
	s.Positive(stats.RotatedFiles, "expected at least one rotation at 512 bytes")

	logs, err := s.archive.Interactions()
	s.Require().NoError(err)
	s.Len(logs, 10)
	s.Equal("log_00", logs[0].ID, "oldest interaction first")

	exportPath := filepath.Join(s.dir, "export.json")
	n, err := s.archive.ExportJSON(exportPath)
	s.Require().NoError(err)
	s.Equal(11, n)
	_, err = os.Stat(exportPath)
	s.Require().NoError(err)

	// Retention: a future cutoff purges every rotated file but leaves
	// the current one.
	removed, err := s.index.PurgeRotatedBefore(time.Now().Add(time.Hour))
	s.Require().NoError(err)
	s.Equal(stats.RotatedFiles, removed)

	after, err := s.archive.Stats()
	s.Require().NoError(err)
	s.Zero(after.RotatedFiles)
	s.Positive(after.TotalEntries)

	s.Require().NoError(s.archive.Reindex())
	idxStats, err := s.index.Stats()
	s.Require().NoError(err)
	s.Equal(after.TotalEntries, idxStats.Entries)

	s.Require().NoError(s.archive.Clear())
	entries, err := s.archive.ReadEntries(store.ReadFilter{})
	s.Require().NoError(err)
	s.Empty(entries)
}

func (s *ArchiveIntegrationSuite) TestConcurrentAppends() {
	var g errgroup.Group
	const writers, perWriter = 8, 5
	for w := 0; w < writers; w++ {
		g.Go(func() error {
			for i := 0; i < perWriter; i++ {
				id := fmt.Sprintf("log_%d_%d", w, i)
				if _, err := s.archive.ArchiveInteractions([]types.InteractionLog{s.interaction(id)}); err != nil {
					return err
				}
			}
			return nil
		})
	}
	s.Require().NoError(g.Wait())

	logs, err := s.archive.Interactions()
	s.Require().NoError(err)
	s.Len(logs, writers*perWriter)

	idxStats, err := s.index.Stats()
	s.Require().NoError(err)
	s.Equal(writers*perWriter, idxStats.Entries)
}

func (s *ArchiveIntegrationSuite) TestStatsAgreeWithAndWithoutIndex() {
	for i := 0; i < 6; i++ {
		_, err := s.archive.ArchiveInteractions([]types.InteractionLog{
			s.interaction(fmt.Sprintf("log_%d", i)),
		})
		s.Require().NoError(err)
	}
	r := types.NewScopedRule("avoid jargon", nil, "", types.RelationAvoids)
	s.Require().NoError(s.archive.ArchiveRule(r, "pruned"))

	indexed, err := s.archive.Stats()
	s.Require().NoError(err)

	bare, err := store.NewArchive(s.archive.Path(), store.Options{MaxBytes: 512})
	s.Require().NoError(err)
	scanned, err := bare.Stats()
	s.Require().NoError(err)

	s.Equal(indexed.TotalEntries, scanned.TotalEntries)
	s.Equal(indexed.EntryCounts, scanned.EntryCounts)
	s.Equal(indexed.OldestEntry, scanned.OldestEntry)
	s.Equal(indexed.NewestEntry, scanned.NewestEntry)
}

type integrationTarget struct {
	cleared int
}

func (r *integrationTarget) ClearLearnedState() { r.cleared++ }

type integrationPipeline struct {
	replayed int
}

func (p *integrationPipeline) Observe(userInput, aiOutput string) []types.Signal {
	p.replayed++
	return []types.Signal{types.NewSignal(types.SignalPreference, "prefers tabs", 0.8)}
}

func (p *integrationPipeline) EvolveScoped(signals []types.Signal) types.ScopedEvolveReport {
	return types.ScopedEvolveReport{SignalsProcessed: len(signals), HypothesesCreated: 1}
}

func (s *ArchiveIntegrationSuite) TestRecompileAcrossRotatedFiles() {
	for i := 0; i < 10; i++ {
		_, err := s.archive.ArchiveInteractions([]types.InteractionLog{
			s.interaction(fmt.Sprintf("log_%02d", i)),
		})
		s.Require().NoError(err)
	}
	stats, err := s.archive.Stats()
	s.Require().NoError(err)
	s.Positive(stats.RotatedFiles)

	target := &integrationTarget{}
	pipe := &integrationPipeline{}
	report := s.archive.RecompileBrain(target, pipe)

	s.Equal(1, target.cleared)
	s.Equal(10, report.InteractionsReplayed)
	s.Equal(10, pipe.replayed)
	s.Equal(10, report.SignalsExtracted)
	s.Equal(10, report.HypothesesCreated)
	s.Empty(report.Errors)
}
