package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func TestJoinArgs(t *testing.T) {
	got := joinArgs([]string{"one", "two", "three"})
	if got != "one two three" {
		t.Fatalf("expected 'one two three', got '%s'", got)
	}
}

// setupCLI points the global flag vars at a temp directory and restores
// them afterwards. Each command invocation reopens the session from the
// saved state, like separate CLI runs would.
func setupCLI(t *testing.T) string {
	t.Helper()
	logger = zap.NewNop()
	t.Setenv("LOG_LEVEL", "")

	dir := t.TempDir()
	origConfig, origBrain, origArchive := configPath, brainPath, archivePath
	configPath = filepath.Join(dir, "config.yaml")
	brainPath = filepath.Join(dir, "brain.json.gz")
	archivePath = filepath.Join(dir, "history_archive.jsonl.gz")
	t.Cleanup(func() {
		configPath, brainPath, archivePath = origConfig, origBrain, origArchive
	})
	return dir
}

func TestLoadConfigDefaults(t *testing.T) {
	setupCLI(t)

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Archive.Path != archivePath {
		t.Errorf("archive path not overridden: %s", cfg.Archive.Path)
	}
	if cfg.Archive.IndexPath != filepath.Join(filepath.Dir(archivePath), "archive_index.db") {
		t.Errorf("index not placed next to archive: %s", cfg.Archive.IndexPath)
	}
	if !cfg.Session.AutoSave || cfg.Session.SavePath != brainPath {
		t.Errorf("session not configured to persist: auto_save=%t path=%s",
			cfg.Session.AutoSave, cfg.Session.SavePath)
	}
}

func TestTeachThenInjectPersists(t *testing.T) {
	setupCLI(t)

	teachCategory = "workflow"
	defer func() { teachCategory = "" }()

	out := captureOutput(t, func() {
		if err := runTeach(&cobra.Command{}, []string{"Always", "include", "unit", "tests"}); err != nil {
			t.Fatalf("runTeach: %v", err)
		}
	})
	if !strings.Contains(out, "Taught rule") {
		t.Fatalf("expected teach confirmation, got: %s", out)
	}

	// A fresh invocation must see the rule from the saved state.
	out = captureOutput(t, func() {
		if err := runInject(&cobra.Command{}, []string{"How", "should", "I", "implement", "rate", "limiting?"}); err != nil {
			t.Fatalf("runInject: %v", err)
		}
	})
	if !strings.Contains(out, "MISSION BRIEFING") {
		t.Fatalf("expected briefing header, got: %s", out)
	}
	if !strings.Contains(out, "Always include unit tests") {
		t.Fatalf("expected taught rule in briefing, got: %s", out)
	}
}

func TestObserveCommand(t *testing.T) {
	setupCLI(t)

	out := captureOutput(t, func() {
		err := runObserve(&cobra.Command{}, []string{
			"I prefer tabs over spaces for indentation",
			"Noted, switching to tabs.",
		})
		if err != nil {
			t.Fatalf("runObserve: %v", err)
		}
	})
	if !strings.Contains(out, "Observed") {
		t.Fatalf("expected observation report, got: %s", out)
	}
	if !strings.Contains(out, "signal") {
		t.Fatalf("expected signal count, got: %s", out)
	}
}

func TestStatsCommand(t *testing.T) {
	setupCLI(t)

	teachCategory = ""
	out := captureOutput(t, func() {
		if err := runTeach(&cobra.Command{}, []string{"Keep", "responses", "short"}); err != nil {
			t.Fatalf("runTeach: %v", err)
		}
		if err := showStats(&cobra.Command{}, nil); err != nil {
			t.Fatalf("showStats: %v", err)
		}
	})
	if !strings.Contains(out, "Kernel") {
		t.Fatalf("expected kernel section, got: %s", out)
	}
	if !strings.Contains(out, "Archive") {
		t.Fatalf("expected archive section, got: %s", out)
	}
}

func TestRecompileCommand(t *testing.T) {
	setupCLI(t)

	out := captureOutput(t, func() {
		err := runObserve(&cobra.Command{}, []string{
			"Always use type hints in Python code",
			"Understood, adding annotations.",
		})
		if err != nil {
			t.Fatalf("runObserve: %v", err)
		}
		if err := runRecompile(&cobra.Command{}, nil); err != nil {
			t.Fatalf("runRecompile: %v", err)
		}
	})
	if !strings.Contains(out, "Entries processed") {
		t.Fatalf("expected recompile report, got: %s", out)
	}
}

func TestArchiveCommands(t *testing.T) {
	setupCLI(t)

	out := captureOutput(t, func() {
		err := runObserve(&cobra.Command{}, []string{
			"I prefer small focused commits",
			"Got it, splitting the change up.",
		})
		if err != nil {
			t.Fatalf("runObserve: %v", err)
		}
		if err := showArchiveStats(&cobra.Command{}, nil); err != nil {
			t.Fatalf("showArchiveStats: %v", err)
		}
	})
	if !strings.Contains(out, "Archive:") {
		t.Fatalf("expected archive report, got: %s", out)
	}
	if !strings.Contains(out, "Indexed:       true") {
		t.Fatalf("expected index to be attached, got: %s", out)
	}

	keepDays = 30
	defer func() { keepDays = 0 }()
	out = captureOutput(t, func() {
		if err := runArchivePurge(&cobra.Command{}, nil); err != nil {
			t.Fatalf("runArchivePurge: %v", err)
		}
	})
	if !strings.Contains(out, "Purged 0 rotated") {
		t.Fatalf("expected empty purge on fresh archive, got: %s", out)
	}
}

func TestRunDemo(t *testing.T) {
	logger = zap.NewNop()

	out := captureOutput(t, func() {
		if err := runDemo(&cobra.Command{}, nil); err != nil {
			t.Fatalf("runDemo: %v", err)
		}
	})
	if !strings.Contains(out, "Demo complete") {
		t.Fatalf("expected demo to finish, got: %s", out)
	}
	if !strings.Contains(out, "Rules preserved") {
		t.Fatalf("expected save/load verification, got: %s", out)
	}
}

func captureOutput(t *testing.T, fn func()) string {
	t.Helper()

	origOut := os.Stdout
	origErr := os.Stderr
	rOut, wOut, _ := os.Pipe()
	rErr, wErr, _ := os.Pipe()
	os.Stdout = wOut
	os.Stderr = wErr

	done := make(chan string)
	go func() {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, rOut)
		_, _ = io.Copy(&buf, rErr)
		done <- buf.String()
	}()

	fn()

	_ = wOut.Close()
	_ = wErr.Close()
	os.Stdout = origOut
	os.Stderr = origErr
	return <-done
}
