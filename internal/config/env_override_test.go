package config

import (
	"path/filepath"
	"testing"
)

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MAX_RULES", "250")
	t.Setenv("MAX_NODES", "75")
	t.Setenv("THREAD_SAFETY", "false")
	t.Setenv("AUTO_EVOLVE", "false")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("ARCHIVE_PATH", "/tmp/env_archive.jsonl.gz")
	t.Setenv("ARCHIVE_MAX_MB", "7")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Limits.MaxRules != 250 {
		t.Errorf("MAX_RULES override lost: %d", cfg.Limits.MaxRules)
	}
	if cfg.Limits.MaxNodes != 75 {
		t.Errorf("MAX_NODES override lost: %d", cfg.Limits.MaxNodes)
	}
	if cfg.Session.ThreadSafety {
		t.Error("THREAD_SAFETY=false not applied")
	}
	if cfg.Session.AutoEvolve {
		t.Error("AUTO_EVOLVE=false not applied")
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Enabled {
		t.Errorf("LOG_LEVEL override lost: %q enabled=%v", cfg.Logging.Level, cfg.Logging.Enabled)
	}
	if cfg.Archive.Path != "/tmp/env_archive.jsonl.gz" {
		t.Errorf("ARCHIVE_PATH override lost: %q", cfg.Archive.Path)
	}
	if cfg.Archive.MaxSizeMB != 7 {
		t.Errorf("ARCHIVE_MAX_MB override lost: %d", cfg.Archive.MaxSizeMB)
	}
}

func TestEnvOverridesIgnoreMalformed(t *testing.T) {
	t.Setenv("MAX_RULES", "not-a-number")
	t.Setenv("ARCHIVE_MAX_MB", "-5")
	t.Setenv("THREAD_SAFETY", "maybe")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Limits.MaxRules != 1000 {
		t.Errorf("malformed MAX_RULES should keep default, got %d", cfg.Limits.MaxRules)
	}
	if cfg.Archive.MaxSizeMB != 100 {
		t.Errorf("negative ARCHIVE_MAX_MB should keep default, got %d", cfg.Archive.MaxSizeMB)
	}
	if !cfg.Session.ThreadSafety {
		t.Error("unparseable THREAD_SAFETY should keep default true")
	}
}

func TestEnvOverridesBeatFile(t *testing.T) {
	t.Setenv("MAX_RULES", "9")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	cfg := DefaultConfig()
	cfg.Limits.MaxRules = 500
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Limits.MaxRules != 9 {
		t.Errorf("env should override file: got %d", loaded.Limits.MaxRules)
	}
}
