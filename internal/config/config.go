// Package config holds all imprint configuration: resource limits, evolution
// tuning, embedding provider selection, archive settings, and logging.
// Values come from defaults, then a YAML file, then environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all imprint configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Hard resource caps
	Limits LimitsConfig `yaml:"limits"`

	// Evolution pipeline tuning
	Evolution EvolutionConfig `yaml:"evolution"`

	// Embedding engine selection
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Cold storage archive
	Archive ArchiveConfig `yaml:"archive"`

	// Prompt assembly
	Injection InjectionConfig `yaml:"injection"`

	// Session behavior
	Session SessionConfig `yaml:"session"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// EmbeddingConfig selects and sizes the embedding engine.
type EmbeddingConfig struct {
	Provider  string `yaml:"provider"`   // local, genai
	VectorSize int   `yaml:"vector_size"`
	CacheSize  int   `yaml:"cache_size"`
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
}

// ArchiveConfig configures the JSONL cold storage archive.
type ArchiveConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	MaxSizeMB     int    `yaml:"max_size_mb"`
	IndexPath     string `yaml:"index_path"`     // empty disables the SQLite index
	RetentionDays int    `yaml:"retention_days"` // rotated-file retention for purge
}

// InjectionConfig configures prompt assembly.
type InjectionConfig struct {
	MaxRules        int     `yaml:"max_rules"`
	MaxGoals        int     `yaml:"max_goals"`
	MaxFacts        int     `yaml:"max_facts"`
	MinRelevance    float64 `yaml:"min_relevance"`
	MaxHeaderTokens int     `yaml:"max_header_tokens"`
}

// SessionConfig configures facade behavior.
type SessionConfig struct {
	ThreadSafety     bool   `yaml:"thread_safety"`
	AutoEvolve       bool   `yaml:"auto_evolve"`
	AutoSave         bool   `yaml:"auto_save"`
	SavePath         string `yaml:"save_path"`
	Pipeline         string `yaml:"pipeline"` // scientific, hypothesis
	GCThreshold      int    `yaml:"gc_threshold"`
	LockTimeout      string `yaml:"lock_timeout"`
	StrictValidation bool   `yaml:"strict_validation"` // reject oversized or suspicious input instead of cleaning it
	MinDwell         string `yaml:"min_dwell"`         // IDE attention threshold, empty for the perception default
}

// LoggingConfig configures the category file logger.
type LoggingConfig struct {
	Enabled    bool            `yaml:"enabled"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	JSONFormat bool            `yaml:"json_format"`
	Categories map[string]bool `yaml:"categories,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "imprint",
		Version: "3.0.0",

		Limits: DefaultLimits(),

		Evolution: DefaultEvolution(),

		Embedding: EmbeddingConfig{
			Provider:   "local",
			VectorSize: 128,
			CacheSize:  10000,
			Model:      "gemini-embedding-001",
		},

		Archive: ArchiveConfig{
			Enabled:       true,
			Path:          "history_archive.jsonl.gz",
			MaxSizeMB:     100,
			RetentionDays: 90,
		},

		Injection: InjectionConfig{
			MaxRules:        5,
			MaxGoals:        5,
			MaxFacts:        5,
			MinRelevance:    0.3,
			MaxHeaderTokens: 500,
		},

		Session: SessionConfig{
			ThreadSafety: true,
			AutoEvolve:   true,
			AutoSave:     false,
			Pipeline:     "scientific",
			GCThreshold:  20,
			LockTimeout:  "5s",
		},

		Logging: LoggingConfig{
			Enabled: false,
			Level:   "info",
		},
	}
}

// DevelopmentConfig returns a preset with verbose logging and small limits,
// useful for tests and local experiments.
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Limits.MaxRules = 100
	cfg.Limits.MaxNodes = 50
	cfg.Limits.MaxHypotheses = 40
	cfg.Logging.Enabled = true
	cfg.Logging.Level = "debug"
	return cfg
}

// ProductionConfig returns the hardened preset: logging off, full limits.
func ProductionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Enabled = false
	cfg.Session.AutoSave = true
	return cfg
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MAX_RULES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Limits.MaxRules = n
		}
	}
	if v := os.Getenv("MAX_NODES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Limits.MaxNodes = n
		}
	}
	if v := os.Getenv("THREAD_SAFETY"); v != "" {
		c.Session.ThreadSafety = parseBool(v, c.Session.ThreadSafety)
	}
	if v := os.Getenv("AUTO_EVOLVE"); v != "" {
		c.Session.AutoEvolve = parseBool(v, c.Session.AutoEvolve)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
		c.Logging.Enabled = true
	}
	if v := os.Getenv("ARCHIVE_PATH"); v != "" {
		c.Archive.Path = v
	}
	if v := os.Getenv("ARCHIVE_MAX_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Archive.MaxSizeMB = n
		}
	}

	// GenAI embedding key from environment (same variable the SDK reads)
	if key := os.Getenv("GEMINI_API_KEY"); key != "" && c.Embedding.APIKey == "" {
		c.Embedding.APIKey = key
	}
}

func parseBool(v string, fallback bool) bool {
	b, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(v)))
	if err != nil {
		return fallback
	}
	return b
}

// GetLockTimeout returns the kernel lock timeout as a duration.
func (c *Config) GetLockTimeout() time.Duration {
	d, err := time.ParseDuration(c.Session.LockTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// GetMinDwell returns the IDE attention threshold. Zero means "use the
// perception default".
func (c *Config) GetMinDwell() time.Duration {
	d, err := time.ParseDuration(c.Session.MinDwell)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// ArchiveMaxBytes returns the rotation threshold in bytes.
func (c *Config) ArchiveMaxBytes() int64 {
	mb := c.Archive.MaxSizeMB
	if mb <= 0 {
		mb = 100
	}
	return int64(mb) * 1024 * 1024
}

// ValidPipelines lists the supported evolution pipelines.
var ValidPipelines = []string{"scientific", "hypothesis"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.Limits.Validate(); err != nil {
		return err
	}

	validPipeline := false
	for _, p := range ValidPipelines {
		if c.Session.Pipeline == p {
			validPipeline = true
			break
		}
	}
	if !validPipeline {
		return fmt.Errorf("invalid pipeline: %s (valid: %v)", c.Session.Pipeline, ValidPipelines)
	}

	if c.Embedding.VectorSize <= 0 {
		return fmt.Errorf("embedding vector_size must be positive, got %d", c.Embedding.VectorSize)
	}
	if c.Embedding.Provider != "local" && c.Embedding.Provider != "genai" {
		return fmt.Errorf("invalid embedding provider: %s (valid: local, genai)", c.Embedding.Provider)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	return nil
}
