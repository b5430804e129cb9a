package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"imprint/cmd/imprint/chat"
	"imprint/cmd/imprint/ui"
	"imprint/internal/config"
	"imprint/internal/logging"
	"imprint/pkg/brain"
)

const (
	version  = "3.0.0"
	stateDir = ".imprint"
)

var (
	// Global flags
	verbose     bool
	configPath  string
	brainPath   string
	archivePath string

	// Command flags
	teachCategory  string
	renderBriefing bool
	keepDays       int

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "imprint",
	Short: "imprint - a learning layer that compiles behavior into context",
	Long: `imprint observes user/assistant exchanges, distills them into scoped
rules through a hypothesis-test lifecycle, and injects the established
knowledge back into prompts as a mission briefing.

Nothing is learned from a single remark: rules earn confidence through
repeated evidence, stay scoped to where they were seen, and decay when the
user moves on.

Run without arguments to start the interactive chat interface.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip logger init for interactive mode (it has its own UI)
		if cmd.Use == "imprint" && cmd.CalledAs() == "imprint" {
			return nil
		}

		zapConfig := zap.NewProductionConfig()
		if verbose {
			zapConfig.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapConfig.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default behavior: launch interactive chat
		return runInteractiveChat()
	},
}

// observeCmd records a single exchange
var observeCmd = &cobra.Command{
	Use:   "observe [user-input] [ai-output]",
	Short: "Observe one user/assistant exchange",
	Long: `Logs the exchange, extracts behavioral signals, and runs one evolution
pass over them. Duplicate exchanges are skipped.

Example:
  imprint observe "Make it shorter" "Here's the condensed version..."`,
	Args: cobra.ExactArgs(2),
	RunE: runObserve,
}

// teachCmd installs an explicit instruction
var teachCmd = &cobra.Command{
	Use:   "teach [instruction]",
	Short: "Teach an instruction as an established rule",
	Long: `Installs the instruction directly as an established rule, bypassing the
hypothesis trial pipeline. Explicit instruction outranks anything inferred
from observation.

Example:
  imprint teach --category workflow "Always include type hints"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTeach,
}

// injectCmd assembles the briefing for a query
var injectCmd = &cobra.Command{
	Use:   "inject [query]",
	Short: "Assemble the personalized briefing for a query",
	Long: `Detects the query's scope and assembles the mission briefing from the
established rules, active goals, and facts that apply there.

Example:
  imprint inject --render "How should I implement rate limiting?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runInject,
}

// statsCmd shows session, kernel, and archive statistics
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show session, kernel, and archive statistics",
	RunE:  showStats,
}

// recompileCmd rebuilds learned state from the archive
var recompileCmd = &cobra.Command{
	Use:   "recompile",
	Short: "Rebuild learned state by replaying the archive",
	Long: `Replays every archived interaction through the hypothesis pipeline,
oldest first, reconstructing rules and context nodes from raw history.
Useful after a schema change or a damaged state file.`,
	RunE: runRecompile,
}

// archiveCmd groups cold-storage maintenance
var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Cold storage maintenance (stats, purge)",
}

var archiveStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show archive entry counts and sizes",
	RunE:  showArchiveStats,
}

var archivePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete rotated archive files older than the retention window",
	RunE:  runArchivePurge,
}

// watchCmd streams workspace edits into the brain
var watchCmd = &cobra.Command{
	Use:   "watch [path]",
	Short: "Watch a workspace and learn from file edits",
	Long: `Watches the directory tree for file changes. Edits that pass the
attention filter are observed as IDE activity and feed the evolution
pipeline until interrupted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", filepath.Join(stateDir, "config.yaml"), "Config file path")
	rootCmd.PersistentFlags().StringVar(&brainPath, "brain", filepath.Join(stateDir, "brain.json.gz"), "Brain state file")
	rootCmd.PersistentFlags().StringVar(&archivePath, "archive", "", "Archive file (default from config)")

	// Command flags
	teachCmd.Flags().StringVar(&teachCategory, "category", "", "Instruction category (preference, style, expertise, workflow, personality, behavioral)")
	injectCmd.Flags().BoolVar(&renderBriefing, "render", false, "Render the briefing as markdown")
	archivePurgeCmd.Flags().IntVar(&keepDays, "keep-days", 0, "Retention window in days (default from config)")

	// Archive subcommands
	archiveCmd.AddCommand(archiveStatsCmd)
	archiveCmd.AddCommand(archivePurgeCmd)

	// Add commands to root
	rootCmd.AddCommand(observeCmd)
	rootCmd.AddCommand(teachCmd)
	rootCmd.AddCommand(injectCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(recompileCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(demoCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads the CLI configuration and re-homes library defaults under
// the state directory so all session files live in one place.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	defaults := config.DefaultConfig()
	if cfg.Archive.Path == defaults.Archive.Path {
		cfg.Archive.Path = filepath.Join(stateDir, "history_archive.jsonl.gz")
	}
	if archivePath != "" {
		cfg.Archive.Path = archivePath
	}
	// The index lives next to the archive unless placed explicitly.
	if cfg.Archive.Enabled && cfg.Archive.IndexPath == "" {
		cfg.Archive.IndexPath = filepath.Join(filepath.Dir(cfg.Archive.Path), "archive_index.db")
	}

	// One-shot commands persist the session between invocations.
	cfg.Session.AutoSave = true
	cfg.Session.SavePath = brainPath

	if verbose {
		cfg.Logging.Enabled = true
		if cfg.Logging.Level == "" || cfg.Logging.Level == "info" {
			cfg.Logging.Level = "debug"
		}
	}
	return cfg, nil
}

// openBrain opens the persisted session, starting fresh when no state file
// exists yet.
func openBrain() (*brain.Brain, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := logging.Initialize("."); err != nil {
		fmt.Fprintf(os.Stderr, "warning: file logging unavailable: %v\n", err)
	}
	return brain.Open(brainPath, cfg)
}

// runInteractiveChat starts the chat REPL on the persisted session.
func runInteractiveChat() error {
	b, err := openBrain()
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	return chat.Run(b, version, brainPath)
}

// runObserve records one exchange and prints what it produced
func runObserve(cmd *cobra.Command, args []string) error {
	b, err := openBrain()
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	result, err := b.Observe(args[0], args[1])
	if err != nil {
		return err
	}

	logger.Info("Observed exchange",
		zap.String("status", result.Status),
		zap.Int("signals", result.SignalsExtracted))

	if result.Status == brain.StatusSkipped {
		fmt.Println("Duplicate exchange, skipped.")
		return nil
	}
	fmt.Printf("Observed %s: %d signal(s), confidence %.2f\n",
		result.LogID, result.SignalsExtracted, result.Confidence)
	if result.EvolutionSummary != "" {
		fmt.Printf("Evolution: %s\n", result.EvolutionSummary)
	}
	printCollaborations(b)
	return nil
}

// runTeach installs an instruction as an established rule
func runTeach(cmd *cobra.Command, args []string) error {
	b, err := openBrain()
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	instruction := joinArgs(args)
	logger.Info("Teaching instruction",
		zap.String("instruction", instruction),
		zap.String("category", teachCategory))

	id, err := b.Teach(instruction, teachCategory)
	if err != nil {
		return fmt.Errorf("teach failed: %w", err)
	}

	fmt.Printf("Taught rule %s: %q\n", id, instruction)
	return nil
}

// runInject assembles and prints the briefing for a query
func runInject(cmd *cobra.Command, args []string) error {
	b, err := openBrain()
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	query := joinArgs(args)
	result := b.Inject(query)

	logger.Info("Briefing assembled",
		zap.Int("rules", result.RulesUsed),
		zap.Int("goals", result.GoalsUsed),
		zap.Int("facts", result.FactsUsed),
		zap.Int("tokens", result.EstimatedTokens))

	if renderBriefing {
		renderer, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(100),
		)
		if err == nil {
			if out, rerr := renderer.Render(result.SystemPrompt); rerr == nil {
				fmt.Print(out)
				fmt.Printf("(%d rules, %d goals, %d facts, ~%d tokens)\n",
					result.RulesUsed, result.GoalsUsed, result.FactsUsed, result.EstimatedTokens)
				return nil
			}
		}
	}

	fmt.Println(result.SystemPrompt)
	fmt.Println()
	fmt.Printf("(%d rules, %d goals, %d facts, ~%d tokens)\n",
		result.RulesUsed, result.GoalsUsed, result.FactsUsed, result.EstimatedTokens)
	return nil
}

// showStats displays the session census
func showStats(cmd *cobra.Command, args []string) error {
	b, err := openBrain()
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	stats, err := b.Stats()
	if err != nil {
		return err
	}

	styles := ui.DefaultStyles()
	fmt.Println(styles.Title.Render("imprint " + version))
	fmt.Println(styles.Subtitle.Render("  state: " + brainPath))
	fmt.Println(statLine(styles, "Session", stats.BrainID))
	fmt.Println(statLine(styles, "Pipeline", styles.Info.Render(stats.Pipeline)))
	fmt.Println(statLine(styles, "Observations", fmt.Sprintf("%d", stats.Observations)))
	fmt.Println(statLine(styles, "Evolutions", fmt.Sprintf("%d", stats.Evolutions)))
	fmt.Println()

	fmt.Println(styles.Title.Render("Kernel"))
	fmt.Println(statLine(styles, "Scoped rules", fmt.Sprintf("%d", stats.Kernel.ScopedRules)))
	fmt.Println(statLine(styles, "Context nodes", fmt.Sprintf("%d", stats.Kernel.ContextNodes)))
	fmt.Println(statLine(styles, "Hypotheses", fmt.Sprintf("%d (%d pending)", stats.Kernel.Hypotheses, stats.Kernel.PendingHypotheses)))
	fmt.Println(statLine(styles, "Goals", fmt.Sprintf("%d", stats.Kernel.Goals)))
	fmt.Println(statLine(styles, "Facts", fmt.Sprintf("%d", stats.Kernel.Facts)))
	fmt.Println(statLine(styles, "Interactions", fmt.Sprintf("%d logged, %d total", stats.Kernel.InteractionLogs, stats.Kernel.TotalInteractions)))
	fmt.Println(statLine(styles, "Working memory", fmt.Sprintf("%d", stats.Kernel.WorkingMemory)))
	fmt.Println(statLine(styles, "Profile confidence", fmt.Sprintf("%.0f%%", stats.Kernel.ProfileConfidence*100)))
	if stats.Kernel.ActiveProject != "" {
		fmt.Println(statLine(styles, "Active project", stats.Kernel.ActiveProject))
	}

	if archive := b.Archive(); archive != nil {
		as, err := archive.Stats()
		if err != nil {
			return err
		}
		fmt.Println()
		fmt.Println(styles.Title.Render("Archive"))
		fmt.Println(statLine(styles, "Path", as.Path))
		fmt.Println(statLine(styles, "Entries", fmt.Sprintf("%d", as.TotalEntries)))
		fmt.Println(statLine(styles, "Size", fmt.Sprintf("%.1f KB", float64(as.SizeBytes)/1024)))
		fmt.Println(statLine(styles, "Rotated files", fmt.Sprintf("%d", as.RotatedFiles)))
		indexed := styles.Error.Render("✗ no index")
		if as.Indexed {
			indexed = styles.Success.Render("✓ indexed")
		}
		fmt.Println(statLine(styles, "Index", indexed))
	}

	return nil
}

func statLine(styles ui.Styles, label, value string) string {
	return fmt.Sprintf("  %s %s",
		styles.Muted.Render(fmt.Sprintf("%-20s", label)),
		styles.Body.Render(value))
}

// runRecompile replays the archive into a rebuilt brain
func runRecompile(cmd *cobra.Command, args []string) error {
	b, err := openBrain()
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	logger.Info("Recompiling from archive")
	fmt.Println("Replaying archive, oldest first...")

	report, err := b.Recompile()
	if err != nil {
		return fmt.Errorf("recompile failed: %w", err)
	}

	fmt.Printf("Entries processed:     %d\n", report.EntriesProcessed)
	fmt.Printf("Interactions replayed: %d\n", report.InteractionsReplayed)
	fmt.Printf("Signals extracted:     %d\n", report.SignalsExtracted)
	fmt.Printf("Hypotheses created:    %d\n", report.HypothesesCreated)
	fmt.Printf("Rules promoted:        %d\n", report.RulesPromoted)
	fmt.Printf("Context nodes created: %d\n", report.ContextNodesCreated)
	fmt.Printf("Duration:              %.2fs\n", report.DurationSeconds)
	if len(report.Errors) > 0 {
		fmt.Printf("Errors (%d):\n", len(report.Errors))
		for _, e := range report.Errors {
			fmt.Printf("  - %s\n", e)
		}
	}
	return nil
}

// showArchiveStats displays cold storage statistics
func showArchiveStats(cmd *cobra.Command, args []string) error {
	b, err := openBrain()
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	archive := b.Archive()
	if archive == nil {
		fmt.Println("Archive is disabled in the configuration.")
		return nil
	}

	as, err := archive.Stats()
	if err != nil {
		return err
	}

	fmt.Printf("Archive: %s\n", as.Path)
	fmt.Printf("  Entries:       %d\n", as.TotalEntries)
	for kind, n := range as.EntryCounts {
		fmt.Printf("    %-12s %d\n", kind, n)
	}
	fmt.Printf("  Size:          %.1f KB\n", float64(as.SizeBytes)/1024)
	fmt.Printf("  Rotated files: %d\n", as.RotatedFiles)
	if as.OldestEntry != "" {
		fmt.Printf("  Oldest entry:  %s\n", as.OldestEntry)
	}
	if as.NewestEntry != "" {
		fmt.Printf("  Newest entry:  %s\n", as.NewestEntry)
	}
	fmt.Printf("  Indexed:       %t\n", as.Indexed)
	return nil
}

// runArchivePurge deletes rotated files past the retention window
func runArchivePurge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	days := keepDays
	if days <= 0 {
		days = cfg.Archive.RetentionDays
	}
	if days <= 0 {
		return fmt.Errorf("no retention window: pass --keep-days or set archive.retention_days")
	}

	b, err := openBrain()
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	archive := b.Archive()
	if archive == nil {
		fmt.Println("Archive is disabled in the configuration.")
		return nil
	}
	index := archive.Index()
	if index == nil {
		return fmt.Errorf("purge requires the archive index (set archive.index_path)")
	}

	cutoff := time.Now().AddDate(0, 0, -days)
	logger.Info("Purging rotated archives",
		zap.Int("keep_days", days),
		zap.Time("cutoff", cutoff))

	removed, err := index.PurgeRotatedBefore(cutoff)
	if err != nil {
		return fmt.Errorf("purge failed: %w", err)
	}

	fmt.Printf("Purged %d rotated file(s) older than %d day(s).\n", removed, days)
	return nil
}

// runWatch streams filesystem edits into the brain until interrupted
func runWatch(cmd *cobra.Command, args []string) error {
	root := "."
	if len(args) > 0 {
		root = args[0]
	}

	b, err := openBrain()
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher, err := b.WatchWorkspace(ctx, root)
	if err != nil {
		return fmt.Errorf("watch failed: %w", err)
	}
	defer watcher.Close()

	logger.Info("Watching workspace", zap.String("root", root))
	fmt.Printf("Watching %s for edits. Press Ctrl+C to stop.\n", root)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	stats := watcher.Stats()
	fmt.Printf("\nStopped. %d created, %d modified, %d deleted, %d observation(s).\n",
		stats.FilesCreated, stats.FilesModified, stats.FilesDeleted, stats.Observations)
	return nil
}

func printCollaborations(b *brain.Brain) {
	for _, req := range b.PendingCollaborations() {
		fmt.Printf("\nClarification wanted: %s\n", req.Reason)
		for _, opt := range req.ProposedOptions {
			fmt.Printf("  - %s\n", opt)
		}
	}
}

func joinArgs(args []string) string {
	return strings.Join(args, " ")
}
