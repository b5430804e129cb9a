package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"imprint/internal/config"
	"imprint/pkg/brain"
)

// demoCmd runs the scripted walkthrough
var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a scripted walkthrough of the learning loop",
	Long: `Creates a scratch session in a temporary directory, teaches it about a
user, observes a short conversation (including a correction), and shows the
evolved state, persona, and briefing. The scratch files are removed at the
end.`,
	RunE: runDemo,
}

// runDemo walks the full loop: teach, observe, evolve, inject, save, load.
func runDemo(cmd *cobra.Command, args []string) error {
	tmpDir, err := os.MkdirTemp("", "imprint-demo-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	logger.Info("Running demo", zap.String("dir", tmpDir))

	cfg := config.DefaultConfig()
	cfg.Archive.Path = filepath.Join(tmpDir, "history_archive.jsonl.gz")
	cfg.Archive.IndexPath = filepath.Join(tmpDir, "archive_index.db")

	banner("imprint - behavior compiled into context")

	fmt.Println("📦 Creating brain...")
	b, err := brain.New(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()
	fmt.Printf("   Brain ID: %s\n\n", b.ID())

	fmt.Println("🎓 Teaching the brain about the user...")
	lessons := []struct {
		instruction string
		category    string
	}{
		{"I'm a senior Python developer", "expertise"},
		{"I prefer TypeScript for frontend", "preference"},
		{"Always include type hints", "workflow"},
		{"I prefer concise, technical responses", "style"},
	}
	for _, lesson := range lessons {
		if _, err := b.Teach(lesson.instruction, lesson.category); err != nil {
			return err
		}
		fmt.Printf("   ✓ Taught (%s): %s\n", lesson.category, lesson.instruction)
	}
	fmt.Println()

	fmt.Println("📁 Setting up project context...")
	if _, err := b.SetProject("FastAPI Backend", "REST API for e-commerce platform"); err != nil {
		return err
	}
	fmt.Println("   ✓ Active project: FastAPI Backend")
	fmt.Println()

	fmt.Println("👀 Observing user-AI interactions...")
	exchanges := [][2]string{
		{"How do I structure my FastAPI project?",
			"Here's a recommended structure with routers, services, and models..."},
		{"I prefer keeping endpoints in separate files",
			"Got it! I'll organize endpoints by domain..."},
		{"No, actually group them by feature, not domain",
			"Understood! Switching to feature-based organization..."},
		{"Add authentication to the user endpoint",
			"Here's JWT authentication implementation..."},
		{"Make it more concise",
			"Here's the shortened version with just the essentials..."},
	}
	for i, exchange := range exchanges {
		result, err := b.Observe(exchange[0], exchange[1])
		if err != nil {
			return err
		}
		fmt.Printf("   %d. Observed: %q\n", i+1, truncate(exchange[0], 40))
		fmt.Printf("      Signals extracted: %d\n", result.SignalsExtracted)
	}
	fmt.Println()

	fmt.Println("🧬 Checking brain evolution...")
	stats, err := b.Stats()
	if err != nil {
		return err
	}
	fmt.Printf("   Scoped rules:           %d\n", stats.Kernel.ScopedRules)
	fmt.Printf("   Context nodes:          %d\n", stats.Kernel.ContextNodes)
	fmt.Printf("   Profile confidence:     %.0f%%\n", stats.Kernel.ProfileConfidence*100)
	fmt.Printf("   Interactions processed: %d\n", stats.Kernel.TotalInteractions)
	fmt.Println()

	fmt.Println("👤 Generated user persona:")
	if persona := b.Persona(); persona != "" {
		fmt.Printf("   %s\n", persona)
	} else {
		fmt.Println("   (Persona still being learned)")
	}
	fmt.Println()

	fmt.Println("💉 Injecting context for a new prompt...")
	query := "How should I implement rate limiting?"
	injection := b.Inject(query)
	fmt.Printf("   Prompt: %q\n", query)
	fmt.Printf("   Rules: %d, goals: %d, facts: %d, ~%d tokens\n",
		injection.RulesUsed, injection.GoalsUsed, injection.FactsUsed, injection.EstimatedTokens)
	fmt.Println("   Briefing preview:")
	fmt.Println("   " + strings.Repeat("-", 50))
	preview := injection.SystemPrompt
	if len(preview) > 500 {
		preview = preview[:500] + "\n..."
	}
	for _, line := range strings.Split(preview, "\n") {
		fmt.Printf("   %s\n", line)
	}
	fmt.Println("   " + strings.Repeat("-", 50))
	fmt.Println()

	fmt.Println("💾 Saving brain to file...")
	savePath := filepath.Join(tmpDir, "demo_brain.json.gz")
	if err := b.Save(savePath); err != nil {
		return err
	}
	info, err := os.Stat(savePath)
	if err != nil {
		return err
	}
	fmt.Printf("   ✓ Saved: %.1f KB\n\n", float64(info.Size())/1024)

	fmt.Println("📂 Loading into a fresh brain...")
	freshCfg := config.DefaultConfig()
	freshCfg.Archive.Enabled = false
	fresh, err := brain.Open(savePath, freshCfg)
	if err != nil {
		return err
	}
	defer func() { _ = fresh.Close() }()

	loadedStats, err := fresh.Stats()
	if err != nil {
		return err
	}
	fmt.Printf("   ✓ Loaded brain:  %s\n", fresh.ID())
	fmt.Printf("   Rules preserved: %d\n", loadedStats.Kernel.ScopedRules)
	fmt.Printf("   Nodes preserved: %d\n\n", loadedStats.Kernel.ContextNodes)

	banner("Demo complete")
	fmt.Println("Key takeaways:")
	fmt.Println("  1. The brain learns WHO you are, not just what you said")
	fmt.Println("  2. Corrections are high-priority learning events")
	fmt.Println("  3. Context is compiled into scoped rules, not stored as text")
	fmt.Println("  4. The entire brain fits in a small, portable file")
	return nil
}

func banner(title string) {
	line := strings.Repeat("=", 70)
	fmt.Println(line)
	fmt.Println(title)
	fmt.Println(line)
	fmt.Println()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
