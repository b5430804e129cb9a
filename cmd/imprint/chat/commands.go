package chat

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
)

// teachCategories are the categories /teach accepts as its first word.
var teachCategories = map[string]bool{
	"preference":  true,
	"style":       true,
	"expertise":   true,
	"workflow":    true,
	"personality": true,
	"behavioral":  true,
}

const helpText = `## Available Commands

| Command | Description |
|---------|-------------|
| /help | Show this help message |
| /clear | Clear chat history |
| /inject <query> | Preview the briefing for a query without observing |
| /stats | Show session and kernel statistics |
| /teach [category] <instruction> | Install an instruction as an established rule |
| /correct <text> | Correct the last briefing shown |
| /goal <text> | Record an explicit goal |
| /project <name> | Set the active project |
| /persona | Show the learned user persona |
| /summary | Show the session context summary |
| /save | Save the session state now |
| /quit, /exit, /q | Exit the CLI |

## Teach Categories
` + "`preference` `style` `expertise` `workflow` `personality` `behavioral`" + `

## Tips
- **Enter** to send a message
- **Ctrl+C** or **Esc** to exit
- Use **↑/↓** to scroll history
- A plain message injects its briefing and is observed, so the session
  learns from everything you type
`

func (m Model) handleCommand(input string) (tea.Model, tea.Cmd) {
	parts := strings.Fields(input)
	cmd := parts[0]
	rest := strings.TrimSpace(strings.TrimPrefix(input, cmd))

	switch cmd {
	case "/quit", "/exit", "/q":
		return m, tea.Quit

	case "/clear":
		m.history = []message{}
		m.viewport.SetContent("")
		m.textinput.Reset()
		return m, nil

	case "/help":
		m.pushAssistant(helpText)
		return m, nil

	case "/inject":
		if rest == "" {
			m.pushAssistant("Usage: `/inject <query>`")
			return m, nil
		}
		result := m.brain.Inject(rest)
		m.lastBriefing = result.SystemPrompt
		m.pushAssistant(fmt.Sprintf("%s\n\n---\n*%d rule(s), %d goal(s), %d fact(s), ~%d tokens.*\n",
			result.SystemPrompt, result.RulesUsed, result.GoalsUsed, result.FactsUsed, result.EstimatedTokens))
		return m, nil

	case "/stats":
		m.pushAssistant(m.renderStats())
		return m, nil

	case "/teach":
		if rest == "" {
			m.pushAssistant("Usage: `/teach [category] <instruction>`")
			return m, nil
		}
		category := ""
		instruction := rest
		if len(parts) > 2 && teachCategories[strings.ToLower(parts[1])] {
			category = strings.ToLower(parts[1])
			instruction = strings.TrimSpace(strings.TrimPrefix(rest, parts[1]))
		}
		id, err := m.brain.Teach(instruction, category)
		if err != nil {
			m.pushAssistant(fmt.Sprintf("Teach failed: %v", err))
			return m, nil
		}
		m.pushAssistant(fmt.Sprintf("✅ Taught rule `%s`: %q", id, instruction))
		return m, nil

	case "/correct":
		if rest == "" {
			m.pushAssistant("Usage: `/correct <text>`")
			return m, nil
		}
		if m.lastBriefing == "" {
			m.pushAssistant("Nothing to correct yet: send a message or `/inject` first.")
			return m, nil
		}
		stats, err := m.brain.Correct(m.lastBriefing, rest)
		if err != nil {
			m.pushAssistant(fmt.Sprintf("Correction failed: %v", err))
			return m, nil
		}
		reply := fmt.Sprintf("✅ Correction recorded: %s", stats.String())
		for _, req := range m.brain.PendingCollaborations() {
			reply += fmt.Sprintf("\n\n> **Clarification wanted**: %s", req.Reason)
			for _, opt := range req.ProposedOptions {
				reply += fmt.Sprintf("\n> - %s", opt)
			}
		}
		m.pushAssistant(reply)
		return m, nil

	case "/goal":
		if rest == "" {
			m.pushAssistant("Usage: `/goal <text>`")
			return m, nil
		}
		id, err := m.brain.AddGoal(rest, nil, 0)
		if err != nil {
			m.pushAssistant(fmt.Sprintf("Goal failed: %v", err))
			return m, nil
		}
		m.pushAssistant(fmt.Sprintf("✅ Goal `%s` recorded: %q", id, rest))
		return m, nil

	case "/project":
		if rest == "" {
			m.pushAssistant("Usage: `/project <name>`")
			return m, nil
		}
		id, err := m.brain.SetProject(rest, "")
		if err != nil {
			m.pushAssistant(fmt.Sprintf("Project failed: %v", err))
			return m, nil
		}
		m.pushAssistant(fmt.Sprintf("✅ Active project set to **%s** (node `%s`)", rest, id))
		return m, nil

	case "/persona":
		m.pushAssistant(m.brain.Persona())
		return m, nil

	case "/summary":
		m.pushAssistant("```\n" + m.brain.Summary() + "\n```")
		return m, nil

	case "/save":
		if m.savePath == "" {
			m.pushAssistant("No save path configured for this session.")
			return m, nil
		}
		if err := m.brain.Save(m.savePath); err != nil {
			m.pushAssistant(fmt.Sprintf("Save failed: %v", err))
			return m, nil
		}
		m.pushAssistant(fmt.Sprintf("✅ Saved to `%s`", m.savePath))
		return m, nil

	default:
		m.pushAssistant(fmt.Sprintf("Unknown command `%s`. Try `/help`.", cmd))
		return m, nil
	}
}

// renderStats formats the session census as markdown.
func (m Model) renderStats() string {
	stats, err := m.brain.Stats()
	if err != nil {
		return fmt.Sprintf("Stats unavailable: %v", err)
	}

	var sb strings.Builder
	sb.WriteString("## Session\n\n")
	sb.WriteString("| | |\n|---|---|\n")
	sb.WriteString(fmt.Sprintf("| Session | `%s` |\n", stats.BrainID))
	sb.WriteString(fmt.Sprintf("| Pipeline | %s |\n", stats.Pipeline))
	sb.WriteString(fmt.Sprintf("| Observations | %d |\n", stats.Observations))
	sb.WriteString(fmt.Sprintf("| Evolutions | %d |\n", stats.Evolutions))

	sb.WriteString("\n## Kernel\n\n")
	sb.WriteString("| | |\n|---|---|\n")
	sb.WriteString(fmt.Sprintf("| Scoped rules | %d |\n", stats.Kernel.ScopedRules))
	sb.WriteString(fmt.Sprintf("| Context nodes | %d |\n", stats.Kernel.ContextNodes))
	sb.WriteString(fmt.Sprintf("| Hypotheses | %d (%d pending) |\n", stats.Kernel.Hypotheses, stats.Kernel.PendingHypotheses))
	sb.WriteString(fmt.Sprintf("| Goals | %d |\n", stats.Kernel.Goals))
	sb.WriteString(fmt.Sprintf("| Facts | %d |\n", stats.Kernel.Facts))
	sb.WriteString(fmt.Sprintf("| Interactions | %d logged, %d total |\n", stats.Kernel.InteractionLogs, stats.Kernel.TotalInteractions))
	sb.WriteString(fmt.Sprintf("| Profile confidence | %.0f%% |\n", stats.Kernel.ProfileConfidence*100))
	if stats.Kernel.ActiveProject != "" {
		sb.WriteString(fmt.Sprintf("| Active project | %s |\n", stats.Kernel.ActiveProject))
	}

	if archive := m.brain.Archive(); archive != nil {
		if as, err := archive.Stats(); err == nil {
			sb.WriteString("\n## Archive\n\n")
			sb.WriteString("| | |\n|---|---|\n")
			sb.WriteString(fmt.Sprintf("| Path | `%s` |\n", as.Path))
			sb.WriteString(fmt.Sprintf("| Entries | %d |\n", as.TotalEntries))
			sb.WriteString(fmt.Sprintf("| Size | %.1f KB |\n", float64(as.SizeBytes)/1024))
			sb.WriteString(fmt.Sprintf("| Rotated files | %d |\n", as.RotatedFiles))
		}
	}

	return sb.String()
}
