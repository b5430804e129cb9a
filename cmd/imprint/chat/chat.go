// Package chat implements the interactive imprint REPL using bubbletea.
// Every submitted line is played as a user turn: the briefing assembled for
// that line stands in for the assistant, and the exchange is observed so the
// session learns while it runs.
package chat

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"imprint/cmd/imprint/ui"
	"imprint/internal/types"
	"imprint/pkg/brain"
)

const (
	roleUser      = "user"
	roleAssistant = "assistant"
)

// Model is the bubbletea model for the interactive session.
type Model struct {
	// UI components
	textinput textinput.Model
	viewport  viewport.Model
	spinner   spinner.Model
	styles    ui.Styles
	renderer  *glamour.TermRenderer

	// State
	history   []message
	isLoading bool
	err       error
	width     int
	height    int
	ready     bool
	turnCount int

	// Last briefing shown, used as the original response for /correct.
	lastBriefing string

	// Backend
	brain    *brain.Brain
	version  string
	savePath string
	cwd      string
}

type message struct {
	role    string
	content string
	time    time.Time
}

// Messages for tea updates
type (
	turnMsg struct {
		injection brain.InjectResult
		observe   brain.ObserveResult
		collabs   []types.CollaborationRequest
	}
	errorMsg error
)

// New builds the chat model around an open brain. savePath may be empty when
// the session is not persisted.
func New(b *brain.Brain, version, savePath string) Model {
	styles := ui.DefaultStyles()

	ti := textinput.New()
	ti.Placeholder = "Say something... (Enter to send, /help for commands, Ctrl+C to exit)"
	ti.Focus()
	ti.Prompt = "│ "
	ti.CharLimit = 4096
	ti.Width = 80
	ti.PromptStyle = styles.Prompt
	ti.TextStyle = styles.UserInput

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = styles.Spinner

	vp := viewport.New(80, 20)
	vp.SetContent("")

	var renderer *glamour.TermRenderer
	if styles.Theme.IsDark {
		renderer, _ = glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(80),
		)
	} else {
		renderer, _ = glamour.NewTermRenderer(
			glamour.WithStylePath("light"),
			glamour.WithWordWrap(80),
		)
	}

	cwd, _ := os.Getwd()

	return Model{
		textinput: ti,
		viewport:  vp,
		spinner:   sp,
		styles:    styles,
		renderer:  renderer,
		history:   []message{},
		brain:     b,
		version:   version,
		savePath:  savePath,
		cwd:       cwd,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		m.spinner.Tick,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		tiCmd tea.Cmd
		vpCmd tea.Cmd
		spCmd tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit

		case tea.KeyEnter:
			if !m.isLoading {
				return m.handleSubmit()
			}
		}

		if !m.isLoading {
			m.textinput, tiCmd = m.textinput.Update(msg)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		headerHeight := 4
		footerHeight := 3
		inputHeight := 3

		if !m.ready {
			m.viewport = viewport.New(msg.Width-4, msg.Height-headerHeight-footerHeight-inputHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width - 4
			m.viewport.Height = msg.Height - headerHeight - footerHeight - inputHeight
		}

		m.textinput.Width = msg.Width - 4

		if m.renderer != nil {
			m.renderer, _ = glamour.NewTermRenderer(
				glamour.WithAutoStyle(),
				glamour.WithWordWrap(msg.Width-8),
			)
		}

	case spinner.TickMsg:
		if m.isLoading {
			m.spinner, spCmd = m.spinner.Update(msg)
			return m, spCmd
		}

	case turnMsg:
		m.isLoading = false
		m.turnCount++
		m.lastBriefing = msg.injection.SystemPrompt
		m.pushAssistant(formatTurn(msg))

	case errorMsg:
		m.isLoading = false
		m.err = msg
	}

	m.viewport, vpCmd = m.viewport.Update(msg)

	return m, tea.Batch(tiCmd, vpCmd, spCmd)
}

// handleSubmit dispatches the current input line.
func (m Model) handleSubmit() (tea.Model, tea.Cmd) {
	input := strings.TrimSpace(m.textinput.Value())
	if input == "" {
		return m, nil
	}

	if strings.HasPrefix(input, "/") {
		return m.handleCommand(input)
	}

	m.pushUser(input)
	m.isLoading = true

	return m, tea.Batch(
		m.spinner.Tick,
		m.processInput(input),
	)
}

// processInput assembles the briefing for the line, observes the exchange,
// and reports anything the evolution wants to ask about.
func (m Model) processInput(input string) tea.Cmd {
	b := m.brain
	return func() tea.Msg {
		injection := b.Inject(input)
		observe, err := b.Observe(input, injection.SystemPrompt)
		if err != nil {
			return errorMsg(err)
		}
		return turnMsg{
			injection: injection,
			observe:   observe,
			collabs:   b.PendingCollaborations(),
		}
	}
}

// formatTurn renders the briefing plus a learning trailer as markdown.
func formatTurn(msg turnMsg) string {
	var sb strings.Builder

	sb.WriteString(msg.injection.SystemPrompt)
	sb.WriteString("\n\n---\n")

	if msg.observe.Status == brain.StatusSkipped {
		sb.WriteString("*Duplicate exchange, nothing new learned.*\n")
	} else {
		sb.WriteString(fmt.Sprintf("*Observed: %d signal(s), confidence %.2f.*\n",
			msg.observe.SignalsExtracted, msg.observe.Confidence))
		if msg.observe.EvolutionSummary != "" {
			sb.WriteString(fmt.Sprintf("*Evolution: %s*\n", msg.observe.EvolutionSummary))
		}
	}

	for _, req := range msg.collabs {
		sb.WriteString(fmt.Sprintf("\n> **Clarification wanted**: %s\n", req.Reason))
		for _, opt := range req.ProposedOptions {
			sb.WriteString(fmt.Sprintf("> - %s\n", opt))
		}
	}

	return sb.String()
}

// pushUser appends a user message and refreshes the viewport.
func (m *Model) pushUser(content string) {
	m.history = append(m.history, message{role: roleUser, content: content, time: time.Now()})
	m.textinput.Reset()
	m.viewport.SetContent(m.renderHistory())
	m.viewport.GotoBottom()
}

// pushAssistant appends an assistant message and refreshes the viewport.
func (m *Model) pushAssistant(content string) {
	m.history = append(m.history, message{role: roleAssistant, content: content, time: time.Now()})
	m.textinput.Reset()
	m.viewport.SetContent(m.renderHistory())
	m.viewport.GotoBottom()
}

func (m Model) renderHistory() string {
	var sb strings.Builder

	for _, msg := range m.history {
		if msg.role == roleUser {
			userStyle := m.styles.Bold.
				Foreground(m.styles.Theme.Primary).
				MarginTop(1)
			sb.WriteString(userStyle.Render("You") + "\n")
			sb.WriteString(m.styles.UserInput.Render(msg.content))
			sb.WriteString("\n\n")
		} else {
			assistantStyle := m.styles.Bold.
				Foreground(m.styles.Theme.Accent).
				MarginTop(1)
			sb.WriteString(assistantStyle.Render("◈ imprint") + "\n")
			sb.WriteString(m.safeRenderMarkdown(msg.content))
			sb.WriteString("\n")
		}
	}

	return sb.String()
}

// safeRenderMarkdown renders markdown with panic recovery
func (m Model) safeRenderMarkdown(content string) (result string) {
	defer func() {
		if r := recover(); r != nil {
			// If glamour panics, return plain text
			result = content
		}
	}()

	if m.renderer != nil && content != "" {
		rendered, err := m.renderer.Render(content)
		if err == nil {
			return rendered
		}
	}
	return content
}

func (m Model) View() string {
	if !m.ready {
		return "Initializing..."
	}

	header := m.renderHeader()

	chatView := m.styles.Content.Render(m.viewport.View())

	if m.isLoading {
		chatView += "\n" + m.styles.Spinner.Render(m.spinner.View()) + " Learning..."
	}

	if m.err != nil {
		chatView += "\n" + m.styles.Error.Render("Error: "+m.err.Error())
	}

	inputStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(m.styles.Theme.Accent).
		Padding(0, 1)
	inputArea := inputStyle.Render(m.textinput.View())

	footer := m.renderFooter()

	return lipgloss.JoinVertical(
		lipgloss.Left,
		header,
		chatView,
		inputArea,
		footer,
	)
}

func (m Model) renderHeader() string {
	title := m.styles.Header.Render(" ◈ imprint ")
	version := m.styles.Badge.Render("v" + m.version)

	var status string
	if m.isLoading {
		status = m.styles.Warning.Render("● Learning")
	} else {
		status = m.styles.Success.Render("● Ready")
	}

	headerLine := lipgloss.JoinHorizontal(
		lipgloss.Center,
		title,
		" ",
		version,
		"  ",
		status,
	)

	session := m.styles.Muted.Render(fmt.Sprintf(" session %s · %d turn(s) · %s",
		m.brain.ID(), m.turnCount, m.cwd))

	return lipgloss.JoinVertical(
		lipgloss.Left,
		headerLine,
		session,
		m.styles.RenderDivider(m.width),
	)
}

func (m Model) renderFooter() string {
	help := m.styles.Muted.Render("Enter: send • /help: commands • Ctrl+C: exit")
	return lipgloss.NewStyle().
		MarginTop(1).
		Render(help)
}

// Run starts the interactive chat interface and blocks until it exits.
func Run(b *brain.Brain, version, savePath string) error {
	p := tea.NewProgram(
		New(b, version, savePath),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)

	_, err := p.Run()
	return err
}
