// Package tui provides the interactive review console for flowgate.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/flowgate/internal/models"
)

var (
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#6366F1")
	successColor   = lipgloss.Color("#10B981")
	warningColor   = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")
	mutedColor     = lipgloss.Color("#6B7280")
	fgColor        = lipgloss.Color("#F9FAFB")
	cyanColor      = lipgloss.Color("#06B6D4")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	inputBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	itemStyle = lipgloss.NewStyle().
			Foreground(fgColor)

	selectedStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(warningColor).
			Bold(true)

	onlineStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	offlineStyle = lipgloss.NewStyle().
			Foreground(errorColor)
)

// RefreshInterval is how often the console polls the API.
const RefreshInterval = 3 * time.Second

type mode int

const (
	modeList mode = iota
	modeDetail
)

// App is the main TUI application model.
type App struct {
	client      *Client
	workflows   []models.Workflow
	selectedIdx int
	current     *models.Workflow
	events      []models.Event
	input       textinput.Model
	suggestions *Suggestions
	mode        mode
	width       int
	height      int
	scroll      int
	filterIdx   int
	message     string
	loading     bool
	apiOnline   bool
}

// New creates a review console against the API at apiAddr.
func New(apiAddr, reviewer string) *App {
	ti := textinput.New()
	ti.Placeholder = "add <request> | approve [notes] | reject [notes] | filter <state> | /help"
	ti.CharLimit = 512
	ti.Width = 80

	return &App{
		client:      NewClient(apiAddr, reviewer),
		input:       ti,
		suggestions: NewSuggestions(),
		width:       80,
		height:      24,
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.fetchWorkflows(), a.checkAPI(), a.tickCmd())
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return a, tea.Quit
		}
		if a.input.Focused() {
			return a.updateInput(msg)
		}
		return a.updateKeys(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.input.Width = msg.Width - 6

	case workflowsLoadedMsg:
		a.loading = false
		a.workflows = msg.workflows
		if a.selectedIdx >= len(a.workflows) {
			a.selectedIdx = max(0, len(a.workflows)-1)
		}

	case workflowDetailLoadedMsg:
		a.current = msg.workflow
		a.events = msg.events

	case apiStatusMsg:
		a.apiOnline = msg.online

	case tickMsg:
		cmds := []tea.Cmd{a.checkAPI(), a.tickCmd()}
		if a.mode == modeDetail && a.current != nil {
			cmds = append(cmds, a.fetchDetail(a.current.ID))
		} else {
			cmds = append(cmds, a.fetchWorkflows())
		}
		return a, tea.Batch(cmds...)

	case commandResultMsg:
		a.message = msg.message
		return a, a.reload()

	case errMsg:
		a.loading = false
		a.message = "Error: " + msg.err.Error()
	}
	return a, nil
}

// updateKeys handles navigation while the command bar is closed.
func (a *App) updateKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q":
		return a, tea.Quit

	case ":", "/":
		a.message = ""
		a.input.Focus()
		if msg.String() == "/" {
			a.input.SetValue("/")
			a.input.CursorEnd()
			a.suggestions.Update("/")
		}
		return a, textinput.Blink

	case "esc":
		if a.mode == modeDetail {
			a.mode = modeList
			a.current = nil
			a.events = nil
			return a, a.fetchWorkflows()
		}
		a.message = ""

	case "up", "k":
		if a.mode == modeList && a.selectedIdx > 0 {
			a.selectedIdx--
		} else if a.mode == modeDetail && a.scroll > 0 {
			a.scroll--
		}

	case "down", "j":
		if a.mode == modeList && a.selectedIdx < len(a.workflows)-1 {
			a.selectedIdx++
		} else if a.mode == modeDetail {
			a.scroll++
		}

	case "enter":
		if a.mode == modeList && len(a.workflows) > 0 {
			return a, a.openDetail(a.workflows[a.selectedIdx].ID)
		}

	case "tab":
		if a.mode == modeList {
			a.filterIdx = (a.filterIdx + 1) % len(filters)
			a.selectedIdx = 0
			return a, a.fetchWorkflows()
		}

	case "r":
		return a, a.reload()

	case "a":
		return a, a.decide(models.DecisionApproved, "")

	case "x":
		return a, a.decide(models.DecisionRejected, "")
	}
	return a, nil
}

// updateInput handles keys while the command bar is open.
func (a *App) updateInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		a.closeInput()
		return a, nil

	case "up":
		a.suggestions.Prev()
		return a, nil

	case "down":
		a.suggestions.Next()
		return a, nil

	case "tab":
		if text, ok := a.suggestions.Accept(); ok {
			a.input.SetValue(text)
			a.input.CursorEnd()
			a.suggestions.Update(text)
		}
		return a, nil

	case "enter":
		if text, ok := a.suggestions.Accept(); ok && a.suggestions.prefix == "@" {
			a.closeInput()
			return a, a.executeCommand(text)
		}
		text := strings.TrimSpace(a.input.Value())
		a.closeInput()
		return a, a.executeCommand(text)
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	a.suggestions.Update(a.input.Value())
	if strings.HasPrefix(a.input.Value(), "@") {
		ids := make([]string, len(a.workflows))
		labels := make([]string, len(a.workflows))
		for i, wf := range a.workflows {
			ids[i] = wf.ID
			labels[i] = truncate(wf.RequestText, 40)
		}
		a.suggestions.SetWorkflows(ids, labels)
	}
	return a, cmd
}

func (a *App) closeInput() {
	a.input.SetValue("")
	a.input.Blur()
	a.suggestions.Update("")
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	apiStatus := onlineStyle.Render("● API")
	if !a.apiOnline {
		apiStatus = offlineStyle.Render("○ API")
	}
	header := titleStyle.Render("flowgate review")
	header += "  " + apiStatus
	header += "  " + lipgloss.NewStyle().Foreground(cyanColor).Render("reviewer: "+a.client.Reviewer())
	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("─", max(1, a.width)) + "\n")

	contentHeight := max(5, a.height-8)
	switch a.mode {
	case modeList:
		filterLabel := fmt.Sprintf(" Filter: [%s]", filterNames[a.filterIdx])
		b.WriteString(helpStyle.Render(filterLabel) + "\n")
		b.WriteString(a.renderWorkflowList(contentHeight - 1))
	case modeDetail:
		b.WriteString(a.renderWorkflowDetail(contentHeight))
	}

	if a.message != "" {
		msgStyle := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") {
			msgStyle = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString("\n" + msgStyle.Render(a.message))
	} else {
		b.WriteString("\n")
	}

	b.WriteString("\n")
	if a.input.Focused() {
		b.WriteString(inputBoxStyle.Render(a.input.View()))
		if a.suggestions.IsVisible() {
			b.WriteString("\n")
			b.WriteString(a.suggestions.Render(a.width))
		}
		b.WriteString("\n")
	}

	var status string
	switch a.mode {
	case modeList:
		status = fmt.Sprintf(" Workflows: %d | ↑↓:nav | Enter:open | Tab:filter | a:approve | x:reject | ::command | q:quit", len(a.workflows))
	case modeDetail:
		status = " ↑↓:scroll | a:approve | x:reject | r:refresh | Esc:back | ::command"
	}
	b.WriteString(statusBarStyle.Width(a.width).Render(status))
	return b.String()
}

// target is the workflow that approve and reject act on.
func (a *App) target() *models.Workflow {
	if a.mode == modeDetail {
		return a.current
	}
	if len(a.workflows) == 0 {
		return nil
	}
	return &a.workflows[a.selectedIdx]
}

func (a *App) reload() tea.Cmd {
	if a.mode == modeDetail && a.current != nil {
		return a.fetchDetail(a.current.ID)
	}
	return a.fetchWorkflows()
}

func (a *App) openDetail(id string) tea.Cmd {
	a.mode = modeDetail
	a.scroll = 0
	a.current = nil
	a.events = nil
	return a.fetchDetail(id)
}

func (a *App) fetchWorkflows() tea.Cmd {
	a.loading = true
	state := filters[a.filterIdx]
	return func() tea.Msg {
		workflows, err := a.client.ListWorkflows(state)
		if err != nil {
			return errMsg{err}
		}
		return workflowsLoadedMsg{workflows}
	}
}

func (a *App) fetchDetail(id string) tea.Cmd {
	return func() tea.Msg {
		wf, err := a.client.GetWorkflow(id)
		if err != nil {
			return errMsg{err}
		}
		events, err := a.client.GetEvents(id)
		if err != nil {
			return errMsg{err}
		}
		return workflowDetailLoadedMsg{wf, events}
	}
}

func (a *App) checkAPI() tea.Cmd {
	return func() tea.Msg {
		ok, err := a.client.CheckHealth()
		return apiStatusMsg{online: err == nil && ok}
	}
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(RefreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) decide(decision models.Decision, notes string) tea.Cmd {
	wf := a.target()
	if wf == nil {
		a.message = "No workflow selected"
		return nil
	}
	id := wf.ID
	return func() tea.Msg {
		result, err := a.client.Decide(id, decision, notes)
		if err != nil {
			return errMsg{err}
		}
		if result.PendingAction != "" {
			return commandResultMsg{fmt.Sprintf("✓ Approved %s, %s queued", shortID(id), result.PendingAction)}
		}
		return commandResultMsg{fmt.Sprintf("✓ %s %s (%s)", decision, shortID(id), result.State)}
	}
}

// executeCommand runs a command bar line.
func (a *App) executeCommand(input string) tea.Cmd {
	parts := strings.Fields(strings.TrimPrefix(input, "/"))
	if len(parts) == 0 {
		return nil
	}
	cmd, args := parts[0], parts[1:]
	rest := strings.Join(args, " ")

	switch cmd {
	case "add":
		if rest == "" {
			a.message = "Usage: add <request text>"
			return nil
		}
		return func() tea.Msg {
			wf, err := a.client.CreateWorkflow(rest)
			if err != nil {
				return errMsg{err}
			}
			return commandResultMsg{fmt.Sprintf("✓ Created workflow %s", shortID(wf.ID))}
		}

	case "approve":
		return a.decide(models.DecisionApproved, rest)

	case "reject":
		return a.decide(models.DecisionRejected, rest)

	case "show", "open":
		if len(args) != 1 {
			a.message = "Usage: show <workflow id>"
			return nil
		}
		return a.openDetail(strings.TrimPrefix(args[0], "@"))

	case "filter":
		idx, ok := filterIndex(rest)
		if !ok {
			a.message = fmt.Sprintf("Unknown state: %s", rest)
			return nil
		}
		a.filterIdx = idx
		a.selectedIdx = 0
		a.mode = modeList
		return a.fetchWorkflows()

	case "refresh":
		return a.reload()

	case "help":
		a.message = "Commands: add, approve, reject, show, filter, refresh, quit"
		return nil

	case "q", "quit", "exit":
		return tea.Quit

	default:
		a.message = fmt.Sprintf("Unknown: %s (try: add, approve, reject, filter)", cmd)
		return nil
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
