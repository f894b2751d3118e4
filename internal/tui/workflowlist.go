package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/flowgate/internal/models"
)

var filters = []models.State{
	"",
	models.StateWaitingForApproval,
	models.StateAIAnalyzed,
	models.StateActionExecuted,
	models.StateActionFailed,
	models.StateAIFailed,
	models.StateRejected,
}

var filterNames = []string{"ALL", "WAITING", "QUEUED", "EXECUTED", "ACTION FAILED", "AI FAILED", "REJECTED"}

// filterIndex finds the filter slot for a state name typed by the user.
func filterIndex(name string) (int, bool) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" || name == "ALL" {
		return 0, true
	}
	for i, f := range filters {
		if string(f) == name || filterNames[i] == name {
			return i, true
		}
	}
	return 0, false
}

func stateStyle(state models.State) lipgloss.Style {
	switch state {
	case models.StateReceived, models.StateAIAnalyzed:
		return lipgloss.NewStyle().Foreground(secondaryColor)
	case models.StateWaitingForApproval:
		return lipgloss.NewStyle().Foreground(warningColor)
	case models.StateActionExecuted:
		return lipgloss.NewStyle().Foreground(successColor)
	case models.StateActionFailed, models.StateAIFailed:
		return lipgloss.NewStyle().Foreground(errorColor)
	default:
		return lipgloss.NewStyle().Foreground(mutedColor)
	}
}

func stateIcon(state models.State) string {
	switch state {
	case models.StateReceived:
		return "○"
	case models.StateAIAnalyzed:
		return "◐"
	case models.StateWaitingForApproval:
		return "◑"
	case models.StateActionExecuted:
		return "●"
	case models.StateActionFailed, models.StateAIFailed:
		return "✗"
	case models.StateRejected:
		return "⊘"
	default:
		return "?"
	}
}

func formatState(state models.State) string {
	return stateStyle(state).Render(stateIcon(state) + " " + string(state))
}

// pendingLabel summarizes what a workflow is waiting on.
func pendingLabel(wf models.Workflow) string {
	switch {
	case wf.State == models.StateWaitingForApproval && wf.HumanDecision == nil && wf.AIOutput != nil:
		return "review: " + string(wf.AIOutput.RecommendedAction)
	case wf.ActionStatus == models.ActionStatusPending || wf.ActionStatus == models.ActionStatusExecuting:
		return strings.ToLower(string(wf.ActionStatus))
	}
	return ""
}

func (a *App) renderWorkflowList(height int) string {
	if a.loading && len(a.workflows) == 0 {
		return "\n  Loading workflows...\n"
	}
	if len(a.workflows) == 0 {
		return "\n  No workflows found. Type :add <request> to submit one.\n"
	}

	var lines []string
	for i, wf := range a.workflows {
		text := truncate(wf.RequestText, max(20, a.width-48))
		pending := pendingLabel(wf)
		if pending != "" {
			pending = "  [" + pending + "]"
		}

		if i == a.selectedIdx {
			line := fmt.Sprintf("▶ %s %-24s %s%s", stateIcon(wf.State), wf.State, text, pending)
			lines = append(lines, selectedStyle.Render(line))
		} else {
			state := stateStyle(wf.State).Render(fmt.Sprintf("%s %-24s", stateIcon(wf.State), wf.State))
			lines = append(lines, itemStyle.Render(fmt.Sprintf("  %s %s%s", state, text, helpStyle.Render(pending))))
		}
	}

	if len(lines) > height {
		start := a.selectedIdx - height/2
		if start < 0 {
			start = 0
		}
		end := start + height
		if end > len(lines) {
			end = len(lines)
			start = max(0, end-height)
		}
		lines = lines[start:end]
	}
	return strings.Join(lines, "\n")
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
