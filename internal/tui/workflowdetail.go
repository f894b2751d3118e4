package tui

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/flowgate/internal/models"
)

var (
	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(16)

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(secondaryColor).
			MarginTop(1)
)

func renderField(label, value string) string {
	return "  " + labelStyle.Render(label) + " " + value + "\n"
}

func (a *App) renderWorkflowDetail(height int) string {
	wf := a.current
	if wf == nil {
		return "\n  Loading...\n"
	}

	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(renderField("ID", wf.ID))
	b.WriteString(renderField("State", formatState(wf.State)))
	b.WriteString(renderField("Request", wf.RequestText))
	b.WriteString(renderField("Created", wf.CreatedAt.Local().Format(time.DateTime)))

	if out := wf.AIOutput; out != nil {
		b.WriteString(sectionStyle.Render("  Analysis") + "\n")
		b.WriteString(renderField("Intent", out.Intent))
		b.WriteString(renderField("Action", string(out.RecommendedAction)))
		b.WriteString(renderField("Confidence", fmt.Sprintf("%.2f", out.Confidence)))
	}

	if d := wf.HumanDecision; d != nil {
		b.WriteString(sectionStyle.Render("  Decision") + "\n")
		b.WriteString(renderField("Decision", string(d.Decision)))
		b.WriteString(renderField("Reviewer", d.Reviewer))
		if d.Notes != "" {
			b.WriteString(renderField("Notes", d.Notes))
		}
	} else if wf.State == models.StateWaitingForApproval {
		b.WriteString("\n  " + warningStyle.Render("Awaiting review: a approve, x reject") + "\n")
	}

	if wf.ActionStatus != "" {
		status := wf.ActionStatus
		if wf.ActionAttempts > 1 {
			b.WriteString(renderField("Action status", fmt.Sprintf("%s (attempt %d)", status, wf.ActionAttempts)))
		} else {
			b.WriteString(renderField("Action status", string(status)))
		}
	}

	if len(a.events) > 0 {
		b.WriteString(sectionStyle.Render("  Ledger") + "\n")
		for _, ev := range a.events {
			b.WriteString(fmt.Sprintf("  %s  %-26s %s\n",
				helpStyle.Render(ev.CreatedAt.Local().Format(time.TimeOnly)),
				ev.Type,
				truncate(eventSummary(ev), max(20, a.width-50))))
		}
	}

	lines := strings.Split(b.String(), "\n")
	if a.scroll >= len(lines) {
		a.scroll = len(lines) - 1
	}
	if a.scroll < 0 {
		a.scroll = 0
	}
	visible := lines[a.scroll:]
	if len(visible) > height {
		visible = visible[:height]
	}
	return strings.Join(visible, "\n")
}

// eventSummary flattens an event payload to a single line.
func eventSummary(ev models.Event) string {
	if ev.Type == models.EventStateTransition {
		var tr models.TransitionData
		if ev.Decode(&tr) == nil {
			if tr.Reason != "" {
				return fmt.Sprintf("%s → %s (%s)", tr.From, tr.To, tr.Reason)
			}
			return fmt.Sprintf("%s → %s", tr.From, tr.To)
		}
	}

	var fields map[string]any
	if len(ev.Data) == 0 || json.Unmarshal(ev.Data, &fields) != nil || len(fields) == 0 {
		return ""
	}
	parts := make([]string, 0, len(fields))
	for k, v := range fields {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}
