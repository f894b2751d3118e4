package dispatch

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// EmailSubject is the subject line of every approval email.
const EmailSubject = "Workflow Approved: Action Required"

const maxTitleRunes = 80

// RenderEmailBody renders the plain-text approval email.
func RenderEmailBody(workflowID, requestText string) string {
	body := fmt.Sprintf(`
A workflow has been approved and requires action.

Workflow ID:
%s

Request:
%s
`, workflowID, requestText)
	return strings.TrimSpace(body)
}

// TaskTitle derives an issue title from the first line of the request.
func TaskTitle(requestText string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(requestText), "\n")
	line = strings.TrimSpace(line)
	if line == "" {
		return "Approved workflow request"
	}
	if utf8.RuneCountInString(line) > maxTitleRunes {
		runes := []rune(line)
		line = strings.TrimSpace(string(runes[:maxTitleRunes-3])) + "..."
	}
	return line
}

// RenderTaskDescription renders the issue body.
func RenderTaskDescription(workflowID, requestText string) string {
	return fmt.Sprintf("Created by flowgate after human approval.\n\n**Workflow ID:** %s\n\n**Request:**\n\n%s",
		workflowID, strings.TrimSpace(requestText))
}
