package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fentz26/flowgate/internal/models"
	"github.com/spf13/cobra"
)

var workflowCmd = &cobra.Command{
	Use:     "workflow",
	Aliases: []string{"wf"},
	Short:   "Submit, inspect and decide workflows",
}

var workflowAddCmd = &cobra.Command{
	Use:   "add [request text | -]",
	Short: "Submit a new request",
	Long:  `Submits a request for analysis. Pass "-" to read the request text from stdin.`,
	Args:  cobra.MinimumNArgs(1),
	RunE:  runWorkflowAdd,
}

var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workflows, newest first",
	RunE:  runWorkflowList,
}

var workflowShowCmd = &cobra.Command{
	Use:   "show [workflow-id]",
	Short: "Show workflow details",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowShow,
}

var workflowEventsCmd = &cobra.Command{
	Use:   "events [workflow-id]",
	Short: "Show a workflow's event ledger",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowEvents,
}

var workflowApproveCmd = &cobra.Command{
	Use:   "approve [workflow-id]",
	Short: "Approve the recommended action",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(args[0], models.DecisionApproved)
	},
}

var workflowRejectCmd = &cobra.Command{
	Use:   "reject [workflow-id]",
	Short: "Reject the recommended action",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(args[0], models.DecisionRejected)
	},
}

var (
	listState string
	reviewer  string
	notes     string
	asJSON    bool
)

func init() {
	workflowCmd.AddCommand(workflowAddCmd, workflowListCmd, workflowShowCmd, workflowEventsCmd, workflowApproveCmd, workflowRejectCmd)

	workflowListCmd.Flags().StringVar(&listState, "state", "", "Filter by state (e.g. WAITING_FOR_APPROVAL)")

	for _, c := range []*cobra.Command{workflowApproveCmd, workflowRejectCmd} {
		c.Flags().StringVar(&reviewer, "reviewer", defaultReviewer(), "Reviewer name recorded with the decision")
		c.Flags().StringVar(&notes, "notes", "", "Decision notes")
	}

	for _, c := range []*cobra.Command{workflowAddCmd, workflowListCmd, workflowShowCmd, workflowEventsCmd, workflowApproveCmd, workflowRejectCmd} {
		c.Flags().BoolVar(&asJSON, "json", false, "Print the raw JSON response")
	}
}

func defaultReviewer() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	hostname, _ := os.Hostname()
	return fmt.Sprintf("cli@%s", hostname)
}

func runWorkflowAdd(cmd *cobra.Command, args []string) error {
	text := strings.Join(args, " ")
	if text == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return err
		}
		text = string(data)
	}

	var wf models.Workflow
	if err := apiPost("/workflows", map[string]string{"request_text": text}, &wf); err != nil {
		return err
	}
	if asJSON {
		return printJSON(wf)
	}
	fmt.Printf("Created workflow: %s\n", wf.ID)
	return nil
}

func runWorkflowList(cmd *cobra.Command, args []string) error {
	path := "/workflows"
	if listState != "" {
		path += "?state=" + url.QueryEscape(strings.ToUpper(listState))
	}

	var workflows []models.Workflow
	if err := apiGet(path, &workflows); err != nil {
		return err
	}
	if asJSON {
		return printJSON(workflows)
	}
	if len(workflows) == 0 {
		fmt.Println("No workflows found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tACTION\tCREATED\tREQUEST")
	for _, wf := range workflows {
		action := "-"
		if wf.AIOutput != nil {
			action = string(wf.AIOutput.RecommendedAction)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			truncateID(wf.ID), wf.State, action,
			wf.CreatedAt.Local().Format(time.DateTime), truncate(wf.RequestText, 50))
	}
	return w.Flush()
}

func runWorkflowShow(cmd *cobra.Command, args []string) error {
	var wf models.Workflow
	if err := apiGet("/workflows/"+url.PathEscape(args[0]), &wf); err != nil {
		return err
	}
	if asJSON {
		return printJSON(wf)
	}

	fmt.Printf("ID:        %s\n", wf.ID)
	fmt.Printf("State:     %s\n", wf.State)
	fmt.Printf("Request:   %s\n", wf.RequestText)
	fmt.Printf("Created:   %s\n", wf.CreatedAt.Local().Format(time.DateTime))
	fmt.Printf("Updated:   %s\n", wf.UpdatedAt.Local().Format(time.DateTime))
	if out := wf.AIOutput; out != nil {
		fmt.Printf("Intent:    %s\n", out.Intent)
		fmt.Printf("Action:    %s (confidence %.2f)\n", out.RecommendedAction, out.Confidence)
	}
	if d := wf.HumanDecision; d != nil {
		fmt.Printf("Decision:  %s by %s at %s\n", d.Decision, d.Reviewer, d.DecidedAt.Local().Format(time.DateTime))
		if d.Notes != "" {
			fmt.Printf("Notes:     %s\n", d.Notes)
		}
	}
	if wf.ActionStatus != "" {
		fmt.Printf("Execution: %s (attempts: %d)\n", wf.ActionStatus, wf.ActionAttempts)
	}
	return nil
}

func runWorkflowEvents(cmd *cobra.Command, args []string) error {
	var events []models.Event
	if err := apiGet("/workflows/"+url.PathEscape(args[0])+"/events", &events); err != nil {
		return err
	}
	if asJSON {
		return printJSON(events)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tTIME\tTYPE\tDATA")
	for _, ev := range events {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
			ev.ID, ev.CreatedAt.Local().Format(time.DateTime), ev.Type, truncate(string(ev.Data), 80))
	}
	return w.Flush()
}

type decisionResult struct {
	Status        models.Decision     `json:"status"`
	WorkflowID    string              `json:"workflow_id"`
	State         models.State        `json:"state"`
	ActionStatus  models.ActionStatus `json:"action_status"`
	PendingAction models.Action       `json:"pending_action"`
}

func decide(id string, decision models.Decision) error {
	body := map[string]string{
		"decision": string(decision),
		"reviewer": reviewer,
		"notes":    notes,
	}

	var result decisionResult
	if err := apiPost("/workflows/"+url.PathEscape(id)+"/approve", body, &result); err != nil {
		return err
	}
	if asJSON {
		return printJSON(result)
	}

	if result.PendingAction != "" {
		fmt.Printf("Approved %s: %s queued for execution\n", truncateID(id), result.PendingAction)
		return nil
	}
	fmt.Printf("Recorded %s for %s (state: %s)\n", decision, truncateID(id), result.State)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func truncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
