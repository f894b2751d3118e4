// Package models defines the core domain types for flowgate.
package models

import (
	"encoding/json"
	"time"
)

// State is the position of a workflow in its lifecycle.
type State string

const (
	StateReceived           State = "RECEIVED"
	StateAIAnalyzed         State = "AI_ANALYZED"
	StateWaitingForApproval State = "WAITING_FOR_APPROVAL"
	StateActionExecuted     State = "ACTION_EXECUTED"
	StateActionFailed       State = "ACTION_FAILED"
	StateRejected           State = "REJECTED"
	StateAIFailed           State = "AI_FAILED"
)

// ActionStatus tracks side-effect execution independently of State.
type ActionStatus string

const (
	ActionStatusNone      ActionStatus = ""
	ActionStatusPending   ActionStatus = "PENDING"
	ActionStatusExecuting ActionStatus = "EXECUTING"
	ActionStatusCompleted ActionStatus = "COMPLETED"
	ActionStatusFailed    ActionStatus = "FAILED"
)

// Action is a side effect the classifier can recommend.
type Action string

const (
	ActionSendEmail  Action = "send_email"
	ActionCreateTask Action = "create_task"
	ActionReject     Action = "reject"
)

// Valid reports whether a is one of the recommended actions.
func (a Action) Valid() bool {
	switch a {
	case ActionSendEmail, ActionCreateTask, ActionReject:
		return true
	}
	return false
}

// Decision is a reviewer's verdict.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Valid reports whether d is approved or rejected.
func (d Decision) Valid() bool {
	return d == DecisionApproved || d == DecisionRejected
}

// AIOutput is the validated classifier result.
type AIOutput struct {
	Intent            string  `json:"intent"`
	RecommendedAction Action  `json:"recommended_action"`
	Confidence        float64 `json:"confidence"`
}

// HumanDecision records the reviewer's verdict on a workflow.
type HumanDecision struct {
	Decision  Decision  `json:"decision"`
	Reviewer  string    `json:"reviewer"`
	Notes     string    `json:"notes,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// Workflow is one request flowing through classification, approval and execution.
type Workflow struct {
	ID             string         `json:"id"`
	RequestText    string         `json:"request_text"`
	State          State          `json:"state"`
	AIOutput       *AIOutput      `json:"ai_output,omitempty"`
	HumanDecision  *HumanDecision `json:"human_decision,omitempty"`
	ActionStatus   ActionStatus   `json:"action_status,omitempty"`
	ActionAttempts int            `json:"action_attempts"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// EventType tags a ledger entry.
type EventType string

const (
	EventWorkflowCreated       EventType = "WORKFLOW_CREATED"
	EventStateTransition       EventType = "STATE_TRANSITION"
	EventAIAnalyzed            EventType = "AI_ANALYZED"
	EventAIFailed              EventType = "AI_FAILED"
	EventHumanApproved         EventType = "HUMAN_APPROVED"
	EventActionRejected        EventType = "ACTION_REJECTED"
	EventActionStarted         EventType = "ACTION_STARTED"
	EventEmailSent             EventType = "EMAIL_SENT"
	EventEmailFailed           EventType = "EMAIL_FAILED"
	EventEmailSkippedDuplicate EventType = "EMAIL_SKIPPED_DUPLICATE"
	EventTaskCreated           EventType = "TASK_CREATED"
	EventTaskFailed            EventType = "TASK_FAILED"
	EventTaskSkippedDuplicate  EventType = "TASK_SKIPPED_DUPLICATE"
	EventNoAction              EventType = "NO_ACTION"
	EventActionExecuted        EventType = "ACTION_EXECUTED"
	EventActionFailed          EventType = "ACTION_FAILED"
	EventActionRetryScheduled  EventType = "ACTION_RETRY_SCHEDULED"
)

// Event is one append-only ledger entry.
type Event struct {
	ID         int64           `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	Type       EventType       `json:"event_type"`
	Data       json.RawMessage `json:"event_data,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Decode unmarshals the event payload into v. A nil payload leaves v untouched.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// EventInput is an event waiting to be appended.
type EventInput struct {
	Type EventType
	Data any
}

// TransitionData is the payload of a STATE_TRANSITION event.
type TransitionData struct {
	From   State  `json:"from"`
	To     State  `json:"to"`
	Reason string `json:"reason,omitempty"`
}
