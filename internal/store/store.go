// Package store provides durable persistence for workflows and their
// append-only event ledger, plus the claim primitive workers use to take
// exclusive ownership of one ready workflow at a time.
//
// Two backends implement Store:
//   - Postgres claims rows with SELECT ... FOR NO KEY UPDATE SKIP LOCKED
//     inside a transaction owned by the Claim.
//   - SQLite (single node) claims rows with a lease (claimed_by and
//     claim_expires_at) taken by one atomic UPDATE ... RETURNING.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fentz26/flowgate/internal/models"
)

// DefaultClaimTTL bounds how long a SQLite lease survives a crashed holder.
const DefaultClaimTTL = 5 * time.Minute

// Ledger is the append-only event log. It doubles as the idempotency oracle:
// Exists is the only authority on whether a side effect already happened.
type Ledger interface {
	// Append durably records one event, independent of any open claim.
	Append(ctx context.Context, workflowID string, eventType models.EventType, data any) (*models.Event, error)
	// Exists reports whether an event of the given type was recorded for the workflow.
	Exists(ctx context.Context, workflowID string, eventType models.EventType) (bool, error)
	// Events returns the workflow's events, oldest first.
	Events(ctx context.Context, workflowID string) ([]models.Event, error)
}

// Predicate selects claimable workflows.
type Predicate struct {
	State models.State
	// ActionStatuses, when non-empty, restricts matches to these action statuses.
	ActionStatuses []models.ActionStatus
}

// Change is a set of mutations applied atomically through a Claim.
type Change struct {
	// To, when set, moves the workflow along one state machine edge and
	// appends a STATE_TRANSITION event.
	To     models.State
	Reason string

	AIOutput          *models.AIOutput
	HumanDecision     *models.HumanDecision
	ActionStatus      models.ActionStatus
	IncrementAttempts bool

	// Events are appended before the STATE_TRANSITION event, in order.
	Events []models.EventInput
}

// Claim is exclusive ownership of one workflow for one processing attempt.
// Callers must finish every claim with Commit or Release.
type Claim interface {
	Workflow() *models.Workflow
	Apply(ctx context.Context, c Change) error
	// Lease is how long the claim survives without Extend. Zero means it
	// lasts until Commit or Release.
	Lease() time.Duration
	// Extend renews the lease. It returns ErrClaimLost once another holder
	// has taken the workflow.
	Extend(ctx context.Context) error
	Commit(ctx context.Context) error
	Release(ctx context.Context) error
}

// Store is the workflow store, the claim scheduler and the ledger.
type Store interface {
	Ledger

	CreateWorkflow(ctx context.Context, requestText string) (*models.Workflow, error)
	GetWorkflow(ctx context.Context, id string) (*models.Workflow, error)
	// ListWorkflows returns workflows newest first, optionally filtered by state.
	ListWorkflows(ctx context.Context, state models.State) ([]models.Workflow, error)

	// ClaimNext claims the oldest workflow matching p. It returns (nil, nil)
	// when nothing matches or every match is claimed by someone else.
	ClaimNext(ctx context.Context, p Predicate, holder string) (Claim, error)
	// ClaimByID claims one workflow without waiting; it returns ErrNotFound
	// or ErrWorkflowBusy.
	ClaimByID(ctx context.Context, id, holder string) (Claim, error)

	Ping(ctx context.Context) error
	Close() error
}

// Options tune a store backend.
type Options struct {
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
	// ClaimTTL is the SQLite lease duration.
	ClaimTTL time.Duration
}

func (o Options) withDefaults() Options {
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	if o.ClaimTTL <= 0 {
		o.ClaimTTL = DefaultClaimTTL
	}
	return o
}

// Config selects and configures a backend for Open.
type Config struct {
	Driver   string // "sqlite" or "postgres"
	Path     string // sqlite database file
	DSN      string // postgres connection string
	MaxConns int32
	ClaimTTL time.Duration
}

// Open returns the backend named by cfg.Driver with its schema migrated.
func Open(ctx context.Context, cfg Config) (Store, error) {
	opts := Options{ClaimTTL: cfg.ClaimTTL}
	switch cfg.Driver {
	case "sqlite", "":
		return NewSQLite(cfg.Path, opts)
	case "postgres":
		return NewPostgres(ctx, cfg.DSN, cfg.MaxConns, opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

type pendingEvent struct {
	Type models.EventType
	Data []byte
}

func newPendingEvent(t models.EventType, data any) (pendingEvent, error) {
	raw, err := encodeData(data)
	if err != nil {
		return pendingEvent{}, fmt.Errorf("encode %s event: %w", t, err)
	}
	return pendingEvent{Type: t, Data: raw}, nil
}

func encodeData(data any) ([]byte, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return v, nil
	}
	return json.Marshal(data)
}

// planChange computes the workflow row and events produced by c without
// touching storage. Both backends persist its result under their own guard.
func planChange(cur *models.Workflow, c Change, now time.Time) (*models.Workflow, []pendingEvent, error) {
	next := *cur
	var events []pendingEvent

	if c.AIOutput != nil {
		if cur.AIOutput != nil {
			return nil, nil, fmt.Errorf("ai_output: %w", ErrAlreadySet)
		}
		out := *c.AIOutput
		next.AIOutput = &out
	}
	if c.HumanDecision != nil {
		if cur.HumanDecision != nil {
			return nil, nil, fmt.Errorf("human_decision: %w", ErrAlreadySet)
		}
		d := *c.HumanDecision
		next.HumanDecision = &d
	}
	if c.ActionStatus != models.ActionStatusNone {
		next.ActionStatus = c.ActionStatus
	}
	if c.IncrementAttempts {
		next.ActionAttempts++
	}

	for _, in := range c.Events {
		ev, err := newPendingEvent(in.Type, in.Data)
		if err != nil {
			return nil, nil, err
		}
		events = append(events, ev)
	}

	if c.To != "" {
		if err := models.ValidateTransition(cur.State, c.To); err != nil {
			return nil, nil, err
		}
		next.State = c.To
		ev, err := newPendingEvent(models.EventStateTransition, models.TransitionData{
			From:   cur.State,
			To:     c.To,
			Reason: c.Reason,
		})
		if err != nil {
			return nil, nil, err
		}
		events = append(events, ev)
	}

	next.UpdatedAt = now
	return &next, events, nil
}

// newWorkflow builds a freshly created workflow already advanced to
// AI_ANALYZED, with the creation and transition events.
func newWorkflow(id, requestText string, now time.Time) (*models.Workflow, []pendingEvent, error) {
	wf := &models.Workflow{
		ID:          id,
		RequestText: requestText,
		State:       models.StateReceived,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return planChange(wf, Change{
		To:     models.StateAIAnalyzed,
		Reason: "enqueued for analysis",
		Events: []models.EventInput{{
			Type: models.EventWorkflowCreated,
			Data: map[string]any{"request_length": len(requestText)},
		}},
	}, now)
}

func encodeWorkflowJSON(wf *models.Workflow) (aiOutput, decision []byte, err error) {
	if wf.AIOutput != nil {
		if aiOutput, err = json.Marshal(wf.AIOutput); err != nil {
			return nil, nil, fmt.Errorf("encode ai_output: %w", err)
		}
	}
	if wf.HumanDecision != nil {
		if decision, err = json.Marshal(wf.HumanDecision); err != nil {
			return nil, nil, fmt.Errorf("encode human_decision: %w", err)
		}
	}
	return aiOutput, decision, nil
}

func decodeWorkflowJSON(wf *models.Workflow, aiOutput, decision []byte) error {
	if len(aiOutput) > 0 {
		wf.AIOutput = &models.AIOutput{}
		if err := json.Unmarshal(aiOutput, wf.AIOutput); err != nil {
			return fmt.Errorf("decode ai_output: %w", err)
		}
	}
	if len(decision) > 0 {
		wf.HumanDecision = &models.HumanDecision{}
		if err := json.Unmarshal(decision, wf.HumanDecision); err != nil {
			return fmt.Errorf("decode human_decision: %w", err)
		}
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfNoBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
