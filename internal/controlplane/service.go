// Package controlplane exposes workflow intake, inspection and human
// approval as a service and an HTTP API.
package controlplane

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fentz26/flowgate/internal/audit"
	"github.com/fentz26/flowgate/internal/models"
	"github.com/fentz26/flowgate/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Service provides the core control plane operations.
type Service struct {
	store    store.Store
	recorder *audit.Recorder
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates a new control plane service.
func NewService(s store.Store, rec *audit.Recorder, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    s,
		recorder: rec,
		logger:   logger.Named("controlplane"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// --- Workflow Operations ---

// CreateWorkflow records a new request and queues it for analysis.
func (s *Service) CreateWorkflow(ctx context.Context, requestText string) (*models.Workflow, error) {
	requestText = strings.TrimSpace(requestText)
	if requestText == "" {
		return nil, ErrEmptyRequest
	}
	wf, err := s.store.CreateWorkflow(ctx, requestText)
	if err != nil {
		return nil, err
	}
	s.logger.Info("workflow created", zap.String("workflow_id", wf.ID), zap.Int("request_length", len(requestText)))
	return wf, nil
}

// GetWorkflow retrieves a workflow by ID.
func (s *Service) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	return s.store.GetWorkflow(ctx, id)
}

// ListWorkflows returns workflows newest first, optionally filtered by state.
func (s *Service) ListWorkflows(ctx context.Context, state models.State) ([]models.Workflow, error) {
	if state != "" && !state.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownState, state)
	}
	return s.store.ListWorkflows(ctx, state)
}

// GetEvents returns a workflow's ledger, oldest first.
func (s *Service) GetEvents(ctx context.Context, id string) ([]models.Event, error) {
	if _, err := s.store.GetWorkflow(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Events(ctx, id)
}

// --- Human Decisions ---

// DecisionInput is a reviewer's verdict.
type DecisionInput struct {
	Decision models.Decision `json:"decision"`
	Reviewer string          `json:"reviewer"`
	Notes    string          `json:"notes,omitempty"`
}

// DecisionResult summarizes the workflow after a decision.
type DecisionResult struct {
	Status        models.Decision     `json:"status"`
	WorkflowID    string              `json:"workflow_id"`
	State         models.State        `json:"state"`
	ActionStatus  models.ActionStatus `json:"action_status,omitempty"`
	PendingAction models.Action       `json:"pending_action,omitempty"`
}

type decisionData struct {
	Reviewer string `json:"reviewer"`
	Notes    string `json:"notes,omitempty"`
}

// RecordHumanDecision applies a reviewer's verdict to a workflow awaiting
// approval. Approval queues the recommended action for the executor; it
// does not perform it. A workflow can be decided only once.
func (s *Service) RecordHumanDecision(ctx context.Context, id string, in DecisionInput) (*DecisionResult, error) {
	if !in.Decision.Valid() {
		return nil, ErrInvalidDecision
	}
	in.Reviewer = strings.TrimSpace(in.Reviewer)
	if in.Reviewer == "" {
		return nil, ErrReviewerRequired
	}

	holder := "api-" + uuid.NewString()
	claim, err := s.store.ClaimByID(ctx, id, holder)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := claim.Release(ctx); err != nil {
			s.logger.Warn("release claim",
				zap.String("workflow_id", id),
				zap.String("holder", holder),
				zap.Error(err))
		}
	}()

	wf := claim.Workflow()
	if wf.HumanDecision != nil {
		return nil, fmt.Errorf("%w: %s by %s", ErrAlreadyDecided, wf.HumanDecision.Decision, wf.HumanDecision.Reviewer)
	}
	if wf.State != models.StateWaitingForApproval {
		return nil, fmt.Errorf("%w (current: %s)", ErrInvalidState, wf.State)
	}

	decision := &models.HumanDecision{
		Decision:  in.Decision,
		Reviewer:  in.Reviewer,
		Notes:     in.Notes,
		DecidedAt: s.now(),
	}
	data := decisionData{Reviewer: in.Reviewer, Notes: in.Notes}

	var ch store.Change
	if in.Decision == models.DecisionApproved {
		ch = store.Change{
			HumanDecision: decision,
			ActionStatus:  models.ActionStatusPending,
			Events:        []models.EventInput{{Type: models.EventHumanApproved, Data: data}},
		}
	} else {
		ch = store.Change{
			To:            models.StateRejected,
			Reason:        "rejected by reviewer",
			HumanDecision: decision,
			Events:        []models.EventInput{{Type: models.EventActionRejected, Data: data}},
		}
	}

	if err := s.recorder.Apply(ctx, claim, ch); err != nil {
		return nil, fmt.Errorf("record decision: %w", err)
	}
	if err := claim.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit decision: %w", err)
	}

	wf = claim.Workflow()
	result := &DecisionResult{
		Status:       in.Decision,
		WorkflowID:   wf.ID,
		State:        wf.State,
		ActionStatus: wf.ActionStatus,
	}
	if in.Decision == models.DecisionApproved && wf.AIOutput != nil {
		result.PendingAction = wf.AIOutput.RecommendedAction
	}

	s.logger.Info("human decision recorded",
		zap.String("workflow_id", wf.ID),
		zap.String("decision", string(in.Decision)),
		zap.String("reviewer", in.Reviewer))
	return result, nil
}

// Ping checks the store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
