package dispatch

import (
	"context"
	"fmt"

	"github.com/fentz26/flowgate/internal/audit"
	"github.com/fentz26/flowgate/internal/models"
	"github.com/fentz26/flowgate/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Executor performs one workflow's side effect. *Dispatcher implements it.
type Executor interface {
	Execute(ctx context.Context, action models.Action, workflowID, requestText string) error
}

// ReadyPredicate matches approved workflows whose action has not finished.
// EXECUTING is included so work interrupted by a crash is picked up again.
var ReadyPredicate = store.Predicate{
	State:          models.StateWaitingForApproval,
	ActionStatuses: []models.ActionStatus{models.ActionStatusPending, models.ActionStatusExecuting},
}

// WorkerConfig sets the failure policy.
type WorkerConfig struct {
	// MaxAttempts bounds executions per workflow. At 1 a failure is final.
	MaxAttempts int
}

// ActionData is the payload of ACTION_* lifecycle events.
type ActionData struct {
	Action  models.Action `json:"action"`
	Attempt int           `json:"attempt"`
	Error   string        `json:"error,omitempty"`
}

// Worker executes one approved workflow per ProcessOne call.
type Worker struct {
	store    store.Store
	recorder *audit.Recorder
	executor Executor
	cfg      WorkerConfig
	logger   *zap.Logger
}

// NewWorker creates an action executor.
func NewWorker(s store.Store, rec *audit.Recorder, executor Executor, cfg WorkerConfig, logger *zap.Logger) *Worker {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		store:    s,
		recorder: rec,
		executor: executor,
		cfg:      cfg,
		logger:   logger.Named("executor"),
	}
}

// Name identifies the worker's poll loop.
func (w *Worker) Name() string { return "dispatch" }

// ProcessOne claims the oldest approved workflow and executes its action.
// It reports false when there was nothing to claim. An action failure is
// recorded on the workflow and is not an error.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	holder := "dispatch-" + uuid.NewString()
	claim, err := w.store.ClaimNext(ctx, ReadyPredicate, holder)
	if err != nil {
		return false, fmt.Errorf("claim workflow: %w", err)
	}
	if claim == nil {
		return false, nil
	}

	wf := claim.Workflow()
	var action models.Action
	if wf.AIOutput != nil {
		action = wf.AIOutput.RecommendedAction
	}
	log := w.logger.With(zap.String("workflow_id", wf.ID), zap.String("action", string(action)))
	defer func() {
		if err := claim.Release(ctx); err != nil {
			log.Warn("release claim", zap.String("holder", holder), zap.Error(err))
		}
	}()

	err = w.recorder.Apply(ctx, claim, store.Change{
		ActionStatus:      models.ActionStatusExecuting,
		IncrementAttempts: true,
		Events: []models.EventInput{{
			Type: models.EventActionStarted,
			Data: ActionData{Action: action, Attempt: wf.ActionAttempts + 1},
		}},
	})
	if err != nil {
		return true, fmt.Errorf("mark executing: %w", err)
	}
	attempt := claim.Workflow().ActionAttempts

	held, stop := store.KeepAlive(ctx, claim)
	defer stop()
	execErr := w.executor.Execute(held, action, wf.ID, wf.RequestText)
	if err := stop(); err != nil {
		// The next holder consults the ledger before repeating the effect.
		log.Warn("claim lost during execution", zap.NamedError("execute_error", execErr))
		return true, fmt.Errorf("execute action: %w", err)
	}
	if execErr != nil {
		return true, w.handleFailure(ctx, claim, log, action, attempt, execErr)
	}

	err = w.recorder.Apply(ctx, claim, store.Change{
		To:           models.StateActionExecuted,
		Reason:       "action completed",
		ActionStatus: models.ActionStatusCompleted,
		Events: []models.EventInput{{
			Type: models.EventActionExecuted,
			Data: ActionData{Action: action, Attempt: attempt},
		}},
	})
	if err != nil {
		return true, fmt.Errorf("mark executed: %w", err)
	}
	if err := claim.Commit(ctx); err != nil {
		return true, fmt.Errorf("commit execution: %w", err)
	}
	log.Info("action executed", zap.Int("attempt", attempt))
	return true, nil
}

func (w *Worker) handleFailure(ctx context.Context, claim store.Claim, log *zap.Logger, action models.Action, attempt int, cause error) error {
	data := ActionData{Action: action, Attempt: attempt, Error: cause.Error()}

	var ch store.Change
	if attempt < w.cfg.MaxAttempts {
		log.Warn("action failed, retry scheduled", zap.Int("attempt", attempt), zap.Error(cause))
		ch = store.Change{
			ActionStatus: models.ActionStatusPending,
			Events:       []models.EventInput{{Type: models.EventActionRetryScheduled, Data: data}},
		}
	} else {
		log.Error("action failed", zap.Int("attempt", attempt), zap.Error(cause))
		ch = store.Change{
			To:           models.StateActionFailed,
			Reason:       "action failed",
			ActionStatus: models.ActionStatusFailed,
			Events:       []models.EventInput{{Type: models.EventActionFailed, Data: data}},
		}
	}

	if err := w.recorder.Apply(ctx, claim, ch); err != nil {
		return fmt.Errorf("record action failure: %w", err)
	}
	if err := claim.Commit(ctx); err != nil {
		return fmt.Errorf("commit action failure: %w", err)
	}
	return nil
}
