package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fentz26/flowgate/internal/audit"
	"github.com/fentz26/flowgate/internal/connectors"
	"github.com/fentz26/flowgate/internal/metrics"
	"github.com/fentz26/flowgate/internal/models"
	"github.com/fentz26/flowgate/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrInvalidFailureState indicates a failure state the state machine cannot reach from AI_ANALYZED.
var ErrInvalidFailureState = errors.New("analysis failure state must be AI_FAILED or REJECTED")

// Config controls how analysis failures are recorded.
type Config struct {
	// FailureState receives workflows whose classification failed.
	FailureState models.State
}

// Validate checks FailureState.
func (c Config) Validate() error {
	switch c.FailureState {
	case models.StateAIFailed, models.StateRejected:
		return nil
	}
	return fmt.Errorf("%w: got %q", ErrInvalidFailureState, c.FailureState)
}

// FailureData is the payload of an AI_FAILED event.
type FailureData struct {
	Error string `json:"error"`
	Raw   string `json:"raw,omitempty"`
}

// Worker classifies one AI_ANALYZED workflow per ProcessOne call.
type Worker struct {
	store      store.Store
	recorder   *audit.Recorder
	classifier connectors.Classifier
	cfg        Config
	logger     *zap.Logger
}

// NewWorker creates an analysis worker. A zero FailureState means AI_FAILED.
func NewWorker(s store.Store, rec *audit.Recorder, classifier connectors.Classifier, cfg Config, logger *zap.Logger) (*Worker, error) {
	if cfg.FailureState == "" {
		cfg.FailureState = models.StateAIFailed
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		store:      s,
		recorder:   rec,
		classifier: classifier,
		cfg:        cfg,
		logger:     logger.Named("analysis"),
	}, nil
}

// Name identifies the worker's poll loop.
func (w *Worker) Name() string { return "analysis" }

// ProcessOne claims the oldest AI_ANALYZED workflow and classifies it. It
// reports false when there was nothing to claim. A classification failure
// is recorded on the workflow and is not an error.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	holder := "analysis-" + uuid.NewString()
	claim, err := w.store.ClaimNext(ctx, store.Predicate{State: models.StateAIAnalyzed}, holder)
	if err != nil {
		return false, fmt.Errorf("claim workflow: %w", err)
	}
	if claim == nil {
		return false, nil
	}

	wf := claim.Workflow()
	log := w.logger.With(zap.String("workflow_id", wf.ID), zap.String("holder", holder))
	defer func() {
		if err := claim.Release(ctx); err != nil {
			log.Warn("release claim", zap.Error(err))
		}
	}()
	log.Debug("workflow claimed")

	held, stop := store.KeepAlive(ctx, claim)
	defer stop()
	start := time.Now()
	raw, err := w.classifier.Classify(held, wf.RequestText)
	metrics.CollaboratorDuration.WithLabelValues("classifier").Observe(time.Since(start).Seconds())
	if lost := stop(); lost != nil {
		return true, fmt.Errorf("classify: %w", lost)
	}
	if err != nil {
		log.Warn("classifier failed", zap.Error(err))
		return true, w.fail(ctx, claim, "classifier error", FailureData{Error: err.Error()})
	}

	out, err := ParseOutput(raw)
	if err != nil {
		log.Warn("classifier output rejected", zap.Error(err))
		return true, w.fail(ctx, claim, "invalid AI output", FailureData{Error: err.Error(), Raw: string(raw)})
	}

	err = w.recorder.Apply(ctx, claim, store.Change{
		To:       models.StateWaitingForApproval,
		Reason:   "AI output validated",
		AIOutput: out,
		Events:   []models.EventInput{{Type: models.EventAIAnalyzed, Data: out}},
	})
	if err != nil {
		return true, fmt.Errorf("record analysis: %w", err)
	}
	if err := claim.Commit(ctx); err != nil {
		return true, fmt.Errorf("commit analysis: %w", err)
	}

	log.Info("workflow analyzed",
		zap.String("intent", out.Intent),
		zap.String("recommended_action", string(out.RecommendedAction)),
		zap.Float64("confidence", out.Confidence))
	return true, nil
}

func (w *Worker) fail(ctx context.Context, claim store.Claim, reason string, data FailureData) error {
	err := w.recorder.Apply(ctx, claim, store.Change{
		To:     w.cfg.FailureState,
		Reason: reason,
		Events: []models.EventInput{{Type: models.EventAIFailed, Data: data}},
	})
	if err != nil {
		return fmt.Errorf("record analysis failure: %w", err)
	}
	if err := claim.Commit(ctx); err != nil {
		return fmt.Errorf("commit analysis failure: %w", err)
	}
	return nil
}
