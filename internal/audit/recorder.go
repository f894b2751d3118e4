// Package audit records workflow activity: ledger appends and state
// transitions, each logged and counted as it is written.
package audit

import (
	"context"

	"github.com/fentz26/flowgate/internal/metrics"
	"github.com/fentz26/flowgate/internal/models"
	"github.com/fentz26/flowgate/internal/store"
	"go.uber.org/zap"
)

// Recorder wraps a ledger so every append and claim change leaves a log line
// and a metric behind. It satisfies store.Ledger.
type Recorder struct {
	ledger store.Ledger
	logger *zap.Logger
}

var _ store.Ledger = (*Recorder)(nil)

// NewRecorder creates a recorder over ledger.
func NewRecorder(ledger store.Ledger, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{ledger: ledger, logger: logger.Named("audit")}
}

// Append durably records one event.
func (r *Recorder) Append(ctx context.Context, workflowID string, eventType models.EventType, data any) (*models.Event, error) {
	ev, err := r.ledger.Append(ctx, workflowID, eventType, data)
	if err != nil {
		r.logger.Error("ledger append failed",
			zap.String("workflow_id", workflowID),
			zap.String("event_type", string(eventType)),
			zap.Error(err))
		return nil, err
	}
	metrics.LedgerAppendsTotal.WithLabelValues(string(eventType)).Inc()
	r.logger.Debug("event recorded",
		zap.String("workflow_id", workflowID),
		zap.String("event_type", string(eventType)),
		zap.Int64("event_id", ev.ID))
	return ev, nil
}

func (r *Recorder) Exists(ctx context.Context, workflowID string, eventType models.EventType) (bool, error) {
	return r.ledger.Exists(ctx, workflowID, eventType)
}

func (r *Recorder) Events(ctx context.Context, workflowID string) ([]models.Event, error) {
	return r.ledger.Events(ctx, workflowID)
}

// Apply writes ch through claim and records the transition it made, if any.
func (r *Recorder) Apply(ctx context.Context, claim store.Claim, ch store.Change) error {
	from := claim.Workflow().State
	if err := claim.Apply(ctx, ch); err != nil {
		return err
	}
	if ch.To != "" {
		metrics.TransitionsTotal.WithLabelValues(string(from), string(ch.To)).Inc()
		r.logger.Info("workflow transitioned",
			zap.String("workflow_id", claim.Workflow().ID),
			zap.String("from", string(from)),
			zap.String("to", string(ch.To)),
			zap.String("reason", ch.Reason))
	}
	return nil
}
