// Package dispatch executes approved actions exactly once per workflow,
// using the event ledger as the record of which side effects already
// happened.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fentz26/flowgate/internal/connectors"
	"github.com/fentz26/flowgate/internal/metrics"
	"github.com/fentz26/flowgate/internal/models"
	"github.com/fentz26/flowgate/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrMailerUnavailable indicates send_email was approved but no mailer is configured.
	ErrMailerUnavailable = errors.New("mailer not configured")

	// ErrIssueTrackerUnavailable indicates create_task was approved but no issue tracker is configured.
	ErrIssueTrackerUnavailable = errors.New("issue tracker not configured")
)

// Event payloads written by the dispatcher.
type (
	EmailSentData struct {
		To         string `json:"to"`
		StatusCode int    `json:"status_code"`
	}

	FailureData struct {
		Error string `json:"error"`
	}

	ReasonData struct {
		Reason string `json:"reason"`
	}
)

// Config holds the email envelope.
type Config struct {
	EmailFrom string
	EmailTo   string
}

// Dispatcher performs a workflow's approved side effect. Every outcome is
// appended to the ledger before Execute returns.
type Dispatcher struct {
	ledger store.Ledger
	mailer connectors.Mailer
	issues connectors.IssueTracker
	cfg    Config
	logger *zap.Logger
}

// NewDispatcher creates a dispatcher. A nil mailer or issue tracker makes
// the corresponding action fail when executed.
func NewDispatcher(ledger store.Ledger, mailer connectors.Mailer, issues connectors.IssueTracker, cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		ledger: ledger,
		mailer: mailer,
		issues: issues,
		cfg:    cfg,
		logger: logger.Named("dispatcher"),
	}
}

// Execute runs action for the workflow. Actions whose success event is
// already in the ledger are skipped. A collaborator failure is ledgered
// and returned.
func (d *Dispatcher) Execute(ctx context.Context, action models.Action, workflowID, requestText string) error {
	switch action {
	case models.ActionSendEmail:
		return d.sendEmailOnce(ctx, workflowID, requestText)
	case models.ActionCreateTask:
		return d.createTaskOnce(ctx, workflowID, requestText)
	default:
		d.logger.Info("no action executed",
			zap.String("workflow_id", workflowID),
			zap.String("action", string(action)))
		metrics.SideEffectsTotal.WithLabelValues(string(action), "none").Inc()
		return d.record(ctx, workflowID, models.EventNoAction, ReasonData{Reason: fmt.Sprintf("Unknown action: %s", action)})
	}
}

func (d *Dispatcher) sendEmailOnce(ctx context.Context, workflowID, requestText string) error {
	log := d.logger.With(zap.String("workflow_id", workflowID), zap.String("action", string(models.ActionSendEmail)))

	sent, err := d.ledger.Exists(ctx, workflowID, models.EventEmailSent)
	if err != nil {
		return fmt.Errorf("check ledger: %w", err)
	}
	if sent {
		log.Info("email skipped, already sent")
		metrics.SideEffectsTotal.WithLabelValues(string(models.ActionSendEmail), "duplicate").Inc()
		return d.record(ctx, workflowID, models.EventEmailSkippedDuplicate, ReasonData{Reason: "Email already sent"})
	}

	if d.mailer == nil {
		return d.failed(ctx, log, models.ActionSendEmail, workflowID, models.EventEmailFailed, ErrMailerUnavailable)
	}

	start := time.Now()
	receipt, err := d.mailer.Send(ctx, connectors.Email{
		To:      d.cfg.EmailTo,
		From:    d.cfg.EmailFrom,
		Subject: EmailSubject,
		Body:    RenderEmailBody(workflowID, requestText),
	})
	metrics.CollaboratorDuration.WithLabelValues("mailer").Observe(time.Since(start).Seconds())
	if err != nil {
		return d.failed(ctx, log, models.ActionSendEmail, workflowID, models.EventEmailFailed, err)
	}

	log.Info("email sent", zap.String("to", d.cfg.EmailTo), zap.Int("status_code", receipt.StatusCode))
	metrics.SideEffectsTotal.WithLabelValues(string(models.ActionSendEmail), "sent").Inc()
	return d.record(ctx, workflowID, models.EventEmailSent, EmailSentData{To: d.cfg.EmailTo, StatusCode: receipt.StatusCode})
}

func (d *Dispatcher) createTaskOnce(ctx context.Context, workflowID, requestText string) error {
	log := d.logger.With(zap.String("workflow_id", workflowID), zap.String("action", string(models.ActionCreateTask)))

	created, err := d.ledger.Exists(ctx, workflowID, models.EventTaskCreated)
	if err != nil {
		return fmt.Errorf("check ledger: %w", err)
	}
	if created {
		log.Info("task skipped, already created")
		metrics.SideEffectsTotal.WithLabelValues(string(models.ActionCreateTask), "duplicate").Inc()
		return d.record(ctx, workflowID, models.EventTaskSkippedDuplicate, ReasonData{Reason: "Task already created"})
	}

	if d.issues == nil {
		return d.failed(ctx, log, models.ActionCreateTask, workflowID, models.EventTaskFailed, ErrIssueTrackerUnavailable)
	}

	start := time.Now()
	issue, err := d.issues.CreateIssue(ctx, connectors.IssueRequest{
		Title:       TaskTitle(requestText),
		Description: RenderTaskDescription(workflowID, requestText),
	})
	metrics.CollaboratorDuration.WithLabelValues("issue_tracker").Observe(time.Since(start).Seconds())
	if err != nil {
		return d.failed(ctx, log, models.ActionCreateTask, workflowID, models.EventTaskFailed, err)
	}

	log.Info("task created", zap.String("issue", issue.Identifier), zap.String("url", issue.URL))
	metrics.SideEffectsTotal.WithLabelValues(string(models.ActionCreateTask), "sent").Inc()
	return d.record(ctx, workflowID, models.EventTaskCreated, issue)
}

// failed ledgers a collaborator error and hands it back to the caller.
func (d *Dispatcher) failed(ctx context.Context, log *zap.Logger, action models.Action, workflowID string, eventType models.EventType, cause error) error {
	log.Warn("action failed", zap.Error(cause))
	metrics.SideEffectsTotal.WithLabelValues(string(action), "failed").Inc()
	if err := d.record(ctx, workflowID, eventType, FailureData{Error: cause.Error()}); err != nil {
		return errors.Join(cause, err)
	}
	return fmt.Errorf("%s: %w", action, cause)
}

// record appends an outcome even when ctx was cancelled during the
// collaborator call; an effect that happened must reach the ledger.
func (d *Dispatcher) record(ctx context.Context, workflowID string, eventType models.EventType, data any) error {
	if _, err := d.ledger.Append(context.WithoutCancel(ctx), workflowID, eventType, data); err != nil {
		return fmt.Errorf("record %s: %w", eventType, err)
	}
	return nil
}
