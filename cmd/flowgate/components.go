package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/fentz26/flowgate/internal/analysis"
	"github.com/fentz26/flowgate/internal/audit"
	"github.com/fentz26/flowgate/internal/connectors"
	"github.com/fentz26/flowgate/internal/connectors/linear"
	"github.com/fentz26/flowgate/internal/connectors/openai"
	"github.com/fentz26/flowgate/internal/connectors/sendgrid"
	"github.com/fentz26/flowgate/internal/dispatch"
	"github.com/fentz26/flowgate/internal/scheduler"
	"github.com/fentz26/flowgate/internal/store"
	"go.uber.org/zap"
)

// openStore opens the configured workflow store.
func openStore(ctx context.Context) (store.Store, error) {
	logger.Info("opening store",
		zap.String("driver", cfg.Database.Driver),
		zap.Duration("claim_ttl", cfg.Database.ClaimTTL))
	return store.Open(ctx, store.Config{
		Driver:   cfg.Database.Driver,
		Path:     cfg.Database.Path,
		DSN:      cfg.Database.DSN,
		MaxConns: cfg.Database.MaxConns,
		ClaimTTL: cfg.Database.ClaimTTL,
	})
}

// loops selects which poll loops a process runs.
type loops struct {
	analysis bool
	dispatch bool
}

// registerLoops builds the requested workers and registers them on sch.
func registerLoops(sch *scheduler.Scheduler, s store.Store, rec *audit.Recorder, want loops) error {
	if !want.analysis && !want.dispatch {
		return errors.New("no worker loops enabled")
	}

	if want.analysis {
		classifier, err := openai.New(openai.Config{
			APIKey:      cfg.OpenAI.APIKey,
			BaseURL:     cfg.OpenAI.BaseURL,
			Model:       cfg.OpenAI.Model,
			Temperature: cfg.OpenAI.Temperature,
			Timeout:     cfg.OpenAI.Timeout,
		})
		if err != nil {
			return fmt.Errorf("analysis loop: %w", err)
		}
		w, err := analysis.NewWorker(s, rec, classifier, cfg.Analysis.Worker(), logger)
		if err != nil {
			return err
		}
		if err := sch.Register(w, cfg.Analysis.Config); err != nil {
			return err
		}
	}

	if want.dispatch {
		dispatcher := dispatch.NewDispatcher(rec, newMailer(), newIssueTracker(), dispatch.Config{
			EmailFrom: cfg.SendGrid.From,
			EmailTo:   cfg.SendGrid.To,
		}, logger)
		w := dispatch.NewWorker(s, rec, dispatcher, dispatch.WorkerConfig{MaxAttempts: cfg.Dispatch.MaxAttempts}, logger)
		if err := sch.Register(w, cfg.Dispatch.Config); err != nil {
			return err
		}
	}
	return nil
}

// newMailer returns nil when SendGrid is not configured; email actions then
// fail with a ledgered error instead of stopping the process.
func newMailer() connectors.Mailer {
	m, err := sendgrid.New(sendgrid.Config{
		APIKey:  cfg.SendGrid.APIKey,
		Host:    cfg.SendGrid.Host,
		Timeout: cfg.SendGrid.Timeout,
	})
	if err != nil {
		logger.Warn("email delivery disabled", zap.Error(err))
		return nil
	}
	return m
}

func newIssueTracker() connectors.IssueTracker {
	c, err := linear.NewClient(linear.Config{
		APIKey:  cfg.Linear.APIKey,
		APIURL:  cfg.Linear.APIURL,
		TeamID:  cfg.Linear.TeamID,
		Timeout: cfg.Linear.Timeout,
	})
	if err != nil {
		logger.Warn("task creation disabled", zap.Error(err))
		return nil
	}
	return c
}
