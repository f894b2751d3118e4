package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/flowgate/internal/audit"
	"github.com/fentz26/flowgate/internal/models"
	"github.com/fentz26/flowgate/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

// approvedWorkflow creates a workflow that is ready for the executor.
func approvedWorkflow(t *testing.T, s store.Store, action models.Action) *models.Workflow {
	t.Helper()
	ctx := context.Background()

	wf, err := s.CreateWorkflow(ctx, "Reset VPN access for Dana")
	require.NoError(t, err)

	c, err := s.ClaimByID(ctx, wf.ID, "test")
	require.NoError(t, err)
	require.NoError(t, c.Apply(ctx, store.Change{
		To:       models.StateWaitingForApproval,
		AIOutput: &models.AIOutput{Intent: "access", RecommendedAction: action, Confidence: 0.9},
	}))
	require.NoError(t, c.Apply(ctx, store.Change{
		HumanDecision: &models.HumanDecision{Decision: models.DecisionApproved, Reviewer: "ana"},
		ActionStatus:  models.ActionStatusPending,
		Events:        []models.EventInput{{Type: models.EventHumanApproved}},
	}))
	require.NoError(t, c.Commit(ctx))
	return c.Workflow()
}

func newTestExecutor(t *testing.T, s store.Store, d *Dispatcher, cfg WorkerConfig) *Worker {
	t.Helper()
	logger := zaptest.NewLogger(t)
	return NewWorker(s, audit.NewRecorder(s, logger), d, cfg, logger)
}

func TestWorkerProcessOneEmpty(t *testing.T) {
	s := newTestStore(t)
	w := newTestExecutor(t, s, NewDispatcher(s, &fakeMailer{}, nil, testEnvelope, nil), WorkerConfig{})

	processed, err := w.ProcessOne(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestWorkerIgnoresUnapproved(t *testing.T) {
	s := newTestStore(t)
	mailer := &fakeMailer{}
	w := newTestExecutor(t, s, NewDispatcher(s, mailer, nil, testEnvelope, nil), WorkerConfig{})
	ctx := context.Background()

	_, err := s.CreateWorkflow(ctx, "hello")
	require.NoError(t, err)

	processed, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, processed)
	assert.Zero(t, mailer.count())
}

func TestWorkerExecutesApprovedAction(t *testing.T) {
	s := newTestStore(t)
	mailer := &fakeMailer{}
	w := newTestExecutor(t, s, NewDispatcher(s, mailer, nil, testEnvelope, nil), WorkerConfig{})
	ctx := context.Background()

	wf := approvedWorkflow(t, s, models.ActionSendEmail)

	processed, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, 1, mailer.count())

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateActionExecuted, got.State)
	assert.Equal(t, models.ActionStatusCompleted, got.ActionStatus)
	assert.Equal(t, 1, got.ActionAttempts)

	events, err := s.Events(ctx, wf.ID)
	require.NoError(t, err)
	var types []models.EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []models.EventType{
		models.EventWorkflowCreated,
		models.EventStateTransition,
		models.EventStateTransition,
		models.EventHumanApproved,
		models.EventActionStarted,
		models.EventEmailSent,
		models.EventActionExecuted,
		models.EventStateTransition,
	}, types)

	processed, err = w.ProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, processed, "completed workflows are not claimed again")
	assert.Equal(t, 1, mailer.count())
}

func TestWorkerFailureIsTerminalByDefault(t *testing.T) {
	s := newTestStore(t)
	mailer := &fakeMailer{err: errors.New("sendgrid unavailable")}
	w := newTestExecutor(t, s, NewDispatcher(s, mailer, nil, testEnvelope, nil), WorkerConfig{})
	ctx := context.Background()

	wf := approvedWorkflow(t, s, models.ActionSendEmail)

	processed, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateActionFailed, got.State)
	assert.Equal(t, models.ActionStatusFailed, got.ActionStatus)

	assert.Len(t, eventsOfType(t, s, wf.ID, models.EventEmailFailed), 1)
	failed := eventsOfType(t, s, wf.ID, models.EventActionFailed)
	require.Len(t, failed, 1)
	var data ActionData
	require.NoError(t, failed[0].Decode(&data))
	assert.Equal(t, models.ActionSendEmail, data.Action)
	assert.Contains(t, data.Error, "sendgrid unavailable")

	processed, err = w.ProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestWorkerRetriesUpToMaxAttempts(t *testing.T) {
	s := newTestStore(t)
	issues := &fakeIssueTracker{err: errors.New("502 bad gateway")}
	w := newTestExecutor(t, s, NewDispatcher(s, nil, issues, testEnvelope, nil), WorkerConfig{MaxAttempts: 2})
	ctx := context.Background()

	wf := approvedWorkflow(t, s, models.ActionCreateTask)

	_, err := w.ProcessOne(ctx)
	require.NoError(t, err)

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateWaitingForApproval, got.State)
	assert.Equal(t, models.ActionStatusPending, got.ActionStatus)
	assert.Equal(t, 1, got.ActionAttempts)
	assert.Len(t, eventsOfType(t, s, wf.ID, models.EventActionRetryScheduled), 1)

	issues.mu.Lock()
	issues.err = nil
	issues.mu.Unlock()

	_, err = w.ProcessOne(ctx)
	require.NoError(t, err)

	got, err = s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateActionExecuted, got.State)
	assert.Equal(t, 2, got.ActionAttempts)
	assert.Equal(t, 1, issues.count())
}

func TestWorkerRetryExhausted(t *testing.T) {
	s := newTestStore(t)
	issues := &fakeIssueTracker{err: errors.New("502 bad gateway")}
	w := newTestExecutor(t, s, NewDispatcher(s, nil, issues, testEnvelope, nil), WorkerConfig{MaxAttempts: 2})
	ctx := context.Background()

	wf := approvedWorkflow(t, s, models.ActionCreateTask)

	for i := 0; i < 3; i++ {
		_, err := w.ProcessOne(ctx)
		require.NoError(t, err)
	}

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateActionFailed, got.State)
	assert.Equal(t, 2, got.ActionAttempts)
	assert.Len(t, eventsOfType(t, s, wf.ID, models.EventTaskFailed), 2)
}

func TestWorkerResumesAfterCrashWithoutRepeatingEffect(t *testing.T) {
	s := newTestStore(t)
	mailer := &fakeMailer{}
	w := newTestExecutor(t, s, NewDispatcher(s, mailer, nil, testEnvelope, nil), WorkerConfig{})
	ctx := context.Background()

	wf := approvedWorkflow(t, s, models.ActionSendEmail)

	// A previous executor sent the email and died before marking the workflow.
	c, err := s.ClaimByID(ctx, wf.ID, "crashed")
	require.NoError(t, err)
	require.NoError(t, c.Apply(ctx, store.Change{ActionStatus: models.ActionStatusExecuting, IncrementAttempts: true}))
	_, err = s.Append(ctx, wf.ID, models.EventEmailSent, EmailSentData{To: "ops@example.com", StatusCode: 202})
	require.NoError(t, err)
	require.NoError(t, c.Release(ctx))

	processed, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	assert.Zero(t, mailer.count())
	assert.Len(t, eventsOfType(t, s, wf.ID, models.EventEmailSkippedDuplicate), 1)

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateActionExecuted, got.State)
	assert.Equal(t, 2, got.ActionAttempts)
}

func TestWorkersRaceForOneWorkflow(t *testing.T) {
	s := newTestStore(t)
	issues := &fakeIssueTracker{}
	d := NewDispatcher(s, nil, issues, testEnvelope, nil)
	ctx := context.Background()

	wf := approvedWorkflow(t, s, models.ActionCreateTask)

	workers := []*Worker{
		newTestExecutor(t, s, d, WorkerConfig{}),
		newTestExecutor(t, s, d, WorkerConfig{}),
	}

	var wg sync.WaitGroup
	results := make([]bool, len(workers))
	for i, w := range workers {
		wg.Add(1)
		go func(i int, w *Worker) {
			defer wg.Done()
			processed, err := w.ProcessOne(ctx)
			assert.NoError(t, err)
			results[i] = processed
		}(i, w)
	}
	wg.Wait()

	assert.Equal(t, 1, issues.count())
	assert.Len(t, eventsOfType(t, s, wf.ID, models.EventTaskCreated), 1)
	assert.ElementsMatch(t, []bool{true, false}, results)

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateActionExecuted, got.State)
}

func TestWorkerKeepsClaimThroughSlowSend(t *testing.T) {
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "lease.db"), store.Options{ClaimTTL: 150 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	mailer := &fakeMailer{delay: 450 * time.Millisecond}
	d := NewDispatcher(s, mailer, nil, testEnvelope, nil)
	first := newTestExecutor(t, s, d, WorkerConfig{})
	second := newTestExecutor(t, s, d, WorkerConfig{})
	ctx := context.Background()

	wf := approvedWorkflow(t, s, models.ActionSendEmail)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		processed, err := first.ProcessOne(ctx)
		assert.NoError(t, err)
		assert.True(t, processed)
	}()

	// The original lease has expired but the first send is still in flight.
	time.Sleep(250 * time.Millisecond)
	processed, err := second.ProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, processed, "a renewed claim must not be taken over")
	wg.Wait()

	assert.Equal(t, 1, mailer.count())
	assert.Len(t, eventsOfType(t, s, wf.ID, models.EventEmailSent), 1)

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateActionExecuted, got.State)
}

// releaseFailingStore hands out claims whose Release always fails.
type releaseFailingStore struct {
	store.Store
}

func (s releaseFailingStore) ClaimNext(ctx context.Context, p store.Predicate, holder string) (store.Claim, error) {
	c, err := s.Store.ClaimNext(ctx, p, holder)
	if c == nil || err != nil {
		return c, err
	}
	return releaseFailingClaim{c}, nil
}

type releaseFailingClaim struct {
	store.Claim
}

func (c releaseFailingClaim) Release(ctx context.Context) error {
	c.Claim.Release(ctx)
	return errors.New("disk I/O error")
}

func TestWorkerLogsReleaseFailure(t *testing.T) {
	s := newTestStore(t)
	core, logs := observer.New(zap.WarnLevel)
	logger := zap.New(core)
	d := NewDispatcher(s, &fakeMailer{}, nil, testEnvelope, nil)
	w := NewWorker(releaseFailingStore{s}, audit.NewRecorder(s, logger), d, WorkerConfig{}, logger)

	wf := approvedWorkflow(t, s, models.ActionSendEmail)

	processed, err := w.ProcessOne(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)

	released := logs.FilterMessage("release claim").All()
	require.Len(t, released, 1)
	assert.Equal(t, wf.ID, released[0].ContextMap()["workflow_id"])
	assert.Equal(t, "disk I/O error", released[0].ContextMap()["error"])
}
