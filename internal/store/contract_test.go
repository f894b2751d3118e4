package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/fentz26/flowgate/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var readyForDispatch = Predicate{
	State:          models.StateWaitingForApproval,
	ActionStatuses: []models.ActionStatus{models.ActionStatusPending, models.ActionStatusExecuting},
}

var analysisOutput = &models.AIOutput{Intent: "billing", RecommendedAction: models.ActionSendEmail, Confidence: 0.9}

// runStoreContract exercises behaviour every backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateWorkflow", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		wf, err := s.CreateWorkflow(ctx, "Please refund order 42")
		require.NoError(t, err)
		assert.NotEmpty(t, wf.ID)
		assert.Equal(t, models.StateAIAnalyzed, wf.State)
		assert.Nil(t, wf.AIOutput)
		assert.Nil(t, wf.HumanDecision)
		assert.Equal(t, models.ActionStatusNone, wf.ActionStatus)

		got, err := s.GetWorkflow(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, wf.RequestText, got.RequestText)
		assert.Equal(t, models.StateAIAnalyzed, got.State)

		events, err := s.Events(ctx, wf.ID)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, models.EventWorkflowCreated, events[0].Type)
		assert.Equal(t, models.EventStateTransition, events[1].Type)

		var tr models.TransitionData
		require.NoError(t, events[1].Decode(&tr))
		assert.Equal(t, models.StateReceived, tr.From)
		assert.Equal(t, models.StateAIAnalyzed, tr.To)
	})

	t.Run("GetWorkflowNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetWorkflow(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ListWorkflows", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		first, err := s.CreateWorkflow(ctx, "first")
		require.NoError(t, err)
		second, err := s.CreateWorkflow(ctx, "second")
		require.NoError(t, err)

		all, err := s.ListWorkflows(ctx, "")
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, second.ID, all[0].ID, "newest first")
		assert.Equal(t, first.ID, all[1].ID)

		analyzed, err := s.ListWorkflows(ctx, models.StateAIAnalyzed)
		require.NoError(t, err)
		assert.Len(t, analyzed, 2)

		failed, err := s.ListWorkflows(ctx, models.StateAIFailed)
		require.NoError(t, err)
		assert.Empty(t, failed)
	})

	t.Run("ClaimNextIsFIFOAndExclusive", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		a, err := s.CreateWorkflow(ctx, "a")
		require.NoError(t, err)
		b, err := s.CreateWorkflow(ctx, "b")
		require.NoError(t, err)

		p := Predicate{State: models.StateAIAnalyzed}
		c1, err := s.ClaimNext(ctx, p, "worker-1")
		require.NoError(t, err)
		require.NotNil(t, c1)
		defer c1.Release(ctx)
		assert.Equal(t, a.ID, c1.Workflow().ID)

		c2, err := s.ClaimNext(ctx, p, "worker-2")
		require.NoError(t, err)
		require.NotNil(t, c2)
		defer c2.Release(ctx)
		assert.Equal(t, b.ID, c2.Workflow().ID)

		c3, err := s.ClaimNext(ctx, p, "worker-3")
		require.NoError(t, err)
		assert.Nil(t, c3)
	})

	t.Run("ClaimNextEmpty", func(t *testing.T) {
		s := newStore(t)
		c, err := s.ClaimNext(context.Background(), readyForDispatch, "worker")
		require.NoError(t, err)
		assert.Nil(t, c)
	})

	t.Run("ApplyAndCommit", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		wf, err := s.CreateWorkflow(ctx, "hello")
		require.NoError(t, err)

		c, err := s.ClaimNext(ctx, Predicate{State: models.StateAIAnalyzed}, "worker")
		require.NoError(t, err)
		require.NotNil(t, c)

		err = c.Apply(ctx, Change{
			To:       models.StateWaitingForApproval,
			Reason:   "analysis complete",
			AIOutput: analysisOutput,
			Events:   []models.EventInput{{Type: models.EventAIAnalyzed, Data: analysisOutput}},
		})
		require.NoError(t, err)
		assert.Equal(t, models.StateWaitingForApproval, c.Workflow().State)
		require.NoError(t, c.Commit(ctx))

		got, err := s.GetWorkflow(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StateWaitingForApproval, got.State)
		require.NotNil(t, got.AIOutput)
		assert.Equal(t, *analysisOutput, *got.AIOutput)

		events, err := s.Events(ctx, wf.ID)
		require.NoError(t, err)
		require.Len(t, events, 4)
		assert.Equal(t, models.EventAIAnalyzed, events[2].Type)
		assert.Equal(t, models.EventStateTransition, events[3].Type)

		again, err := s.ClaimNext(ctx, Predicate{State: models.StateAIAnalyzed}, "worker")
		require.NoError(t, err)
		assert.Nil(t, again)
	})

	t.Run("ReleaseMakesWorkflowClaimableAgain", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		wf, err := s.CreateWorkflow(ctx, "hello")
		require.NoError(t, err)

		c, err := s.ClaimNext(ctx, Predicate{State: models.StateAIAnalyzed}, "worker-1")
		require.NoError(t, err)
		require.NotNil(t, c)
		require.NoError(t, c.Release(ctx))

		c2, err := s.ClaimNext(ctx, Predicate{State: models.StateAIAnalyzed}, "worker-2")
		require.NoError(t, err)
		require.NotNil(t, c2)
		defer c2.Release(ctx)
		assert.Equal(t, wf.ID, c2.Workflow().ID)
	})

	t.Run("ApplyRejectsInvalidTransition", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		wf, err := s.CreateWorkflow(ctx, "hello")
		require.NoError(t, err)

		c, err := s.ClaimByID(ctx, wf.ID, "worker")
		require.NoError(t, err)
		defer c.Release(ctx)

		err = c.Apply(ctx, Change{To: models.StateActionExecuted})
		var invalid *models.InvalidTransitionError
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, models.StateAIAnalyzed, invalid.From)
		assert.Equal(t, models.StateAIAnalyzed, c.Workflow().State)
	})

	t.Run("WriteOnceFields", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		wf, err := s.CreateWorkflow(ctx, "hello")
		require.NoError(t, err)

		c, err := s.ClaimByID(ctx, wf.ID, "worker")
		require.NoError(t, err)
		defer c.Release(ctx)

		require.NoError(t, c.Apply(ctx, Change{To: models.StateWaitingForApproval, AIOutput: analysisOutput}))
		err = c.Apply(ctx, Change{AIOutput: analysisOutput})
		assert.ErrorIs(t, err, ErrAlreadySet)

		decision := &models.HumanDecision{Decision: models.DecisionApproved, Reviewer: "ana"}
		require.NoError(t, c.Apply(ctx, Change{HumanDecision: decision, ActionStatus: models.ActionStatusPending}))
		err = c.Apply(ctx, Change{HumanDecision: decision})
		assert.ErrorIs(t, err, ErrAlreadySet)
	})

	t.Run("ClaimByID", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.ClaimByID(ctx, "missing", "worker")
		assert.ErrorIs(t, err, ErrNotFound)

		wf, err := s.CreateWorkflow(ctx, "hello")
		require.NoError(t, err)

		c, err := s.ClaimByID(ctx, wf.ID, "worker-1")
		require.NoError(t, err)

		_, err = s.ClaimByID(ctx, wf.ID, "worker-2")
		assert.ErrorIs(t, err, ErrWorkflowBusy)

		require.NoError(t, c.Release(ctx))
		c2, err := s.ClaimByID(ctx, wf.ID, "worker-2")
		require.NoError(t, err)
		require.NoError(t, c2.Release(ctx))
	})

	t.Run("DispatchPredicateMatchesActionStatus", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		wf, err := s.CreateWorkflow(ctx, "hello")
		require.NoError(t, err)

		c, err := s.ClaimByID(ctx, wf.ID, "worker")
		require.NoError(t, err)
		require.NoError(t, c.Apply(ctx, Change{To: models.StateWaitingForApproval, AIOutput: analysisOutput}))
		require.NoError(t, c.Commit(ctx))

		none, err := s.ClaimNext(ctx, readyForDispatch, "dispatcher")
		require.NoError(t, err)
		assert.Nil(t, none, "not approved yet")

		c, err = s.ClaimByID(ctx, wf.ID, "api")
		require.NoError(t, err)
		require.NoError(t, c.Apply(ctx, Change{
			HumanDecision: &models.HumanDecision{Decision: models.DecisionApproved, Reviewer: "ana"},
			ActionStatus:  models.ActionStatusPending,
		}))
		require.NoError(t, c.Commit(ctx))

		ready, err := s.ClaimNext(ctx, readyForDispatch, "dispatcher")
		require.NoError(t, err)
		require.NotNil(t, ready)
		defer ready.Release(ctx)
		assert.Equal(t, wf.ID, ready.Workflow().ID)
		assert.Equal(t, models.ActionStatusPending, ready.Workflow().ActionStatus)
	})

	t.Run("LedgerAppendWhileClaimed", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		wf, err := s.CreateWorkflow(ctx, "hello")
		require.NoError(t, err)

		c, err := s.ClaimByID(ctx, wf.ID, "worker")
		require.NoError(t, err)
		defer c.Release(ctx)

		exists, err := s.Exists(ctx, wf.ID, models.EventEmailSent)
		require.NoError(t, err)
		assert.False(t, exists)

		ev, err := s.Append(ctx, wf.ID, models.EventEmailSent, map[string]any{"to": "ops@example.com", "status_code": 202})
		require.NoError(t, err)
		assert.NotZero(t, ev.ID)

		exists, err = s.Exists(ctx, wf.ID, models.EventEmailSent)
		require.NoError(t, err)
		assert.True(t, exists)

		_, err = s.Append(ctx, wf.ID, models.EventNoAction, nil)
		require.NoError(t, err)

		events, err := s.Events(ctx, wf.ID)
		require.NoError(t, err)
		require.Len(t, events, 4)
		assert.Equal(t, models.EventEmailSent, events[2].Type)
		assert.Equal(t, models.EventNoAction, events[3].Type)
		assert.Empty(t, events[3].Data)

		var payload struct {
			To         string `json:"to"`
			StatusCode int    `json:"status_code"`
		}
		require.NoError(t, events[2].Decode(&payload))
		assert.Equal(t, 202, payload.StatusCode)
	})

	t.Run("ConcurrentClaimsNeverOverlap", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		const total = 12
		for i := 0; i < total; i++ {
			_, err := s.CreateWorkflow(ctx, fmt.Sprintf("request %d", i))
			require.NoError(t, err)
		}

		var (
			mu      sync.Mutex
			handled = map[string]int{}
			wg      sync.WaitGroup
		)
		errs := make(chan error, 4)
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(holder string) {
				defer wg.Done()
				for {
					c, err := s.ClaimNext(ctx, Predicate{State: models.StateAIAnalyzed}, holder)
					if err != nil {
						errs <- err
						return
					}
					if c == nil {
						return
					}
					if err := c.Apply(ctx, Change{To: models.StateWaitingForApproval, AIOutput: analysisOutput}); err != nil {
						c.Release(ctx)
						errs <- err
						return
					}
					if err := c.Commit(ctx); err != nil {
						errs <- err
						return
					}
					mu.Lock()
					handled[c.Workflow().ID]++
					mu.Unlock()
				}
			}(fmt.Sprintf("worker-%d", w))
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		assert.Len(t, handled, total)
		for id, n := range handled {
			assert.Equal(t, 1, n, "workflow %s handled more than once", id)
		}
	})

	t.Run("ClosedClaim", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		wf, err := s.CreateWorkflow(ctx, "hello")
		require.NoError(t, err)
		c, err := s.ClaimByID(ctx, wf.ID, "worker")
		require.NoError(t, err)
		require.NoError(t, c.Release(ctx))
		require.NoError(t, c.Release(ctx))

		err = c.Apply(ctx, Change{To: models.StateWaitingForApproval})
		assert.True(t, errors.Is(err, ErrClaimClosed))
	})
}
