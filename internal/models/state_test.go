package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateReceived, StateAIAnalyzed, true},
		{StateAIAnalyzed, StateWaitingForApproval, true},
		{StateAIAnalyzed, StateAIFailed, true},
		{StateAIAnalyzed, StateRejected, true},
		{StateWaitingForApproval, StateActionExecuted, true},
		{StateWaitingForApproval, StateActionFailed, true},
		{StateWaitingForApproval, StateRejected, true},
		{StateReceived, StateWaitingForApproval, false},
		{StateWaitingForApproval, StateAIAnalyzed, false},
		{StateAIAnalyzed, StateActionExecuted, false},
		{StateActionExecuted, StateWaitingForApproval, false},
		{StateRejected, StateAIAnalyzed, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	all := []State{
		StateReceived, StateAIAnalyzed, StateWaitingForApproval,
		StateActionExecuted, StateActionFailed, StateRejected, StateAIFailed,
	}
	for _, from := range all {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range all {
			assert.False(t, CanTransition(from, to), "%s is terminal but can reach %s", from, to)
		}
	}
}

func TestValidateTransitionError(t *testing.T) {
	err := ValidateTransition(StateRejected, StateAIAnalyzed)
	require.Error(t, err)

	var te *InvalidTransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, StateRejected, te.From)
	assert.Equal(t, StateAIAnalyzed, te.To)
}

func TestValidatePath(t *testing.T) {
	ok := []TransitionData{
		{From: StateReceived, To: StateAIAnalyzed},
		{From: StateAIAnalyzed, To: StateWaitingForApproval},
		{From: StateWaitingForApproval, To: StateActionExecuted},
	}
	assert.NoError(t, ValidatePath(ok))

	gap := []TransitionData{
		{From: StateReceived, To: StateAIAnalyzed},
		{From: StateWaitingForApproval, To: StateActionExecuted},
	}
	assert.Error(t, ValidatePath(gap))

	assert.NoError(t, ValidatePath(nil))
}

func TestActionAndDecisionValid(t *testing.T) {
	assert.True(t, ActionSendEmail.Valid())
	assert.True(t, ActionReject.Valid())
	assert.False(t, Action("call_api").Valid())

	assert.True(t, DecisionApproved.Valid())
	assert.False(t, Decision("maybe").Valid())
}
