package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStepState_IsTerminal(t *testing.T) {
	t.Parallel()

	terminal := []StepState{StateCompleted, StateFailed, StateRejected, StateDeadLettered}
	for _, s := range terminal {
		require.True(t, s.IsTerminal(), "expected %q to be terminal", s)
	}

	nonTerminal := []StepState{StateQueued, StateWaitingApproval, StateRunning, StateRetrying, StateApproved}
	for _, s := range nonTerminal {
		require.False(t, s.IsTerminal(), "expected %q to not be terminal", s)
	}
}

func TestApprovalDecision(t *testing.T) {
	t.Parallel()

	approved := Approved("looks fine")
	require.True(t, approved.IsApproved())
	require.Equal(t, "looks fine", approved.Rationale)

	rejected := Rejected("too risky")
	require.False(t, rejected.IsApproved())
	require.Equal(t, "too risky", rejected.Rationale)
}

func TestPlanSubject_Clone(t *testing.T) {
	t.Parallel()

	var nilSubject *PlanSubject
	require.Nil(t, nilSubject.Clone())

	subject := &PlanSubject{
		SessionID: "sess-1",
		Roles:     []string{"admin"},
		Scopes:    []string{"read", "write"},
	}
	clone := subject.Clone()
	require.Equal(t, subject.SessionID, clone.SessionID)
	require.Equal(t, subject.Roles, clone.Roles)

	clone.Roles[0] = "mutated"
	clone.Scopes = append(clone.Scopes, "admin")
	require.Equal(t, "admin", subject.Roles[0], "mutating the clone must not affect the original")
	require.Len(t, subject.Scopes, 2, "appending to the clone must not affect the original")
}

func TestPlanStep_Clone(t *testing.T) {
	t.Parallel()

	step := PlanStep{
		ID:     "step-1",
		Labels: map[string]string{"tenant": "acme"},
		Input:  map[string]any{"query": "weather"},
	}
	clone := step.Clone()

	clone.Labels["tenant"] = "other"
	clone.Input["query"] = "mutated"

	require.Equal(t, "acme", step.Labels["tenant"])
	require.Equal(t, "weather", step.Input["query"])
}

func TestCloneMaps_NilInputReturnsNil(t *testing.T) {
	t.Parallel()

	require.Nil(t, CloneStringMap(nil))
	require.Nil(t, CloneAnyMap(nil))
	require.Nil(t, CloneBoolMap(nil))
}

func TestCloneMaps_CopiesIndependently(t *testing.T) {
	t.Parallel()

	src := map[string]bool{"approved": true}
	dst := CloneBoolMap(src)
	dst["approved"] = false
	require.True(t, src["approved"])
}
