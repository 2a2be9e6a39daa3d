package basic

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentrt/planqueue/model"
	"github.com/agentrt/planqueue/policy"
)

func TestEnforcePlanStep_AllowsByDefault(t *testing.T) {
	t.Parallel()

	eng := New(Options{})
	decision, err := eng.EnforcePlanStep(context.Background(), model.PlanStep{Capability: "http.get"}, nil)
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	require.Equal(t, "basic", decision.Labels["policy_engine"])
}

func TestEnforcePlanStep_BlockTakesPrecedenceOverAllow(t *testing.T) {
	t.Parallel()

	eng := New(Options{
		AllowCapabilities: []string{"http.get"},
		BlockCapabilities: []string{"http.get"},
	})
	decision, err := eng.EnforcePlanStep(context.Background(), model.PlanStep{Capability: "http.get"}, nil)
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.Equal(t, "capability_blocked", decision.DenyReason)
}

func TestEnforcePlanStep_AllowlistRejectsUnlisted(t *testing.T) {
	t.Parallel()

	eng := New(Options{AllowCapabilities: []string{"http.get"}})
	decision, err := eng.EnforcePlanStep(context.Background(), model.PlanStep{Capability: "shell.exec"}, nil)
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.Equal(t, "capability_not_allowed", decision.DenyReason)
}

func TestEnforcePlanStep_StepApprovalRequiredEscalates(t *testing.T) {
	t.Parallel()

	eng := New(Options{})
	decision, err := eng.EnforcePlanStep(context.Background(),
		model.PlanStep{Capability: "http.get", ApprovalRequired: true}, nil)
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.Equal(t, policy.DenyReasonApprovalRequired, decision.DenyReason)
}

func TestEnforcePlanStep_ApprovalCapabilityEscalates(t *testing.T) {
	t.Parallel()

	eng := New(Options{ApprovalCapabilities: []string{"payments.charge"}})
	decision, err := eng.EnforcePlanStep(context.Background(),
		model.PlanStep{Capability: "payments.charge"}, nil)
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.Equal(t, policy.DenyReasonApprovalRequired, decision.DenyReason)
}

func TestEnforcePlanStep_ApprovalLabelEscalatesOnlyWhenTrue(t *testing.T) {
	t.Parallel()

	eng := New(Options{ApprovalLabels: []string{"sensitive"}})

	decision, err := eng.EnforcePlanStep(context.Background(),
		model.PlanStep{Capability: "http.get", Labels: map[string]string{"sensitive": "false"}}, nil)
	require.NoError(t, err)
	require.True(t, decision.Allowed)

	decision, err = eng.EnforcePlanStep(context.Background(),
		model.PlanStep{Capability: "http.get", Labels: map[string]string{"sensitive": "true"}}, nil)
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.Equal(t, policy.DenyReasonApprovalRequired, decision.DenyReason)
}

func TestNew_DefaultsLabelToBasic(t *testing.T) {
	t.Parallel()

	eng := New(Options{Label: "   "})
	decision, err := eng.EnforcePlanStep(context.Background(), model.PlanStep{Capability: "http.get"}, nil)
	require.NoError(t, err)
	require.Equal(t, "basic", decision.Labels["policy_engine"])
}
